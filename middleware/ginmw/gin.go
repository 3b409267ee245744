// Package ginmw provides Gin HTTP middleware for authorization contexts.
//
// Auth resolves the bearer token into an authctx.AuthorizationContext through
// an *authctx.Client. Require evaluates a route policy against it with the
// same rules the client-side guards use.
package ginmw

import (
	"errors"
	"net/http"
	"strings"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/authz"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/gin-gonic/gin"
)

// Context keys for storing authorization data in gin.Context.
const (
	KeyAuthorization = "authctx_authorization"
	KeyUserID        = "authctx_user_id"
	KeyTenantID      = "authctx_tenant_id"
	KeyEmail         = "authctx_email"
)

// HeaderTenantID selects the active tenant of a request.
const HeaderTenantID = "X-Tenant-ID"

const transportHTTP = "http"

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
	optional      bool
	metrics       *metrics.Metrics
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// WithMetrics records authentication outcomes.
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(cfg *authConfig) { cfg.metrics = m }
}

// WithOptional lets requests without a usable credential through as signed
// out, leaving the decision to Require.
func WithOptional() AuthOption {
	return func(cfg *authConfig) { cfg.optional = true }
}

// Auth returns Gin middleware that resolves the bearer token via
// client.ResolveToken. The requested tenant comes from the X-Tenant-ID header.
// On success the context is stored in gin.Context and in the request context.
// Responds with 401 for a missing or invalid token, 403 when the requested
// tenant is not one of the caller's and 503 when resolution is unavailable.
func Auth(client *authctx.Client, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			cfg.metrics.RecordAuthFailure(transportHTTP, "missing_token")
			if cfg.optional {
				store(c, authctx.SignedOut())
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}

		ac, err := client.ResolveToken(c.Request.Context(), tokenStr, c.GetHeader(HeaderTenantID))
		switch {
		case err == nil:
			cfg.metrics.RecordAuthSuccess(transportHTTP)
		case errors.Is(err, authctx.ErrUnauthenticated) && cfg.optional:
			cfg.metrics.RecordAuthFailure(transportHTTP, "invalid_token")
			ac = authctx.SignedOut()
		case errors.Is(err, authctx.ErrUnauthenticated):
			cfg.metrics.RecordAuthFailure(transportHTTP, "invalid_token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		case errors.Is(err, authctx.ErrNotAMember):
			cfg.metrics.RecordAuthFailure(transportHTTP, "not_a_member")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a member of this tenant"})
			return
		default:
			cfg.metrics.RecordAuthFailure(transportHTTP, "unavailable")
			client.Logger().Warn("authorization context unavailable", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authorization unavailable"})
			return
		}

		store(c, ac)
		c.Next()
	}
}

// Require returns Gin middleware that evaluates p against the context stored
// by Auth. Without Auth the caller counts as signed out.
func Require(p authz.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac, ok := GetAuthorization(c)
		if !ok {
			ac = authctx.SignedOut()
		}

		d := authz.Evaluate(p, ac, c.Request.URL.RequestURI())
		if d.Outcome == authz.Allowed {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(StatusCode(d), gin.H{"error": d.Outcome.String(), "reason": string(d.Reason)})
	}
}

// RequireRoutes evaluates each request against the policy rt assigns to its path.
func RequireRoutes(rt *authz.RouteTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		Require(rt.Lookup(c.Request.URL.Path))(c)
	}
}

// StatusCode maps a decision to an HTTP status.
func StatusCode(d authz.Decision) int {
	switch d.Outcome {
	case authz.Allowed:
		return http.StatusOK
	case authz.RedirectToLogin:
		return http.StatusUnauthorized
	case authz.RedirectForbidden:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// --- Context helpers ---

// GetAuthorization returns the resolved context from the Gin context.
func GetAuthorization(c *gin.Context) (authctx.AuthorizationContext, bool) {
	v, ok := c.Get(KeyAuthorization)
	if !ok {
		return authctx.AuthorizationContext{}, false
	}
	ac, ok := v.(authctx.AuthorizationContext)
	return ac, ok
}

// GetUserID returns the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(KeyUserID)
}

// GetTenantID returns the active tenant ID from the Gin context.
func GetTenantID(c *gin.Context) string {
	return c.GetString(KeyTenantID)
}

// GetEmail returns the user's email from the Gin context.
func GetEmail(c *gin.Context) string {
	return c.GetString(KeyEmail)
}

// --- internal helpers ---

func store(c *gin.Context, ac authctx.AuthorizationContext) {
	c.Set(KeyAuthorization, ac)
	if ac.Principal != nil {
		c.Set(KeyUserID, ac.Principal.ID)
		c.Set(KeyEmail, ac.Principal.Email)
	}
	c.Set(KeyTenantID, ac.ActiveTenantID)
	c.Request = c.Request.WithContext(authctx.WithAuthorization(c.Request.Context(), ac))
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
