// Package kratosmw provides Kratos framework middleware for authorization contexts.
//
// Works transparently with both Kratos HTTP and gRPC transports.
package kratosmw

import (
	"context"
	stderrors "errors"
	"strings"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/authz"
	"github.com/chimerakang/authctx-go/session"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// HeaderTenantID selects the active tenant of a request.
const HeaderTenantID = "X-Tenant-ID"

// Error reasons carried by the kratos errors this package returns.
const (
	ReasonUnauthorized = "UNAUTHORIZED"
	ReasonForbidden    = "FORBIDDEN"
	ReasonNotAMember   = "NOT_A_MEMBER"
	ReasonUnavailable  = "UNAVAILABLE"
)

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedOperations map[string]bool
}

// WithExcludedOperations sets operations that skip authentication (e.g. health checks).
// Operations are matched by transport.Operation() (gRPC method or HTTP route pattern).
func WithExcludedOperations(ops ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, op := range ops {
			cfg.excludedOperations[op] = true
		}
	}
}

// Auth returns Kratos middleware that resolves the bearer token via
// client.ResolveToken and stores the result with authctx.WithAuthorization.
// Returns kratos errors.Unauthorized if the token is missing or invalid.
func Auth(client *authctx.Client, opts ...AuthOption) middleware.Middleware {
	cfg := &authConfig{excludedOperations: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}

			if cfg.excludedOperations[tr.Operation()] {
				return handler(ctx, req)
			}

			tokenStr := extractBearerToken(tr.RequestHeader().Get("Authorization"))
			if tokenStr == "" {
				return nil, errors.Unauthorized(ReasonUnauthorized, "missing authorization token")
			}

			ac, err := client.ResolveToken(ctx, tokenStr, tr.RequestHeader().Get(HeaderTenantID))
			switch {
			case err == nil:
			case stderrors.Is(err, authctx.ErrUnauthenticated):
				return nil, errors.Unauthorized(ReasonUnauthorized, "invalid token")
			case stderrors.Is(err, authctx.ErrNotAMember):
				return nil, errors.Forbidden(ReasonNotAMember, "not a member of this tenant")
			default:
				client.Logger().Warn("authorization context unavailable", "operation", tr.Operation(), "error", err)
				return nil, errors.ServiceUnavailable(ReasonUnavailable, "authorization unavailable")
			}

			return handler(authctx.WithAuthorization(ctx, ac), req)
		}
	}
}

// Require returns Kratos middleware that evaluates p against the context
// stored by Auth. Without Auth the caller counts as signed out.
func Require(p authz.Policy) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			ac, ok := authctx.FromContext(ctx)
			if !ok {
				ac = authctx.SignedOut()
			}
			var op string
			if tr, ok := transport.FromServerContext(ctx); ok {
				op = tr.Operation()
			}

			if d := authz.Evaluate(p, ac, op); d.Outcome != authz.Allowed {
				return nil, DecisionError(d)
			}
			return handler(ctx, req)
		}
	}
}

// DecisionError converts a non-allowed decision into a kratos error.
func DecisionError(d authz.Decision) *errors.Error {
	msg := d.Outcome.String()
	if d.Reason != authz.ReasonNone {
		msg += ": " + string(d.Reason)
	}
	switch d.Outcome {
	case authz.RedirectToLogin:
		return errors.Unauthorized(ReasonUnauthorized, msg)
	case authz.RedirectForbidden:
		return errors.Forbidden(ReasonForbidden, msg).WithMetadata(map[string]string{"redirect": d.Redirect})
	default:
		return errors.ServiceUnavailable(ReasonUnavailable, msg)
	}
}

// SessionCredentials returns Kratos client-side middleware that injects the
// bearer token and active tenant of sc into outgoing requests. The session is
// refreshed first when it is close to expiry.
func SessionCredentials(sc *session.Context) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			if _, err := sc.RefreshIfNeeded(ctx); err != nil && !authctx.Retryable(err) {
				return nil, errors.Unauthorized(ReasonUnauthorized, "session refresh failed")
			}
			s, ok := sc.Session()
			if !ok {
				return nil, errors.Unauthorized(ReasonUnauthorized, "no session")
			}

			if tr, ok := transport.FromClientContext(ctx); ok {
				tr.RequestHeader().Set("Authorization", "Bearer "+s.AccessToken)
				if tenant := sc.Snapshot().ActiveTenantID; tenant != "" {
					tr.RequestHeader().Set(HeaderTenantID, tenant)
				}
			}

			return handler(ctx, req)
		}
	}
}

// --- internal helpers ---

func extractBearerToken(auth string) string {
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
