// Package httpapi serves the authorization backend over HTTP with gin.
//
// Every route declares exactly one requirement. Public routes skip token
// resolution; all others run ginmw.Auth followed by ginmw.Require.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/authz"
	"github.com/chimerakang/authctx-go/jwks"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/chimerakang/authctx-go/middleware/ginmw"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes served by the API.
const (
	PathHealth      = "/healthz"
	PathMetrics     = "/metrics"
	PathJWKS        = "/.well-known/jwks.json"
	PathToken       = "/api/v1/oauth/token"
	PathImpersonate = "/v1/admin/impersonate"
	PathUsers       = "/v1/admin/users"
	PathTenants     = "/v1/admin/tenants"
	PathMe          = "/v1/me"
)

// HeaderRequestID carries the request id, echoed on every response.
const HeaderRequestID = "X-Request-ID"

// KeySet publishes the keys tokens are verified with.
type KeySet interface {
	JWKS() jwks.Document
}

// Deps are the services the API exposes. Client is required; a route whose
// service is nil is not mounted.
type Deps struct {
	Client       *authctx.Client
	Impersonator authctx.Impersonator
	Refresher    authctx.SessionRefresher
	Keys         KeySet
	Gatherer     prometheus.Gatherer
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	engine  *gin.Engine
	routes  *authz.RouteTable
	limiter *RateLimiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger
	now     func() time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l.With("component", "httpapi") }
}

// WithMetrics records authentication outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAudit sets the audit logger used for token refreshes and admin listings.
func WithAudit(a *audit.Logger) Option {
	return func(s *Server) { s.audit = a }
}

// WithRateLimiter limits impersonation requests per caller.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds the router.
func New(deps Deps, opts ...Option) (*Server, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("authctx/httpapi: client is required")
	}
	s := &Server{
		deps:   deps,
		engine: gin.New(),
		routes: authz.NewRouteTable(),
		logger: deps.Client.Logger().With("component", "httpapi"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	s.engine.Use(gin.Recovery(), s.requestID(), s.accessLog())
	if err := s.mount(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the http.Handler serving the API.
func (s *Server) Handler() http.Handler { return s.engine }

// Routes returns the requirement declared for every mounted route.
func (s *Server) Routes() *authz.RouteTable { return s.routes }

func (s *Server) mount() error {
	if err := s.route(http.MethodGet, PathHealth, authz.Public(), s.health); err != nil {
		return err
	}
	if s.deps.Gatherer != nil {
		h := promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
		if err := s.route(http.MethodGet, PathMetrics, authz.Public(), gin.WrapH(h)); err != nil {
			return err
		}
	}
	if s.deps.Keys != nil {
		if err := s.route(http.MethodGet, PathJWKS, authz.Public(), s.jwks); err != nil {
			return err
		}
	}
	if s.deps.Refresher != nil {
		if err := s.route(http.MethodPost, PathToken, authz.Public(), s.token); err != nil {
			return err
		}
	}
	if s.deps.Impersonator != nil {
		// the exchange authenticates the admin itself and answers in its own error shape
		handlers := []gin.HandlerFunc{s.impersonate}
		if s.limiter != nil {
			handlers = append([]gin.HandlerFunc{s.limiter.Middleware()}, handlers...)
		}
		if err := s.route(http.MethodPost, PathImpersonate, authz.Public(), handlers...); err != nil {
			return err
		}
	}
	if s.deps.Client.Users() != nil {
		if err := s.route(http.MethodGet, PathUsers, authz.PlatformAdmin(), s.listUsers); err != nil {
			return err
		}
	}
	if s.deps.Client.Tenants() != nil {
		if err := s.route(http.MethodGet, PathTenants, authz.PlatformAdmin(), s.listTenants); err != nil {
			return err
		}
	}
	return s.route(http.MethodGet, PathMe, authz.Authenticated(), s.me)
}

// route registers path with exactly one requirement.
func (s *Server) route(method, path string, p authz.Policy, handlers ...gin.HandlerFunc) error {
	if err := s.routes.Register(path, p); err != nil {
		return fmt.Errorf("authctx/httpapi: route %s: %w", path, err)
	}
	if p.Requirement != authz.RequirePublic {
		handlers = append([]gin.HandlerFunc{
			ginmw.Auth(s.deps.Client, ginmw.WithMetrics(s.metrics)),
			ginmw.Require(p),
		}, handlers...)
	}
	s.engine.Handle(method, path, handlers...)
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(audit.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", s.now().Sub(start),
			"request_id", audit.RequestID(c.Request.Context()))
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.deps.Client.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) jwks(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, s.deps.Keys.JWKS())
}

// errorStatus maps the error taxonomy to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, authctx.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, authctx.ErrForbidden), errors.Is(err, authctx.ErrNotAMember):
		return http.StatusForbidden
	case errors.Is(err, authctx.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, authctx.ErrUserNotFound), errors.Is(err, authctx.ErrTenantNotFound), errors.Is(err, authctx.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, authctx.ErrBackendUnavailable), errors.Is(err, authctx.ErrStaleContext):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
