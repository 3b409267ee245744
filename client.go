// Package authctx provides the multi-tenant authorization and session-context core.
//
// It resolves, for an authenticated principal, platform-admin privilege, tenant
// memberships and the single active tenant, and defines how a platform
// administrator may impersonate another user. Concrete backends are injected
// via Option functions, making the package independent of any identity server.
//
// Example usage:
//
//	client, err := authctx.NewClient(
//	    authctx.Config{JWKSUrl: "https://auth.example.com/.well-known/jwks.json"},
//	    authctx.WithClaimsResolver(claims.NewResolver(verifier)),
//	    authctx.WithMembershipStore(membership.New(backend)),
//	)
package authctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Client bundles the services the authorization core depends on.
// Service implementations are injected via Option functions.
type Client struct {
	config      Config
	logger      *slog.Logger
	verifier    TokenVerifier
	claims      ClaimsResolver
	memberships MembershipStore
	users       UserDirectory
	tenants     TenantDirectory
	impersonate Impersonator
	refresher   SessionRefresher
}

// Config holds connection and behavior configuration.
type Config struct {
	// Endpoint is the base URL of the authorization backend (see server/httpapi).
	Endpoint string

	// JWKSUrl is the URL to fetch JWKS public keys for local JWT verification.
	// Example: "https://auth.example.com/.well-known/jwks.json"
	JWKSUrl string

	// TokenURL is the refresh endpoint. If empty, defaults to Endpoint + "/api/v1/oauth/token".
	TokenURL string

	// ImpersonateURL is the impersonation RPC. If empty, defaults to Endpoint + "/v1/admin/impersonate".
	ImpersonateURL string

	// TokenRefreshBuffer is how long before expiry a session is refreshed. Default: 1 minute.
	TokenRefreshBuffer time.Duration

	// CacheTTL bounds how long resolved claims are cached locally.
	// Default: 5 minutes.
	CacheTTL time.Duration
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTokenVerifier sets the token verification implementation.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(c *Client) { c.verifier = v }
}

// WithClaimsResolver sets the platform-privilege resolver.
func WithClaimsResolver(r ClaimsResolver) Option {
	return func(c *Client) { c.claims = r }
}

// WithMembershipStore sets the membership store.
func WithMembershipStore(s MembershipStore) Option {
	return func(c *Client) { c.memberships = s }
}

// WithUserDirectory sets the user directory.
func WithUserDirectory(u UserDirectory) Option {
	return func(c *Client) { c.users = u }
}

// WithTenantDirectory sets the tenant directory.
func WithTenantDirectory(t TenantDirectory) Option {
	return func(c *Client) { c.tenants = t }
}

// WithImpersonator sets the impersonation exchange implementation.
func WithImpersonator(i Impersonator) Option {
	return func(c *Client) { c.impersonate = i }
}

// WithSessionRefresher sets the refresh-token exchanger.
func WithSessionRefresher(r SessionRefresher) Option {
	return func(c *Client) { c.refresher = r }
}

// DefaultCacheTTL is the default duration for caching resolved claims.
const DefaultCacheTTL = 5 * time.Minute

// DefaultTokenRefreshBuffer is how long before expiry sessions are refreshed by default.
const DefaultTokenRefreshBuffer = time.Minute

// NewClient creates a new client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" && cfg.JWKSUrl == "" {
		return nil, fmt.Errorf("authctx: at least one of Endpoint or JWKSUrl is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.TokenRefreshBuffer == 0 {
		cfg.TokenRefreshBuffer = DefaultTokenRefreshBuffer
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if cfg.TokenURL == "" && base != "" {
		cfg.TokenURL = base + "/api/v1/oauth/token"
	}
	if cfg.ImpersonateURL == "" && base != "" {
		cfg.ImpersonateURL = base + "/v1/admin/impersonate"
	}

	c := &Client{config: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Verifier returns the token verifier, or nil if not configured.
func (c *Client) Verifier() TokenVerifier { return c.verifier }

// Claims returns the claims resolver, or nil if not configured.
func (c *Client) Claims() ClaimsResolver { return c.claims }

// Memberships returns the membership store, or nil if not configured.
func (c *Client) Memberships() MembershipStore { return c.memberships }

// Users returns the user directory, or nil if not configured.
func (c *Client) Users() UserDirectory { return c.users }

// Tenants returns the tenant directory, or nil if not configured.
func (c *Client) Tenants() TenantDirectory { return c.tenants }

// Impersonator returns the impersonation exchange, or nil if not configured.
func (c *Client) Impersonator() Impersonator { return c.impersonate }

// Refresher returns the session refresher, or nil if not configured.
func (c *Client) Refresher() SessionRefresher { return c.refresher }

// ResolveSession resolves claims and memberships for s in parallel and derives
// the context in one step, keeping previousActive when still valid. A session
// that carries only tokens has its memberships loaded once the token names the
// principal.
//
// On a membership failure the returned context is Pending(StatusUnavailable)
// together with an ErrBackendUnavailable error.
func (c *Client) ResolveSession(ctx context.Context, s Session, previousActive string) (AuthorizationContext, error) {
	if err := c.requireResolution(); err != nil {
		return SignedOut(), err
	}
	if s.Principal.ID == "" {
		principal, err := c.claims.Resolve(ctx, s.AccessToken)
		if err != nil {
			return failed(err), err
		}
		return c.withMemberships(ctx, principal, previousActive)
	}

	var (
		g           errgroup.Group
		principal   *Principal
		claimsErr   error
		memberships []Membership
		listErr     error
	)
	g.Go(func() error {
		principal, claimsErr = c.claims.Resolve(ctx, s.AccessToken)
		return claimsErr
	})
	g.Go(func() error {
		memberships, listErr = c.memberships.List(ctx, s.Principal.ID)
		return listErr
	})
	_ = g.Wait()

	if claimsErr != nil {
		return failed(claimsErr), claimsErr
	}
	if s.Principal.ID != "" && principal.ID != s.Principal.ID {
		return SignedOut(), fmt.Errorf("authctx: credential subject %q does not match session principal %q: %w",
			principal.ID, s.Principal.ID, ErrUnauthenticated)
	}
	if listErr != nil {
		return Pending(StatusUnavailable, principal), listErr
	}
	return Compute(*principal, principal.Claims.IsPlatformAdmin, memberships, previousActive), nil
}

// ResolveToken resolves a bare bearer token, as transports do per request.
// A non-empty requestedTenant must be one of the principal's memberships; platform
// admins act tenant-independently and the request is ignored for them.
func (c *Client) ResolveToken(ctx context.Context, token, requestedTenant string) (AuthorizationContext, error) {
	if err := c.requireResolution(); err != nil {
		return SignedOut(), err
	}

	principal, err := c.claims.Resolve(ctx, token)
	if err != nil {
		return failed(err), err
	}
	ac, err := c.withMemberships(ctx, principal, requestedTenant)
	if err != nil {
		return ac, err
	}
	if requestedTenant != "" && !ac.IsPlatformAdmin && ac.ActiveTenantID != requestedTenant {
		return ac, fmt.Errorf("authctx: tenant %q: %w", requestedTenant, ErrNotAMember)
	}
	return ac, nil
}

// withMemberships loads the verified principal's memberships and computes its context.
func (c *Client) withMemberships(ctx context.Context, principal *Principal, previousActive string) (AuthorizationContext, error) {
	memberships, err := c.memberships.List(ctx, principal.ID)
	if err != nil {
		return Pending(StatusUnavailable, principal), err
	}
	return Compute(*principal, principal.Claims.IsPlatformAdmin, memberships, previousActive), nil
}

// failed maps a claims failure to the context it implies: signed out for a bad
// credential, unavailable otherwise.
func failed(err error) AuthorizationContext {
	if errors.Is(err, ErrUnauthenticated) {
		return SignedOut()
	}
	return Pending(StatusUnavailable, nil)
}

func (c *Client) requireResolution() error {
	if c.claims == nil {
		return fmt.Errorf("authctx: claims resolver not configured")
	}
	if c.memberships == nil {
		return fmt.Errorf("authctx: membership store not configured")
	}
	return nil
}

// HealthCheck reports whether the services needed for resolution are configured.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.requireResolution(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close releases all resources held by the client.
// Any injected service that implements io.Closer will be closed.
func (c *Client) Close() error {
	closers := []any{
		c.verifier, c.claims, c.memberships, c.users,
		c.tenants, c.impersonate, c.refresher,
	}
	var firstErr error
	for _, svc := range closers {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
