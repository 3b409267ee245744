// Package claims resolves platform-admin privilege from verified credentials.
//
// Privilege is read only from the server-issued app_metadata block. User-editable
// metadata is never consulted, tokens issued for impersonation never carry
// privilege, and every failure resolves to "not admin".
package claims

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Claim names in app_metadata that grant platform privilege.
const (
	ClaimPlatformAdmin = "is_platform_admin"
	ClaimClaimsAdmin   = "claims_admin"
)

const cacheType = "claims"

// Resolver implements authctx.ClaimsResolver on top of an authctx.TokenVerifier.
type Resolver struct {
	verifier authctx.TokenVerifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ttl      time.Duration
	now      func() time.Time

	cache *expirable.LRU[string, entry]
}

type entry struct {
	principal authctx.Principal
	expiresAt time.Time
}

// compile-time check
var _ authctx.ClaimsResolver = (*Resolver)(nil)

// Option configures the Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithCacheTTL bounds how long a resolved principal is reused. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver. size is the maximum number of cached tokens
// (default 1024).
func NewResolver(verifier authctx.TokenVerifier, size int, opts ...Option) *Resolver {
	if size <= 0 {
		size = 1024
	}
	r := &Resolver{
		verifier: verifier,
		logger:   slog.Default(),
		ttl:      authctx.DefaultCacheTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.ttl > 0 {
		r.cache = expirable.NewLRU[string, entry](size, nil, r.ttl)
	}
	return r
}

// Resolve verifies accessToken and returns its principal with platform privilege resolved.
// Verification failures wrap authctx.ErrUnauthenticated; failures to reach the key
// source wrap authctx.ErrBackendUnavailable.
func (r *Resolver) Resolve(ctx context.Context, accessToken string) (*authctx.Principal, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("authctx/claims: empty token: %w", authctx.ErrUnauthenticated)
	}

	key := cacheKey(accessToken)
	if p, ok := r.lookup(key); ok {
		return p, nil
	}

	c, err := r.verifier.Verify(ctx, accessToken)
	if err != nil {
		if errors.Is(err, authctx.ErrBackendUnavailable) || errors.Is(err, authctx.ErrUnauthenticated) {
			return nil, fmt.Errorf("authctx/claims: %w", err)
		}
		return nil, fmt.Errorf("authctx/claims: %v: %w", err, authctx.ErrUnauthenticated)
	}
	if c == nil || c.Subject == "" {
		return nil, fmt.Errorf("authctx/claims: token has no subject: %w", authctx.ErrUnauthenticated)
	}
	if !c.ExpiresAt.IsZero() && !r.now().Before(c.ExpiresAt) {
		return nil, fmt.Errorf("authctx/claims: token expired: %w", authctx.ErrUnauthenticated)
	}

	p := &authctx.Principal{
		ID:     c.Subject,
		Email:  c.Email,
		Claims: authctx.VerifiedClaims{IsPlatformAdmin: IsPlatformAdmin(c)},
	}
	if c.Impersonated() {
		r.logger.Debug("impersonated token resolved without platform privilege",
			"subject", c.Subject, "actor", c.Actor)
	}

	r.store(key, *p, c.ExpiresAt)
	return p, nil
}

// IsPlatformAdmin reads platform privilege from c. Only a boolean true in
// app_metadata counts; tokens carrying an actor never hold privilege.
func IsPlatformAdmin(c *authctx.Claims) bool {
	if c == nil || c.Impersonated() {
		return false
	}
	for _, name := range []string{ClaimPlatformAdmin, ClaimClaimsAdmin} {
		if v, ok := c.AppMetadata[name].(bool); ok && v {
			return true
		}
	}
	return false
}

// Purge drops every cached principal.
func (r *Resolver) Purge() {
	if r.cache != nil {
		r.cache.Purge()
		r.metrics.SetCacheSize(cacheType, 0)
	}
}

func (r *Resolver) lookup(key string) (*authctx.Principal, bool) {
	if r.cache == nil {
		return nil, false
	}
	e, ok := r.cache.Get(key)
	if ok && (e.expiresAt.IsZero() || r.now().Before(e.expiresAt)) {
		r.metrics.RecordCacheHit(cacheType)
		p := e.principal
		return &p, true
	}
	if ok {
		r.cache.Remove(key)
	}
	r.metrics.RecordCacheMiss(cacheType)
	return nil, false
}

func (r *Resolver) store(key string, p authctx.Principal, expiresAt time.Time) {
	if r.cache == nil {
		return
	}
	r.cache.Add(key, entry{principal: p, expiresAt: expiresAt})
	r.metrics.SetCacheSize(cacheType, float64(r.cache.Len()))
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
