// Package session provides SessionContext: the single owner of the current
// session and of the AuthorizationContext derived from it.
//
// Every change is published as a whole, immutable snapshot. Readers observe
// snapshots through subscriptions and never see a partially updated context.
// Resolution runs outside the lock; a result that belongs to a superseded
// session is discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/metrics"
)

// ErrSuperseded is returned when a newer session or sign-out replaced the one
// being resolved. The result was discarded.
var ErrSuperseded = errors.New("authctx/session: superseded by a newer session")

// Resolver derives an AuthorizationContext for a session. *authctx.Client implements it.
type Resolver interface {
	ResolveSession(ctx context.Context, s authctx.Session, previousActive string) (authctx.AuthorizationContext, error)
}

// Context owns the current session and publishes AuthorizationContext snapshots.
type Context struct {
	resolver      Resolver
	refresher     authctx.SessionRefresher
	revoker       authctx.SessionRevoker
	refreshBuffer time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
	audit         *audit.Logger
	now           func() time.Time

	mu         sync.Mutex
	session    *authctx.Session
	epoch      uint64 // bumped by every session replacement and reload
	generation uint64
	snapshot   authctx.AuthorizationContext
	subs       map[*Subscription]struct{}

	// last Ready principal and its active tenant; Pending snapshots leave them
	// alone so an outage does not reset the tenant selection
	readyPrincipal string
	readyTenant    string
}

// Option configures the Context.
type Option func(*Context)

// WithRefresher enables Refresh through r.
func WithRefresher(r authctx.SessionRefresher) Option {
	return func(c *Context) { c.refresher = r }
}

// WithRevoker revokes sessions at the backend on SignOut.
func WithRevoker(r authctx.SessionRevoker) Option {
	return func(c *Context) { c.revoker = r }
}

// WithRefreshBuffer sets how long before expiry RefreshIfNeeded renews the session.
func WithRefreshBuffer(d time.Duration) Option {
	return func(c *Context) { c.refreshBuffer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// WithMetrics records published transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Context) { c.metrics = m }
}

// WithAudit records sign-in and sign-out events.
func WithAudit(a *audit.Logger) Option {
	return func(c *Context) { c.audit = a }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// New creates a Context. Until the first SetSession the snapshot is Resolving.
func New(resolver Resolver, opts ...Option) *Context {
	c := &Context{
		resolver:      resolver,
		refreshBuffer: authctx.DefaultTokenRefreshBuffer,
		logger:        slog.Default(),
		now:           time.Now,
		subs:          make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "session")
	c.publishLocked(authctx.Pending(authctx.StatusResolving, nil))
	return c
}

// NewFromClient creates a Context resolving through client, refreshing through
// the client's refresher when one is configured.
func NewFromClient(client *authctx.Client, opts ...Option) *Context {
	base := []Option{
		WithLogger(client.Logger()),
		WithRefreshBuffer(client.Config().TokenRefreshBuffer),
	}
	if r := client.Refresher(); r != nil {
		base = append(base, WithRefresher(r))
	}
	return New(client, append(base, opts...)...)
}

// Snapshot returns the current context.
func (c *Context) Snapshot() authctx.AuthorizationContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Session returns the current session, if any.
func (c *Context) Session() (authctx.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return authctx.Session{}, false
	}
	return *c.session, true
}

// SetSession replaces the current session and resolves the context for it.
// A nil or expired session signs out. When the principal changes a Resolving
// snapshot is published immediately. The resolved context replaces the
// snapshot in one step; if another SetSession, Reload or SignOut happened in
// the meantime the result is dropped and ErrSuperseded is returned.
func (c *Context) SetSession(ctx context.Context, s *authctx.Session) error {
	return c.setSession(ctx, s, 0)
}

// setSession replaces the session. A non-zero expect aborts unless the epoch still matches.
func (c *Context) setSession(ctx context.Context, s *authctx.Session, expect uint64) error {
	c.mu.Lock()
	if expect != 0 && expect != c.epoch {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.epoch++
	epoch := c.epoch

	if s == nil || s.Expired(c.now()) {
		c.session = nil
		c.publishLocked(authctx.SignedOut())
		c.mu.Unlock()
		if s != nil {
			return fmt.Errorf("authctx/session: session expired: %w", authctx.ErrUnauthenticated)
		}
		return nil
	}

	sess := *s
	prev := c.session
	c.session = &sess
	if prev == nil || sess.Principal.ID == "" || prev.Principal.ID != sess.Principal.ID {
		c.publishLocked(authctx.Pending(authctx.StatusResolving, nil))
	}
	c.mu.Unlock()

	return c.resolve(ctx, epoch, sess)
}

// Reload re-resolves the current session, picking up changed memberships or
// privilege without publishing a Resolving snapshot first.
func (c *Context) Reload(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return fmt.Errorf("authctx/session: reload: %w", authctx.ErrUnauthenticated)
	}
	c.epoch++
	epoch, sess := c.epoch, *c.session
	c.mu.Unlock()

	return c.resolve(ctx, epoch, sess)
}

func (c *Context) resolve(ctx context.Context, epoch uint64, sess authctx.Session) error {
	c.mu.Lock()
	hint := ""
	if sess.Principal.ID == "" || sess.Principal.ID == c.readyPrincipal {
		hint = c.readyTenant
	}
	c.mu.Unlock()

	ac, err := c.resolver.ResolveSession(ctx, sess, hint)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding resolution for superseded session", "session_id", sess.ID)
		return ErrSuperseded
	}

	switch {
	case err == nil:
		known := c.readyPrincipal == ac.Principal.ID
		previous := ""
		if known {
			previous = c.readyTenant
		}
		next := authctx.Compute(*ac.Principal, ac.IsPlatformAdmin, ac.Memberships, previous)
		c.publishLocked(next)
		c.mu.Unlock()

		if !known {
			c.audit.LogContext(ctx, audit.Event{
				Action:   audit.ActionSignIn,
				Result:   audit.ResultSuccess,
				ActorID:  next.Principal.ID,
				TenantID: next.ActiveTenantID,
			})
		}
		return nil

	case errors.Is(err, authctx.ErrUnauthenticated):
		c.session = nil
		c.publishLocked(authctx.SignedOut())
		c.mu.Unlock()
		c.logger.Info("session credential rejected, signing out", "session_id", sess.ID, "error", err)
		return err

	default:
		p := ac.Principal
		if p == nil && sess.Principal.ID != "" {
			p = &sess.Principal
		}
		c.publishLocked(authctx.Pending(authctx.StatusUnavailable, p))
		c.mu.Unlock()
		c.logger.Warn("authorization backend unavailable", "session_id", sess.ID, "error", err)
		return err
	}
}

// Refresh exchanges the refresh token for a new session and commits it.
// A rejected refresh token signs out.
func (c *Context) Refresh(ctx context.Context) error {
	if c.refresher == nil {
		return fmt.Errorf("authctx/session: no refresher configured")
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return fmt.Errorf("authctx/session: refresh: %w", authctx.ErrUnauthenticated)
	}
	epoch, refreshToken := c.epoch, c.session.RefreshToken
	c.mu.Unlock()

	next, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, authctx.ErrUnauthenticated) {
			c.mu.Lock()
			if epoch == c.epoch {
				c.epoch++
				c.session = nil
				c.publishLocked(authctx.SignedOut())
			}
			c.mu.Unlock()
		}
		return fmt.Errorf("authctx/session: refresh: %w", err)
	}
	return c.setSession(ctx, next, epoch)
}

// RefreshIfNeeded refreshes when the session expires within the refresh buffer.
// It reports whether a refresh was attempted.
func (c *Context) RefreshIfNeeded(ctx context.Context) (bool, error) {
	c.mu.Lock()
	sess := c.session
	due := sess != nil && !sess.ExpiresAt.IsZero() && c.now().Add(c.refreshBuffer).After(sess.ExpiresAt)
	c.mu.Unlock()

	if !due || c.refresher == nil {
		return false, nil
	}
	return true, c.Refresh(ctx)
}

// SignOut drops the session and publishes a signed-out context in one step.
// The session is revoked at the backend when a revoker is configured; a
// revocation failure is logged and does not keep the session alive.
func (c *Context) SignOut(ctx context.Context) {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.epoch++
	var actor string
	if c.snapshot.Principal != nil {
		actor = c.snapshot.Principal.ID
	}
	c.publishLocked(authctx.SignedOut())
	c.mu.Unlock()

	if sess == nil {
		return
	}
	c.audit.LogContext(ctx, audit.Event{
		Action:  audit.ActionSignOut,
		Result:  audit.ResultSuccess,
		ActorID: actor,
	})
	if c.revoker != nil {
		if err := c.revoker.Revoke(ctx, *sess); err != nil {
			c.logger.Warn("session revocation failed", "session_id", sess.ID, "error", err)
		}
	}
}

// Transition atomically replaces the snapshot with fn's result. fn receives the
// freshest snapshot and runs under the writer lock, so it must not block.
// When fn returns an error nothing is published and the current snapshot is
// returned with it.
func (c *Context) Transition(fn func(current authctx.AuthorizationContext) (authctx.AuthorizationContext, error)) (authctx.AuthorizationContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fn(c.snapshot)
	if err != nil {
		return c.snapshot, err
	}
	c.publishLocked(next)
	return c.snapshot, nil
}

// Observe subscribes to snapshots. The current snapshot is delivered first.
// Callers must Close the subscription when done.
func (c *Context) Observe() *Subscription {
	s := &Subscription{owner: c, ch: make(chan authctx.AuthorizationContext, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[s] = struct{}{}
	s.offer(c.snapshot)
	return s
}

// Close unsubscribes every observer.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs {
		s.closeLocked()
	}
	return nil
}

// publishLocked stamps ac with the next generation and fans it out. c.mu must be held.
func (c *Context) publishLocked(ac authctx.AuthorizationContext) {
	c.generation++
	ac.Generation = c.generation
	c.snapshot = ac
	if ac.Status == authctx.StatusReady {
		c.readyPrincipal, c.readyTenant = "", ""
		if ac.Principal != nil {
			c.readyPrincipal, c.readyTenant = ac.Principal.ID, ac.ActiveTenantID
		}
	}
	for s := range c.subs {
		s.offer(ac)
	}
	c.metrics.RecordTransition(ac.Status.String())
}

// Subscription delivers snapshots. Only the newest undelivered snapshot is kept:
// a slow reader skips intermediate values but always sees the latest one.
type Subscription struct {
	owner  *Context
	ch     chan authctx.AuthorizationContext
	closed bool
}

// C returns the snapshot channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan authctx.AuthorizationContext {
	return s.ch
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.owner.subs, s)
	close(s.ch)
}

// offer replaces any pending snapshot with ac. The owner's lock must be held.
func (s *Subscription) offer(ac authctx.AuthorizationContext) {
	select {
	case s.ch <- ac:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ac:
	default:
	}
}
