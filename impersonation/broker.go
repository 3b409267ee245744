package impersonation

import (
	"context"
	"fmt"
	"log/slog"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/session"
)

// Broker drives impersonation from the administrator's side.
type Broker struct {
	sc      *session.Context
	imp     authctx.Impersonator
	revoker authctx.SessionRevoker
	logger  *slog.Logger
}

// BrokerOption configures the Broker.
type BrokerOption func(*Broker)

// WithRevoker revokes discarded grants at the backend.
func WithRevoker(r authctx.SessionRevoker) BrokerOption {
	return func(b *Broker) { b.revoker = r }
}

// WithBrokerLogger sets the logger.
func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

// NewBroker creates a Broker that exchanges through imp and commits into sc.
func NewBroker(sc *session.Context, imp authctx.Impersonator, opts ...BrokerOption) *Broker {
	b := &Broker{sc: sc, imp: imp, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "impersonation_broker")
	return b
}

// Impersonate presents the current session as proof and returns a grant for
// targetUserID. The current session is left untouched until Commit.
func (b *Broker) Impersonate(ctx context.Context, targetUserID string) (*authctx.ImpersonationGrant, error) {
	sess, ok := b.sc.Session()
	if !ok {
		return nil, fmt.Errorf("authctx/impersonation: no session: %w", authctx.ErrUnauthenticated)
	}
	return b.imp.Impersonate(ctx, sess.AccessToken, targetUserID)
}

// Commit replaces the current session with the grant's session, recomputing
// the whole context for the impersonated user. The administrator's session is
// dropped. Commit fails with ErrStaleContext when the session that obtained
// the grant is no longer current.
func (b *Broker) Commit(ctx context.Context, g *authctx.ImpersonationGrant) error {
	if g == nil || g.Session.AccessToken == "" {
		return fmt.Errorf("authctx/impersonation: empty grant: %w", authctx.ErrInvalidRequest)
	}
	cur, ok := b.sc.Session()
	if !ok || (g.IssuingAdminID != "" && cur.Principal.ID != g.IssuingAdminID) {
		return fmt.Errorf("authctx/impersonation: grant issued to %q is not for the current session: %w",
			g.IssuingAdminID, authctx.ErrStaleContext)
	}

	next := g.Session
	if next.Principal.ID == "" {
		next.Principal.ID = g.TargetUserID
	}
	b.logger.Info("assuming impersonated session", "admin_id", g.IssuingAdminID, "target_user_id", g.TargetUserID)
	return b.sc.SetSession(ctx, &next)
}

// Discard drops a grant that will not be committed, revoking its session when
// a revoker is configured.
func (b *Broker) Discard(ctx context.Context, g *authctx.ImpersonationGrant) {
	if g == nil {
		return
	}
	if b.revoker != nil && g.Session.ID != "" {
		if err := b.revoker.Revoke(ctx, g.Session); err != nil {
			b.logger.Warn("revoking discarded grant failed", "session_id", g.Session.ID, "error", err)
		}
	}
	*g = authctx.ImpersonationGrant{}
}

// Assume impersonates targetUserID and commits the grant in one call.
func (b *Broker) Assume(ctx context.Context, targetUserID string) error {
	g, err := b.Impersonate(ctx, targetUserID)
	if err != nil {
		return err
	}
	return b.Commit(ctx, g)
}

// Stop ends impersonation by signing out. The administrator signs in again to
// resume their own session.
func (b *Broker) Stop(ctx context.Context) {
	b.sc.SignOut(ctx)
}
