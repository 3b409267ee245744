package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/chimerakang/authctx-go/session"
)

// Switch results recorded in metrics.
const (
	resultSwitched  = "switched"
	resultUnchanged = "unchanged"
	resultRejected  = "rejected"
	resultStale     = "stale"
	resultError     = "error"
)

// Switcher changes the active tenant of a session.Context.
type Switcher struct {
	sc        *session.Context
	verifier  authctx.MembershipVerifier
	directory authctx.TenantDirectory
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     *audit.Logger
}

// SwitcherOption configures the Switcher.
type SwitcherOption func(*Switcher)

// WithVerifier confirms every switch with the backend before it is committed.
func WithVerifier(v authctx.MembershipVerifier) SwitcherOption {
	return func(s *Switcher) { s.verifier = v }
}

// WithDirectory sets the directory Active reads tenant records from.
func WithDirectory(d authctx.TenantDirectory) SwitcherOption {
	return func(s *Switcher) { s.directory = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SwitcherOption {
	return func(s *Switcher) { s.logger = l }
}

// WithMetrics records switch outcomes.
func WithMetrics(m *metrics.Metrics) SwitcherOption {
	return func(s *Switcher) { s.metrics = m }
}

// WithAudit records switches and rejected attempts.
func WithAudit(a *audit.Logger) SwitcherOption {
	return func(s *Switcher) { s.audit = a }
}

// NewSwitcher creates a Switcher over sc.
func NewSwitcher(sc *session.Context, opts ...SwitcherOption) *Switcher {
	s := &Switcher{sc: sc, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "tenant_switcher")
	return s
}

// Switch makes tenantID the active tenant.
//
// It fails with ErrNotAMember when tenantID is not among the current
// memberships, ErrForbidden for platform admins and ErrUnauthenticated when
// nobody is signed in. When a verifier is configured the membership is
// confirmed first; if the context changed while waiting the switch fails with
// ErrStaleContext. The context is left unchanged on every failure.
func (s *Switcher) Switch(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("authctx/tenant: tenantID cannot be empty: %w", authctx.ErrInvalidRequest)
	}

	snap := s.sc.Snapshot()
	if _, err := snap.WithActiveTenant(tenantID); err != nil {
		s.reject(ctx, snap, tenantID, resultRejected, err)
		return err
	}
	if snap.ActiveTenantID == tenantID {
		s.metrics.RecordTenantSwitch(resultUnchanged)
		return nil
	}

	if s.verifier != nil {
		ok, err := s.verifier.ValidateMembership(ctx, snap.Principal.ID, tenantID)
		if err != nil {
			if !errors.Is(err, authctx.ErrBackendUnavailable) {
				err = fmt.Errorf("authctx/tenant: confirm membership: %w: %w", authctx.ErrBackendUnavailable, err)
			}
			s.reject(ctx, snap, tenantID, resultError, err)
			return err
		}
		if !ok {
			err := fmt.Errorf("authctx/tenant: backend denied membership in %q: %w", tenantID, authctx.ErrNotAMember)
			s.reject(ctx, snap, tenantID, resultRejected, err)
			return err
		}
	}

	committed, err := s.sc.Transition(func(cur authctx.AuthorizationContext) (authctx.AuthorizationContext, error) {
		if s.verifier != nil && cur.Generation != snap.Generation {
			return cur, fmt.Errorf("authctx/tenant: context changed during switch to %q: %w", tenantID, authctx.ErrStaleContext)
		}
		return cur.WithActiveTenant(tenantID)
	})
	if err != nil {
		result := resultRejected
		if errors.Is(err, authctx.ErrStaleContext) {
			result = resultStale
		}
		s.reject(ctx, committed, tenantID, result, err)
		return err
	}

	s.metrics.RecordTenantSwitch(resultSwitched)
	s.audit.LogContext(ctx, audit.Event{
		Action:   audit.ActionTenantSwitch,
		Result:   audit.ResultSuccess,
		ActorID:  committed.Principal.ID,
		TenantID: tenantID,
		Details:  fmt.Sprintf("from=%s role=%s", snap.ActiveTenantID, committed.ActiveRole),
	})
	s.logger.Info("active tenant switched",
		"principal_id", committed.Principal.ID, "from", snap.ActiveTenantID, "to", tenantID)
	return nil
}

func (s *Switcher) reject(ctx context.Context, ac authctx.AuthorizationContext, tenantID, result string, err error) {
	s.metrics.RecordTenantSwitch(result)
	var actor string
	if ac.Principal != nil {
		actor = ac.Principal.ID
	}
	s.audit.LogContext(ctx, audit.Event{
		Action:   audit.ActionTenantSwitch,
		Result:   audit.ResultDenied,
		ActorID:  actor,
		TenantID: tenantID,
		Error:    err.Error(),
	})
	s.logger.Debug("tenant switch rejected", "principal_id", actor, "tenant_id", tenantID, "error", err)
}

// Active returns the directory record of the active tenant. It fails with
// ErrTenantNotFound when no tenant is active.
func (s *Switcher) Active(ctx context.Context) (*authctx.Tenant, error) {
	if s.directory == nil {
		return nil, fmt.Errorf("authctx/tenant: no directory configured")
	}
	snap := s.sc.Snapshot()
	if snap.ActiveTenantID == "" {
		return nil, fmt.Errorf("authctx/tenant: no active tenant: %w", authctx.ErrTenantNotFound)
	}
	return s.directory.Get(ctx, snap.ActiveTenantID)
}
