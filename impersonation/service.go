// Package impersonation lets a platform administrator obtain a session for
// another user.
//
// The exchange is two-sided. Service runs next to the identity backend and
// re-verifies the administrator from the credential itself; Client calls it
// over HTTP; Broker commits the returned session through session.Context.
// Stopping is a sign-out: the administrator's own session is not kept.
package impersonation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/metrics"
)

// Service performs the server side of the exchange.
type Service struct {
	claims  authctx.ClaimsResolver
	users   authctx.UserDirectory
	issuer  authctx.SessionIssuer
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger
}

// compile-time check
var _ authctx.Impersonator = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records exchange outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit records every exchange, granted or denied.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// NewService creates a Service. claims must verify credentials server-side.
func NewService(claims authctx.ClaimsResolver, users authctx.UserDirectory, issuer authctx.SessionIssuer, opts ...Option) *Service {
	s := &Service{claims: claims, users: users, issuer: issuer, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "impersonation")
	return s
}

// Impersonate verifies that adminToken belongs to a platform administrator and
// issues a new session for targetUserID naming the administrator as actor.
// A token that is itself an impersonation never qualifies.
func (s *Service) Impersonate(ctx context.Context, adminToken, targetUserID string) (*authctx.ImpersonationGrant, error) {
	admin, err := s.claims.Resolve(ctx, adminToken)
	if err != nil {
		return nil, s.fail(ctx, "", targetUserID, fmt.Errorf("authctx/impersonation: verify caller: %w", err))
	}
	if !admin.Claims.IsPlatformAdmin {
		return nil, s.fail(ctx, admin.ID, targetUserID,
			fmt.Errorf("authctx/impersonation: %q is not a platform admin: %w", admin.ID, authctx.ErrForbidden))
	}
	if targetUserID == "" {
		return nil, s.fail(ctx, admin.ID, targetUserID,
			fmt.Errorf("authctx/impersonation: targetUserId is required: %w", authctx.ErrInvalidRequest))
	}
	if targetUserID == admin.ID {
		return nil, s.fail(ctx, admin.ID, targetUserID,
			fmt.Errorf("authctx/impersonation: cannot impersonate yourself: %w", authctx.ErrInvalidRequest))
	}

	target, err := s.users.Get(ctx, targetUserID)
	if err != nil {
		if errors.Is(err, authctx.ErrUserNotFound) {
			err = fmt.Errorf("authctx/impersonation: user %q: %w", targetUserID, authctx.ErrTargetNotFound)
		} else {
			err = fmt.Errorf("authctx/impersonation: look up target: %w", err)
		}
		return nil, s.fail(ctx, admin.ID, targetUserID, err)
	}

	sess, err := s.issuer.Issue(ctx, target, authctx.IssueOptions{Actor: admin.ID})
	if err != nil {
		if !errors.Is(err, authctx.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", authctx.ErrBackendUnavailable, err)
		}
		return nil, s.fail(ctx, admin.ID, targetUserID, fmt.Errorf("authctx/impersonation: issue session: %w", err))
	}

	s.metrics.RecordImpersonation("granted")
	s.audit.LogContext(ctx, audit.Event{
		Action:    audit.ActionImpersonate,
		Result:    audit.ResultSuccess,
		ActorID:   admin.ID,
		SubjectID: target.ID,
		Details:   "session_id=" + sess.ID,
	})
	s.logger.Info("impersonation granted", "admin_id", admin.ID, "target_user_id", target.ID, "session_id", sess.ID)

	return &authctx.ImpersonationGrant{
		IssuingAdminID: admin.ID,
		TargetUserID:   target.ID,
		Session:        *sess,
	}, nil
}

func (s *Service) fail(ctx context.Context, adminID, targetUserID string, err error) error {
	code, _ := Code(err)
	result := audit.ResultDenied
	if code == CodeUnavailable || code == CodeInternal {
		result = audit.ResultFailure
	}
	s.metrics.RecordImpersonation(code)
	s.audit.LogContext(ctx, audit.Event{
		Action:    audit.ActionImpersonate,
		Result:    result,
		ActorID:   adminID,
		SubjectID: targetUserID,
		Error:     err.Error(),
	})
	s.logger.Warn("impersonation rejected", "admin_id", adminID, "target_user_id", targetUserID, "error", err)
	return err
}
