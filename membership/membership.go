// Package membership provides the MembershipStore implementation.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/metrics"
	"golang.org/x/sync/singleflight"
)

// Backend defines the contract for pluggable membership backends (Postgres, REST, etc.).
type Backend interface {
	// List returns every membership row for the principal. Order is not significant.
	List(ctx context.Context, principalID string) ([]authctx.Membership, error)
}

// Service implements authctx.MembershipStore with a configurable backend.
//
// Any backend error is reported as authctx.ErrBackendUnavailable so callers never
// mistake "could not check" for "no memberships".
type Service struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// compile-time check
var _ authctx.MembershipStore = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records backend fetch durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a new membership Service with the given backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// List returns the principal's memberships ordered by creation time, then tenant id.
// Concurrent calls for the same principal share one backend request.
func (s *Service) List(ctx context.Context, principalID string) ([]authctx.Membership, error) {
	if principalID == "" {
		return nil, fmt.Errorf("authctx/membership: principalID cannot be empty: %w", authctx.ErrInvalidRequest)
	}

	v, err, shared := s.group.Do(principalID, func() (any, error) {
		start := time.Now()
		rows, err := s.backend.List(ctx, principalID)
		if err != nil {
			s.metrics.RecordMembershipFetch("error", time.Since(start))
			return nil, err
		}
		s.metrics.RecordMembershipFetch("ok", time.Since(start))

		ms := authctx.SortMemberships(rows)
		if dropped := len(rows) - len(ms); dropped > 0 {
			s.logger.Warn("dropped invalid or duplicate membership rows",
				"principal_id", principalID, "dropped", dropped)
		}
		return ms, nil
	})
	if err != nil {
		if errors.Is(err, authctx.ErrBackendUnavailable) {
			return nil, fmt.Errorf("authctx/membership: %w", err)
		}
		return nil, fmt.Errorf("authctx/membership: %w: %w", authctx.ErrBackendUnavailable, err)
	}

	ms := v.([]authctx.Membership)
	if shared {
		// each caller owns its slice
		ms = append([]authctx.Membership(nil), ms...)
	}
	return ms, nil
}

// ValidateMembership reports whether userID currently belongs to tenantID,
// reading through to the backend. It implements authctx.MembershipVerifier.
func (s *Service) ValidateMembership(ctx context.Context, userID, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("authctx/membership: tenantID cannot be empty: %w", authctx.ErrInvalidRequest)
	}
	ms, err := s.List(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, m := range ms {
		if m.TenantID == tenantID {
			return true, nil
		}
	}
	return false, nil
}
