// Package user provides the UserDirectory implementation.
package user

import (
	"context"
	"errors"
	"fmt"

	authctx "github.com/chimerakang/authctx-go"
)

// Backend defines the contract for pluggable user directory backends (Postgres, REST, etc.).
type Backend interface {
	// Get returns a user by ID, or an error wrapping authctx.ErrUserNotFound.
	Get(ctx context.Context, userID string) (*authctx.User, error)

	// List returns users with pagination.
	List(ctx context.Context, opts authctx.ListOptions) ([]*authctx.User, int, error)
}

// Service implements authctx.UserDirectory with a configurable backend.
type Service struct {
	backend Backend
}

// compile-time check
var _ authctx.UserDirectory = (*Service)(nil)

// New creates a new user Service with the given backend.
func New(backend Backend) *Service {
	return &Service{backend: backend}
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, userID string) (*authctx.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("authctx/user: userID cannot be empty: %w", authctx.ErrInvalidRequest)
	}

	user, err := s.backend.Get(ctx, userID)
	if err != nil {
		return nil, wrap(err)
	}
	return user, nil
}

// List returns users with pagination.
func (s *Service) List(ctx context.Context, opts authctx.ListOptions) ([]*authctx.User, int, error) {
	users, total, err := s.backend.List(ctx, opts.Normalize())
	if err != nil {
		return nil, 0, wrap(err)
	}
	return users, total, nil
}

// wrap keeps not-found distinct and reports everything else as unavailable.
func wrap(err error) error {
	if errors.Is(err, authctx.ErrUserNotFound) || errors.Is(err, authctx.ErrBackendUnavailable) {
		return fmt.Errorf("authctx/user: %w", err)
	}
	return fmt.Errorf("authctx/user: %w: %w", authctx.ErrBackendUnavailable, err)
}
