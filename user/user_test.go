package user

import (
	"context"
	"errors"
	"fmt"
	"testing"

	authctx "github.com/chimerakang/authctx-go"
)

// mockBackend implements Backend for testing
type mockBackend struct {
	users      map[string]*authctx.User
	lastOpts   authctx.ListOptions
	shouldFail bool
}

func (m *mockBackend) Get(ctx context.Context, userID string) (*authctx.User, error) {
	if m.shouldFail {
		return nil, errors.New("get user failed")
	}
	user, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", userID, authctx.ErrUserNotFound)
	}
	return user, nil
}

func (m *mockBackend) List(ctx context.Context, opts authctx.ListOptions) ([]*authctx.User, int, error) {
	m.lastOpts = opts
	if m.shouldFail {
		return nil, 0, errors.New("list users failed")
	}
	users := make([]*authctx.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	return users, len(users), nil
}

func TestGet_Success(t *testing.T) {
	backend := &mockBackend{
		users: map[string]*authctx.User{
			"user123": {ID: "user123", Email: "test@example.com", Name: "Test User"},
		},
	}
	svc := New(backend)

	user, err := svc.Get(context.Background(), "user123")

	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if user.ID != "user123" {
		t.Errorf("expected user123, got %s", user.ID)
	}
	if user.Email != "test@example.com" {
		t.Errorf("expected test@example.com, got %s", user.Email)
	}
}

func TestGet_EmptyUserID(t *testing.T) {
	svc := New(&mockBackend{})

	_, err := svc.Get(context.Background(), "")

	if !errors.Is(err, authctx.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := New(&mockBackend{users: map[string]*authctx.User{}})

	_, err := svc.Get(context.Background(), "nonexistent")

	if !errors.Is(err, authctx.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if errors.Is(err, authctx.ErrBackendUnavailable) {
		t.Error("not-found must not be reported as unavailable")
	}
}

func TestGet_BackendFailure(t *testing.T) {
	svc := New(&mockBackend{shouldFail: true})

	_, err := svc.Get(context.Background(), "user123")

	if !errors.Is(err, authctx.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestList_Success(t *testing.T) {
	backend := &mockBackend{
		users: map[string]*authctx.User{
			"user1": {ID: "user1", Email: "user1@example.com"},
			"user2": {ID: "user2", Email: "user2@example.com"},
		},
	}
	svc := New(backend)

	users, total, err := svc.List(context.Background(), authctx.ListOptions{})

	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(users) != 2 || total != 2 {
		t.Errorf("expected 2 users, got %d (total %d)", len(users), total)
	}
	if backend.lastOpts.Page != 1 || backend.lastOpts.PageSize != 20 {
		t.Errorf("expected normalized options, got %+v", backend.lastOpts)
	}
}

func TestList_Failed(t *testing.T) {
	svc := New(&mockBackend{shouldFail: true})

	users, total, err := svc.List(context.Background(), authctx.ListOptions{Page: 1, PageSize: 10})

	if !errors.Is(err, authctx.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if users != nil || total != 0 {
		t.Errorf("expected empty result on failure, got %v, %d", users, total)
	}
}
