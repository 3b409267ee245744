package membership

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	authctx "github.com/chimerakang/authctx-go"
)

// mockBackend implements Backend for testing
type mockBackend struct {
	rows       map[string][]authctx.Membership
	calls      atomic.Int32
	shouldFail bool
	gate       chan struct{}
}

func (m *mockBackend) List(ctx context.Context, principalID string) ([]authctx.Membership, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.shouldFail {
		return nil, errors.New("connection refused")
	}
	return m.rows[principalID], nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestList_Success(t *testing.T) {
	backend := &mockBackend{rows: map[string][]authctx.Membership{
		"user123": {
			{TenantID: "t2", Role: authctx.RoleTenantUser, CreatedAt: epoch.Add(time.Hour)},
			{TenantID: "t1", Role: authctx.RoleTenantAdmin, CreatedAt: epoch},
		},
	}}
	svc := New(backend)

	result, err := svc.List(context.Background(), "user123")

	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 memberships, got %d", len(result))
	}
	if result[0].TenantID != "t1" {
		t.Errorf("expected t1 first, got %s", result[0].TenantID)
	}
}

func TestList_EmptyIsNotAnError(t *testing.T) {
	svc := New(&mockBackend{rows: map[string][]authctx.Membership{}})

	result, err := svc.List(context.Background(), "user123")

	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected 0 memberships, got %d", len(result))
	}
}

func TestList_FailedIsUnavailable(t *testing.T) {
	svc := New(&mockBackend{shouldFail: true})

	result, err := svc.List(context.Background(), "user123")

	if !errors.Is(err, authctx.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result on failure, got %v", result)
	}
}

func TestList_EmptyPrincipal(t *testing.T) {
	backend := &mockBackend{}
	svc := New(backend)

	_, err := svc.List(context.Background(), "")

	if !errors.Is(err, authctx.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if backend.calls.Load() != 0 {
		t.Error("backend should not be called for an empty principal")
	}
}

func TestList_DropsUnknownRolesAndDuplicates(t *testing.T) {
	svc := New(&mockBackend{rows: map[string][]authctx.Membership{
		"u": {
			{TenantID: "t1", Role: authctx.RoleTenantUser, CreatedAt: epoch},
			{TenantID: "t1", Role: authctx.RoleTenantAdmin, CreatedAt: epoch.Add(time.Minute)},
			{TenantID: "t2", Role: authctx.Role("Platform_Admin"), CreatedAt: epoch},
		},
	}})

	result, err := svc.List(context.Background(), "u")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(result) != 1 || result[0].Role != authctx.RoleTenantUser {
		t.Errorf("expected single tenant_user membership, got %+v", result)
	}
}

func TestList_ConcurrentCallsShareBackend(t *testing.T) {
	backend := &mockBackend{
		rows: map[string][]authctx.Membership{
			"u": {{TenantID: "t1", Role: authctx.RoleTenantUser, CreatedAt: epoch}},
		},
		gate: make(chan struct{}),
	}
	svc := New(backend)

	const n = 5
	var wg sync.WaitGroup
	results := make([][]authctx.Membership, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.List(context.Background(), "u")
		}(i)
	}

	// let the goroutines pile up on the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(backend.gate)
	wg.Wait()

	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1", got)
	}
	results[0][0].TenantID = "mutated"
	for i := 1; i < n; i++ {
		if len(results[i]) != 1 || results[i][0].TenantID != "t1" {
			t.Errorf("result %d = %+v, want independent copy", i, results[i])
		}
	}
}

func TestValidateMembership(t *testing.T) {
	svc := New(&mockBackend{rows: map[string][]authctx.Membership{
		"u": {{TenantID: "t1", Role: authctx.RoleTenantUser, CreatedAt: epoch}},
	}})

	ok, err := svc.ValidateMembership(context.Background(), "u", "t1")
	if err != nil || !ok {
		t.Errorf("ValidateMembership(u, t1) = %v, %v; want true", ok, err)
	}
	ok, err = svc.ValidateMembership(context.Background(), "u", "t2")
	if err != nil || ok {
		t.Errorf("ValidateMembership(u, t2) = %v, %v; want false", ok, err)
	}
	if _, err := svc.ValidateMembership(context.Background(), "u", ""); !errors.Is(err, authctx.ErrInvalidRequest) {
		t.Errorf("ValidateMembership(u, \"\") error = %v, want ErrInvalidRequest", err)
	}
}
