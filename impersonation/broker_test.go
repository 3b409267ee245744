package impersonation

import (
	"context"
	"errors"
	"testing"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/session"
)

func TestBroker_Assume(t *testing.T) {
	b := newBackend()
	sc := session.New(b.Client())
	admin, _ := b.SignIn("admin")
	if err := sc.SetSession(context.Background(), &admin); err != nil {
		t.Fatalf("SetSession returned error: %v", err)
	}
	if !sc.Snapshot().IsPlatformAdmin {
		t.Fatal("expected admin before impersonation")
	}

	broker := NewBroker(sc, newService(b))
	if err := broker.Assume(context.Background(), "user42"); err != nil {
		t.Fatalf("Assume returned error: %v", err)
	}

	got := sc.Snapshot()
	if got.Status != authctx.StatusReady {
		t.Fatalf("Status = %v, want ready", got.Status)
	}
	if got.Principal.ID != "user42" {
		t.Errorf("Principal = %q, want user42", got.Principal.ID)
	}
	if got.IsPlatformAdmin {
		t.Error("impersonated context must not be platform admin")
	}
	if got.ActiveTenantID != "t7" || got.ActiveRole != authctx.RoleTenantUser {
		t.Errorf("active = %q/%q, want t7/tenant_user", got.ActiveTenantID, got.ActiveRole)
	}

	broker.Stop(context.Background())
	if sc.Snapshot().Authenticated() {
		t.Error("Stop must sign out")
	}
	if _, ok := sc.Session(); ok {
		t.Error("no session may remain after Stop")
	}
}

func TestBroker_NonAdminUnchanged(t *testing.T) {
	b := newBackend()
	sc := session.New(b.Client())
	user, _ := b.SignIn("u1")
	_ = sc.SetSession(context.Background(), &user)
	before := sc.Snapshot()

	err := NewBroker(sc, newService(b)).Assume(context.Background(), "user42")

	if !errors.Is(err, authctx.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	after := sc.Snapshot()
	if after.Generation != before.Generation || after.Principal.ID != "u1" {
		t.Errorf("session changed after rejected impersonation: %+v", after)
	}
}

func TestBroker_ImpersonateLeavesSessionUntilCommit(t *testing.T) {
	b := newBackend()
	sc := session.New(b.Client())
	admin, _ := b.SignIn("admin")
	_ = sc.SetSession(context.Background(), &admin)
	broker := NewBroker(sc, newService(b), WithRevoker(b.Revoker()))

	g, err := broker.Impersonate(context.Background(), "user42")
	if err != nil {
		t.Fatalf("Impersonate returned error: %v", err)
	}
	if sc.Snapshot().Principal.ID != "admin" {
		t.Error("Impersonate must not replace the session")
	}

	sessionID := g.Session.ID
	broker.Discard(context.Background(), g)
	if g.Session.AccessToken != "" {
		t.Error("Discard must clear the grant")
	}
	if !b.Revoked(sessionID) {
		t.Errorf("discarded session %q was not revoked", sessionID)
	}
	if err := broker.Commit(context.Background(), g); !errors.Is(err, authctx.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest committing a discarded grant, got %v", err)
	}
}

func TestBroker_CommitStaleGrant(t *testing.T) {
	b := newBackend()
	sc := session.New(b.Client())
	admin, _ := b.SignIn("admin")
	_ = sc.SetSession(context.Background(), &admin)
	broker := NewBroker(sc, newService(b))

	g, err := broker.Impersonate(context.Background(), "user42")
	if err != nil {
		t.Fatalf("Impersonate returned error: %v", err)
	}
	sc.SignOut(context.Background())

	if err := broker.Commit(context.Background(), g); !errors.Is(err, authctx.ErrStaleContext) {
		t.Fatalf("expected ErrStaleContext, got %v", err)
	}
	if sc.Snapshot().Authenticated() {
		t.Error("a stale grant must not sign anyone in")
	}
}

func TestBroker_NoSession(t *testing.T) {
	b := newBackend()
	sc := session.New(b.Client())

	_, err := NewBroker(sc, newService(b)).Impersonate(context.Background(), "user42")

	if !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
