package impersonation

import (
	"context"
	"errors"
	"sync"
	"testing"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/claims"
	"github.com/chimerakang/authctx-go/fake"
)

func newBackend() *fake.Backend {
	return fake.New(
		fake.WithUser("admin", "admin@example.com", true),
		fake.WithUser("admin2", "admin2@example.com", true),
		fake.WithUser("u1", "u1@example.com", false),
		fake.WithUser("user42", "user42@example.com", false),
		fake.WithMembership("user42", "t7", authctx.RoleTenantUser),
		fake.WithMembership("u1", "t1", authctx.RoleTenantAdmin),
	)
}

func newService(b *fake.Backend, opts ...Option) *Service {
	return NewService(claims.NewResolver(b.Verifier(), 100), b.Users(), b.Issuer(), opts...)
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) handle(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestService_Impersonate(t *testing.T) {
	b := newBackend()
	rec := &recorder{}
	al := audit.New(10, audit.WithHandler(rec.handle))
	svc := newService(b, WithAudit(al))
	admin, _ := b.SignIn("admin")

	g, err := svc.Impersonate(context.Background(), admin.AccessToken, "user42")
	if err != nil {
		t.Fatalf("Impersonate returned error: %v", err)
	}
	_ = al.Close()

	if g.IssuingAdminID != "admin" || g.TargetUserID != "user42" {
		t.Errorf("grant = %q -> %q, want admin -> user42", g.IssuingAdminID, g.TargetUserID)
	}
	if g.Session.AccessToken == "" || g.Session.AccessToken == admin.AccessToken {
		t.Errorf("expected a brand-new access token, got %q", g.Session.AccessToken)
	}
	if g.Session.Principal.ID != "user42" {
		t.Errorf("session principal = %q, want user42", g.Session.Principal.ID)
	}

	// the issued credential carries the actor and never platform privilege
	c, err := b.Verifier().Verify(context.Background(), g.Session.AccessToken)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if c.Actor != "admin" {
		t.Errorf("Actor = %q, want admin", c.Actor)
	}

	if len(rec.events) != 1 || rec.events[0].Result != audit.ResultSuccess || rec.events[0].SubjectID != "user42" {
		t.Errorf("audit events = %+v", rec.events)
	}
}

func TestService_Rejections(t *testing.T) {
	b := newBackend()
	admin, _ := b.SignIn("admin")
	user, _ := b.SignIn("u1")

	svc := newService(b)
	// an impersonated admin session must not chain into another impersonation
	chained, err := svc.Impersonate(context.Background(), admin.AccessToken, "admin2")
	if err != nil {
		t.Fatalf("Impersonate(admin2) returned error: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		target  string
		wantErr error
	}{
		{name: "non-admin caller", token: user.AccessToken, target: "user42", wantErr: authctx.ErrForbidden},
		{name: "impersonated caller", token: chained.Session.AccessToken, target: "user42", wantErr: authctx.ErrForbidden},
		{name: "invalid credential", token: "bogus-token", target: "user42", wantErr: authctx.ErrUnauthenticated},
		{name: "self", token: admin.AccessToken, target: "admin", wantErr: authctx.ErrInvalidRequest},
		{name: "empty target", token: admin.AccessToken, target: "", wantErr: authctx.ErrInvalidRequest},
		{name: "unknown target", token: admin.AccessToken, target: "ghost", wantErr: authctx.ErrTargetNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			al := audit.New(10, audit.WithHandler(rec.handle))
			svc := newService(b, WithAudit(al))

			g, err := svc.Impersonate(context.Background(), tt.token, tt.target)
			_ = al.Close()

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if g != nil {
				t.Errorf("expected no grant, got %+v", g)
			}
			if len(rec.events) != 1 || rec.events[0].Result == audit.ResultSuccess {
				t.Errorf("expected one failed audit event, got %+v", rec.events)
			}
		})
	}
}

func TestService_BackendDown(t *testing.T) {
	b := newBackend()
	admin, _ := b.SignIn("admin")
	svc := newService(b)
	b.FailVerify(authctx.ErrBackendUnavailable)

	_, err := svc.Impersonate(context.Background(), admin.AccessToken, "user42")

	if !errors.Is(err, authctx.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if errors.Is(err, authctx.ErrForbidden) {
		t.Error("an outage must not read as a denial")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err      error
		wantCode string
		wantHTTP int
	}{
		{authctx.ErrForbidden, CodeForbidden, 403},
		{authctx.ErrTargetNotFound, CodeTargetNotFound, 404},
		{authctx.ErrUnauthenticated, CodeUnauthenticated, 401},
		{authctx.ErrInvalidRequest, CodeInvalidRequest, 400},
		{authctx.ErrBackendUnavailable, CodeUnavailable, 503},
		{errors.New("boom"), CodeInternal, 500},
	}

	for _, tt := range tests {
		code, status := Code(tt.err)
		if code != tt.wantCode || status != tt.wantHTTP {
			t.Errorf("Code(%v) = %q, %d, want %q, %d", tt.err, code, status, tt.wantCode, tt.wantHTTP)
		}
		if tt.wantCode != CodeInternal && !errors.Is(CodeError(code), tt.err) {
			t.Errorf("CodeError(%q) does not round-trip to %v", code, tt.err)
		}
	}
	if !errors.Is(CodeError(CodeRateLimited), authctx.ErrBackendUnavailable) {
		t.Error("rate limiting must be retryable")
	}
}
