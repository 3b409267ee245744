package authctx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/fake"
	"github.com/chimerakang/authctx-go/membership"
)

func TestNewClient_RequiresEndpointOrJWKS(t *testing.T) {
	_, err := authctx.NewClient(authctx.Config{})
	if err == nil {
		t.Fatal("NewClient() expected error when both Endpoint and JWKSUrl are empty")
	}
}

func TestNewClient_AcceptsEndpoint(t *testing.T) {
	c, err := authctx.NewClient(authctx.Config{Endpoint: "https://auth.example.com/"})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if c.Config().Endpoint != "https://auth.example.com/" {
		t.Errorf("Endpoint = %q, want %q", c.Config().Endpoint, "https://auth.example.com/")
	}
	if got, want := c.Config().TokenURL, "https://auth.example.com/api/v1/oauth/token"; got != want {
		t.Errorf("TokenURL = %q, want %q", got, want)
	}
	if got, want := c.Config().ImpersonateURL, "https://auth.example.com/v1/admin/impersonate"; got != want {
		t.Errorf("ImpersonateURL = %q, want %q", got, want)
	}
}

func TestNewClient_AcceptsJWKSUrl(t *testing.T) {
	c, err := authctx.NewClient(authctx.Config{JWKSUrl: "https://auth.example.com/.well-known/jwks.json"})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if c.Config().JWKSUrl == "" {
		t.Error("JWKSUrl should not be empty")
	}
	if c.Config().TokenURL != "" {
		t.Errorf("TokenURL = %q, want empty without Endpoint", c.Config().TokenURL)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := authctx.NewClient(authctx.Config{Endpoint: "localhost:9000"})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if c.Config().CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want %v", c.Config().CacheTTL, 5*time.Minute)
	}
	if c.Config().TokenRefreshBuffer != time.Minute {
		t.Errorf("TokenRefreshBuffer = %v, want %v", c.Config().TokenRefreshBuffer, time.Minute)
	}
}

func TestNewClient_CustomCacheTTL(t *testing.T) {
	c, err := authctx.NewClient(authctx.Config{Endpoint: "localhost:9000", CacheTTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if c.Config().CacheTTL != 10*time.Minute {
		t.Errorf("CacheTTL = %v, want %v", c.Config().CacheTTL, 10*time.Minute)
	}
}

func TestNewClient_NilServicesBeforeInjection(t *testing.T) {
	c, _ := authctx.NewClient(authctx.Config{Endpoint: "localhost:9000"})

	if c.Verifier() != nil {
		t.Error("Verifier() should be nil before injection")
	}
	if c.Claims() != nil {
		t.Error("Claims() should be nil before injection")
	}
	if c.Memberships() != nil {
		t.Error("Memberships() should be nil before injection")
	}
	if c.Users() != nil {
		t.Error("Users() should be nil before injection")
	}
	if c.Tenants() != nil {
		t.Error("Tenants() should be nil before injection")
	}
	if c.Impersonator() != nil {
		t.Error("Impersonator() should be nil before injection")
	}
	if c.Refresher() != nil {
		t.Error("Refresher() should be nil before injection")
	}
}

func TestClose_NoErrorWithoutClosers(t *testing.T) {
	c, _ := authctx.NewClient(authctx.Config{Endpoint: "localhost:9000"})
	if err := c.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

type closer struct {
	authctx.TokenVerifier
	closed bool
}

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestClose_ClosesInjectedServices(t *testing.T) {
	v := &closer{}
	c, _ := authctx.NewClient(authctx.Config{Endpoint: "localhost:9000"}, authctx.WithTokenVerifier(v))
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !v.closed {
		t.Error("Close() did not close the verifier")
	}
}

func TestHealthCheck(t *testing.T) {
	c, _ := authctx.NewClient(authctx.Config{Endpoint: "localhost:9000"})
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error without resolver and store")
	}
	if err := fake.NewClient().HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
}

func backend() *fake.Backend {
	return fake.New(
		fake.WithUser("admin", "admin@example.com", true),
		fake.WithUser("u1", "alice@example.com", false),
		fake.WithUser("u2", "bob@example.com", false),
		fake.WithMembership("u1", "t1", authctx.RoleTenantUser),
		fake.WithMembership("u1", "t2", authctx.RoleTenantAdmin),
		fake.WithMembership("admin", "t1", authctx.RoleTenantAdmin),
	)
}

func TestResolveSession_SelectsFirstMembership(t *testing.T) {
	b := backend()
	sess, _ := b.SignIn("u1")

	ac, err := b.Client().ResolveSession(context.Background(), sess, "")
	if err != nil {
		t.Fatalf("ResolveSession() error: %v", err)
	}
	if ac.Status != authctx.StatusReady {
		t.Errorf("Status = %v, want ready", ac.Status)
	}
	if ac.ActiveTenantID != "t1" || ac.ActiveRole != authctx.RoleTenantUser {
		t.Errorf("active = %q/%q, want t1/tenant_user", ac.ActiveTenantID, ac.ActiveRole)
	}
}

func TestResolveSession_KeepsPreviousActive(t *testing.T) {
	b := backend()
	sess, _ := b.SignIn("u1")

	ac, err := b.Client().ResolveSession(context.Background(), sess, "t2")
	if err != nil {
		t.Fatalf("ResolveSession() error: %v", err)
	}
	if ac.ActiveTenantID != "t2" || ac.ActiveRole != authctx.RoleTenantAdmin {
		t.Errorf("active = %q/%q, want t2/tenant_admin", ac.ActiveTenantID, ac.ActiveRole)
	}
}

func TestResolveSession_PlatformAdminHasNoActiveTenant(t *testing.T) {
	b := backend()
	sess, _ := b.SignIn("admin")

	ac, err := b.Client().ResolveSession(context.Background(), sess, "t1")
	if err != nil {
		t.Fatalf("ResolveSession() error: %v", err)
	}
	if !ac.IsPlatformAdmin {
		t.Fatal("IsPlatformAdmin = false, want true")
	}
	if ac.ActiveTenantID != "" {
		t.Errorf("ActiveTenantID = %q, want empty for platform admin", ac.ActiveTenantID)
	}
}

func TestResolveSession_MembershipUnavailable(t *testing.T) {
	b := backend()
	sess, _ := b.SignIn("admin")
	b.FailMemberships(errors.New("timeout"))

	ac, err := b.Client().ResolveSession(context.Background(), sess, "")
	if !errors.Is(err, authctx.ErrBackendUnavailable) {
		t.Fatalf("ResolveSession() error = %v, want ErrBackendUnavailable", err)
	}
	if ac.Status != authctx.StatusUnavailable {
		t.Errorf("Status = %v, want unavailable", ac.Status)
	}
	if ac.IsPlatformAdmin || ac.Principal == nil || ac.Principal.Claims.IsPlatformAdmin {
		t.Errorf("unavailable context must name the principal without privilege: %+v", ac)
	}
	if ac.Standing() != authctx.StandingNone {
		t.Errorf("Standing() = %v, want none", ac.Standing())
	}
}

func TestResolveSession_SubjectMismatch(t *testing.T) {
	b := backend()
	sess, _ := b.SignIn("u1")
	sess.Principal.ID = "u2"

	_, err := b.Client().ResolveSession(context.Background(), sess, "")
	if !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Fatalf("ResolveSession() error = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveSession_TokenOnly(t *testing.T) {
	b := backend()
	// the membership service rejects an empty principal, so the subject must
	// come from the verified token
	client := b.Client(authctx.WithMembershipStore(membership.New(b.Memberships())))

	ac, err := client.ResolveSession(context.Background(), authctx.Session{AccessToken: "u1"}, "t2")
	if err != nil {
		t.Fatalf("ResolveSession() error: %v", err)
	}
	if ac.Status != authctx.StatusReady {
		t.Errorf("Status = %v, want ready", ac.Status)
	}
	if ac.Principal == nil || ac.Principal.ID != "u1" {
		t.Fatalf("Principal = %+v, want u1", ac.Principal)
	}
	if len(ac.Memberships) != 2 || ac.ActiveTenantID != "t2" {
		t.Errorf("memberships = %d, active = %q; want 2, t2", len(ac.Memberships), ac.ActiveTenantID)
	}
}

func TestResolveSession_TokenOnlyInvalid(t *testing.T) {
	b := backend()

	ac, err := b.Client().ResolveSession(context.Background(), authctx.Session{AccessToken: "nobody"}, "")
	if !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Fatalf("ResolveSession() error = %v, want ErrUnauthenticated", err)
	}
	if ac.Authenticated() {
		t.Errorf("expected signed-out context, got %+v", ac)
	}
}

func TestResolveToken_RequestedTenant(t *testing.T) {
	c := backend().Client()
	ctx := context.Background()

	ac, err := c.ResolveToken(ctx, "u1", "t2")
	if err != nil {
		t.Fatalf("ResolveToken() error: %v", err)
	}
	if ac.ActiveTenantID != "t2" {
		t.Errorf("ActiveTenantID = %q, want t2", ac.ActiveTenantID)
	}

	if _, err := c.ResolveToken(ctx, "u1", "t9"); !errors.Is(err, authctx.ErrNotAMember) {
		t.Errorf("ResolveToken(t9) error = %v, want ErrNotAMember", err)
	}

	ac, err = c.ResolveToken(ctx, "admin", "t9")
	if err != nil {
		t.Fatalf("ResolveToken(admin) error: %v", err)
	}
	if ac.ActiveTenantID != "" {
		t.Errorf("admin ActiveTenantID = %q, want empty", ac.ActiveTenantID)
	}
}

func TestResolveToken_InvalidToken(t *testing.T) {
	c := backend().Client()

	ac, err := c.ResolveToken(context.Background(), "forged", "")
	if !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Fatalf("ResolveToken() error = %v, want ErrUnauthenticated", err)
	}
	if ac.Authenticated() {
		t.Error("context for an invalid token must not carry a principal")
	}
}
