//go:build !authctx_devbypass

package authz_test

import (
	"errors"
	"testing"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/authz"
)

func newTable(t *testing.T) *authz.RouteTable {
	t.Helper()
	rt := authz.NewRouteTable()
	routes := map[string]authz.Policy{
		"/":                authz.Authenticated(),
		"/login":           authz.Public(),
		"/admin":           authz.PlatformAdmin(),
		"/admin/login":     authz.Public(),
		"/tenant/settings": authz.TenantAdmin(),
	}
	for pattern, p := range routes {
		if err := rt.Register(pattern, p); err != nil {
			t.Fatalf("Register(%q) returned error: %v", pattern, err)
		}
	}
	return rt
}

func TestLookup(t *testing.T) {
	rt := newTable(t)

	tests := []struct {
		path string
		want authz.Requirement
	}{
		{"/login", authz.RequirePublic},
		{"/login?next=/x", authz.RequirePublic},
		{"/admin", authz.RequirePlatformAdmin},
		{"/admin/users/42", authz.RequirePlatformAdmin},
		{"/admin/login", authz.RequirePublic},
		{"/administrator", authz.RequireAuthenticated},
		{"/tenant/settings/billing", authz.RequireTenantAdmin},
		{"/tenant", authz.RequireAuthenticated},
		{"/admin/../login", authz.RequirePublic},
		{"", authz.RequireAuthenticated},
	}

	for _, tt := range tests {
		if got := rt.Lookup(tt.path).Requirement; got != tt.want {
			t.Errorf("Lookup(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLookup_UnknownDefaultsToAuthenticated(t *testing.T) {
	rt := authz.NewRouteTable()

	if got := rt.Lookup("/anything").Requirement; got != authz.RequireAuthenticated {
		t.Errorf("Lookup = %q, want authenticated", got)
	}
}

func TestRegister_Rejects(t *testing.T) {
	rt := newTable(t)

	tests := []struct {
		name    string
		pattern string
		policy  authz.Policy
	}{
		{"duplicate", "/admin/", authz.Authenticated()},
		{"undeclared requirement", "/reports", authz.Policy{}},
		{"relative pattern", "reports", authz.Authenticated()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := rt.Register(tt.pattern, tt.policy); !errors.Is(err, authctx.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestRouteTable_Evaluate(t *testing.T) {
	rt := newTable(t)

	d := rt.Evaluate(authctx.SignedOut(), "/admin/users")
	if d.Outcome != authz.RedirectToLogin || d.Redirect != "/admin/login" {
		t.Errorf("decision = %+v, want redirect to /admin/login", d)
	}
	if d.ReturnTo != "/admin/users" {
		t.Errorf("ReturnTo = %q, want /admin/users", d.ReturnTo)
	}

	if d := rt.Evaluate(authctx.SignedOut(), "/login"); d.Outcome != authz.Allowed {
		t.Errorf("public route Outcome = %v, want allowed", d.Outcome)
	}
}
