// Package authz provides the authorization guard: one state machine that turns
// an AuthorizationContext and a declared requirement into a decision.
package authz

import (
	"errors"
	"fmt"

	authctx "github.com/chimerakang/authctx-go"
)

// Requirement is what a route or operation declares it needs.
type Requirement string

const (
	RequirePublic        Requirement = "public"
	RequireAuthenticated Requirement = "authenticated"
	RequirePlatformAdmin Requirement = "platformAdmin"
	RequireTenantAdmin   Requirement = "tenantAdmin"
)

// Valid reports whether r is one of the declared requirements.
func (r Requirement) Valid() bool {
	switch r {
	case RequirePublic, RequireAuthenticated, RequirePlatformAdmin, RequireTenantAdmin:
		return true
	}
	return false
}

// ParseRequirement parses a requirement name.
func ParseRequirement(s string) (Requirement, error) {
	r := Requirement(s)
	if !r.Valid() {
		return "", fmt.Errorf("authctx/authz: unknown requirement %q: %w", s, authctx.ErrInvalidRequest)
	}
	return r, nil
}

// Outcome is the state of a guard decision.
type Outcome int

const (
	// Checking means the context has not resolved yet. Nothing is rendered or executed.
	Checking Outcome = iota
	Allowed
	RedirectToLogin
	RedirectForbidden
)

func (o Outcome) String() string {
	switch o {
	case Checking:
		return "checking"
	case Allowed:
		return "allowed"
	case RedirectToLogin:
		return "redirect_to_login"
	case RedirectForbidden:
		return "redirect_forbidden"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Reason explains a non-allowed decision.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonResolving           Reason = "resolving"
	ReasonUnavailable         Reason = "unavailable"
	ReasonUnauthenticated     Reason = "unauthenticated"
	ReasonAdminRequired       Reason = "admin_required"
	ReasonTenantRequired      Reason = "tenant_required"
	ReasonTenantAdminRequired Reason = "tenant_admin_required"
	ReasonDevBypass           Reason = "dev_bypass"
)

// Policy binds a requirement to the paths its redirects lead to.
type Policy struct {
	Requirement      Requirement
	LoginPath        string
	ForbiddenPath    string
	SelectTenantPath string
}

// Default redirect targets.
const (
	DefaultLoginPath        = "/login"
	DefaultForbiddenPath    = "/unauthorized"
	DefaultAdminLoginPath   = "/admin/login"
	DefaultAdminFallback    = "/dashboard"
	DefaultSelectTenantPath = "/select-tenant"
)

// Public allows everyone, signed in or not.
func Public() Policy {
	return Policy{Requirement: RequirePublic}
}

// Authenticated requires a signed-in principal.
func Authenticated() Policy {
	return Policy{
		Requirement:      RequireAuthenticated,
		LoginPath:        DefaultLoginPath,
		ForbiddenPath:    DefaultForbiddenPath,
		SelectTenantPath: DefaultSelectTenantPath,
	}
}

// PlatformAdmin requires platform administrator privilege. Non-admins are sent
// back to the dashboard.
func PlatformAdmin() Policy {
	return Policy{
		Requirement:      RequirePlatformAdmin,
		LoginPath:        DefaultAdminLoginPath,
		ForbiddenPath:    DefaultAdminFallback,
		SelectTenantPath: DefaultSelectTenantPath,
	}
}

// TenantAdmin requires the tenant_admin role in the active tenant.
func TenantAdmin() Policy {
	return Policy{
		Requirement:      RequireTenantAdmin,
		LoginPath:        DefaultLoginPath,
		ForbiddenPath:    DefaultForbiddenPath,
		SelectTenantPath: DefaultSelectTenantPath,
	}
}

// PolicyFor returns the default policy for r.
func PolicyFor(r Requirement) (Policy, error) {
	switch r {
	case RequirePublic:
		return Public(), nil
	case RequireAuthenticated:
		return Authenticated(), nil
	case RequirePlatformAdmin:
		return PlatformAdmin(), nil
	case RequireTenantAdmin:
		return TenantAdmin(), nil
	}
	return Policy{}, fmt.Errorf("authctx/authz: unknown requirement %q: %w", r, authctx.ErrInvalidRequest)
}

// Decision is the result of evaluating a policy.
type Decision struct {
	Outcome Outcome
	Reason  Reason
	// Redirect is where a redirecting decision sends the caller.
	Redirect string
	// ReturnTo is the originally requested path, kept for after login or tenant selection.
	ReturnTo string
	// Context is the evaluated context. It is only meant to be used when Allowed.
	Context authctx.AuthorizationContext
}

// Err returns nil for an allowed decision and a *RedirectError otherwise.
func (d Decision) Err() error {
	if d.Outcome == Allowed {
		return nil
	}
	return &RedirectError{Decision: d}
}

// Evaluate decides p for ac. requestedPath is preserved as ReturnTo on
// redirects that lead somewhere the caller can come back from.
func Evaluate(p Policy, ac authctx.AuthorizationContext, requestedPath string) Decision {
	if DevBypassEnabled {
		return Decision{Outcome: Allowed, Reason: ReasonDevBypass, Context: ac}
	}
	if p.Requirement == RequirePublic {
		return Decision{Outcome: Allowed, Context: ac}
	}

	switch ac.Status {
	case authctx.StatusReady:
	case authctx.StatusUnavailable:
		return Decision{Outcome: Checking, Reason: ReasonUnavailable}
	default:
		return Decision{Outcome: Checking, Reason: ReasonResolving}
	}

	if ac.Principal == nil {
		return Decision{
			Outcome:  RedirectToLogin,
			Reason:   ReasonUnauthenticated,
			Redirect: p.LoginPath,
			ReturnTo: requestedPath,
		}
	}

	standing := ac.Standing()
	switch p.Requirement {
	case RequireAuthenticated:
	case RequirePlatformAdmin:
		if standing != authctx.StandingPlatformAdmin {
			return forbid(p.ForbiddenPath, ReasonAdminRequired, "")
		}
	case RequireTenantAdmin:
		switch standing {
		case authctx.StandingTenantAdmin:
		case authctx.StandingNone:
			return forbid(p.SelectTenantPath, ReasonTenantRequired, requestedPath)
		default:
			return forbid(p.ForbiddenPath, ReasonTenantAdminRequired, "")
		}
	default:
		// undeclared requirements never allow
		return forbid(p.ForbiddenPath, ReasonNone, "")
	}

	return Decision{Outcome: Allowed, Context: ac}
}

func forbid(redirect string, reason Reason, returnTo string) Decision {
	return Decision{Outcome: RedirectForbidden, Reason: reason, Redirect: redirect, ReturnTo: returnTo}
}

// RedirectError reports a decision that did not allow the operation.
// It unwraps to ErrUnauthenticated, ErrForbidden or ErrBackendUnavailable.
type RedirectError struct {
	Decision Decision
}

func (e *RedirectError) Error() string {
	if e.Decision.Redirect == "" {
		return fmt.Sprintf("authctx/authz: %s (%s)", e.Decision.Outcome, e.Decision.Reason)
	}
	return fmt.Sprintf("authctx/authz: %s to %s (%s)", e.Decision.Outcome, e.Decision.Redirect, e.Decision.Reason)
}

func (e *RedirectError) Unwrap() error {
	switch e.Decision.Outcome {
	case RedirectToLogin:
		return authctx.ErrUnauthenticated
	case RedirectForbidden:
		return authctx.ErrForbidden
	default:
		return authctx.ErrBackendUnavailable
	}
}

// AsRedirect extracts the decision carried by err, if any.
func AsRedirect(err error) (Decision, bool) {
	var re *RedirectError
	if errors.As(err, &re) {
		return re.Decision, true
	}
	return Decision{}, false
}
