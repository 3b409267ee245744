package authctx

import (
	"fmt"
	"slices"
	"strings"
)

// Status describes how far resolution of an AuthorizationContext has progressed.
type Status int

const (
	// StatusResolving: a credential changed and claims/memberships are in flight.
	StatusResolving Status = iota
	// StatusReady: the context is fully resolved (possibly signed out).
	StatusReady
	// StatusUnavailable: the backend could not be reached. Nothing privileged is granted.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusResolving:
		return "resolving"
	case StatusReady:
		return "ready"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Standing is the single privilege level a context grants in its active scope.
type Standing int

const (
	StandingNone Standing = iota
	StandingPlatformAdmin
	StandingTenantAdmin
	StandingTenantUser
)

func (s Standing) String() string {
	switch s {
	case StandingPlatformAdmin:
		return "platform_admin"
	case StandingTenantAdmin:
		return "tenant_admin"
	case StandingTenantUser:
		return "tenant_user"
	default:
		return "none"
	}
}

// AuthorizationContext is the derived, immutable view of who is acting and where.
// Values are always produced whole by Compute, SignedOut or Pending.
type AuthorizationContext struct {
	Status Status
	// Generation increases with every published context.
	Generation uint64

	Principal       *Principal
	IsPlatformAdmin bool
	Memberships     []Membership
	ActiveTenantID  string
	ActiveRole      Role
}

// Authenticated reports whether the context carries a principal.
func (ac AuthorizationContext) Authenticated() bool {
	return ac.Principal != nil
}

// MembershipFor returns the membership for tenantID, if any.
func (ac AuthorizationContext) MembershipFor(tenantID string) (Membership, bool) {
	if tenantID == "" {
		return Membership{}, false
	}
	for _, m := range ac.Memberships {
		if m.TenantID == tenantID {
			return m, true
		}
	}
	return Membership{}, false
}

// HasMembership reports whether tenantID is among the memberships.
func (ac AuthorizationContext) HasMembership(tenantID string) bool {
	_, ok := ac.MembershipFor(tenantID)
	return ok
}

// Standing resolves the context to exactly one privilege level.
func (ac AuthorizationContext) Standing() Standing {
	switch {
	case ac.Status != StatusReady || ac.Principal == nil:
		return StandingNone
	case ac.IsPlatformAdmin:
		return StandingPlatformAdmin
	case ac.ActiveTenantID == "":
		return StandingNone
	case ac.ActiveRole == RoleTenantAdmin:
		return StandingTenantAdmin
	case ac.ActiveRole == RoleTenantUser:
		return StandingTenantUser
	default:
		return StandingNone
	}
}

// WithActiveTenant returns a copy with tenantID active. Platform admins cannot
// hold an active tenant and non-members are rejected; ac is never modified.
func (ac AuthorizationContext) WithActiveTenant(tenantID string) (AuthorizationContext, error) {
	if ac.Status != StatusReady || ac.Principal == nil {
		return ac, fmt.Errorf("authctx: switch tenant: %w", ErrUnauthenticated)
	}
	if ac.IsPlatformAdmin {
		return ac, fmt.Errorf("authctx: switch tenant: platform admins act tenant-independently: %w", ErrForbidden)
	}
	m, ok := ac.MembershipFor(tenantID)
	if !ok {
		return ac, fmt.Errorf("authctx: switch tenant %q: %w", tenantID, ErrNotAMember)
	}
	next := ac
	next.Memberships = slices.Clone(ac.Memberships)
	next.ActiveTenantID = m.TenantID
	next.ActiveRole = m.Role
	return next, nil
}

// Compute derives a ready context in one step. The active tenant is chosen as:
// none for platform admins; previousActive if still a member; otherwise the
// first membership in deterministic order; otherwise none.
func Compute(p Principal, isPlatformAdmin bool, memberships []Membership, previousActive string) AuthorizationContext {
	ms := SortMemberships(memberships)
	principal := p
	principal.Claims.IsPlatformAdmin = isPlatformAdmin

	ac := AuthorizationContext{
		Status:          StatusReady,
		Principal:       &principal,
		IsPlatformAdmin: isPlatformAdmin,
		Memberships:     ms,
	}
	if isPlatformAdmin {
		return ac
	}

	active, ok := ac.MembershipFor(previousActive)
	if !ok && len(ms) > 0 {
		active, ok = ms[0], true
	}
	if ok {
		ac.ActiveTenantID = active.TenantID
		ac.ActiveRole = active.Role
	}
	return ac
}

// SignedOut returns the ready context of a caller without a session.
func SignedOut() AuthorizationContext {
	return AuthorizationContext{Status: StatusReady}
}

// Pending returns a context with no derived data in the given non-ready status.
// The principal may be set for StatusUnavailable so the UI can show who is waiting.
func Pending(status Status, p *Principal) AuthorizationContext {
	ac := AuthorizationContext{Status: status}
	if p != nil {
		principal := *p
		principal.Claims = VerifiedClaims{}
		ac.Principal = &principal
	}
	return ac
}

// SortMemberships returns a copy ordered by CreatedAt then TenantID, dropping
// unknown roles and repeated tenants (the earliest entry wins).
func SortMemberships(in []Membership) []Membership {
	out := make([]Membership, 0, len(in))
	for _, m := range in {
		if m.TenantID == "" || !m.Role.Valid() {
			continue
		}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b Membership) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.TenantID, b.TenantID)
	})
	seen := make(map[string]bool, len(out))
	return slices.DeleteFunc(out, func(m Membership) bool {
		dup := seen[m.TenantID]
		seen[m.TenantID] = true
		return dup
	})
}
