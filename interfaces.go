package authctx

import "context"

// TokenVerifier verifies access tokens and extracts claims.
// Implementations: jwks/ (JWT via JWKS), fake/ (testing).
type TokenVerifier interface {
	// Verify validates the token and returns the extracted claims.
	Verify(ctx context.Context, token string) (*Claims, error)
}

// ClaimsResolver turns a verified credential into a Principal with platform privilege resolved.
// Implementations: claims/.
type ClaimsResolver interface {
	Resolve(ctx context.Context, accessToken string) (*Principal, error)
}

// MembershipStore loads a principal's tenant memberships.
// A backend failure is reported as ErrBackendUnavailable, never as an empty list.
type MembershipStore interface {
	List(ctx context.Context, principalID string) ([]Membership, error)
}

// MembershipVerifier confirms a membership with the backend at commit time.
type MembershipVerifier interface {
	ValidateMembership(ctx context.Context, userID, tenantID string) (bool, error)
}

// UserDirectory provides user lookups.
type UserDirectory interface {
	// Get returns the user or ErrUserNotFound.
	Get(ctx context.Context, userID string) (*User, error)

	// List returns users with pagination and the total count.
	List(ctx context.Context, opts ListOptions) ([]*User, int, error)
}

// TenantDirectory provides read-only tenant lookups.
type TenantDirectory interface {
	// Get returns the tenant or ErrTenantNotFound.
	Get(ctx context.Context, tenantID string) (*Tenant, error)

	// List returns tenants with pagination and the total count.
	List(ctx context.Context, opts ListOptions) ([]*Tenant, int, error)
}

// IssueOptions qualifies a session issued by a SessionIssuer.
type IssueOptions struct {
	// Actor is set when an administrator acts as the user.
	Actor string
}

// SessionIssuer mints brand-new sessions.
type SessionIssuer interface {
	Issue(ctx context.Context, u *User, opts IssueOptions) (*Session, error)
}

// SessionRefresher exchanges a refresh token for a new session.
type SessionRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// SessionRevoker invalidates a session at the identity backend.
type SessionRevoker interface {
	Revoke(ctx context.Context, s Session) error
}

// Impersonator exchanges an administrator's credential for a session scoped to another user.
// Implementations: impersonation.Client (HTTP RPC), impersonation.Service (in-process).
type Impersonator interface {
	Impersonate(ctx context.Context, adminToken, targetUserID string) (*ImpersonationGrant, error)
}
