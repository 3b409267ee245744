package authctx

import (
	"fmt"
	"time"
)

// VerifiedClaims holds privilege read from the server-issued claims block of a credential.
type VerifiedClaims struct {
	IsPlatformAdmin bool
}

// Principal is the authenticated identity behind a session.
type Principal struct {
	ID     string
	Email  string
	Claims VerifiedClaims
}

// Session is an opaque credential bundle. Sessions are values: a credential
// change always produces a new Session.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	Principal    Principal
	ExpiresAt    time.Time
}

// Expired reports whether the session has an expiry that lies before now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Role is a tenant-scoped role. The set is closed.
type Role string

const (
	RoleTenantAdmin Role = "tenant_admin"
	RoleTenantUser  Role = "tenant_user"
)

// ParseRole converts a stored role name. Unknown names are rejected.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleTenantAdmin, RoleTenantUser:
		return r, nil
	default:
		return "", fmt.Errorf("authctx: unknown tenant role %q", s)
	}
}

// Valid reports whether r is one of the known tenant roles.
func (r Role) Valid() bool {
	return r == RoleTenantAdmin || r == RoleTenantUser
}

// Membership is a principal's role within one tenant.
type Membership struct {
	TenantID  string
	Role      Role
	CreatedAt time.Time
}

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantDisabled TenantStatus = "disabled"
)

// Tenant is an isolated customer organization.
type Tenant struct {
	ID        string
	Name      string
	Status    TenantStatus
	CreatedAt time.Time
}

// User is a directory entry, used for impersonation targets and admin listings.
type User struct {
	ID              string
	Email           string
	Name            string
	IsPlatformAdmin bool
	CreatedAt       time.Time
}

// ListOptions holds pagination parameters.
type ListOptions struct {
	Page     int
	PageSize int
}

// Normalize returns options with defaults applied (page 1, 20 per page, at most 1000).
func (o ListOptions) Normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 20
	}
	if o.PageSize > 1000 {
		o.PageSize = 1000
	}
	return o
}

// Offset returns the number of rows to skip for the page.
func (o ListOptions) Offset() int {
	n := o.Normalize()
	return (n.Page - 1) * n.PageSize
}

// Claims are the contents of a verified access token.
type Claims struct {
	Subject   string
	Email     string
	SessionID string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// AppMetadata is written by the identity backend only.
	AppMetadata map[string]any
	// UserMetadata is editable by the user and must never grant privilege.
	UserMetadata map[string]any

	// Actor is the subject of the administrator acting through this token, if any.
	Actor string

	Extra map[string]any
}

// Impersonated reports whether the token was issued to an administrator acting as the subject.
func (c *Claims) Impersonated() bool {
	return c != nil && c.Actor != ""
}

// ImpersonationGrant is the result of a successful impersonation exchange.
// It lives only until the caller commits or discards it.
type ImpersonationGrant struct {
	IssuingAdminID string
	TargetUserID   string
	Session        Session
}
