package authctx

import "errors"

// Error taxonomy shared by every package. Callers match with errors.Is.
var (
	// ErrUnauthenticated: no or expired credential. Recoverable by signing in.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden: authenticated but lacking the required privilege or role.
	ErrForbidden = errors.New("forbidden")
	// ErrBackendUnavailable: transient failure. Safe to retry, never a denial.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrNotAMember: tenant switch target is not among the principal's memberships.
	ErrNotAMember = errors.New("not a member of tenant")
	// ErrTargetNotFound: impersonation target does not exist.
	ErrTargetNotFound = errors.New("impersonation target not found")

	ErrInvalidRequest = errors.New("invalid request")
	ErrStaleContext   = errors.New("authorization context changed")
	ErrUserNotFound   = errors.New("user not found")
	ErrTenantNotFound = errors.New("tenant not found")
)

// Retryable reports whether the operation that returned err may succeed if repeated unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrStaleContext)
}
