package authctx

import "context"

type ctxKey string

const (
	ctxKeyAuthorization ctxKey = "authctx_authorization"
	ctxKeyClaims        ctxKey = "authctx_claims"
)

// WithAuthorization stores the resolved authorization context.
func WithAuthorization(ctx context.Context, ac AuthorizationContext) context.Context {
	return context.WithValue(ctx, ctxKeyAuthorization, ac)
}

// FromContext extracts the authorization context. ok is false if none was stored.
func FromContext(ctx context.Context) (AuthorizationContext, bool) {
	v, ok := ctx.Value(ctxKeyAuthorization).(AuthorizationContext)
	return v, ok
}

// PrincipalFromContext returns the acting principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	ac, _ := FromContext(ctx)
	return ac.Principal
}

// ActiveTenantFromContext returns the active tenant id, or "".
func ActiveTenantFromContext(ctx context.Context) string {
	ac, _ := FromContext(ctx)
	return ac.ActiveTenantID
}

// WithClaims stores the verified token claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, claims)
}

// ClaimsFromContext extracts the verified token claims.
func ClaimsFromContext(ctx context.Context) *Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return v
}
