// Package issuer mints RS256-signed sessions and publishes the verification key.
//
// Access tokens carry the platform-admin flag in app_metadata, which only the
// issuer writes. Sessions issued for an administrator acting as someone else
// carry an "act" claim and never the admin flag. Refresh tokens are single-use.
package issuer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/jwks"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	tokenTypeRefresh = "refresh"

	// DefaultAccessTTL is the lifetime of access tokens.
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL is the lifetime of refresh tokens.
	DefaultRefreshTTL = 30 * 24 * time.Hour

	ledgerSize = 100_000
)

// Issuer signs sessions for users found in a UserDirectory.
type Issuer struct {
	key        *rsa.PrivateKey
	kid        string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	users      authctx.UserDirectory
	now        func() time.Time

	mu sync.Mutex
	// used refresh token ids and revoked session ids, kept until the refresh token would expire anyway
	used    *expirable.LRU[string, struct{}]
	revoked *expirable.LRU[string, struct{}]
}

// compile-time checks
var (
	_ authctx.SessionIssuer    = (*Issuer)(nil)
	_ authctx.SessionRefresher = (*Issuer)(nil)
	_ authctx.SessionRevoker   = (*Issuer)(nil)
)

// Option configures the Issuer.
type Option func(*Issuer)

// WithKeyID sets the "kid" header. Default: "authctx-1".
func WithKeyID(kid string) Option {
	return func(i *Issuer) { i.kid = kid }
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(d time.Duration) Option {
	return func(i *Issuer) { i.accessTTL = d }
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(d time.Duration) Option {
	return func(i *Issuer) { i.refreshTTL = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// New creates an Issuer signing with key as issuer iss.
func New(key *rsa.PrivateKey, iss string, users authctx.UserDirectory, opts ...Option) (*Issuer, error) {
	if key == nil {
		return nil, fmt.Errorf("authctx/issuer: signing key is required")
	}
	if users == nil {
		return nil, fmt.Errorf("authctx/issuer: user directory is required")
	}
	i := &Issuer{
		key:        key,
		kid:        "authctx-1",
		issuer:     iss,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		users:      users,
		now:        time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	i.used = expirable.NewLRU[string, struct{}](ledgerSize, nil, i.refreshTTL)
	i.revoked = expirable.NewLRU[string, struct{}](ledgerSize, nil, i.refreshTTL)
	return i, nil
}

// GenerateKey creates a fresh 2048-bit signing key.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// ParseKey decodes a PEM-encoded RSA private key.
func ParseKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("authctx/issuer: parse key: %w", err)
	}
	return key, nil
}

// EncodeKey returns key as a PKCS1 PEM block, the form ParseKey reads.
func EncodeKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// Issue mints a new session for u.
func (i *Issuer) Issue(_ context.Context, u *authctx.User, opts authctx.IssueOptions) (*authctx.Session, error) {
	if u == nil || u.ID == "" {
		return nil, fmt.Errorf("authctx/issuer: user is required: %w", authctx.ErrInvalidRequest)
	}
	return i.issue(u, uuid.NewString(), opts.Actor)
}

func (i *Issuer) issue(u *authctx.User, sid, actor string) (*authctx.Session, error) {
	now := i.now()
	exp := now.Add(i.accessTTL)

	access := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"sid":   sid,
		"jti":   uuid.NewString(),
		"iss":   i.issuer,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
		"app_metadata": map[string]any{
			"is_platform_admin": u.IsPlatformAdmin && actor == "",
		},
		"user_metadata": map[string]any{},
	}
	refresh := jwt.MapClaims{
		"sub": u.ID,
		"sid": sid,
		"jti": uuid.NewString(),
		"iss": i.issuer,
		"iat": now.Unix(),
		"exp": now.Add(i.refreshTTL).Unix(),
		"typ": tokenTypeRefresh,
	}
	if actor != "" {
		access["act"] = map[string]any{"sub": actor}
		refresh["act"] = map[string]any{"sub": actor}
	}

	at, err := i.sign(access)
	if err != nil {
		return nil, err
	}
	rt, err := i.sign(refresh)
	if err != nil {
		return nil, err
	}
	return &authctx.Session{
		ID:           sid,
		AccessToken:  at,
		RefreshToken: rt,
		Principal:    authctx.Principal{ID: u.ID, Email: u.Email},
		ExpiresAt:    time.Unix(exp.Unix(), 0),
	}, nil
}

func (i *Issuer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.kid
	s, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("authctx/issuer: sign token: %w", err)
	}
	return s, nil
}

// Refresh exchanges a refresh token for a new session of the same user and
// session id. The actor, if any, is preserved. Each refresh token works once.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*authctx.Session, error) {
	claims, err := i.parseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)
	jti, _ := claims["jti"].(string)
	if sub == "" || sid == "" || jti == "" {
		return nil, fmt.Errorf("authctx/issuer: incomplete refresh token: %w", authctx.ErrUnauthenticated)
	}
	if i.revoked.Contains(sid) {
		return nil, fmt.Errorf("authctx/issuer: session %q revoked: %w", sid, authctx.ErrUnauthenticated)
	}
	if !i.consume(jti) {
		return nil, fmt.Errorf("authctx/issuer: refresh token already used: %w", authctx.ErrUnauthenticated)
	}

	var actor string
	if act, ok := claims["act"].(map[string]any); ok {
		actor, _ = act["sub"].(string)
	}

	u, err := i.users.Get(ctx, sub)
	if err != nil {
		if errors.Is(err, authctx.ErrUserNotFound) {
			return nil, fmt.Errorf("authctx/issuer: user %q no longer exists: %w", sub, authctx.ErrUnauthenticated)
		}
		// the token stays usable when the directory is down
		i.used.Remove(jti)
		return nil, fmt.Errorf("authctx/issuer: look up user: %w", err)
	}
	return i.issue(u, sid, actor)
}

// consume marks a refresh token id as used. It reports false if it already was.
func (i *Issuer) consume(jti string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.used.Contains(jti) {
		return false
	}
	i.used.Add(jti, struct{}{})
	return true
}

func (i *Issuer) parseRefresh(token string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	parsed, err := parser.Parse(token, func(*jwt.Token) (any, error) {
		return &i.key.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authctx/issuer: %v: %w", err, authctx.ErrUnauthenticated)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("authctx/issuer: invalid refresh token: %w", authctx.ErrUnauthenticated)
	}
	if typ, _ := claims["typ"].(string); typ != tokenTypeRefresh {
		return nil, fmt.Errorf("authctx/issuer: not a refresh token: %w", authctx.ErrUnauthenticated)
	}
	return claims, nil
}

// Revoke ends a session: its refresh tokens stop working. Access tokens
// already issued stay valid until they expire.
func (i *Issuer) Revoke(_ context.Context, s authctx.Session) error {
	if s.ID == "" {
		return fmt.Errorf("authctx/issuer: session has no id: %w", authctx.ErrInvalidRequest)
	}
	i.revoked.Add(s.ID, struct{}{})
	return nil
}

// JWKS returns the key set verifiers use to check issued tokens.
func (i *Issuer) JWKS() jwks.Document {
	return jwks.Document{Keys: []jwks.Key{jwks.NewRSAKey(i.kid, &i.key.PublicKey)}}
}

// Issuer returns the "iss" value of issued tokens.
func (i *Issuer) Issuer() string { return i.issuer }
