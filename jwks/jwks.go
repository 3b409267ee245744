// Package jwks verifies access tokens against a JSON Web Key Set (RFC 7517).
//
// Keys are fetched from the configured endpoint, cached, and refetched when a
// token names an unknown kid or the cache is older than the refresh interval.
// A failed fetch is reported as authctx.ErrBackendUnavailable so callers can
// tell "could not check" apart from "invalid credential".
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshInterval bounds how long a fetched key set is trusted.
const DefaultRefreshInterval = time.Hour

const backendName = "jwks"

// Verifier implements authctx.TokenVerifier for RS256 tokens.
type Verifier struct {
	url             string
	httpClient      *http.Client
	refreshInterval time.Duration
	issuer          string
	metrics         *metrics.Metrics
	now             func() time.Time
	fetches         singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// compile-time check
var _ authctx.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets the client used to fetch the key set.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithRefreshInterval sets how long a fetched key set is used before refetching.
func WithRefreshInterval(d time.Duration) Option {
	return func(v *Verifier) { v.refreshInterval = d }
}

// WithIssuer requires the "iss" claim to equal iss.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithMetrics reports key endpoint reachability as backend state "jwks".
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithClock overrides time.Now for cache ageing, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier reading keys from url.
func NewVerifier(url string, opts ...Option) *Verifier {
	v := &Verifier{
		url:             url,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		refreshInterval: DefaultRefreshInterval,
		now:             time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// errUnavailable marks failures to obtain any usable key.
var errUnavailable = errors.New("signing keys unavailable")

// Verify checks the signature, expiry and issuer of token and returns its claims.
// Refresh tokens are rejected.
func (v *Verifier) Verify(ctx context.Context, token string) (*authctx.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	mc := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, mc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	})
	switch {
	case errors.Is(err, errUnavailable):
		return nil, fmt.Errorf("authctx/jwks: %w: %w", authctx.ErrBackendUnavailable, err)
	case err != nil:
		return nil, fmt.Errorf("authctx/jwks: %v: %w", err, authctx.ErrUnauthenticated)
	}
	if typ, _ := mc["typ"].(string); typ == "refresh" {
		return nil, fmt.Errorf("authctx/jwks: refresh token presented as access token: %w", authctx.ErrUnauthenticated)
	}
	return toClaims(mc), nil
}

// key resolves kid, refetching the set when kid is unknown or the set is stale.
// A token without kid is accepted only when the set holds exactly one key.
func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	cached, fresh := v.cached(kid)
	if cached != nil && fresh {
		return cached, nil
	}

	if err := v.refresh(ctx); err != nil {
		if cached != nil {
			// a stale key beats no key while the endpoint is down
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %v", errUnavailable, err)
	}

	if k, _ := v.cached(kid); k != nil {
		return k, nil
	}
	return nil, fmt.Errorf("no signing key for kid %q", kid)
}

func (v *Verifier) cached(kid string) (*rsa.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	fresh := !v.fetched.IsZero() && v.now().Sub(v.fetched) <= v.refreshInterval
	if k, ok := v.keys[kid]; ok {
		return k, fresh
	}
	if kid == "" && len(v.keys) == 1 {
		for _, k := range v.keys {
			return k, fresh
		}
	}
	return nil, fresh
}

// refresh fetches the key set once for all concurrent callers.
func (v *Verifier) refresh(ctx context.Context) error {
	_, err, _ := v.fetches.Do(backendName, func() (any, error) {
		keys, err := v.fetch(ctx)
		v.metrics.SetBackendState(backendName, err == nil)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.keys = keys
		v.fetched = v.now()
		v.mu.Unlock()
		return nil, nil
	})
	return err
}

func (v *Verifier) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	keys := doc.SigningKeys()
	if len(keys) == 0 {
		return nil, errors.New("no RSA signing keys in set")
	}
	return keys, nil
}

// Document is a JSON Web Key Set.
type Document struct {
	Keys []Key `json:"keys"`
}

// SigningKeys returns the usable RSA signature keys by kid. Malformed keys are skipped.
func (d Document) SigningKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey, len(d.Keys))
	for _, k := range d.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, err := k.RSAPublicKey(); err == nil {
			out[k.Kid] = pub
		}
	}
	return out
}

// Key is a single JSON Web Key.
type Key struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewRSAKey encodes pub as an RS256 signing key.
func NewRSAKey(kid string, pub *rsa.PublicKey) Key {
	return Key{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: jwt.SigningMethodRS256.Alg(),
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKey decodes the key material.
func (k Key) RSAPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// reserved claims are mapped onto Claims fields and kept out of Extra.
var reserved = map[string]struct{}{
	"sub": {}, "email": {}, "iss": {}, "sid": {}, "session_id": {},
	"exp": {}, "iat": {}, "aud": {}, "nbf": {}, "jti": {}, "typ": {},
	"app_metadata": {}, "user_metadata": {}, "act": {},
}

func toClaims(m jwt.MapClaims) *authctx.Claims {
	c := &authctx.Claims{
		AppMetadata:  map[string]any{},
		UserMetadata: map[string]any{},
		Extra:        map[string]any{},
	}
	c.Subject, _ = m["sub"].(string)
	c.Email, _ = m["email"].(string)
	c.Issuer, _ = m["iss"].(string)
	c.SessionID, _ = m["sid"].(string)
	if c.SessionID == "" {
		c.SessionID, _ = m["session_id"].(string)
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if md, ok := m["app_metadata"].(map[string]any); ok {
		c.AppMetadata = md
	}
	if md, ok := m["user_metadata"].(map[string]any); ok {
		c.UserMetadata = md
	}
	if act, ok := m["act"].(map[string]any); ok {
		c.Actor, _ = act["sub"].(string)
	}
	for k, val := range m {
		if _, ok := reserved[k]; !ok {
			c.Extra[k] = val
		}
	}
	return c
}
