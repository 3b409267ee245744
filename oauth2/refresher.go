// Package oauth2 exchanges refresh tokens at an OAuth2 token endpoint.
package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"golang.org/x/sync/singleflight"
)

// GrantRefreshToken is the only grant type the token endpoint accepts.
const GrantRefreshToken = "refresh_token"

// Error codes from RFC 6749 section 5.2.
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
	ErrorTemporarilyUnavail   = "temporarily_unavailable"
)

const maxResponseBytes = 1 << 20

// Refresher implements authctx.SessionRefresher against a token endpoint.
type Refresher struct {
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time

	sf singleflight.Group
}

// compile-time check
var _ authctx.SessionRefresher = (*Refresher)(nil)

// Option configures the Refresher.
type Option func(*Refresher)

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) { r.httpClient = c }
}

// WithClock overrides time.Now when computing expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// New creates a Refresher for tokenURL.
func New(tokenURL string, opts ...Option) *Refresher {
	r := &Refresher{
		tokenURL:   tokenURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TokenResponse is the JSON body of a successful token response. The session
// fields extend RFC 6749 so a client can rebuild its session without decoding
// the access token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Email        string `json:"email,omitempty"`
}

// ErrorResponse is the JSON body of a failed token response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// NewTokenResponse encodes s for the wire.
func NewTokenResponse(s *authctx.Session, now time.Time) TokenResponse {
	var expiresIn int64
	if !s.ExpiresAt.IsZero() {
		expiresIn = max(int64(s.ExpiresAt.Sub(now)/time.Second), 0)
	}
	return TokenResponse{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: s.RefreshToken,
		SessionID:    s.ID,
		UserID:       s.Principal.ID,
		Email:        s.Principal.Email,
	}
}

// Session decodes the response. The expiry is relative to now.
func (t TokenResponse) Session(now time.Time) *authctx.Session {
	s := &authctx.Session{
		ID:           t.SessionID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Principal:    authctx.Principal{ID: t.UserID, Email: t.Email},
	}
	if t.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return s
}

// ErrorCode maps a refresh failure to its OAuth2 error code and HTTP status.
func ErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, authctx.ErrUnauthenticated):
		return ErrorInvalidGrant, http.StatusBadRequest
	case errors.Is(err, authctx.ErrInvalidRequest):
		return ErrorInvalidRequest, http.StatusBadRequest
	default:
		return ErrorTemporarilyUnavail, http.StatusServiceUnavailable
	}
}

// Refresh exchanges refreshToken for a new session. Concurrent calls with the
// same token share one request, so a single-use token is spent only once.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*authctx.Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("authctx/oauth2: no refresh token: %w", authctx.ErrUnauthenticated)
	}
	result, err, _ := r.sf.Do(refreshToken, func() (interface{}, error) {
		return r.exchange(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	s := *result.(*authctx.Session)
	return &s, nil
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) (*authctx.Session, error) {
	form := url.Values{
		"grant_type":    {GrantRefreshToken},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("authctx/oauth2: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authctx/oauth2: token request: %w: %w", authctx.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("authctx/oauth2: read response: %w: %w", authctx.ErrBackendUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		_ = json.Unmarshal(body, &e)
		return nil, statusError(resp.StatusCode, e)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("authctx/oauth2: decode response: %w: %w", authctx.ErrBackendUnavailable, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("authctx/oauth2: empty access_token in response: %w", authctx.ErrBackendUnavailable)
	}
	return tr.Session(r.now()), nil
}

func statusError(status int, e ErrorResponse) error {
	detail := e.Error
	if e.Description != "" {
		detail += ": " + e.Description
	}
	switch {
	case e.Error == ErrorInvalidGrant, status == http.StatusUnauthorized:
		return fmt.Errorf("authctx/oauth2: token endpoint returned %d %s: %w", status, detail, authctx.ErrUnauthenticated)
	case e.Error == ErrorInvalidRequest || e.Error == ErrorUnsupportedGrantType:
		return fmt.Errorf("authctx/oauth2: token endpoint returned %d %s: %w", status, detail, authctx.ErrInvalidRequest)
	default:
		return fmt.Errorf("authctx/oauth2: token endpoint returned %d %s: %w", status, detail, authctx.ErrBackendUnavailable)
	}
}
