package impersonation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	authctx "github.com/chimerakang/authctx-go"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Client calls the exchange over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
}

// compile-time check
var _ authctx.Impersonator = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a Client posting to url, typically Config.ImpersonateURL.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{url: url, httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Impersonate exchanges adminToken for a session of targetUserID.
func (c *Client) Impersonate(ctx context.Context, adminToken, targetUserID string) (*authctx.ImpersonationGrant, error) {
	if adminToken == "" {
		return nil, fmt.Errorf("authctx/impersonation: no admin credential: %w", authctx.ErrUnauthenticated)
	}
	body, err := json.Marshal(Request{TargetUserID: targetUserID})
	if err != nil {
		return nil, fmt.Errorf("authctx/impersonation: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("authctx/impersonation: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authctx/impersonation: request failed: %w: %w", authctx.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("authctx/impersonation: failed to read response: %w: %w", authctx.ErrBackendUnavailable, err)
	}

	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("authctx/impersonation: endpoint returned %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(raw)), statusError(resp.StatusCode))
	}
	if r.Error == "" && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authctx/impersonation: endpoint returned %d: %w", resp.StatusCode, statusError(resp.StatusCode))
	}
	return r.Grant()
}

// statusError maps an HTTP status without an error code to a sentinel. A bare
// 404 means a misrouted request, not a missing target.
func statusError(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return authctx.ErrUnauthenticated
	case http.StatusForbidden:
		return authctx.ErrForbidden
	case http.StatusBadRequest:
		return authctx.ErrInvalidRequest
	default:
		return authctx.ErrBackendUnavailable
	}
}
