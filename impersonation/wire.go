package impersonation

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	authctx "github.com/chimerakang/authctx-go"
)

// Path is where the exchange is served.
const Path = "/v1/admin/impersonate"

// Error codes carried in Response.Error.
const (
	CodeForbidden       = "Forbidden"
	CodeTargetNotFound  = "TargetNotFound"
	CodeInvalidRequest  = "InvalidRequest"
	CodeUnauthenticated = "Unauthenticated"
	CodeUnavailable     = "BackendUnavailable"
	CodeRateLimited     = "RateLimited"
	CodeInternal        = "InternalError"
)

// Request is the exchange request body. The admin credential travels in the
// Authorization header, never in the body.
type Request struct {
	TargetUserID string `json:"targetUserId"`
}

// SessionPayload is the wire form of an issued session.
type SessionPayload struct {
	SessionID    string    `json:"sessionId,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email,omitempty"`
}

// Response is the exchange response body: either a session or an error code.
type Response struct {
	Session        *SessionPayload `json:"session,omitempty"`
	IssuingAdminID string          `json:"issuingAdminId,omitempty"`
	Error          string          `json:"error,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// NewResponse encodes a grant.
func NewResponse(g *authctx.ImpersonationGrant) Response {
	s := g.Session
	return Response{
		IssuingAdminID: g.IssuingAdminID,
		Session: &SessionPayload{
			SessionID:    s.ID,
			AccessToken:  s.AccessToken,
			RefreshToken: s.RefreshToken,
			ExpiresAt:    s.ExpiresAt,
			UserID:       g.TargetUserID,
			Email:        s.Principal.Email,
		},
	}
}

// Grant decodes a successful response.
func (r Response) Grant() (*authctx.ImpersonationGrant, error) {
	if r.Error != "" {
		return nil, fmt.Errorf("authctx/impersonation: %s: %w", r.describe(), CodeError(r.Error))
	}
	if r.Session == nil || r.Session.AccessToken == "" || r.Session.UserID == "" {
		return nil, fmt.Errorf("authctx/impersonation: response carries no session: %w", authctx.ErrBackendUnavailable)
	}
	s := r.Session
	return &authctx.ImpersonationGrant{
		IssuingAdminID: r.IssuingAdminID,
		TargetUserID:   s.UserID,
		Session: authctx.Session{
			ID:           s.SessionID,
			AccessToken:  s.AccessToken,
			RefreshToken: s.RefreshToken,
			ExpiresAt:    s.ExpiresAt,
			Principal:    authctx.Principal{ID: s.UserID, Email: s.Email},
		},
	}, nil
}

func (r Response) describe() string {
	if r.Message != "" {
		return r.Error + ": " + r.Message
	}
	return r.Error
}

// ErrorResponse encodes err with its code and HTTP status.
func ErrorResponse(err error) (int, Response) {
	code, status := Code(err)
	return status, Response{Error: code}
}

// Code maps err to its wire code and HTTP status.
func Code(err error) (string, int) {
	switch {
	case errors.Is(err, authctx.ErrUnauthenticated):
		return CodeUnauthenticated, http.StatusUnauthorized
	case errors.Is(err, authctx.ErrForbidden):
		return CodeForbidden, http.StatusForbidden
	case errors.Is(err, authctx.ErrTargetNotFound):
		return CodeTargetNotFound, http.StatusNotFound
	case errors.Is(err, authctx.ErrInvalidRequest):
		return CodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, authctx.ErrBackendUnavailable):
		return CodeUnavailable, http.StatusServiceUnavailable
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// CodeError maps a wire code back to its sentinel. Unknown codes and internal
// errors are reported as unavailable so they never read as a denial.
func CodeError(code string) error {
	switch code {
	case CodeUnauthenticated:
		return authctx.ErrUnauthenticated
	case CodeForbidden:
		return authctx.ErrForbidden
	case CodeTargetNotFound:
		return authctx.ErrTargetNotFound
	case CodeInvalidRequest:
		return authctx.ErrInvalidRequest
	default:
		return authctx.ErrBackendUnavailable
	}
}
