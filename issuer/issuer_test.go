package issuer_test

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/claims"
	"github.com/chimerakang/authctx-go/fake"
	"github.com/chimerakang/authctx-go/issuer"
	"github.com/chimerakang/authctx-go/jwks"
)

const testIssuer = "https://auth.example.com"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := issuer.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey returned error: %v", err)
		}
		testKey = k
	})
	return testKey
}

func setup(t *testing.T, opts ...issuer.Option) (*fake.Backend, *issuer.Issuer, *jwks.Verifier) {
	t.Helper()
	b := fake.New(
		fake.WithUser("admin", "admin@example.com", true),
		fake.WithUser("u1", "u1@example.com", false),
	)
	iss, err := issuer.New(signingKey(t), testIssuer, b.Users(), opts...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(iss.JWKS())
	}))
	t.Cleanup(server.Close)
	return b, iss, jwks.NewVerifier(server.URL, jwks.WithIssuer(testIssuer))
}

func user(id, email string, admin bool) *authctx.User {
	return &authctx.User{ID: id, Email: email, IsPlatformAdmin: admin}
}

func TestIssue_VerifiesThroughJWKS(t *testing.T) {
	_, iss, v := setup(t)

	s, err := iss.Issue(context.Background(), user("admin", "admin@example.com", true), authctx.IssueOptions{})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if s.ID == "" || s.Principal.ID != "admin" {
		t.Errorf("session = %+v", s)
	}

	c, err := v.Verify(context.Background(), s.AccessToken)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if c.Subject != "admin" || c.Email != "admin@example.com" {
		t.Errorf("claims = %+v", c)
	}
	if c.SessionID != s.ID {
		t.Errorf("SessionID = %q, want %q", c.SessionID, s.ID)
	}
	if !claims.IsPlatformAdmin(c) {
		t.Error("expected platform admin claim")
	}
	if !c.ExpiresAt.Equal(s.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, s.ExpiresAt)
	}
}

func TestIssue_ActorNeverAdmin(t *testing.T) {
	_, iss, v := setup(t)

	s, err := iss.Issue(context.Background(), user("admin", "admin@example.com", true), authctx.IssueOptions{Actor: "root"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	c, err := v.Verify(context.Background(), s.AccessToken)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	if c.Actor != "root" {
		t.Errorf("Actor = %q, want root", c.Actor)
	}
	if claims.IsPlatformAdmin(c) {
		t.Error("a session issued to an actor must never carry platform privilege")
	}
}

func TestIssue_RefreshTokenIsNotAccess(t *testing.T) {
	_, iss, v := setup(t)
	s, _ := iss.Issue(context.Background(), user("u1", "u1@example.com", false), authctx.IssueOptions{})

	if _, err := v.Verify(context.Background(), s.RefreshToken); !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	_, iss, v := setup(t)
	s, _ := iss.Issue(context.Background(), user("u1", "u1@example.com", false), authctx.IssueOptions{Actor: "admin"})

	next, err := iss.Refresh(context.Background(), s.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if next.ID != s.ID {
		t.Errorf("session id = %q, want %q preserved", next.ID, s.ID)
	}
	if next.AccessToken == s.AccessToken || next.RefreshToken == s.RefreshToken {
		t.Error("expected new tokens")
	}
	c, err := v.Verify(context.Background(), next.AccessToken)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if c.Actor != "admin" {
		t.Errorf("Actor = %q, want admin preserved", c.Actor)
	}

	if _, err := iss.Refresh(context.Background(), s.RefreshToken); !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Errorf("reused refresh token: expected ErrUnauthenticated, got %v", err)
	}
}

func TestRefresh_Rejections(t *testing.T) {
	_, iss, _ := setup(t)
	ctx := context.Background()

	s, _ := iss.Issue(ctx, user("u1", "u1@example.com", false), authctx.IssueOptions{})
	if _, err := iss.Refresh(ctx, s.AccessToken); !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Errorf("access token as refresh: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := iss.Refresh(ctx, "garbage"); !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Errorf("garbage: expected ErrUnauthenticated, got %v", err)
	}

	revoked, _ := iss.Issue(ctx, user("u1", "u1@example.com", false), authctx.IssueOptions{})
	if err := iss.Revoke(ctx, *revoked); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if _, err := iss.Refresh(ctx, revoked.RefreshToken); !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Errorf("revoked: expected ErrUnauthenticated, got %v", err)
	}

	gone, _ := iss.Issue(ctx, user("ghost", "ghost@example.com", false), authctx.IssueOptions{})
	if _, err := iss.Refresh(ctx, gone.RefreshToken); !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Errorf("deleted user: expected ErrUnauthenticated, got %v", err)
	}
}

func TestRefresh_Expired(t *testing.T) {
	now := time.Now()
	_, iss, _ := setup(t, issuer.WithRefreshTTL(time.Hour), issuer.WithClock(func() time.Time { return now }))
	s, _ := iss.Issue(context.Background(), user("u1", "u1@example.com", false), authctx.IssueOptions{})

	now = now.Add(2 * time.Hour)
	if _, err := iss.Refresh(context.Background(), s.RefreshToken); !errors.Is(err, authctx.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestIssue_InvalidUser(t *testing.T) {
	_, iss, _ := setup(t)

	if _, err := iss.Issue(context.Background(), nil, authctx.IssueOptions{}); !errors.Is(err, authctx.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if err := iss.Revoke(context.Background(), authctx.Session{}); !errors.Is(err, authctx.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	key := signingKey(t)

	parsed, err := issuer.ParseKey(issuer.EncodeKey(key))
	if err != nil {
		t.Fatalf("ParseKey returned error: %v", err)
	}
	if !parsed.Equal(key) {
		t.Error("parsed key differs")
	}
	if _, err := issuer.ParseKey([]byte("not a key")); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestNew_RequiresKeyAndUsers(t *testing.T) {
	if _, err := issuer.New(nil, testIssuer, fake.New().Users()); err == nil {
		t.Error("expected error without key")
	}
	if _, err := issuer.New(signingKey(t), testIssuer, nil); err == nil {
		t.Error("expected error without user directory")
	}
}
