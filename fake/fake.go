// Package fake provides in-memory implementations of all authctx interfaces for testing.
//
// Use fake.New() in unit tests to avoid network calls and external dependencies.
// A token is either a user ID (treated as a plain, non-impersonated credential for
// that user) or a token minted by the fake issuer.
package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	authctx "github.com/chimerakang/authctx-go"
)

// Option configures the fake backend.
type Option func(*state)

type state struct {
	mu          sync.RWMutex
	users       map[string]*authctx.User        // userID → User
	tenants     map[string]*authctx.Tenant      // tenantID → Tenant
	memberships map[string][]authctx.Membership // userID → memberships
	tokens      map[string]*tokenEntry          // access token → entry
	refresh     map[string]*tokenEntry          // refresh token → entry
	revoked     map[string]bool                 // sessionID → revoked
	epoch       time.Time
	nextID      int

	verifyErr       error
	membershipErr   error
	membershipCalls int
	ttl             time.Duration
}

type tokenEntry struct {
	userID    string
	actor     string
	sessionID string
	expiresAt time.Time
}

// WithUser adds a fake user.
func WithUser(id, email string, isPlatformAdmin bool) Option {
	return func(s *state) {
		s.nextID++
		s.users[id] = &authctx.User{
			ID:              id,
			Email:           email,
			Name:            email,
			IsPlatformAdmin: isPlatformAdmin,
			CreatedAt:       s.epoch.Add(time.Duration(s.nextID) * time.Second),
		}
	}
}

// WithTenant adds a fake tenant.
func WithTenant(id, name string, status authctx.TenantStatus) Option {
	return func(s *state) {
		s.nextID++
		s.tenants[id] = &authctx.Tenant{
			ID:        id,
			Name:      name,
			Status:    status,
			CreatedAt: s.epoch.Add(time.Duration(s.nextID) * time.Second),
		}
	}
}

// WithMembership adds userID to tenantID with role. Memberships are created in
// the order the options are given.
func WithMembership(userID, tenantID string, role authctx.Role) Option {
	return func(s *state) {
		s.addMembership(userID, tenantID, role)
	}
}

// WithTokenTTL sets the lifetime of issued sessions. Default: 1 hour.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *state) { s.ttl = ttl }
}

// Backend is an in-memory identity and membership backend.
type Backend struct {
	s *state
}

// New creates a fake backend.
func New(opts ...Option) *Backend {
	s := &state{
		users:       make(map[string]*authctx.User),
		tenants:     make(map[string]*authctx.Tenant),
		memberships: make(map[string][]authctx.Membership),
		tokens:      make(map[string]*tokenEntry),
		refresh:     make(map[string]*tokenEntry),
		revoked:     make(map[string]bool),
		epoch:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ttl:         time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return &Backend{s: s}
}

// NewClient creates an *authctx.Client with all services wired to in-memory fakes.
func NewClient(opts ...Option) *authctx.Client {
	return New(opts...).Client()
}

// Client returns an *authctx.Client wired to this backend.
func (b *Backend) Client(opts ...authctx.Option) *authctx.Client {
	all := append([]authctx.Option{
		authctx.WithTokenVerifier(b.Verifier()),
		authctx.WithClaimsResolver(b.Claims()),
		authctx.WithMembershipStore(b.Memberships()),
		authctx.WithUserDirectory(b.Users()),
		authctx.WithTenantDirectory(b.Tenants()),
		authctx.WithImpersonator(b.Impersonator()),
		authctx.WithSessionRefresher(b.Refresher()),
	}, opts...)
	c, _ := authctx.NewClient(authctx.Config{Endpoint: "fake://localhost"}, all...)
	return c
}

// Verifier returns the fake token verifier.
func (b *Backend) Verifier() authctx.TokenVerifier { return &fakeVerifier{s: b.s} }

// Claims returns the fake claims resolver.
func (b *Backend) Claims() authctx.ClaimsResolver { return &fakeClaims{v: &fakeVerifier{s: b.s}} }

// Memberships returns the fake membership store. It also serves as a membership.Backend.
func (b *Backend) Memberships() *Memberships { return &Memberships{s: b.s} }

// Users returns the fake user directory.
func (b *Backend) Users() authctx.UserDirectory { return &fakeUsers{s: b.s} }

// Tenants returns the fake tenant directory.
func (b *Backend) Tenants() authctx.TenantDirectory { return &fakeTenants{s: b.s} }

// Issuer returns the fake session issuer.
func (b *Backend) Issuer() authctx.SessionIssuer { return &fakeIssuer{s: b.s} }

// Refresher returns the fake refresh-token exchanger.
func (b *Backend) Refresher() authctx.SessionRefresher { return &fakeIssuer{s: b.s} }

// Revoker returns the fake session revoker.
func (b *Backend) Revoker() authctx.SessionRevoker { return &fakeIssuer{s: b.s} }

// Impersonator returns an in-process impersonation exchange.
func (b *Backend) Impersonator() authctx.Impersonator {
	return &fakeImpersonator{s: b.s, v: &fakeVerifier{s: b.s}}
}

// SignIn issues a fresh session for userID, as a successful login would.
func (b *Backend) SignIn(userID string) (authctx.Session, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	u, ok := b.s.users[userID]
	if !ok {
		return authctx.Session{}, fmt.Errorf("authctx/fake: user %q: %w", userID, authctx.ErrUserNotFound)
	}
	return b.s.issueLocked(u, ""), nil
}

// AddMembership adds a membership at runtime.
func (b *Backend) AddMembership(userID, tenantID string, role authctx.Role) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.addMembership(userID, tenantID, role)
}

// RemoveMembership deletes userID's membership in tenantID.
func (b *Backend) RemoveMembership(userID, tenantID string) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.memberships[userID] = slices.DeleteFunc(b.s.memberships[userID], func(m authctx.Membership) bool {
		return m.TenantID == tenantID
	})
}

// FailMemberships makes every membership load return err until called with nil.
func (b *Backend) FailMemberships(err error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.membershipErr = err
}

// FailVerify makes every token verification return err until called with nil.
func (b *Backend) FailVerify(err error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.verifyErr = err
}

// MembershipCalls returns how many membership loads reached the backend.
func (b *Backend) MembershipCalls() int {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	return b.s.membershipCalls
}

// Revoked reports whether sessionID was revoked.
func (b *Backend) Revoked(sessionID string) bool {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	return b.s.revoked[sessionID]
}

func (s *state) addMembership(userID, tenantID string, role authctx.Role) {
	s.nextID++
	s.memberships[userID] = append(s.memberships[userID], authctx.Membership{
		TenantID:  tenantID,
		Role:      role,
		CreatedAt: s.epoch.Add(time.Duration(s.nextID) * time.Second),
	})
}

// issueLocked mints a session. s.mu must be held for writing.
func (s *state) issueLocked(u *authctx.User, actor string) authctx.Session {
	s.nextID++
	n := s.nextID
	e := &tokenEntry{
		userID:    u.ID,
		actor:     actor,
		sessionID: fmt.Sprintf("sess-%d", n),
		expiresAt: time.Now().Add(s.ttl),
	}
	access := fmt.Sprintf("fake-at-%d", n)
	refresh := fmt.Sprintf("fake-rt-%d", n)
	s.tokens[access] = e
	s.refresh[refresh] = e
	return authctx.Session{
		ID:           e.sessionID,
		AccessToken:  access,
		RefreshToken: refresh,
		Principal:    authctx.Principal{ID: u.ID, Email: u.Email},
		ExpiresAt:    e.expiresAt,
	}
}

// --- TokenVerifier ---

type fakeVerifier struct{ s *state }

func (f *fakeVerifier) Verify(_ context.Context, token string) (*authctx.Claims, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	if f.s.verifyErr != nil {
		return nil, f.s.verifyErr
	}

	e, ok := f.s.tokens[token]
	if !ok {
		// Treat the token string as a userID for simplicity
		e = &tokenEntry{userID: token, expiresAt: time.Now().Add(time.Hour)}
	}
	if e.sessionID != "" && f.s.revoked[e.sessionID] {
		return nil, fmt.Errorf("authctx/fake: session revoked: %w", authctx.ErrUnauthenticated)
	}
	if !time.Now().Before(e.expiresAt) {
		return nil, fmt.Errorf("authctx/fake: token expired: %w", authctx.ErrUnauthenticated)
	}
	user, ok := f.s.users[e.userID]
	if !ok {
		return nil, fmt.Errorf("authctx/fake: unknown token %q: %w", token, authctx.ErrUnauthenticated)
	}

	return &authctx.Claims{
		Subject:      user.ID,
		Email:        user.Email,
		SessionID:    e.sessionID,
		Issuer:       "fake",
		IssuedAt:     e.expiresAt.Add(-f.s.ttl),
		ExpiresAt:    e.expiresAt,
		AppMetadata:  map[string]any{"is_platform_admin": user.IsPlatformAdmin},
		UserMetadata: map[string]any{},
		Actor:        e.actor,
		Extra:        map[string]any{},
	}, nil
}

// --- ClaimsResolver ---

type fakeClaims struct{ v *fakeVerifier }

func (f *fakeClaims) Resolve(ctx context.Context, token string) (*authctx.Principal, error) {
	c, err := f.v.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	admin, _ := c.AppMetadata["is_platform_admin"].(bool)
	return &authctx.Principal{
		ID:     c.Subject,
		Email:  c.Email,
		Claims: authctx.VerifiedClaims{IsPlatformAdmin: admin && !c.Impersonated()},
	}, nil
}

// --- MembershipStore ---

// Memberships is the fake membership store.
type Memberships struct{ s *state }

// List returns userID's memberships in creation order.
func (f *Memberships) List(_ context.Context, principalID string) ([]authctx.Membership, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	f.s.membershipCalls++
	if f.s.membershipErr != nil {
		return nil, fmt.Errorf("authctx/fake: %v: %w", f.s.membershipErr, authctx.ErrBackendUnavailable)
	}
	return authctx.SortMemberships(f.s.memberships[principalID]), nil
}

// ValidateMembership implements authctx.MembershipVerifier.
func (f *Memberships) ValidateMembership(_ context.Context, userID, tenantID string) (bool, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	if f.s.membershipErr != nil {
		return false, fmt.Errorf("authctx/fake: %v: %w", f.s.membershipErr, authctx.ErrBackendUnavailable)
	}
	for _, m := range f.s.memberships[userID] {
		if m.TenantID == tenantID {
			return true, nil
		}
	}
	return false, nil
}

// --- UserDirectory ---

type fakeUsers struct{ s *state }

func (f *fakeUsers) Get(_ context.Context, userID string) (*authctx.User, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	user, ok := f.s.users[userID]
	if !ok {
		return nil, fmt.Errorf("authctx/fake: user %q: %w", userID, authctx.ErrUserNotFound)
	}
	u := *user
	return &u, nil
}

func (f *fakeUsers) List(_ context.Context, opts authctx.ListOptions) ([]*authctx.User, int, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	all := make([]*authctx.User, 0, len(f.s.users))
	for _, u := range f.s.users {
		c := *u
		all = append(all, &c)
	}
	slices.SortFunc(all, func(a, b *authctx.User) int { return a.CreatedAt.Compare(b.CreatedAt) })
	page, total := paginate(all, opts)
	return page, total, nil
}

// --- TenantDirectory ---

type fakeTenants struct{ s *state }

func (f *fakeTenants) Get(_ context.Context, tenantID string) (*authctx.Tenant, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	t, ok := f.s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("authctx/fake: tenant %q: %w", tenantID, authctx.ErrTenantNotFound)
	}
	c := *t
	return &c, nil
}

func (f *fakeTenants) List(_ context.Context, opts authctx.ListOptions) ([]*authctx.Tenant, int, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	all := make([]*authctx.Tenant, 0, len(f.s.tenants))
	for _, t := range f.s.tenants {
		c := *t
		all = append(all, &c)
	}
	slices.SortFunc(all, func(a, b *authctx.Tenant) int { return a.CreatedAt.Compare(b.CreatedAt) })
	page, total := paginate(all, opts)
	return page, total, nil
}

func paginate[T any](all []T, opts authctx.ListOptions) ([]T, int) {
	total := len(all)
	opts = opts.Normalize()
	start := opts.Offset()
	if start >= total {
		return nil, total
	}
	end := min(start+opts.PageSize, total)
	return all[start:end], total
}

// --- SessionIssuer / SessionRefresher / SessionRevoker ---

type fakeIssuer struct{ s *state }

func (f *fakeIssuer) Issue(_ context.Context, u *authctx.User, opts authctx.IssueOptions) (*authctx.Session, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	if _, ok := f.s.users[u.ID]; !ok {
		return nil, fmt.Errorf("authctx/fake: user %q: %w", u.ID, authctx.ErrUserNotFound)
	}
	sess := f.s.issueLocked(f.s.users[u.ID], opts.Actor)
	return &sess, nil
}

func (f *fakeIssuer) Refresh(_ context.Context, refreshToken string) (*authctx.Session, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	e, ok := f.s.refresh[refreshToken]
	if !ok || f.s.revoked[e.sessionID] {
		return nil, fmt.Errorf("authctx/fake: invalid refresh token: %w", authctx.ErrUnauthenticated)
	}
	u, ok := f.s.users[e.userID]
	if !ok {
		return nil, fmt.Errorf("authctx/fake: user %q: %w", e.userID, authctx.ErrUnauthenticated)
	}
	delete(f.s.refresh, refreshToken)
	sess := f.s.issueLocked(u, e.actor)
	return &sess, nil
}

func (f *fakeIssuer) Revoke(_ context.Context, sess authctx.Session) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	if sess.ID == "" {
		return fmt.Errorf("authctx/fake: session has no id: %w", authctx.ErrInvalidRequest)
	}
	f.s.revoked[sess.ID] = true
	return nil
}

// --- Impersonator ---

type fakeImpersonator struct {
	s *state
	v *fakeVerifier
}

func (f *fakeImpersonator) Impersonate(ctx context.Context, adminToken, targetUserID string) (*authctx.ImpersonationGrant, error) {
	c, err := f.v.Verify(ctx, adminToken)
	if err != nil {
		return nil, err
	}
	admin, _ := c.AppMetadata["is_platform_admin"].(bool)
	if !admin || c.Impersonated() {
		return nil, fmt.Errorf("authctx/fake: %q is not a platform admin: %w", c.Subject, authctx.ErrForbidden)
	}
	if targetUserID == "" || targetUserID == c.Subject {
		return nil, fmt.Errorf("authctx/fake: invalid target %q: %w", targetUserID, authctx.ErrInvalidRequest)
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	u, ok := f.s.users[targetUserID]
	if !ok {
		return nil, fmt.Errorf("authctx/fake: user %q: %w", targetUserID, authctx.ErrTargetNotFound)
	}
	return &authctx.ImpersonationGrant{
		IssuingAdminID: c.Subject,
		TargetUserID:   u.ID,
		Session:        f.s.issueLocked(u, c.Subject),
	}, nil
}
