// Package postgres provides pgx-backed membership, user and tenant backends.
//
// Expected tables:
//
//	users(id text, email text, name text, is_platform_admin bool, created_at timestamptz)
//	tenants(id text, name text, status text, created_at timestamptz)
//	tenant_memberships(user_id text, tenant_id text, role text, created_at timestamptz)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the backends use. pgxmock satisfies it in tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// compile-time check
var _ DB = (*pgxpool.Pool)(nil)

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("authctx/postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("authctx/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("authctx/postgres: ping: %w", err)
	}
	return pool, nil
}

// unavailable wraps a driver error so callers can tell it apart from a denial.
func unavailable(op string, err error) error {
	return fmt.Errorf("authctx/postgres: %s: %w: %w", op, authctx.ErrBackendUnavailable, err)
}

// Memberships loads tenant memberships. It implements membership.Backend.
type Memberships struct {
	db     DB
	logger *slog.Logger
}

// NewMemberships creates a membership backend.
func NewMemberships(db DB, logger *slog.Logger) *Memberships {
	return &Memberships{db: db, logger: logger.With("component", "membership_store")}
}

const listMembershipsSQL = `
	SELECT tenant_id, role, created_at
	FROM tenant_memberships
	WHERE user_id = $1
	ORDER BY created_at, tenant_id`

// List returns every membership row for principalID. Rows with an unknown role are skipped.
func (m *Memberships) List(ctx context.Context, principalID string) ([]authctx.Membership, error) {
	rows, err := m.db.Query(ctx, listMembershipsSQL, principalID)
	if err != nil {
		return nil, unavailable("list memberships", err)
	}
	defer rows.Close()

	var out []authctx.Membership
	for rows.Next() {
		var (
			tenantID, role string
			createdAt      time.Time
		)
		if err := rows.Scan(&tenantID, &role, &createdAt); err != nil {
			return nil, unavailable("scan membership", err)
		}
		r, err := authctx.ParseRole(role)
		if err != nil {
			m.logger.Warn("skipping membership with unknown role",
				"user_id", principalID, "tenant_id", tenantID, "role", role)
			continue
		}
		out = append(out, authctx.Membership{TenantID: tenantID, Role: r, CreatedAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list memberships", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (m *Memberships) Ping(ctx context.Context) error {
	if err := m.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Users is the user directory backend. It implements user.Backend.
type Users struct {
	db     DB
	logger *slog.Logger
}

// NewUsers creates a user backend.
func NewUsers(db DB, logger *slog.Logger) *Users {
	return &Users{db: db, logger: logger.With("component", "user_store")}
}

const (
	getUserSQL = `
		SELECT id, email, name, is_platform_admin, created_at
		FROM users
		WHERE id = $1`
	countUsersSQL = `SELECT count(*) FROM users`
	listUsersSQL  = `
		SELECT id, email, name, is_platform_admin, created_at
		FROM users
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`
)

// Get returns the user or authctx.ErrUserNotFound.
func (u *Users) Get(ctx context.Context, userID string) (*authctx.User, error) {
	var usr authctx.User
	err := u.db.QueryRow(ctx, getUserSQL, userID).
		Scan(&usr.ID, &usr.Email, &usr.Name, &usr.IsPlatformAdmin, &usr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("authctx/postgres: user %q: %w", userID, authctx.ErrUserNotFound)
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return &usr, nil
}

// List returns one page of users ordered by creation time, and the total count.
func (u *Users) List(ctx context.Context, opts authctx.ListOptions) ([]*authctx.User, int, error) {
	opts = opts.Normalize()

	var total int
	if err := u.db.QueryRow(ctx, countUsersSQL).Scan(&total); err != nil {
		return nil, 0, unavailable("count users", err)
	}

	rows, err := u.db.Query(ctx, listUsersSQL, opts.PageSize, opts.Offset())
	if err != nil {
		return nil, 0, unavailable("list users", err)
	}
	defer rows.Close()

	users := make([]*authctx.User, 0, opts.PageSize)
	for rows.Next() {
		var usr authctx.User
		if err := rows.Scan(&usr.ID, &usr.Email, &usr.Name, &usr.IsPlatformAdmin, &usr.CreatedAt); err != nil {
			return nil, 0, unavailable("scan user", err)
		}
		users = append(users, &usr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list users", err)
	}
	return users, total, nil
}

// Tenants is the tenant directory backend. It implements tenant.Backend.
type Tenants struct {
	db     DB
	logger *slog.Logger
}

// NewTenants creates a tenant backend.
func NewTenants(db DB, logger *slog.Logger) *Tenants {
	return &Tenants{db: db, logger: logger.With("component", "tenant_store")}
}

const (
	getTenantSQL = `
		SELECT id, name, status, created_at
		FROM tenants
		WHERE id = $1`
	countTenantsSQL = `SELECT count(*) FROM tenants`
	listTenantsSQL  = `
		SELECT id, name, status, created_at
		FROM tenants
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`
)

// Get returns the tenant or authctx.ErrTenantNotFound.
func (t *Tenants) Get(ctx context.Context, tenantID string) (*authctx.Tenant, error) {
	var (
		tn     authctx.Tenant
		status string
	)
	err := t.db.QueryRow(ctx, getTenantSQL, tenantID).Scan(&tn.ID, &tn.Name, &status, &tn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("authctx/postgres: tenant %q: %w", tenantID, authctx.ErrTenantNotFound)
	}
	if err != nil {
		return nil, unavailable("get tenant", err)
	}
	tn.Status = authctx.TenantStatus(status)
	return &tn, nil
}

// List returns one page of tenants ordered by creation time, and the total count.
func (t *Tenants) List(ctx context.Context, opts authctx.ListOptions) ([]*authctx.Tenant, int, error) {
	opts = opts.Normalize()

	var total int
	if err := t.db.QueryRow(ctx, countTenantsSQL).Scan(&total); err != nil {
		return nil, 0, unavailable("count tenants", err)
	}

	rows, err := t.db.Query(ctx, listTenantsSQL, opts.PageSize, opts.Offset())
	if err != nil {
		return nil, 0, unavailable("list tenants", err)
	}
	defer rows.Close()

	tenants := make([]*authctx.Tenant, 0, opts.PageSize)
	for rows.Next() {
		var (
			tn     authctx.Tenant
			status string
		)
		if err := rows.Scan(&tn.ID, &tn.Name, &status, &tn.CreatedAt); err != nil {
			return nil, 0, unavailable("scan tenant", err)
		}
		tn.Status = authctx.TenantStatus(status)
		tenants = append(tenants, &tn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list tenants", err)
	}
	return tenants, total, nil
}
