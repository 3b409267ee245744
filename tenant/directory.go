// Package tenant provides the tenant directory and the active-tenant switcher.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Backend defines the contract for pluggable tenant directory backends.
type Backend interface {
	// Get returns a tenant by ID, or an error wrapping authctx.ErrTenantNotFound.
	Get(ctx context.Context, tenantID string) (*authctx.Tenant, error)

	// List returns tenants with pagination.
	List(ctx context.Context, opts authctx.ListOptions) ([]*authctx.Tenant, int, error)
}

// Directory implements authctx.TenantDirectory with a TTL cache in front of the backend.
// Lookups that found nothing are cached too.
type Directory struct {
	backend Backend
	ttl     time.Duration
	size    int
	cache   *expirable.LRU[string, lookup]
}

type lookup struct {
	tenant *authctx.Tenant
	err    error
}

// compile-time check
var _ authctx.TenantDirectory = (*Directory)(nil)

// DirectoryOption configures the Directory.
type DirectoryOption func(*Directory)

// WithTTL sets how long lookups are cached. Zero disables the cache.
func WithTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) { d.ttl = ttl }
}

// WithCacheSize bounds the number of cached tenants.
func WithCacheSize(n int) DirectoryOption {
	return func(d *Directory) { d.size = n }
}

// NewDirectory creates a tenant Directory. The default TTL is one minute.
func NewDirectory(backend Backend, opts ...DirectoryOption) *Directory {
	d := &Directory{backend: backend, ttl: time.Minute, size: 1024}
	for _, o := range opts {
		o(d)
	}
	if d.ttl > 0 {
		d.cache = expirable.NewLRU[string, lookup](d.size, nil, d.ttl)
	}
	return d
}

// Get returns a tenant by ID.
func (d *Directory) Get(ctx context.Context, tenantID string) (*authctx.Tenant, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("authctx/tenant: tenantID cannot be empty: %w", authctx.ErrInvalidRequest)
	}
	if d.cache != nil {
		if l, ok := d.cache.Get(tenantID); ok {
			return l.tenant, l.err
		}
	}

	t, err := d.backend.Get(ctx, tenantID)
	switch {
	case err == nil:
		d.store(tenantID, lookup{tenant: t})
		return t, nil
	case errors.Is(err, authctx.ErrTenantNotFound):
		err = fmt.Errorf("authctx/tenant: %w", err)
		d.store(tenantID, lookup{err: err})
		return nil, err
	default:
		return nil, wrap(err)
	}
}

// List returns tenants with pagination. Results are not cached.
func (d *Directory) List(ctx context.Context, opts authctx.ListOptions) ([]*authctx.Tenant, int, error) {
	tenants, total, err := d.backend.List(ctx, opts.Normalize())
	if err != nil {
		return nil, 0, wrap(err)
	}
	return tenants, total, nil
}

// Invalidate drops a cached lookup.
func (d *Directory) Invalidate(tenantID string) {
	if d.cache != nil {
		d.cache.Remove(tenantID)
	}
}

func (d *Directory) store(id string, l lookup) {
	if d.cache != nil {
		d.cache.Add(id, l)
	}
}

// wrap keeps not-found distinct and reports everything else as unavailable.
func wrap(err error) error {
	if errors.Is(err, authctx.ErrTenantNotFound) || errors.Is(err, authctx.ErrBackendUnavailable) {
		return fmt.Errorf("authctx/tenant: %w", err)
	}
	return fmt.Errorf("authctx/tenant: %w: %w", authctx.ErrBackendUnavailable, err)
}
