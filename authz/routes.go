package authz

import (
	"fmt"
	"path"
	"strings"
	"sync"

	authctx "github.com/chimerakang/authctx-go"
)

// RouteTable maps path prefixes to policies. Every registered route declares
// exactly one requirement; paths nobody registered fall back to Authenticated.
type RouteTable struct {
	mu       sync.RWMutex
	routes   map[string]Policy
	fallback Policy
}

// NewRouteTable creates an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]Policy), fallback: Authenticated()}
}

// Register declares p for pattern and every path below it.
func (t *RouteTable) Register(pattern string, p Policy) error {
	if !p.Requirement.Valid() {
		return fmt.Errorf("authctx/authz: route %q declares no valid requirement: %w", pattern, authctx.ErrInvalidRequest)
	}
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("authctx/authz: route %q must be absolute: %w", pattern, authctx.ErrInvalidRequest)
	}
	key := path.Clean(pattern)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[key]; ok {
		return fmt.Errorf("authctx/authz: route %q already declared: %w", key, authctx.ErrInvalidRequest)
	}
	t.routes[key] = p
	return nil
}

// Lookup returns the policy of the longest registered prefix of p, matching
// whole segments only: "/admin" covers "/admin/users" but not "/administrator".
func (t *RouteTable) Lookup(p string) Policy {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = path.Clean("/" + p)

	t.mu.RLock()
	defer t.mu.RUnlock()
	for {
		if pol, ok := t.routes[p]; ok {
			return pol
		}
		if p == "/" {
			return t.fallback
		}
		p = path.Dir(p)
	}
}

// Evaluate looks up the policy for requestedPath and evaluates it.
func (t *RouteTable) Evaluate(ac authctx.AuthorizationContext, requestedPath string) Decision {
	return Evaluate(t.Lookup(requestedPath), ac, requestedPath)
}
