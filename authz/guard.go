package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/chimerakang/authctx-go/session"
)

// ErrNotMounted is returned by Wait and Run on a guard that is not mounted.
var ErrNotMounted = errors.New("authctx/authz: guard is not mounted")

// Guard re-evaluates one policy for one mounted path on every context change.
type Guard struct {
	policy  Policy
	sc      *session.Context
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger

	mu        sync.Mutex
	path      string
	mounted   bool
	sub       *session.Subscription
	current   Decision
	changed   chan struct{} // closed and replaced on every new decision
	decisions chan Decision
	stopped   chan struct{}
}

// GuardOption configures the Guard.
type GuardOption func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics records decisions.
func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithAudit records forbidden decisions.
func WithAudit(a *audit.Logger) GuardOption {
	return func(g *Guard) { g.audit = a }
}

// NewGuard creates a guard for policy over sc. It decides nothing until mounted.
func NewGuard(sc *session.Context, policy Policy, opts ...GuardOption) *Guard {
	g := &Guard{
		policy:    policy,
		sc:        sc,
		logger:    slog.Default(),
		current:   Decision{Outcome: Checking, Reason: ReasonResolving},
		changed:   make(chan struct{}),
		decisions: make(chan Decision, 1),
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.With("component", "guard", "requirement", string(policy.Requirement))
	return g
}

// Policy returns the guard's policy.
func (g *Guard) Policy() Policy { return g.policy }

// Mount starts evaluating the policy for path. A guard mounts once.
func (g *Guard) Mount(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mounted || g.stopped != nil {
		return fmt.Errorf("authctx/authz: guard already mounted at %q", g.path)
	}
	g.path = path
	g.mounted = true
	g.sub = g.sc.Observe()
	g.stopped = make(chan struct{})

	go g.watch(g.sub, path)
	return nil
}

func (g *Guard) watch(sub *session.Subscription, path string) {
	defer close(g.stopped)
	for ac := range sub.C() {
		start := time.Now()
		d := Evaluate(g.policy, ac, path)
		g.metrics.RecordGuardDecision(string(g.policy.Requirement), d.Outcome.String(), time.Since(start))
		g.set(d, ac)
	}
}

func (g *Guard) set(d Decision, ac authctx.AuthorizationContext) {
	g.mu.Lock()
	prev := g.current
	g.current = d
	close(g.changed)
	g.changed = make(chan struct{})

	select {
	case g.decisions <- d:
	default:
		select {
		case <-g.decisions:
		default:
		}
		select {
		case g.decisions <- d:
		default:
		}
	}
	g.mu.Unlock()

	if d.Outcome == RedirectForbidden && (prev.Outcome != RedirectForbidden || prev.Reason != d.Reason) {
		var actor string
		if ac.Principal != nil {
			actor = ac.Principal.ID
		}
		g.audit.Log(audit.Event{
			Action:   audit.ActionAccessDenied,
			Result:   audit.ResultDenied,
			ActorID:  actor,
			TenantID: ac.ActiveTenantID,
			Resource: g.path,
			Details:  string(d.Reason),
		})
	}
	if d.Outcome != prev.Outcome {
		g.logger.Debug("guard decision changed", "path", g.path, "from", prev.Outcome.String(), "to", d.Outcome.String(), "reason", string(d.Reason))
	}
}

// Decisions delivers every new decision, latest first: a slow reader skips
// intermediate values. The channel is closed by Unmount.
func (g *Guard) Decisions() <-chan Decision {
	return g.decisions
}

// Current returns the latest decision.
func (g *Guard) Current() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Wait blocks until the decision is no longer Checking.
func (g *Guard) Wait(ctx context.Context) (Decision, error) {
	for {
		g.mu.Lock()
		if !g.mounted {
			d := g.current
			g.mu.Unlock()
			return d, ErrNotMounted
		}
		d, changed := g.current, g.changed
		g.mu.Unlock()

		if d.Outcome != Checking {
			return d, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return d, ctx.Err()
		}
	}
}

// Run waits for a decision and runs fn with the context injected when allowed.
// Otherwise it returns a *RedirectError without calling fn.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context, ac authctx.AuthorizationContext) error) error {
	d, err := g.Wait(ctx)
	if err != nil {
		return err
	}
	if err := d.Err(); err != nil {
		return err
	}
	return fn(authctx.WithAuthorization(ctx, d.Context), d.Context)
}

// Unmount unsubscribes and stops evaluation. Waiters are released with ErrNotMounted.
func (g *Guard) Unmount() {
	g.mu.Lock()
	if !g.mounted {
		g.mu.Unlock()
		return
	}
	g.mounted = false
	sub, stopped := g.sub, g.stopped
	g.mu.Unlock()

	sub.Close()
	<-stopped

	g.mu.Lock()
	close(g.changed)
	g.changed = make(chan struct{})
	close(g.decisions)
	g.mu.Unlock()
}
