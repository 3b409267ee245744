package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/audit"
	"github.com/chimerakang/authctx-go/claims"
	"github.com/chimerakang/authctx-go/config"
	"github.com/chimerakang/authctx-go/impersonation"
	"github.com/chimerakang/authctx-go/issuer"
	"github.com/chimerakang/authctx-go/jwks"
	"github.com/chimerakang/authctx-go/membership"
	"github.com/chimerakang/authctx-go/metrics"
	"github.com/chimerakang/authctx-go/server/httpapi"
	"github.com/chimerakang/authctx-go/store/postgres"
	"github.com/chimerakang/authctx-go/tenant"
	"github.com/chimerakang/authctx-go/user"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const backendPingInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(os.Stderr, cfg.Log))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gin.SetMode(gin.ReleaseMode)

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(cfg.Metrics.Enabled, metrics.WithRegisterer(reg))
	m.SetBackendState("postgres", true)

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		auditLog = audit.New(cfg.Audit.BufferSize, audit.WithSlogHandler(logger.With("component", "audit")))
		defer auditLog.Close()
	}

	key, err := loadSigningKey(cfg.Issuer.KeyFile, logger)
	if err != nil {
		return err
	}

	users := user.New(postgres.NewUsers(pool, logger))
	tenants := tenant.NewDirectory(postgres.NewTenants(pool, logger), tenant.WithTTL(cfg.Cache.TenantTTL))
	memberships := membership.New(postgres.NewMemberships(pool, logger),
		membership.WithLogger(logger), membership.WithMetrics(m))

	issOpts := []issuer.Option{
		issuer.WithAccessTTL(cfg.Issuer.AccessTTL),
		issuer.WithRefreshTTL(cfg.Issuer.RefreshTTL),
	}
	if cfg.Issuer.KeyID != "" {
		issOpts = append(issOpts, issuer.WithKeyID(cfg.Issuer.KeyID))
	}
	iss, err := issuer.New(key, cfg.Issuer.URL, users, issOpts...)
	if err != nil {
		return err
	}

	verifier := jwks.NewVerifier(cfg.JWKSURL(), jwks.WithIssuer(cfg.Issuer.URL))
	resolver := claims.NewResolver(verifier, cfg.Cache.ClaimsSize,
		claims.WithLogger(logger), claims.WithMetrics(m), claims.WithCacheTTL(cfg.Cache.ClaimsTTL))
	broker := impersonation.NewService(resolver, users, iss,
		impersonation.WithLogger(logger), impersonation.WithMetrics(m), impersonation.WithAudit(auditLog))

	client, err := authctx.NewClient(
		authctx.Config{JWKSUrl: cfg.JWKSURL(), CacheTTL: cfg.Cache.ClaimsTTL},
		authctx.WithLogger(logger),
		authctx.WithTokenVerifier(verifier),
		authctx.WithClaimsResolver(resolver),
		authctx.WithMembershipStore(memberships),
		authctx.WithUserDirectory(users),
		authctx.WithTenantDirectory(tenants),
		authctx.WithImpersonator(broker),
		authctx.WithSessionRefresher(iss),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	deps := httpapi.Deps{Client: client, Impersonator: broker, Refresher: iss, Keys: iss}
	if cfg.Metrics.Enabled {
		deps.Gatherer = reg
	}
	api, err := httpapi.New(deps,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(m),
		httpapi.WithAudit(auditLog),
		httpapi.WithRateLimiter(httpapi.NewRateLimiter(rate.Limit(cfg.Server.RateLimit.PerSecond), cfg.Server.RateLimit.Burst)),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go watchBackend(ctx, pool, m, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr, "issuer", iss.Issuer())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// watchBackend keeps the backend gauge current until ctx is done.
func watchBackend(ctx context.Context, db pinger, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(backendPingInterval)
	defer ticker.Stop()

	up := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := db.Ping(pingCtx)
		cancel()

		if now := err == nil; now != up {
			up = now
			if up {
				logger.Info("database reachable again")
			} else {
				logger.Warn("database unreachable", "error", err)
			}
		}
		m.SetBackendState("postgres", up)
	}
}
