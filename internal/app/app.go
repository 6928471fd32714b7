// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initDatabase:  relational store and migrations
//  2. initInfra:     Redis when the cache or rate limiter needs it
//  3. initSecurity:  credential vault and API key authenticator
//  4. initProviders: upstream adapters keyed by provider type
//  5. initServices:  metrics, usage sink, response cache
//  6. initGateway:   proxy, health checker and management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/mindroute/gateway/internal/auth"
	"github.com/mindroute/gateway/internal/cache"
	"github.com/mindroute/gateway/internal/config"
	"github.com/mindroute/gateway/internal/db"
	"github.com/mindroute/gateway/internal/logger"
	"github.com/mindroute/gateway/internal/metrics"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/proxy"
	"github.com/mindroute/gateway/internal/store"
	"github.com/mindroute/gateway/internal/vault"
)

const shutdownTimeout = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	conn  *gorm.DB
	store *store.Store

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	vault *vault.Vault
	authn *auth.Authenticator

	registry *providers.Registry

	prom     *metrics.Registry
	usageLog *logger.Logger
	cache    cache.Cache
	memCache *cache.MemoryCache
	pingable interface{ Ping(context.Context) error }

	health *proxy.HealthChecker
	gw     *proxy.Gateway
	mgmt   *proxy.ManagementRoutes

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", a.initDatabase},
		{"infra", a.initInfra},
		{"security", a.initSecurity},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. It closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	srv := a.gw.NewServer(a.mgmt)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("db_driver", a.cfg.Database.Driver),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Any("provider_types", a.registry.Types()),
		slog.Bool("admin_api", a.mgmt.Admin != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Warn("server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	if a.authn != nil {
		a.authn.Close()
	}
	if a.usageLog != nil {
		if err := a.usageLog.Close(); err != nil {
			a.log.Error("usage logger close error", slog.String("error", err.Error()))
		}
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.conn != nil {
		if err := db.Close(a.conn); err != nil {
			a.log.Error("database close error", slog.String("error", err.Error()))
		}
	}
}
