package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mindroute/gateway/internal/access"
	"github.com/mindroute/gateway/internal/admin"
	"github.com/mindroute/gateway/internal/auth"
	"github.com/mindroute/gateway/internal/cache"
	"github.com/mindroute/gateway/internal/config"
	"github.com/mindroute/gateway/internal/db"
	"github.com/mindroute/gateway/internal/logger"
	"github.com/mindroute/gateway/internal/metrics"
	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/providers"
	anthropicprov "github.com/mindroute/gateway/internal/providers/anthropic"
	geminiprov "github.com/mindroute/gateway/internal/providers/gemini"
	mistralprov "github.com/mindroute/gateway/internal/providers/mistral"
	openaiprov "github.com/mindroute/gateway/internal/providers/openai"
	openaicompatprov "github.com/mindroute/gateway/internal/providers/openaicompat"
	"github.com/mindroute/gateway/internal/proxy"
	"github.com/mindroute/gateway/internal/ratelimit"
	"github.com/mindroute/gateway/internal/routing"
	"github.com/mindroute/gateway/internal/store"
	"github.com/mindroute/gateway/internal/usage"
	"github.com/mindroute/gateway/internal/vault"
)

// initDatabase opens the store and applies migrations.
func (a *App) initDatabase(_ context.Context) error {
	a.log.Info("opening database",
		slog.String("driver", a.cfg.Database.Driver),
		slog.String("url", redactURL(a.cfg.Database.URL)),
	)

	conn, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.URL, a.log)
	if err != nil {
		return err
	}
	a.conn = conn

	if err := db.Migrate(conn); err != nil {
		return err
	}
	a.store = store.New(conn)
	return nil
}

// initInfra connects to Redis when the cache or the rate limiter needs it.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode != "redis" && a.cfg.RateLimit.RPMLimit == 0 {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := cache.Dial(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initSecurity builds the vault and the authenticator. The master secret
// must resolve at startup, otherwise every stored credential is unreadable.
func (a *App) initSecurity(ctx context.Context) error {
	src := vault.Chain(
		vault.FromSystemConfig(a.store, models.SystemConfigEncryptionKey),
		vault.Static(a.cfg.Security.EncryptionKey),
	)
	if _, err := src.MasterSecret(ctx); err != nil {
		if errors.Is(err, vault.ErrNoSecret) {
			return fmt.Errorf("set ENCRYPTION_KEY or the %q system config: %w",
				models.SystemConfigEncryptionKey, err)
		}
		return err
	}
	a.vault = vault.New(src)

	pepper := auth.DerivedPepper(src)
	if a.cfg.Security.APIKeyPepper != "" {
		pepper = auth.StaticPepper(a.cfg.Security.APIKeyPepper)
	} else {
		a.log.Info("api key pepper derived from master secret")
	}
	a.authn = auth.New(a.store, pepper, a.log)
	return nil
}

// initProviders registers one adapter per provider type. Credentials come
// from the provider rows at request time.
func (a *App) initProviders(_ context.Context) error {
	a.registry = buildRegistry(a.cfg.Upstream)
	a.log.Info("provider adapters registered", slog.Any("types", a.registry.Types()))
	return nil
}

// initServices creates the metrics registry, the usage sink and the cache.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var writer logger.Writer
	if dsn := a.cfg.Usage.ClickHouseDSN; dsn != "" {
		ch, err := logger.NewClickHouseWriter(ctx, dsn)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		writer = ch
		a.log.Info("usage events mirrored to clickhouse", slog.String("dsn", redactURL(dsn)))
	}
	usageLog, err := logger.New(a.baseCtx, a.log, writer)
	if err != nil {
		if writer != nil {
			_ = writer.Close()
		}
		return err
	}
	a.usageLog = usageLog
	a.prom.RegisterUsageSink(usageLog.DroppedEvents, usageLog.FailedBatches)
	a.prom.RegisterAuthTouches(a.authn.DroppedTouches)

	switch a.cfg.Cache.Mode {
	case "redis":
		rc := cache.NewRedisCache(a.rdb, a.log)
		a.cache, a.pingable = rc, rc
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		a.cache = a.memCache
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("max_entries", a.cfg.Cache.MaxEntries))

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	return nil
}

// initGateway wires the Gateway, its health checker and the management routes.
func (a *App) initGateway(ctx context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:      a.log,
		Metrics:     a.prom,
		Cache:       a.cache,
		CacheTTL:    a.cfg.Cache.TTL,
		CORSOrigins: a.cfg.CORSOrigins,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	if len(a.cfg.Cache.ExcludeModels) > 0 {
		el, err := cache.ParseExclusions(a.cfg.Cache.ExcludeModels)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		opts.CacheExclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.Limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	recorder := usage.New(a.store, a.log,
		usage.WithSink(a.usageLog),
		usage.WithMaxBodyBytes(a.cfg.Usage.MaxBodyBytes),
	)

	a.gw = proxy.NewGateway(a.baseCtx, proxy.Deps{
		Auth:   a.authn,
		Access: access.New(a.store),
		Vault:  a.vault,
		Usage:  recorder,
		Router: routing.New(a.registry, routing.Options{
			UnaryTimeout:      a.cfg.Upstream.Timeout,
			StreamIdleTimeout: a.cfg.Upstream.StreamIdleTimeout,
			StreamMaxDuration: a.cfg.Upstream.StreamMaxDuration,
		}),
	}, opts)

	var cacheProbe proxy.Probe
	switch {
	case a.pingable != nil:
		cacheProbe = a.pingable.Ping
	case a.cache != nil:
		cacheProbe = func(context.Context) error { return nil }
	}
	a.health = proxy.NewHealthChecker(ctx, db.Pinger(a.conn), cacheProbe, a.gw.Breaker())
	a.gw.SetHealthChecker(a.health)

	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	if a.cfg.AdminToken != "" {
		a.mgmt.Admin = admin.New(a.store, a.vault, a.authn, a.registry, a.cfg.AdminToken, a.log).Register
	} else {
		a.log.Warn("ADMIN_TOKEN not set; admin API disabled")
	}

	return nil
}

// buildRegistry shares one HTTP client whose timeout outlasts the longest
// unary call or stream.
func buildRegistry(up config.UpstreamConfig) *providers.Registry {
	client := &http.Client{Timeout: providers.ClientTimeout(max(up.Timeout, up.StreamMaxDuration))}

	reg := providers.NewRegistry()
	reg.Register(models.ProviderTypeOpenAI, openaiprov.New(openaiprov.WithHTTPClient(client)))
	reg.Register(models.ProviderTypeAnthropic, anthropicprov.New(anthropicprov.WithHTTPClient(client)))
	reg.Register(models.ProviderTypeGoogle, geminiprov.New(geminiprov.WithHTTPClient(client)))
	reg.Register(models.ProviderTypeMistral, mistralprov.New(mistralprov.WithHTTPClient(client)))
	reg.Register(models.ProviderTypeOpenAICompatible, openaicompatprov.New(client))
	return reg
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
