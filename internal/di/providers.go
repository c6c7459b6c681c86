package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gorm.io/gorm"

	"github.com/sandeepkv93/tv-device-pairing/internal/app"
	"github.com/sandeepkv93/tv-device-pairing/internal/config"
	"github.com/sandeepkv93/tv-device-pairing/internal/health"
	"github.com/sandeepkv93/tv-device-pairing/internal/http/handler"
	"github.com/sandeepkv93/tv-device-pairing/internal/http/middleware"
	"github.com/sandeepkv93/tv-device-pairing/internal/http/router"
	"github.com/sandeepkv93/tv-device-pairing/internal/identity"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
	"github.com/sandeepkv93/tv-device-pairing/internal/repository"
	"github.com/sandeepkv93/tv-device-pairing/internal/security"
	"github.com/sandeepkv93/tv-device-pairing/internal/service"
)

// Infrastructure holds the connections shared by repositories, caches and probes. Either
// field is nil when no configured component needs it.
type Infrastructure struct {
	DB    *gorm.DB
	Redis redis.UniversalClient
}

func (i *Infrastructure) Close() error {
	var errs []error
	if i.Redis != nil {
		errs = append(errs, i.Redis.Close())
	}
	if i.DB != nil {
		if sqlDB, err := i.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

type BackgroundTasks struct {
	Start func(ctx context.Context)
	Stop  func()
}

type LoggingResult struct {
	Logger   *slog.Logger
	Provider *sdklog.LoggerProvider
}

func ProvideLogging(ctx context.Context, cfg *config.Config) (LoggingResult, error) {
	logger, lp, err := observability.InitLogging(ctx, cfg, os.Stdout)
	if err != nil {
		return LoggingResult{}, err
	}
	slog.SetDefault(logger)
	return LoggingResult{Logger: logger, Provider: lp}, nil
}

func ProvideLogger(res LoggingResult) *slog.Logger { return res.Logger }

func ProvideRuntime(ctx context.Context, cfg *config.Config, res LoggingResult) (*observability.Runtime, error) {
	return observability.InitRuntime(ctx, cfg, res.Logger, res.Provider)
}

func ProvideInfrastructure(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Infrastructure, func(), error) {
	infra := &Infrastructure{}
	if cfg.UsesSQL() {
		db, err := repository.OpenDatabase(cfg)
		if err != nil {
			return nil, nil, err
		}
		infra.DB = db
	}
	if cfg.UsesRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			_ = infra.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		infra.Redis = client
	}
	cleanup := func() {
		if err := infra.Close(); err != nil {
			logger.Warn("closing infrastructure", "error", err)
		}
	}
	return infra, cleanup, nil
}

func ProvideSessionRepository(cfg *config.Config, infra *Infrastructure) (repository.DeviceSessionRepository, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres, config.StoreDriverSQLite:
		return repository.NewDeviceSessionRepository(infra.DB), nil
	case config.StoreDriverRedis:
		return repository.NewRedisDeviceSessionRepository(infra.Redis, cfg.RedisKeyPrefix), nil
	case config.StoreDriverREST:
		return repository.NewRestDeviceSessionRepository(cfg.StoreRESTURL, cfg.StoreServiceKey, cfg.UpstreamTimeout), nil
	case config.StoreDriverMemory:
		return repository.NewInMemoryDeviceSessionRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func ProvideIdentityProvider(cfg *config.Config, infra *Infrastructure) (identity.Provider, error) {
	switch cfg.IdentityDriver {
	case config.IdentityDriverGoTrue:
		return identity.NewGoTrueProvider(cfg.IdentityURL, cfg.IdentityAnonKey, cfg.UpstreamTimeout), nil
	case config.IdentityDriverOAuth2:
		return identity.NewOAuth2Provider(cfg.OAuth2TokenURL, cfg.OAuth2ClientID, cfg.OAuth2ClientSecret, cfg.OAuth2Scopes, cfg.UpstreamTimeout), nil
	case config.IdentityDriverLocal:
		if infra.DB == nil {
			return nil, errors.New("local identity driver needs a relational store")
		}
		jwtMgr := security.NewJWTManager(cfg.LocalJWTIssuer, cfg.OTELServiceName, cfg.LocalJWTSecret, cfg.LocalJWTSecret)
		return identity.NewLocalProvider(repository.NewUserRepository(infra.DB), jwtMgr, cfg.LocalAccessTTL, cfg.LocalRefreshTTL), nil
	default:
		return nil, fmt.Errorf("unsupported identity driver %q", cfg.IdentityDriver)
	}
}

func ProvideTerminalCache(cfg *config.Config, infra *Infrastructure) service.TerminalSessionCache {
	switch cfg.TerminalCacheDriver {
	case config.CacheDriverRedis:
		return service.NewRedisTerminalSessionCache(infra.Redis, cfg.RedisKeyPrefix)
	case config.CacheDriverMemory:
		return service.NewInMemoryTerminalSessionCache(0)
	default:
		return service.NewNoopTerminalSessionCache()
	}
}

func ProvideCredentialGuard(cfg *config.Config, infra *Infrastructure) service.CredentialAbuseGuard {
	if !cfg.CredentialGuardEnabled {
		return service.NoopCredentialAbuseGuard{}
	}
	policy := service.CredentialAbusePolicy{
		FreeAttempts: cfg.CredentialGuardFreeAttempts,
		BaseDelay:    cfg.CredentialGuardBaseDelay,
		Multiplier:   2,
		MaxDelay:     cfg.CredentialGuardMaxDelay,
		ResetWindow:  cfg.CredentialGuardResetWindow,
	}
	if infra.Redis != nil {
		return service.NewRedisCredentialAbuseGuard(infra.Redis, cfg.RedisKeyPrefix, policy)
	}
	return service.NewInMemoryCredentialAbuseGuard(policy)
}

func ProvideDeviceFlowService(
	cfg *config.Config,
	sessions repository.DeviceSessionRepository,
	provider identity.Provider,
	terminal service.TerminalSessionCache,
	guard service.CredentialAbuseGuard,
	logger *slog.Logger,
) *service.DeviceFlowService {
	svc := service.NewDeviceFlowService(sessions, provider, security.NewCodeGenerator(), terminal, service.DeviceFlowConfig{
		SessionTTL:       cfg.SessionTTL,
		PollInterval:     cfg.PollInterval,
		VerificationURL:  cfg.VerificationURL,
		TerminalCacheTTL: cfg.TerminalCacheTTL,
		CacheBackend:     cfg.TerminalCacheDriver,
	}, logger)
	return svc.WithCredentialAbuseGuard(guard)
}

func ProvideHTTPMetrics(cfg *config.Config) *observability.HTTPMetrics {
	return observability.NewHTTPMetrics(cfg.OTELServiceName)
}

func ProvideDeviceHandler(flow service.DeviceFlow, metrics *observability.HTTPMetrics) *handler.DeviceHandler {
	return handler.NewDeviceHandler(flow, metrics)
}

func ProvideReadiness(infra *Infrastructure, sessions repository.DeviceSessionRepository) *health.ProbeRunner {
	var checkers []health.Checker
	if infra.DB != nil {
		checkers = append(checkers, health.NewDatabaseChecker(infra.DB))
	}
	if infra.Redis != nil {
		checkers = append(checkers, health.NewRedisChecker(infra.Redis))
	}
	if rest, ok := sessions.(*repository.RestDeviceSessionRepository); ok {
		checkers = append(checkers, health.FuncChecker{Name: "session_store", Ping: rest.Ping})
	}
	return health.NewProbeRunner(2*time.Second, 500*time.Millisecond, checkers...)
}

func ProvideRouterDependencies(
	cfg *config.Config,
	deviceHandler *handler.DeviceHandler,
	readiness *health.ProbeRunner,
	metrics *observability.HTTPMetrics,
	infra *Infrastructure,
) (router.Dependencies, error) {
	auth, err := middleware.NewSharedSecretAuth(cfg.PairingSecret)
	if err != nil {
		return router.Dependencies{}, err
	}
	dep := router.Dependencies{
		DeviceHandler:  deviceHandler,
		SharedSecret:   auth,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RequestTimeout: cfg.HTTPRequestTimeout,
		Readiness:      readiness,
		Metrics:        metrics,
		EnableOTelHTTP: cfg.OTELTracingEnabled,
	}
	if cfg.RateLimitRPM > 0 {
		if infra.Redis != nil {
			limiter := middleware.NewRedisWindowLimiter(infra.Redis, cfg.RedisKeyPrefix)
			dep.RateLimiter = middleware.NewDistributedRateLimiter(limiter, cfg.RateLimitRPM, time.Minute, middleware.FailOpen, "device").Middleware()
		} else {
			dep.RateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPM, time.Minute).Middleware()
		}
	}
	return dep, nil
}

func ProvideRouter(dep router.Dependencies) http.Handler {
	return router.NewRouter(dep)
}

func ProvideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
}

func ProvideSweeper(cfg *config.Config, sessions repository.DeviceSessionRepository, logger *slog.Logger) *service.ExpirySweeper {
	return service.NewExpirySweeper(sessions, cfg.SweepInterval, cfg.SweepBatchSize, logger)
}

func ProvideBackgroundTasks(sweeper *service.ExpirySweeper) BackgroundTasks {
	ctx, cancel := context.WithCancel(context.Background())
	return BackgroundTasks{
		Start: func(parent context.Context) {
			stop := context.AfterFunc(parent, cancel)
			defer stop()
			sweeper.Run(ctx)
		},
		Stop: cancel,
	}
}

func ProvideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	readiness *health.ProbeRunner,
	tasks BackgroundTasks,
) *app.App {
	return app.New(cfg, logger, server, runtime, readiness, tasks.Start, tasks.Stop)
}

// Maintenance is what the migrate and sweep commands need: connections and the session store,
// without the HTTP surface.
type Maintenance struct {
	Config   *config.Config
	Logger   *slog.Logger
	Infra    *Infrastructure
	Sessions repository.DeviceSessionRepository
	Sweeper  *service.ExpirySweeper
}

func ProvideMaintenance(
	cfg *config.Config,
	logger *slog.Logger,
	infra *Infrastructure,
	sessions repository.DeviceSessionRepository,
	sweeper *service.ExpirySweeper,
) *Maintenance {
	return &Maintenance{Config: cfg, Logger: logger, Infra: infra, Sessions: sessions, Sweeper: sweeper}
}

// ProvideMaintenanceLogger skips the OTLP bridge: one-shot commands exit before a batch would flush.
func ProvideMaintenanceLogger(cfg *config.Config) *slog.Logger {
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	return logger
}
