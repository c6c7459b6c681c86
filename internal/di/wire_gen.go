//go:build !wireinject
// +build !wireinject

// Injectors written to match the provider sets in wire.go. Keep the two in step when a
// provider signature changes; `wire check ./internal/di` reports drift.

package di

import (
	"context"

	"github.com/sandeepkv93/tv-device-pairing/internal/app"
	"github.com/sandeepkv93/tv-device-pairing/internal/config"
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	loggingResult, err := ProvideLogging(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger := ProvideLogger(loggingResult)
	runtime, err := ProvideRuntime(ctx, cfg, loggingResult)
	if err != nil {
		return nil, nil, err
	}
	infrastructure, cleanup, err := ProvideInfrastructure(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	deviceSessionRepository, err := ProvideSessionRepository(cfg, infrastructure)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	provider, err := ProvideIdentityProvider(cfg, infrastructure)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	terminalSessionCache := ProvideTerminalCache(cfg, infrastructure)
	credentialAbuseGuard := ProvideCredentialGuard(cfg, infrastructure)
	deviceFlowService := ProvideDeviceFlowService(cfg, deviceSessionRepository, provider, terminalSessionCache, credentialAbuseGuard, logger)
	httpMetrics := ProvideHTTPMetrics(cfg)
	deviceHandler := ProvideDeviceHandler(deviceFlowService, httpMetrics)
	probeRunner := ProvideReadiness(infrastructure, deviceSessionRepository)
	dependencies, err := ProvideRouterDependencies(cfg, deviceHandler, probeRunner, httpMetrics, infrastructure)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	handler := ProvideRouter(dependencies)
	server := ProvideHTTPServer(cfg, handler)
	expirySweeper := ProvideSweeper(cfg, deviceSessionRepository, logger)
	backgroundTasks := ProvideBackgroundTasks(expirySweeper)
	appApp := ProvideApp(cfg, logger, server, runtime, probeRunner, backgroundTasks)
	return appApp, func() {
		cleanup()
	}, nil
}

func InitializeMaintenance(ctx context.Context, cfg *config.Config) (*Maintenance, func(), error) {
	logger := ProvideMaintenanceLogger(cfg)
	infrastructure, cleanup, err := ProvideInfrastructure(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	deviceSessionRepository, err := ProvideSessionRepository(cfg, infrastructure)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	expirySweeper := ProvideSweeper(cfg, deviceSessionRepository, logger)
	maintenance := ProvideMaintenance(cfg, logger, infrastructure, deviceSessionRepository, expirySweeper)
	return maintenance, func() {
		cleanup()
	}, nil
}
