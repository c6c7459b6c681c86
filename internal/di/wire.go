//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/sandeepkv93/tv-device-pairing/internal/app"
	"github.com/sandeepkv93/tv-device-pairing/internal/config"
	"github.com/sandeepkv93/tv-device-pairing/internal/service"
)

var storeSet = wire.NewSet(
	ProvideInfrastructure,
	ProvideSessionRepository,
	ProvideSweeper,
)

var flowSet = wire.NewSet(
	ProvideIdentityProvider,
	ProvideTerminalCache,
	ProvideCredentialGuard,
	ProvideDeviceFlowService,
	wire.Bind(new(service.DeviceFlow), new(*service.DeviceFlowService)),
)

var httpSet = wire.NewSet(
	ProvideHTTPMetrics,
	ProvideDeviceHandler,
	ProvideReadiness,
	ProvideRouterDependencies,
	ProvideRouter,
	ProvideHTTPServer,
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	wire.Build(
		ProvideLogging,
		ProvideLogger,
		ProvideRuntime,
		storeSet,
		flowSet,
		httpSet,
		ProvideBackgroundTasks,
		ProvideApp,
	)
	return nil, nil, nil
}

func InitializeMaintenance(ctx context.Context, cfg *config.Config) (*Maintenance, func(), error) {
	wire.Build(
		ProvideMaintenanceLogger,
		storeSet,
		ProvideMaintenance,
	)
	return nil, nil, nil
}
