package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sandeepkv93/tv-device-pairing/internal/config"
	"github.com/sandeepkv93/tv-device-pairing/internal/health"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Readiness     *health.ProbeRunner

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	startBackground func(ctx context.Context)
	stopBackground  func()
	closers         []func() error
}

func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	readiness *health.ProbeRunner,
	startBackground func(ctx context.Context),
	stopBackground func(),
	closers ...func() error,
) *App {
	return &App{
		Config:                       cfg,
		Logger:                       logger,
		Server:                       server,
		Observability:                runtime,
		Readiness:                    readiness,
		ShutdownTimeout:              cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout:     cfg.ShutdownHTTPDrainTimeout,
		ShutdownObservabilityTimeout: cfg.ShutdownObservabilityTimeout,
		startBackground:              startBackground,
		stopBackground:               stopBackground,
		closers:                      closers,
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down in order:
// background tasks, HTTP drain, telemetry flush, store connections.
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	if a.startBackground != nil {
		go a.startBackground(bgCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("shutdown signal received")
	case err, ok := <-errCh:
		if ok {
			serveErr = err
			a.Logger.Error("http server failed", "error", err)
		}
	}
	cancelBG()
	return errors.Join(serveErr, a.Shutdown())
}

func (a *App) Shutdown() error {
	a.StopBackgroundTasks()
	total := a.ShutdownTimeout
	if total <= 0 {
		total = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), total)
	defer cancel()

	var errs []error
	drainCtx, drainCancel := withOptionalTimeout(ctx, a.ShutdownHTTPDrainTimeout)
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, err)
	}
	drainCancel()

	obsCtx, obsCancel := withOptionalTimeout(ctx, a.ShutdownObservabilityTimeout)
	if err := a.Observability.Shutdown(obsCtx); err != nil {
		errs = append(errs, err)
	}
	obsCancel()

	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		a.Logger.Info("shutdown complete")
	}
	return errors.Join(errs...)
}

func (a *App) StopBackgroundTasks() {
	if a.stopBackground != nil {
		a.stopBackground()
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
