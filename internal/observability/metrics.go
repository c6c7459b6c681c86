package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandeepkv93/tv-device-pairing/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "tv-device-pairing"

type AppMetrics struct {
	deviceFlowEvents     metric.Int64Counter
	repositoryOperations metric.Int64Counter
	identityCalls        metric.Int64Counter
	lateHandoffs         metric.Int64Counter
	terminalCacheLookups metric.Int64Counter
	rateLimitDecisions   metric.Int64Counter
	sweptSessions        metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		if err := registerAppMetrics(mp.Meter(meterName)); err != nil {
			return nil, err
		}
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	if err := registerAppMetrics(mp.Meter(meterName)); err != nil {
		return nil, err
	}
	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

func registerAppMetrics(meter metric.Meter) error {
	deviceFlow, err := meter.Int64Counter("device_flow.events")
	if err != nil {
		return err
	}
	repoOps, err := meter.Int64Counter("repository.operations")
	if err != nil {
		return err
	}
	identity, err := meter.Int64Counter("identity.calls")
	if err != nil {
		return err
	}
	late, err := meter.Int64Counter("device_flow.late_handoffs")
	if err != nil {
		return err
	}
	cache, err := meter.Int64Counter("device_flow.terminal_cache.lookups")
	if err != nil {
		return err
	}
	rateLimit, err := meter.Int64Counter("http.rate_limit.decisions")
	if err != nil {
		return err
	}
	swept, err := meter.Int64Counter("device_flow.sweeper.expired")
	if err != nil {
		return err
	}

	metricsMu.Lock()
	appMetrics = &AppMetrics{
		deviceFlowEvents:     deviceFlow,
		repositoryOperations: repoOps,
		identityCalls:        identity,
		lateHandoffs:         late,
		terminalCacheLookups: cache,
		rateLimitDecisions:   rateLimit,
		sweptSessions:        swept,
	}
	metricsMu.Unlock()
	return nil
}

// InitMetricsWithMeter installs instruments from an arbitrary meter, typically one backed by a
// manual reader in tests.
func InitMetricsWithMeter(meter metric.Meter) error {
	return registerAppMetrics(meter)
}

func current() *AppMetrics {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	return m
}

// RecordDeviceFlowEvent counts one engine outcome, e.g. ("poll", "approved").
func RecordDeviceFlowEvent(ctx context.Context, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.deviceFlowEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordIdentityCall(ctx context.Context, provider, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.identityCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordLateHandoff(ctx context.Context) {
	m := current()
	if m == nil {
		return
	}
	m.lateHandoffs.Add(ctx, 1)
}

func RecordTerminalCacheLookup(ctx context.Context, backend, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.terminalCacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
	))
}

func RecordSweptSessions(ctx context.Context, n int) {
	m := current()
	if m == nil || n <= 0 {
		return
	}
	m.sweptSessions.Add(ctx, int64(n))
}
