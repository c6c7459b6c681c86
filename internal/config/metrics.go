package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	configMetricsOnce sync.Once
	configCounter     metric.Int64Counter
)

// recordConfigLoad emits one failure event per distinct problem class so a bad
// deploy shows every misconfigured area, not just the first.
func recordConfigLoad(ctx context.Context, profile string, err error) {
	if err == nil {
		recordConfigValidationEvent(ctx, profile, "success", "none")
		return
	}
	for _, class := range configErrorClasses(err) {
		recordConfigValidationEvent(ctx, profile, "failure", class)
	}
}

func recordConfigValidationEvent(ctx context.Context, profile, outcome, errorClass string) {
	configMetricsOnce.Do(func() {
		counter, err := otel.Meter("tv-device-pairing").Int64Counter("config.validation.events")
		if err == nil {
			configCounter = counter
		}
	})
	if configCounter == nil {
		return
	}
	configCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", deploymentProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	))
}

// deploymentProfile folds APP_ENV into a fixed set so the attribute stays low-cardinality.
func deploymentProfile(appEnv string) string {
	switch strings.ToLower(strings.TrimSpace(appEnv)) {
	case "":
		return "unknown"
	case "dev", "development", "local":
		return "development"
	case "test", "ci":
		return "test"
	case "stage", "staging":
		return "staging"
	case "prod", "production":
		return "production"
	default:
		return "other"
	}
}

func configErrorClasses(err error) []string {
	if err == nil {
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) && len(verr.Problems) > 0 {
		return verr.Classes()
	}
	var lerr *loadError
	if errors.As(err, &lerr) {
		return []string{lerr.class}
	}
	return []string{"load"}
}

// classifyConfigLoadError names the first failing area of a Load error.
func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	return configErrorClasses(err)[0]
}
