package cli

import (
	"context"
	"testing"

	"github.com/sandeepkv93/tv-device-pairing/internal/config"
	"github.com/sandeepkv93/tv-device-pairing/internal/di"
)

func mustLoad(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func mustMaintenance(t *testing.T, cfg *config.Config) (*di.Maintenance, func()) {
	t.Helper()
	m, cleanup, err := di.InitializeMaintenance(context.Background(), cfg)
	if err != nil {
		t.Fatalf("initialize maintenance: %v", err)
	}
	return m, cleanup
}
