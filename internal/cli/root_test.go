package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
)

func setSQLiteEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairing.db")
	t.Setenv("DEVICE_PAIRING_SECRET", "anon-key")
	t.Setenv("VERIFICATION_URL", "https://tv.example.com/pair")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("IDENTITY_DRIVER", "gotrue")
	t.Setenv("IDENTITY_URL", "https://auth.example.com")
	t.Setenv("IDENTITY_ANON_KEY", "anon")
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateThenSweepSQLite(t *testing.T) {
	setSQLiteEnv(t)
	if _, err := execute(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := mustLoad(t)
	m, cleanup := mustMaintenance(t, cfg)
	now := time.Now().UTC()
	for i, expiresAt := range []time.Time{now.Add(-time.Minute), now.Add(-time.Second), now.Add(time.Hour)} {
		s := &domain.DeviceSession{
			ID:         "s" + string(rune('a'+i)),
			DeviceCode: "device-code-" + string(rune('a'+i)),
			UserCode:   "AAAA-AAA" + string(rune('A'+i)),
			Status:     domain.SessionPending,
			CreatedAt:  now.Add(-10 * time.Minute),
			ExpiresAt:  expiresAt,
		}
		if err := m.Sessions.Create(context.Background(), s); err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}
	cleanup()

	out, err := execute(t, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "expired 2 sessions") {
		t.Fatalf("unexpected sweep output %q", out)
	}

	m, cleanup = mustMaintenance(t, cfg)
	defer cleanup()
	live, err := m.Sessions.FindByDeviceCode(context.Background(), "device-code-c")
	if err != nil {
		t.Fatalf("find live session: %v", err)
	}
	if live.Status != domain.SessionPending {
		t.Fatalf("unexpired session must stay pending, got %s", live.Status)
	}
}

func TestMigrateMemoryStoreIsNoop(t *testing.T) {
	setSQLiteEnv(t)
	t.Setenv("STORE_DRIVER", "memory")
	if _, err := execute(t, "migrate"); err != nil {
		t.Fatalf("migrate on memory store should succeed: %v", err)
	}
}

func TestServeFailsOnInvalidConfig(t *testing.T) {
	setSQLiteEnv(t)
	t.Setenv("DEVICE_PAIRING_SECRET", "")
	if _, err := execute(t, "serve"); err == nil || !strings.Contains(err.Error(), "DEVICE_PAIRING_SECRET") {
		t.Fatalf("expected config validation error, got %v", err)
	}
}
