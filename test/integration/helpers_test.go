package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandeepkv93/tv-device-pairing/internal/config"
	"github.com/sandeepkv93/tv-device-pairing/internal/di"
	"github.com/sandeepkv93/tv-device-pairing/internal/repository"
)

const testSecret = "integration-anon-key"

// fakeGoTrue implements the two GoTrue endpoints the identity provider calls.
type fakeGoTrue struct {
	mu          sync.Mutex
	users       map[string]fakeUser
	autoConfirm bool
	fail        atomic.Bool
	signIns     atomic.Int64
	signUps     atomic.Int64
}

type fakeUser struct {
	id        string
	password  string
	confirmed bool
}

func newFakeGoTrue() *fakeGoTrue {
	return &fakeGoTrue{users: map[string]fakeUser{}}
}

func (f *fakeGoTrue) addUser(email, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[email] = fakeUser{id: "user-" + email, password: password, confirmed: true}
}

func (f *fakeGoTrue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.fail.Load() {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&creds)
	w.Header().Set("Content-Type", "application/json")

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/auth/v1/signup":
		f.signUps.Add(1)
		if _, exists := f.users[creds.Email]; exists || len(creds.Password) < 6 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"msg":"user already registered"}`))
			return
		}
		f.users[creds.Email] = fakeUser{id: "user-" + creds.Email, password: creds.Password, confirmed: f.autoConfirm}
		_, _ = w.Write([]byte(`{"id":"user-` + creds.Email + `"}`))
	case "/auth/v1/token":
		f.signIns.Add(1)
		u, ok := f.users[creds.Email]
		if !ok || u.password != creds.Password || !u.confirmed {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + u.id,
			"refresh_token": "rt-" + u.id,
			"token_type":    "bearer",
			"expires_in":    3600,
			"user":          map[string]string{"id": u.id, "email": creds.Email},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type pairingServer struct {
	baseURL  string
	client   *http.Client
	identity *fakeGoTrue
}

type serverOption func(*config.Config)

func withSessionTTL(d time.Duration) serverOption {
	return func(c *config.Config) { c.SessionTTL = d }
}

func withStore(driver string) serverOption {
	return func(c *config.Config) { c.StoreDriver = driver }
}

// newPairingServer wires the whole service through the production injector, backed by sqlite
// and a fake GoTrue upstream.
func newPairingServer(t *testing.T, opts ...serverOption) *pairingServer {
	t.Helper()
	identity := newFakeGoTrue()
	upstream := httptest.NewServer(identity)
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		HTTPAddr:            "127.0.0.1:0",
		LogLevel:            "error",
		PairingSecret:       testSecret,
		VerificationURL:     "https://tv.example.com/pair",
		CORSAllowedOrigins:  []string{"*"},
		SessionTTL:          10 * time.Minute,
		PollInterval:        3 * time.Second,
		MaxBodyBytes:        64 * 1024,
		StoreDriver:         config.StoreDriverSQLite,
		SQLitePath:          filepath.Join(t.TempDir(), "pairing.db"),
		IdentityDriver:      config.IdentityDriverGoTrue,
		IdentityURL:         upstream.URL,
		IdentityAnonKey:     "upstream-anon",
		TerminalCacheDriver: config.CacheDriverMemory,
		TerminalCacheTTL:    time.Minute,
		SweepBatchSize:      100,
		RedisKeyPrefix:      "itest",
		OTELServiceName:     "tv-device-pairing-itest",
		UpstreamTimeout:     2 * time.Second,
		HTTPRequestTimeout:  5 * time.Second,
		ShutdownTimeout:     time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	if cfg.UsesSQL() {
		m, cleanup, err := di.InitializeMaintenance(context.Background(), cfg)
		if err != nil {
			t.Fatalf("initialize maintenance: %v", err)
		}
		if err := repository.Migrate(m.Infra.DB, false, nil); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		cleanup()
	}

	a, cleanup, err := di.InitializeApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("initialize app: %v", err)
	}
	t.Cleanup(cleanup)
	srv := httptest.NewServer(a.Server.Handler)
	t.Cleanup(srv.Close)
	return &pairingServer{baseURL: srv.URL, client: srv.Client(), identity: identity}
}

func (s *pairingServer) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	return s.do(t, http.MethodPost, path, raw, headers)
}

func (s *pairingServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	return s.do(t, http.MethodGet, path, nil, nil)
}

func (s *pairingServer) do(t *testing.T, method, path string, raw []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var payload map[string]any
	if len(bytes.TrimSpace(data)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("decode %s %s body %q: %v", method, path, string(data), err)
		}
	}
	return resp, payload
}

func authed() map[string]string {
	return map[string]string{"apikey": testSecret}
}

func (s *pairingServer) start(t *testing.T) (deviceCode, userCode string) {
	t.Helper()
	resp, body := s.post(t, "/api/v1/device/start", nil, authed())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status=%d body=%v", resp.StatusCode, body)
	}
	deviceCode, _ = body["device_code"].(string)
	userCode, _ = body["user_code"].(string)
	if deviceCode == "" || userCode == "" {
		t.Fatalf("start returned incomplete body %v", body)
	}
	return deviceCode, userCode
}

func (s *pairingServer) poll(t *testing.T, deviceCode string) map[string]any {
	t.Helper()
	resp, body := s.post(t, "/api/v1/device/poll", map[string]string{"device_code": deviceCode}, authed())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: status=%d body=%v", resp.StatusCode, body)
	}
	return body
}

func captureAuditEvents(t *testing.T, fn func()) []map[string]any {
	t.Helper()
	var logBuf safeBuffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	defer slog.SetDefault(previous)

	fn()
	return extractAuditEvents(logBuf.String())
}

func extractAuditEvents(logs string) []map[string]any {
	events := make([]map[string]any, 0)
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if msg, _ := event["msg"].(string); msg == "audit" {
			events = append(events, event)
		}
	}
	return events
}

func requireAuditEvent(t *testing.T, events []map[string]any, name string) map[string]any {
	t.Helper()
	for _, event := range events {
		if got, _ := event["event"].(string); got == name {
			return event
		}
	}
	t.Fatalf("expected audit event %q, got %#v", name, events)
	return nil
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
