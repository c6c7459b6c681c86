package integration

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandeepkv93/tv-device-pairing/internal/config"
)

func TestDevicePairingSignInDeliversTokensOnce(t *testing.T) {
	s := newPairingServer(t)
	s.identity.addUser("viewer@example.com", "hunter22")

	deviceCode, userCode := s.start(t)
	if got := s.poll(t, deviceCode)["status"]; got != "pending" {
		t.Fatalf("expected pending before completion, got %v", got)
	}

	var resp *http.Response
	var body map[string]any
	events := captureAuditEvents(t, func() {
		resp, body = s.post(t, "/api/v1/device/complete", map[string]string{
			"code":     strings.ToLower(userCode),
			"email":    "Viewer@Example.com",
			"password": "hunter22",
		}, authed())
	})
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("complete: status=%d body=%v", resp.StatusCode, body)
	}
	approved := requireAuditEvent(t, events, "device_session.approved")
	for _, forbidden := range []string{"hunter22", "at-user-", deviceCode} {
		for k, v := range approved {
			if s, ok := v.(string); ok && strings.Contains(s, forbidden) {
				t.Fatalf("audit field %q leaks secret material: %q", k, s)
			}
		}
	}

	first := s.poll(t, deviceCode)
	if first["status"] != "approved" || first["access_token"] != "at-user-viewer@example.com" || first["email"] != "viewer@example.com" {
		t.Fatalf("unexpected approved poll %v", first)
	}
	second := s.poll(t, deviceCode)
	if second["status"] != "expired" {
		t.Fatalf("tokens must be delivered once, second poll got %v", second)
	}
	if _, leaked := second["access_token"]; leaked {
		t.Fatalf("second poll leaked tokens: %v", second)
	}

	resp, body = s.post(t, "/api/v1/device/complete", map[string]string{
		"code": userCode, "email": "viewer@example.com", "password": "hunter22",
	}, authed())
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_OR_EXPIRED_CODE" {
		t.Fatalf("completing a consumed session: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestDevicePairingSignUpNeedsVerification(t *testing.T) {
	s := newPairingServer(t)
	deviceCode, userCode := s.start(t)

	resp, body := s.post(t, "/api/v1/device/complete", map[string]string{
		"code": userCode, "email": "new@example.com", "password": "secret123", "intent": "signup",
	}, authed())
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "account created, verify your email" {
		t.Fatalf("unverified sign up: status=%d body=%v", resp.StatusCode, body)
	}
	if got := s.poll(t, deviceCode)["status"]; got != "pending" {
		t.Fatalf("session must stay pending after failed sign in, got %v", got)
	}

	s.identity.mu.Lock()
	u := s.identity.users["new@example.com"]
	u.confirmed = true
	s.identity.users["new@example.com"] = u
	s.identity.mu.Unlock()

	resp, body = s.post(t, "/api/v1/device/complete", map[string]string{
		"code": userCode, "email": "new@example.com", "password": "secret123",
	}, authed())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign in after verification: status=%d body=%v", resp.StatusCode, body)
	}
	if got := s.poll(t, deviceCode)["status"]; got != "approved" {
		t.Fatalf("expected approved, got %v", got)
	}
}

func TestDevicePairingExpiredSessionRejectsCompletion(t *testing.T) {
	s := newPairingServer(t, withSessionTTL(time.Second))
	s.identity.addUser("late@example.com", "hunter22")
	deviceCode, userCode := s.start(t)

	time.Sleep(1100 * time.Millisecond)
	if got := s.poll(t, deviceCode)["status"]; got != "expired" {
		t.Fatalf("expected expired poll, got %v", got)
	}
	signInsBefore := s.identity.signIns.Load()
	resp, body := s.post(t, "/api/v1/device/complete", map[string]string{
		"code": userCode, "email": "late@example.com", "password": "hunter22",
	}, authed())
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "code has expired" {
		t.Fatalf("complete after expiry: status=%d body=%v", resp.StatusCode, body)
	}
	if s.identity.signIns.Load() != signInsBefore {
		t.Fatal("identity provider must not be called for an expired session")
	}
}

func TestDevicePairingConcurrentPollsDeliverOnce(t *testing.T) {
	for _, driver := range []string{config.StoreDriverSQLite, config.StoreDriverMemory} {
		t.Run(driver, func(t *testing.T) {
			s := newPairingServer(t, withStore(driver))
			s.identity.addUser("race@example.com", "hunter22")
			deviceCode, userCode := s.start(t)
			resp, body := s.post(t, "/api/v1/device/complete", map[string]string{
				"code": userCode, "email": "race@example.com", "password": "hunter22",
			}, authed())
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("complete: status=%d body=%v", resp.StatusCode, body)
			}

			const pollers = 12
			var wg sync.WaitGroup
			statuses := make(chan string, pollers)
			for i := 0; i < pollers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got := s.poll(t, deviceCode)
					status, _ := got["status"].(string)
					statuses <- status
				}()
			}
			wg.Wait()
			close(statuses)

			approved := 0
			for status := range statuses {
				switch status {
				case "approved":
					approved++
				case "expired":
				default:
					t.Fatalf("unexpected status %q", status)
				}
			}
			if approved != 1 {
				t.Fatalf("expected exactly one approved poll, got %d", approved)
			}
		})
	}
}

func TestDevicePairingRequiresSharedSecret(t *testing.T) {
	s := newPairingServer(t)
	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong apikey", map[string]string{"apikey": "nope"}, http.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer " + testSecret}, http.StatusOK},
		{"apikey", authed(), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := s.post(t, "/api/v1/device/start", nil, tc.headers)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d body=%v", tc.want, resp.StatusCode, body)
			}
		})
	}
}

func TestDevicePairingUpstreamFailureKeepsSessionPending(t *testing.T) {
	s := newPairingServer(t)
	deviceCode, userCode := s.start(t)
	s.identity.fail.Store(true)

	resp, body := s.post(t, "/api/v1/device/complete", map[string]string{
		"code": userCode, "email": "a@example.com", "password": "hunter22",
	}, authed())
	if resp.StatusCode != http.StatusInternalServerError || body["code"] != "UPSTREAM_ERROR" {
		t.Fatalf("upstream failure: status=%d body=%v", resp.StatusCode, body)
	}
	if got := s.poll(t, deviceCode)["status"]; got != "pending" {
		t.Fatalf("expected pending after upstream failure, got %v", got)
	}
}
