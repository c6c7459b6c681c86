package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
)

const restSessionTable = "device_auth_sessions"

// RestDeviceSessionRepository talks to a PostgREST-compatible row API. Conditional writes are
// PATCH requests whose filters carry the guard; the database applies filter and update in one
// statement, so an empty representation means the guard no longer held.
type RestDeviceSessionRepository struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

func NewRestDeviceSessionRepository(baseURL, serviceKey string, timeout time.Duration) *RestDeviceSessionRepository {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RestDeviceSessionRepository{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type restError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *restError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("row store returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("row store returned %d: %s", e.Status, e.Message)
}

func (r *RestDeviceSessionRepository) Create(ctx context.Context, s *domain.DeviceSession) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode device session: %w", err)
	}
	err = r.do(ctx, http.MethodPost, nil, body, "return=minimal", nil)
	if err != nil {
		var re *restError
		if errors.As(err, &re) && (re.Status == http.StatusConflict || re.Code == "23505") {
			observability.RecordRepositoryOperation(ctx, "device_session", "create", "conflict")
			return ErrDuplicateCode
		}
		observability.RecordRepositoryOperation(ctx, "device_session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "create", "success")
	return nil
}

func (r *RestDeviceSessionRepository) FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceSession, error) {
	return r.findOne(ctx, "find_by_device_code", "device_code", deviceCode)
}

func (r *RestDeviceSessionRepository) FindByUserCode(ctx context.Context, userCode string) (*domain.DeviceSession, error) {
	return r.findOne(ctx, "find_by_user_code", "user_code", userCode)
}

func (r *RestDeviceSessionRepository) findOne(ctx context.Context, op, column, value string) (*domain.DeviceSession, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set(column, "eq."+value)
	q.Set("limit", "1")
	var rows []domain.DeviceSession
	if err := r.do(ctx, http.MethodGet, q, nil, "", &rows); err != nil {
		observability.RecordRepositoryOperation(ctx, "device_session", op, "error")
		return nil, err
	}
	if len(rows) == 0 {
		observability.RecordRepositoryOperation(ctx, "device_session", op, "not_found")
		return nil, ErrSessionNotFound
	}
	observability.RecordRepositoryOperation(ctx, "device_session", op, "success")
	return &rows[0], nil
}

func (r *RestDeviceSessionRepository) UpdateIf(ctx context.Context, id string, guard domain.Guard, patch domain.Patch) (bool, error) {
	if err := guard.Permits(patch); err != nil {
		return false, err
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("status", "eq."+string(guard.Status))
	if guard.RequireTokens {
		q.Set("access_token", "not.is.null")
		q.Set("refresh_token", "not.is.null")
	}
	body, err := json.Marshal(patch.Columns())
	if err != nil {
		return false, fmt.Errorf("encode patch: %w", err)
	}
	var rows []domain.DeviceSession
	if err := r.do(ctx, http.MethodPatch, q, body, "return=representation", &rows); err != nil {
		observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "error")
		return false, err
	}
	if len(rows) == 0 {
		observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "conflict")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "update_if", "success")
	return true, nil
}

func (r *RestDeviceSessionRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.DeviceSession, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("status", "eq."+string(domain.SessionPending))
	q.Set("expires_at", "lte."+now.UTC().Format(time.RFC3339Nano))
	q.Set("order", "expires_at.asc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows []domain.DeviceSession
	if err := r.do(ctx, http.MethodGet, q, nil, "", &rows); err != nil {
		observability.RecordRepositoryOperation(ctx, "device_session", "list_expired_pending", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "device_session", "list_expired_pending", "success")
	return rows, nil
}

// Ping is used by the readiness probe.
func (r *RestDeviceSessionRepository) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")
	var rows []map[string]any
	return r.do(ctx, http.MethodGet, q, nil, "", &rows)
}

func (r *RestDeviceSessionRepository) do(ctx context.Context, method string, query url.Values, body []byte, prefer string, out any) error {
	endpoint := r.baseURL + "/" + restSessionTable
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", r.serviceKey)
	req.Header.Set("Authorization", "Bearer "+r.serviceKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("row store %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read row store response: %w", err)
	}
	if resp.StatusCode >= 300 {
		re := &restError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, re); jsonErr != nil || re.Message == "" {
			re.Message = strings.TrimSpace(string(raw))
		}
		return re
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode row store response: %w", err)
	}
	return nil
}
