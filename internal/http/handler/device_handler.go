package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sandeepkv93/tv-device-pairing/internal/http/middleware"
	"github.com/sandeepkv93/tv-device-pairing/internal/http/response"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
	"github.com/sandeepkv93/tv-device-pairing/internal/service"
)

type DeviceHandler struct {
	flow    service.DeviceFlow
	metrics *observability.HTTPMetrics
}

func NewDeviceHandler(flow service.DeviceFlow, metrics *observability.HTTPMetrics) *DeviceHandler {
	return &DeviceHandler{flow: flow, metrics: metrics}
}

type pollRequest struct {
	DeviceCode string `json:"device_code"`
}

func (h *DeviceHandler) Start(w http.ResponseWriter, r *http.Request) {
	res, err := h.flow.StartSession(r.Context())
	if err != nil {
		h.writeFlowError(w, r, "start", err)
		return
	}
	h.metrics.ObservePairing("start", "success")
	response.JSON(w, r, http.StatusOK, res)
}

func (h *DeviceHandler) Poll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !decodeJSON(w, r, &req) {
		h.metrics.ObservePairing("poll", "invalid")
		return
	}
	res, err := h.flow.PollStatus(r.Context(), req.DeviceCode)
	if err != nil {
		h.writeFlowError(w, r, "poll", err)
		return
	}
	h.metrics.ObservePairing("poll", res.Status)
	response.JSON(w, r, http.StatusOK, res)
}

func (h *DeviceHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req service.CompleteRequest
	if !decodeJSON(w, r, &req) {
		h.metrics.ObservePairing("complete", "invalid")
		return
	}
	req.ClientIP = middleware.ClientIP(r)
	if err := h.flow.CompleteSession(r.Context(), req); err != nil {
		h.writeFlowError(w, r, "complete", err)
		return
	}
	h.metrics.ObservePairing("complete", "success")
	response.JSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}

// decodeJSON treats an empty body as an empty object so missing fields surface as
// validation errors from the engine rather than as parse errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
		return false
	}
	response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
	return false
}

func (h *DeviceHandler) writeFlowError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var fe *service.FlowError
	if !errors.As(err, &fe) {
		slog.ErrorContext(r.Context(), "unexpected device flow error", "operation", op, "error", err)
		h.metrics.ObservePairing(op, "error")
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	h.metrics.ObservePairing(op, string(fe.Kind))
	switch fe.Kind {
	case service.KindUnauthorized:
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", fe.Message)
	case service.KindValidation:
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", fe.Message)
	case service.KindInvalidOrExpiredCode:
		response.Error(w, r, http.StatusBadRequest, "INVALID_OR_EXPIRED_CODE", fe.Message)
	case service.KindCredentialExchange:
		response.Error(w, r, http.StatusUnauthorized, "CREDENTIAL_EXCHANGE_FAILED", fe.Message)
	case service.KindThrottled:
		seconds := int(fe.RetryAfter.Seconds() + 0.999)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		response.Error(w, r, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", fe.Message)
	case service.KindUpstream:
		slog.ErrorContext(r.Context(), "device flow upstream failure", "operation", op, "error", fe.Err)
		response.Error(w, r, http.StatusInternalServerError, "UPSTREAM_ERROR", fe.Message)
	default:
		slog.ErrorContext(r.Context(), "unmapped device flow error kind", "operation", op, "kind", fe.Kind, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
