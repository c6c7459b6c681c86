package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/tv-device-pairing/internal/health"
	"github.com/sandeepkv93/tv-device-pairing/internal/http/handler"
	"github.com/sandeepkv93/tv-device-pairing/internal/http/middleware"
	"github.com/sandeepkv93/tv-device-pairing/internal/http/response"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
)

type Dependencies struct {
	DeviceHandler  *handler.DeviceHandler
	SharedSecret   func(http.Handler) http.Handler
	CORSOrigins    []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// RateLimiter is applied to the pairing routes only; nil disables it.
	RateLimiter    func(http.Handler) http.Handler
	Readiness      *health.ProbeRunner
	Metrics        *observability.HTTPMetrics
	EnableOTelHTTP bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.HTTPMetrics(dep.Metrics))
	if dep.MaxBodyBytes > 0 {
		r.Use(middleware.BodyLimit(dep.MaxBodyBytes))
	}
	if dep.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(dep.RequestTimeout))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.JSON(w, r, http.StatusServiceUnavailable, map[string]any{
			"status": "unready",
			"code":   "DEPENDENCY_UNREADY",
			"checks": results,
		})
	})
	if dep.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", dep.Metrics.Handler())
	}

	r.Route("/api/v1/device", func(r chi.Router) {
		// Any OPTIONS is answered before the secret gate; CORS headers come from the global middleware.
		r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Group(func(r chi.Router) {
			if dep.RateLimiter != nil {
				r.Use(dep.RateLimiter)
			}
			r.Use(dep.SharedSecret)
			r.Post("/start", dep.DeviceHandler.Start)
			r.Post("/poll", dep.DeviceHandler.Poll)
			r.Post("/complete", dep.DeviceHandler.Complete)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}),
		)
	}
	return h
}
