package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

var corsAllowedHeaders = []string{"authorization", "apikey", "content-type", "x-client-info", "x-request-id"}

// CORS lets browser-based companion pages call the pairing routes. go-chi/cors answers preflights with 200.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   corsAllowedHeaders,
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           600,
	})
}
