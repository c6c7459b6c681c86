package middleware

import (
	"errors"
	"net/http"

	"github.com/sandeepkv93/tv-device-pairing/internal/http/response"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
	"github.com/sandeepkv93/tv-device-pairing/internal/security"
)

var ErrEmptySharedSecret = errors.New("shared secret must not be empty")

// NewSharedSecretAuth gates every pairing route on the deployment's shared client secret,
// presented either as an apikey header or as a bearer token. It runs before body decoding so
// a caller without the secret learns nothing about payload validation.
func NewSharedSecretAuth(secret string) (func(http.Handler) http.Handler, error) {
	if secret == "" {
		return nil, ErrEmptySharedSecret
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !security.AnySecretMatches(secret, r) {
				outcome := "mismatch"
				if security.PresentedSecret(r) == "" {
					outcome = "missing"
				}
				observability.RecordDeviceFlowEvent(r.Context(), "authorize", outcome)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
