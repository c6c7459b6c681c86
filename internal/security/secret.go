package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// PresentedSecret returns the credential a caller supplied, preferring the apikey header
// over an Authorization bearer token.
func PresentedSecret(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("apikey")); key != "" {
		return key
	}
	return bearerToken(r)
}

// AnySecretMatches accepts the request when either the apikey header or the bearer token
// carries the expected secret. Both candidates are always compared.
func AnySecretMatches(expected string, r *http.Request) bool {
	apiKey := SecretMatches(expected, strings.TrimSpace(r.Header.Get("apikey")))
	bearer := SecretMatches(expected, bearerToken(r))
	return apiKey || bearer
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SecretMatches compares in constant time. An empty expected secret never matches.
func SecretMatches(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
