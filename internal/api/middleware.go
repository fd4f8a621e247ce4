package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth guards the video routes with the shared backend key. Callers
// send X-API-Key; Authorization: Bearer is accepted for clients that only
// speak bearer tokens.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if key == "" {
				respondError(w, http.StatusUnauthorized, "API key required")
				return
			}

			// Constant-time compare; the key is a long-lived shared secret.
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				respondError(w, http.StatusForbidden, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
