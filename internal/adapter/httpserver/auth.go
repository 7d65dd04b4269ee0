package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth enforces the master API key on every wrapped route. Unauthorized
// requests get the envelope and are never dispatched or logged as attempts.
// An empty configured key disables the check.
func BearerAuth(masterKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if masterKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !authorized(r, masterKey) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				writeErrorKind(w, http.StatusUnauthorized, "authentication_error", "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(r *http.Request, masterKey string) bool {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	token := h[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(token), []byte(masterKey)) == 1
}
