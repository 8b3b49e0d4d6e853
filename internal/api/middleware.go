package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware enforces a bearer app-key token on every request,
// mirroring go/runtime/authorizer.go's "Authorization: Bearer <token>"
// shape without its control-plane fetch/cache machinery: the local API
// has no control plane to delegate to, so the token is a JWT this daemon
// itself signed and verifies
// against its own HMAC secret. An empty secret disables the check,
// for local development the way the teacher's binaries run with TLS
// disabled outside of production.
func authMiddleware(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	key := []byte(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONStatus(w, http.StatusUnauthorized, apiError{Kind: "Unauthorized", Message: "missing bearer token"})
			return
		}
		_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return key, nil
		})
		if err != nil {
			writeJSONStatus(w, http.StatusUnauthorized, apiError{Kind: "Unauthorized", Message: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
