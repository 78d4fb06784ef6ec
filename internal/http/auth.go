package http

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"speech-stream-proxy/internal/errs"
)

// RequireJWT verifies an HS256 bearer token from the Authorization header, or from
// the access_token query parameter for browser websocket clients that cannot set
// headers. issuer is checked when non-empty.
func RequireJWT(secret, issuer string) func(http.Handler) http.Handler {
	key := []byte(secret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, errs.E(errs.CodeUnauthorized, "http.RequireJWT", "missing bearer token", nil), 0)
				return
			}

			claims := &jwt.RegisteredClaims{}
			tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				return key, nil
			}, opts...)
			if err != nil || !tok.Valid {
				writeError(w, errs.E(errs.CodeUnauthorized, "http.RequireJWT", "invalid token", err), 0)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}
