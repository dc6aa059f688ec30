// Package transport implements the TX contract from spec §4.10/§6: a narrow
// client-side interface the coordinator depends on, plus a reference
// request/response + server-push implementation over HTTP and WebSocket.
// The principal (UserId) is always taken from a verified JWT, never from the
// request body (spec §6), mirroring the teacher's middleware.AuthMiddleware.
package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	e2eerrors "github.com/efsecnet/efsec/internal/errors"
	"github.com/efsecnet/efsec/internal/metrics"
)

type contextKey string

const principalKey contextKey = "e2ee_principal"

// Claims is the JWT payload this subsystem trusts for principal extraction.
// Issuance lives entirely outside this core (spec §1 Out of scope); this
// type only describes what AuthMiddleware verifies.
type Claims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies the bearer JWT on every request and injects the
// verified principal into the request context. Handlers must never read
// user_id from the request body — only from Principal(ctx).
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				metrics.RecordAuthAttempt(false)
				http.Error(w, "authorization header required", http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, e2eerrors.New(e2eerrors.BadSignature, "unexpected jwt signing method")
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				metrics.RecordAuthAttempt(false)
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			metrics.RecordAuthAttempt(true)

			ctx := context.WithValue(r.Context(), principalKey, Principal{
				UserID:   claims.UserID,
				DeviceID: claims.DeviceID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Principal is the verified identity a request is authorized as.
type Principal struct {
	UserID   string
	DeviceID string
}

// FromContext extracts the verified principal injected by AuthMiddleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
