package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestAuthMiddlewareInjectsPrincipalFromVerifiedToken(t *testing.T) {
	secret := []byte("test-secret-at-least-32-bytes-long!!")
	var gotPrincipal Principal
	handler := AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		require.True(t, ok)
		gotPrincipal = p
		w.WriteHeader(http.StatusOK)
	}))

	claims := Claims{
		UserID:   "alice",
		DeviceID: "primary",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := signTestToken(t, secret, claims)

	req := httptest.NewRequest(http.MethodGet, "/e2e/keys/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice", gotPrincipal.UserID)
	assert.Equal(t, "primary", gotPrincipal.DeviceID)
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	secret := []byte("test-secret-at-least-32-bytes-long!!")
	called := false
	handler := AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/e2e/keys/status", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, called, "handler must not run without a verified principal")
}

func TestAuthMiddlewareRejectsWrongSigningSecret(t *testing.T) {
	secret := []byte("test-secret-at-least-32-bytes-long!!")
	wrongSecret := []byte("a-completely-different-secret-value")
	handler := AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for a token signed with an untrusted secret")
	}))

	token := signTestToken(t, wrongSecret, Claims{UserID: "mallory"})
	req := httptest.NewRequest(http.MethodGet, "/e2e/keys/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthMiddlewareRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret-at-least-32-bytes-long!!")
	handler := AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for an expired token")
	}))

	claims := Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token := signTestToken(t, secret, claims)
	req := httptest.NewRequest(http.MethodGet, "/e2e/keys/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestFromContextMissingPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := FromContext(req.Context())
	assert.False(t, ok)
}
