package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestNewAuthenticatorEmptySecret(t *testing.T) {
	assert.Nil(t, NewAuthenticator(""))
}

func TestValidate(t *testing.T) {
	a := NewAuthenticator(testSecret)

	claims, err := a.Validate(signToken(t, testSecret, "auditor@example.com", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "auditor@example.com", claims.Subject)

	_, err = a.Validate(signToken(t, "wrong-secret", "auditor@example.com", time.Now().Add(time.Hour)))
	assert.Error(t, err)

	_, err = a.Validate(signToken(t, testSecret, "auditor@example.com", time.Now().Add(-time.Hour)))
	assert.Error(t, err)

	_, err = a.Validate(signToken(t, testSecret, "", time.Now().Add(time.Hour)))
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator(testSecret)
	var gotSubject string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/certificates/ODDC-2026-00001", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "auditor", time.Now().Add(time.Hour)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "auditor", gotSubject)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/certificates/ODDC-2026-00001", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var problem map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, "Unauthorized", problem["title"])
		assert.Equal(t, float64(http.StatusUnauthorized), problem["status"])
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/certificates/ODDC-2026-00001", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("health is public", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
