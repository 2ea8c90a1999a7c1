package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func protected() http.Handler {
	return JWTMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, _ := OperatorFromContext(r.Context())
		_, _ = w.Write([]byte(sub))
	}))
}

func call(t *testing.T, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ops/status", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	protected().ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddleware_AcceptsOperator(t *testing.T) {
	token, err := IssueOperatorToken(secret, "alice", time.Hour, time.Now())
	require.NoError(t, err)

	rec := call(t, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired, err := IssueOperatorToken(secret, "alice", time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	wrongKey, err := IssueOperatorToken([]byte("other"), "alice", time.Hour, time.Now())
	require.NoError(t, err)

	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		Role:             RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "carol"},
	}).SignedString(secret)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, call(t, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, "Bearer "+expired).Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, "Bearer "+wrongKey).Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, "Bearer "+noExpiry).Code)
	assert.Equal(t, http.StatusForbidden, call(t, "Bearer "+viewer).Code)
}

func TestIssueOperatorToken_Validates(t *testing.T) {
	_, err := IssueOperatorToken(nil, "alice", time.Hour, time.Now())
	assert.Error(t, err)
	_, err = IssueOperatorToken(secret, "", time.Hour, time.Now())
	assert.Error(t, err)
}
