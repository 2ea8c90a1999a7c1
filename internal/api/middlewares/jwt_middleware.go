package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator is the only role allowed on /ops routes.
const RoleOperator = "operator"

type ctxKey struct{}

// OperatorClaims are the claims carried by an operator bearer token.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTMiddleware validates the Authorization header, requires the operator
// role and attaches the token subject to the request context.
func JWTMiddleware(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing or invalid token", http.StatusUnauthorized)
				return
			}

			claims := &OperatorClaims{}
			token, err := parser.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(*jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.Role != RoleOperator {
				http.Error(w, "operator role required", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the subject of the authenticated operator.
func OperatorFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(ctxKey{}).(string)
	return sub, ok
}

// IssueOperatorToken signs an HS256 operator token for subject valid for ttl.
func IssueOperatorToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	claims := OperatorClaims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
