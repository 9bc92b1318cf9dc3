// Package auth validates operator session tokens issued by the external
// authentication provider.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Operator is the authenticated caller of an admin endpoint.
type Operator struct {
	Subject string
	Role    string
}

func (o Operator) IsAdmin() bool {
	return o.Role == RoleAdmin
}

type operatorKey struct{}

// RequireAdmin rejects requests without a valid admin token and stores the
// Operator on the request context.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := OperatorFromRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !op.IsAdmin() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
	})
}

// OperatorFromContext returns the Operator set by RequireAdmin.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	return op, ok
}

// OperatorFromRequest validates the bearer token of r.
func OperatorFromRequest(r *http.Request) (Operator, error) {
	claims, err := extractClaims(r)
	if err != nil {
		return Operator{}, err
	}

	op := Operator{Role: stringClaim(claims, "role")}
	for _, key := range []string{"sub", "email", "user_id"} {
		if op.Subject = stringClaim(claims, key); op.Subject != "" {
			break
		}
	}
	if op.Subject == "" {
		op.Subject = "unknown"
	}
	return op, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	value, _ := claims[key].(string)
	return value
}

func extractClaims(r *http.Request) (jwt.MapClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return ValidateJWT(token)
}
