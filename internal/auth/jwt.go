package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"eyeweb/internal/support"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var (
	errNoSecret     = errors.New("auth: JWT_SECRET is not configured")
	errInvalidToken = errors.New("auth: invalid token")
)

func jwtSecret() ([]byte, error) {
	secret := strings.TrimSpace(support.GetEnv("JWT_SECRET", ""))
	if secret == "" {
		return nil, errNoSecret
	}
	return []byte(secret), nil
}

// GenerateJWT issues an operator token. The authentication provider normally
// issues these; this is used by tooling and tests.
func GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	secret, err := jwtSecret()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateJWT checks the signature and expiry of an HMAC signed token and
// returns its claims.
func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	secret, err := jwtSecret()
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}
	return claims, nil
}
