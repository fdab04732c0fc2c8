package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrNoSecret     = errors.New("JWT secret not configured")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoSubject    = errors.New("token carries no user id")
)

// TokenValidator verifies HMAC-signed access tokens issued by the auth service.
type TokenValidator struct {
	secret       []byte
	expectedType string
}

// NewTokenValidator returns a validator for secret. When expectedType is not
// empty the "typ" claim must match it.
func NewTokenValidator(secret, expectedType string) *TokenValidator {
	secret = strings.TrimSpace(secret)
	v := &TokenValidator{expectedType: expectedType}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

// Enabled reports whether a secret is configured.
func (v *TokenValidator) Enabled() bool {
	return v != nil && v.secret != nil
}

// Parse validates tokenStr and returns its claims.
func (v *TokenValidator) Parse(tokenStr string) (jwt.MapClaims, error) {
	if !v.Enabled() {
		return nil, ErrNoSecret
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if v.expectedType != "" {
		if typ, _ := claims["typ"].(string); typ != v.expectedType {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

// Subject parses tokenStr and returns the user id it was issued for, from
// the "user_id" claim or, failing that, "sub".
func (v *TokenValidator) Subject(tokenStr string) (string, error) {
	claims, err := v.Parse(tokenStr)
	if err != nil {
		return "", err
	}
	if id, _ := claims["user_id"].(string); id != "" {
		return id, nil
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	return "", ErrNoSubject
}
