package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// ErrInvalidToken covers missing, malformed, forged and expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// Verifier validates HS256 access tokens carrying the user id in the
// subject claim.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify decodes the token and returns the user id from the subject
// claim. Any failure, including expiry, yields ErrInvalidToken.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token: %w", ErrInvalidToken)
	}
	claims := &jwt.StandardClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("parse token: %w", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue creates a signed access token for the given user. Used by dev
// tooling and tests; production tokens come from the auth service.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &jwt.StandardClaims{
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
