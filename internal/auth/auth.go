// Package auth issues and validates the HS256 bearer tokens guarding
// the chat endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// subject identifies tokens minted by this gateway.
const subject = "LiviaAIChatbot"

// ErrInvalidToken reports a token that failed signature, issuer,
// audience, or lifetime validation.
var ErrInvalidToken = errors.New("token is invalid or expired")

// Claims are the registered claims this gateway signs. No custom
// fields; identity is the shared key, not a user.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens mints and validates gateway bearer tokens.
type Tokens struct {
	key      []byte
	issuer   string
	audience string
	lifetime time.Duration
}

// NewTokens configures token handling. lifetime <= 0 falls back to
// one hour.
func NewTokens(key, issuer, audience string, lifetime time.Duration) *Tokens {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &Tokens{
		key:      []byte(key),
		issuer:   issuer,
		audience: audience,
		lifetime: lifetime,
	}
}

// Issue mints a signed token with a fresh jti and the configured
// lifetime.
func (t *Tokens) Issue() (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string. Any failure — bad
// signature, wrong issuer or audience, expired, malformed — comes back
// as ErrInvalidToken; callers don't need to distinguish.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
