package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims identifies an operator authenticated against the
// admin HTTP surface. This is deliberately separate from the
// protocol's own bearer AUTH: the admin surface is an operational
// side-channel, not a client of the state-machine protocol.
type OperatorClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates admin-surface operator tokens.
type JWTManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewJWTManager(secret []byte, issuer string, ttl time.Duration) *JWTManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTManager{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue mints a signed operator token for subject.
func (m *JWTManager) Issue(subject string) (string, error) {
	now := time.Now()
	claims := &OperatorClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies an operator token.
func (m *JWTManager) Validate(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse operator token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid operator token")
	}
	if claims.Issuer != m.issuer {
		return nil, fmt.Errorf("auth: unexpected token issuer")
	}
	return claims, nil
}
