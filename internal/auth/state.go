// Package auth provides OAuth state tokens and token-at-rest encryption.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StateManager mints and verifies the OAuth state parameter as a signed
// JWT. The state carries a nonce that the caller additionally stashes
// server-side, so a forged-but-valid-looking redirect cannot complete an
// exchange it did not initiate.
type StateManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// StateClaims are the JWT claims carried by an OAuth state token.
type StateClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// NewStateManager creates a state manager with a 10 minute state lifetime.
func NewStateManager(secret, issuer string) *StateManager {
	return &StateManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    10 * time.Minute,
	}
}

// Mint creates a new state token and returns it with its nonce.
func (m *StateManager) Mint() (state string, nonce string, err error) {
	nonce = uuid.New().String()
	now := time.Now().UTC()

	claims := StateClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	state, err = token.SignedString(m.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign state token: %w", err)
	}
	return state, nonce, nil
}

// Verify validates a state token and returns its nonce.
func (m *StateManager) Verify(state string) (string, error) {
	token, err := jwt.ParseWithClaims(state, &StateClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid state token: %w", err)
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid state token claims")
	}
	if claims.Nonce == "" {
		return "", fmt.Errorf("state token missing nonce")
	}
	return claims.Nonce, nil
}
