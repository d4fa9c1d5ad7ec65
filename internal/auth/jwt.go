// Package auth verifies the three credential forms accepted by the
// sync API: the deployment admin key, signed sync tokens (JWT), and
// stored API keys. Every verified credential resolves to a Principal.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeSync is the scope claim required on sync tokens.
const ScopeSync = "syncular.sync"

// TokenTTL is the default lifetime for minted sync tokens.
const TokenTTL = 2 * time.Hour

// Claims extends the standard JWT claims with the sync grant: which
// partition the token is bound to and which scope keys it may
// subscribe to. An empty ScopeKeys list grants nothing.
type Claims struct {
	jwt.RegisteredClaims
	Scope       string   `json:"scope"`
	PartitionID string   `json:"partitionId,omitempty"`
	ScopeKeys   []string `json:"scopeKeys,omitempty"`
}

// Manager signs and validates sync tokens using HS256.
type Manager struct {
	secret []byte
	issuer string
}

// NewManager creates a manager with the given HMAC secret and issuer URL.
func NewManager(secret, issuer string) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// GenerateSecret returns a random 32-byte hex string for use as a JWT secret.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateToken mints a sync token for an actor. ttl <= 0 uses TokenTTL.
func (m *Manager) CreateToken(actorID, partitionID string, scopeKeys []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = TokenTTL
	}
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope:       ScopeSync,
		PartitionID: partitionID,
		ScopeKeys:   scopeKeys,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a sync token. Returns an error if the
// token is invalid, expired, or carries the wrong scope.
func (m *Manager) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Scope != ScopeSync {
		return nil, fmt.Errorf("auth: wrong scope: got %q, want %q", claims.Scope, ScopeSync)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: missing subject")
	}

	return claims, nil
}
