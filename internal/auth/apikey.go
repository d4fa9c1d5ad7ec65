package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// keyIDBytes and keySecretBytes size the two random halves of a key.
// The id half is displayable; the secret half never leaves the caller.
const (
	keyIDBytes     = 4
	keySecretBytes = 16
)

// GeneratedKey is the one-time result of minting an API key. Secret is
// the full key string and is never stored; only Hash is persisted.
type GeneratedKey struct {
	Secret string
	Prefix string
	Hash   string
}

// GenerateKey mints a new API key of the form sk_<id>_<secret>.
// Prefix is the displayable hint (sk_<id>), Hash the SHA-256 of the
// full key string.
func GenerateKey() (*GeneratedKey, error) {
	id := make([]byte, keyIDBytes)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("auth: generate key id: %w", err)
	}
	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("auth: generate key secret: %w", err)
	}

	full := fmt.Sprintf("sk_%s_%s", hex.EncodeToString(id), hex.EncodeToString(secret))
	return &GeneratedKey{
		Secret: full,
		Prefix: full[:3+2*keyIDBytes],
		Hash:   HashKey(full),
	}, nil
}

// HashKey returns the hex SHA-256 of a full key string. Keys are
// random, so a plain hash without salt is enough for lookups.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsAPIKey reports whether a bearer credential looks like an API key
// rather than a JWT.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, "sk_")
}
