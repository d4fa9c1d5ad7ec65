package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular/internal/store"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewManager(GenerateSecret(), "https://sync.example.com")

	signed, err := m.CreateToken("actor-1", "tenant-a", []string{"user:u1", "team:t1"}, 0)
	require.NoError(t, err)

	claims, err := m.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "actor-1", claims.Subject)
	assert.Equal(t, "tenant-a", claims.PartitionID)
	assert.Equal(t, []string{"user:u1", "team:t1"}, claims.ScopeKeys)
	assert.Equal(t, ScopeSync, claims.Scope)
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	m := NewManager(GenerateSecret(), "https://sync.example.com")

	other := NewManager(GenerateSecret(), "https://sync.example.com")
	foreign, err := other.CreateToken("actor-1", "default", nil, time.Hour)
	require.NoError(t, err)

	_, err = m.Validate(foreign)
	assert.Error(t, err)

	_, err = m.Validate("not-a-token")
	assert.Error(t, err)
}

func TestGenerateKeyShape(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	parts := strings.Split(key.Secret, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "sk", parts[0])
	assert.Len(t, parts[1], 2*keyIDBytes)
	assert.Len(t, parts[2], 2*keySecretBytes)
	assert.Equal(t, "sk_"+parts[1], key.Prefix)
	assert.Equal(t, HashKey(key.Secret), key.Hash)
	assert.True(t, IsAPIKey(key.Secret))
}

func seedKey(t *testing.T, keys *store.Memory, keyType string) (*GeneratedKey, *store.APIKey) {
	t.Helper()
	gen, err := GenerateKey()
	require.NoError(t, err)
	row := &store.APIKey{
		KeyID:       "key-" + keyType,
		KeyHash:     gen.Hash,
		KeyPrefix:   gen.Prefix,
		Name:        keyType + " key",
		KeyType:     keyType,
		PartitionID: "tenant-a",
		ScopeKeys:   []string{"user:u1"},
		ActorID:     "svc-" + keyType,
	}
	require.NoError(t, keys.CreateAPIKey(context.Background(), row))
	return gen, row
}

func TestAuthenticateAdminKey(t *testing.T) {
	a := NewAuthenticator("super-secret", NewManager(GenerateSecret(), ""), store.NewMemory())

	p, err := a.Authenticate(context.Background(), "super-secret")
	require.NoError(t, err)
	assert.Equal(t, KindAdmin, p.Kind)
	assert.True(t, p.Wildcard)
	assert.True(t, p.Admin())
	assert.True(t, p.Grant().Wildcard)

	_, err = a.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Empty admin key never matches anything.
	b := NewAuthenticator("", NewManager(GenerateSecret(), ""), store.NewMemory())
	_, err = b.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateToken(t *testing.T) {
	m := NewManager(GenerateSecret(), "")
	a := NewAuthenticator("admin", m, store.NewMemory())

	signed, err := m.CreateToken("actor-7", "tenant-a", []string{"user:u7"}, time.Hour)
	require.NoError(t, err)

	p, err := a.Authenticate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, KindToken, p.Kind)
	assert.Equal(t, "actor-7", p.ActorID)
	assert.Equal(t, "tenant-a", p.PartitionID)
	assert.False(t, p.Wildcard)
	assert.False(t, p.Admin())

	g := p.Grant()
	assert.True(t, g.Allows("user:u7"))
	assert.False(t, g.Allows("user:u8"))
}

func TestAuthenticateAPIKey(t *testing.T) {
	keys := store.NewMemory()
	a := NewAuthenticator("admin", NewManager(GenerateSecret(), ""), keys)
	gen, row := seedKey(t, keys, store.KeyTypeRelay)

	p, err := a.Authenticate(context.Background(), gen.Secret)
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, p.Kind)
	assert.Equal(t, "svc-relay", p.ActorID)
	assert.Equal(t, "tenant-a", p.PartitionID)
	assert.Equal(t, row.KeyID, p.KeyID)
	assert.False(t, p.Admin())

	// Unknown and revoked keys both fail closed.
	_, err = a.Authenticate(context.Background(), "sk_dead_beef")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Revocation is visible once the cache entry is dropped.
	require.NoError(t, keys.RevokeAPIKey(context.Background(), row.KeyID, time.Now().UTC()))
	a.cache.Remove(gen.Hash)
	_, err = a.Authenticate(context.Background(), gen.Secret)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateAdminAPIKey(t *testing.T) {
	keys := store.NewMemory()
	a := NewAuthenticator("admin", NewManager(GenerateSecret(), ""), keys)
	gen, _ := seedKey(t, keys, store.KeyTypeAdmin)

	p, err := a.Authenticate(context.Background(), gen.Secret)
	require.NoError(t, err)
	assert.True(t, p.Wildcard)
	assert.True(t, p.Admin())
}
