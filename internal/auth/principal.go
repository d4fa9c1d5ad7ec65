package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
)

// ErrUnauthenticated is returned for any credential that does not
// resolve to a principal. Callers map it to a 401.
var ErrUnauthenticated = errors.New("auth: invalid credentials")

// Kind identifies how a principal authenticated.
type Kind string

const (
	KindAdmin  Kind = "admin"
	KindToken  Kind = "token"
	KindAPIKey Kind = "api_key"
)

// Principal is a verified credential. PartitionID is empty only for
// the admin key, which may address any partition explicitly.
type Principal struct {
	Kind        Kind
	ActorID     string
	PartitionID string
	KeyID       string
	KeyType     string
	Wildcard    bool
	ScopeKeys   []string
}

// Grant converts the principal into the scope grant used to authorise
// subscriptions.
func (p *Principal) Grant() scope.Grant {
	return scope.Grant{
		ActorID:  p.ActorID,
		Wildcard: p.Wildcard,
		Keys:     scope.FromStrings(p.ScopeKeys),
	}
}

// Admin reports whether the principal may use console endpoints.
func (p *Principal) Admin() bool {
	return p.Kind == KindAdmin || p.KeyType == store.KeyTypeAdmin
}

// apiKeyCacheTTL bounds how stale a cached key row may be; revocation
// takes effect within this window.
const apiKeyCacheTTL = 30 * time.Second

// Authenticator resolves bearer credentials to principals. API key
// lookups go through a small expiring cache so the hot sync path does
// not hit the keys table on every request.
type Authenticator struct {
	adminKey string
	tokens   *Manager
	keys     store.APIKeyStore
	cache    *expirable.LRU[string, *store.APIKey]
}

// NewAuthenticator wires the three credential sources together. An
// empty adminKey disables the admin path entirely.
func NewAuthenticator(adminKey string, tokens *Manager, keys store.APIKeyStore) *Authenticator {
	return &Authenticator{
		adminKey: adminKey,
		tokens:   tokens,
		keys:     keys,
		cache:    expirable.NewLRU[string, *store.APIKey](1024, nil, apiKeyCacheTTL),
	}
}

// Authenticate verifies a bearer credential. The admin key wins over
// everything; sk_-prefixed strings are API keys; anything else must be
// a valid sync token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	if a.adminKey != "" && token == a.adminKey {
		return &Principal{Kind: KindAdmin, ActorID: "admin", Wildcard: true}, nil
	}

	if IsAPIKey(token) {
		return a.authenticateKey(ctx, token)
	}

	claims, err := a.tokens.Validate(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return &Principal{
		Kind:        KindToken,
		ActorID:     claims.Subject,
		PartitionID: claims.PartitionID,
		ScopeKeys:   claims.ScopeKeys,
	}, nil
}

func (a *Authenticator) authenticateKey(ctx context.Context, token string) (*Principal, error) {
	hash := HashKey(token)

	key, ok := a.cache.Get(hash)
	if !ok {
		var err error
		key, err = a.keys.GetAPIKeyByHash(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		if err != nil {
			return nil, fmt.Errorf("auth: key lookup: %w", err)
		}
		a.cache.Add(hash, key)
	}

	now := time.Now().UTC()
	if !key.Active(now) {
		return nil, ErrUnauthenticated
	}

	// Best effort; last_used_at is informational.
	_ = a.keys.TouchAPIKey(ctx, key.KeyID, now)

	actorID := key.ActorID
	if actorID == "" {
		actorID = "key:" + key.KeyID
	}
	return &Principal{
		Kind:        KindAPIKey,
		ActorID:     actorID,
		PartitionID: key.PartitionID,
		KeyID:       key.KeyID,
		KeyType:     key.KeyType,
		Wildcard:    key.KeyType == store.KeyTypeAdmin,
		ScopeKeys:   key.ScopeKeys,
	}, nil
}
