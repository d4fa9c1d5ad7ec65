package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/engine"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// defaultRotationGrace is how long a staged rotation keeps the old
// secret accepted.
const defaultRotationGrace = 24 * time.Hour

func (s *Server) handleListAPIKeys(c echo.Context) error {
	keys, err := s.store.ListAPIKeys(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": keys, "total": len(keys)})
}

func (s *Server) handleGetAPIKey(c echo.Context) error {
	key, err := s.store.GetAPIKey(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, notFoundAs(err, "api key %s not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, key)
}

type createAPIKeyRequest struct {
	Name          string   `json:"name"`
	KeyType       string   `json:"keyType"`
	PartitionID   string   `json:"partitionId"`
	ActorID       string   `json:"actorId"`
	ScopeKeys     []string `json:"scopeKeys"`
	ExpiresInDays int      `json:"expiresInDays"`
}

// handleCreateAPIKey mints a key. The secret appears exactly once in
// this response; only its hash is stored.
func (s *Server) handleCreateAPIKey(c echo.Context) error {
	var req createAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}
	if req.Name == "" {
		return s.fail(c, syncerr.Invalid("name is required"))
	}
	switch req.KeyType {
	case store.KeyTypeRelay, store.KeyTypeProxy, store.KeyTypeAdmin:
	default:
		return s.fail(c, syncerr.Invalid("keyType must be relay, proxy or admin"))
	}
	if req.PartitionID == "" {
		req.PartitionID = engine.DefaultPartition
	}

	gen, err := auth.GenerateKey()
	if err != nil {
		return s.fail(c, err)
	}

	now := time.Now().UTC()
	key := &store.APIKey{
		KeyID:       uuid.NewString(),
		KeyHash:     gen.Hash,
		KeyPrefix:   gen.Prefix,
		Name:        req.Name,
		KeyType:     req.KeyType,
		PartitionID: req.PartitionID,
		ScopeKeys:   req.ScopeKeys,
		ActorID:     req.ActorID,
		CreatedAt:   now,
	}
	if req.ExpiresInDays > 0 {
		exp := now.Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour)
		key.ExpiresAt = &exp
	}

	if err := s.store.CreateAPIKey(c.Request().Context(), key); err != nil {
		return s.fail(c, err)
	}

	s.audit(c, store.OperationAPIKeyCreate, key.PartitionID, "",
		map[string]any{"name": req.Name, "keyType": req.KeyType},
		map[string]any{"keyId": key.KeyID})
	return c.JSON(http.StatusOK, map[string]any{"key": key, "secret": gen.Secret})
}

// handleRotateAPIKey swaps the secret in place. The old secret stops
// working as soon as the auth cache entry ages out.
func (s *Server) handleRotateAPIKey(c echo.Context) error {
	keyID := c.Param("id")

	key, err := s.store.GetAPIKey(c.Request().Context(), keyID)
	if err != nil {
		return s.fail(c, notFoundAs(err, "api key %s not found", keyID))
	}

	gen, err := auth.GenerateKey()
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.store.UpdateAPIKeySecret(c.Request().Context(), keyID, gen.Hash, gen.Prefix); err != nil {
		return s.fail(c, notFoundAs(err, "api key %s not found", keyID))
	}
	key.KeyPrefix = gen.Prefix

	s.audit(c, store.OperationAPIKeyRotate, key.PartitionID, "",
		map[string]any{"keyId": keyID, "staged": false}, nil)
	return c.JSON(http.StatusOK, map[string]any{"key": key, "secret": gen.Secret})
}

type stageRotateRequest struct {
	GraceHours int `json:"graceHours"`
}

// handleStageRotateAPIKey rotates with an overlap: a new key is minted
// alongside the old one, and the old key expires after the grace
// window instead of immediately.
func (s *Server) handleStageRotateAPIKey(c echo.Context) error {
	keyID := c.Param("id")
	var req stageRotateRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}

	old, err := s.store.GetAPIKey(c.Request().Context(), keyID)
	if err != nil {
		return s.fail(c, notFoundAs(err, "api key %s not found", keyID))
	}

	grace := defaultRotationGrace
	if req.GraceHours > 0 {
		grace = time.Duration(req.GraceHours) * time.Hour
	}

	gen, err := auth.GenerateKey()
	if err != nil {
		return s.fail(c, err)
	}

	now := time.Now().UTC()
	next := &store.APIKey{
		KeyID:       uuid.NewString(),
		KeyHash:     gen.Hash,
		KeyPrefix:   gen.Prefix,
		Name:        old.Name,
		KeyType:     old.KeyType,
		PartitionID: old.PartitionID,
		ScopeKeys:   old.ScopeKeys,
		ActorID:     old.ActorID,
		CreatedAt:   now,
	}
	if err := s.store.CreateAPIKey(c.Request().Context(), next); err != nil {
		return s.fail(c, err)
	}

	expiry := now.Add(grace)
	if err := s.store.SetAPIKeyExpiry(c.Request().Context(), keyID, expiry); err != nil {
		return s.fail(c, err)
	}

	s.audit(c, store.OperationAPIKeyRotate, old.PartitionID, "",
		map[string]any{"keyId": keyID, "staged": true, "graceHours": int(grace.Hours())},
		map[string]any{"newKeyId": next.KeyID})
	return c.JSON(http.StatusOK, map[string]any{
		"key":               next,
		"secret":            gen.Secret,
		"previousKeyId":     keyID,
		"previousExpiresAt": expiry,
	})
}

type bulkRevokeRequest struct {
	KeyIDs []string `json:"keyIds"`
}

func (s *Server) handleBulkRevokeAPIKeys(c echo.Context) error {
	var req bulkRevokeRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}
	if len(req.KeyIDs) == 0 {
		return s.fail(c, syncerr.Invalid("keyIds is required"))
	}

	now := time.Now().UTC()
	revoked := make([]string, 0, len(req.KeyIDs))
	var failed []string
	for _, id := range req.KeyIDs {
		if err := s.store.RevokeAPIKey(c.Request().Context(), id, now); err != nil {
			failed = append(failed, id)
			continue
		}
		revoked = append(revoked, id)
	}

	result := map[string]any{"revoked": revoked}
	if len(failed) > 0 {
		result["failed"] = failed
	}
	s.audit(c, store.OperationAPIKeyRevoke, "", "", req, result)
	return c.JSON(http.StatusOK, result)
}

// handleDeleteAPIKey revokes a key. The row survives for audit; only
// its ability to authenticate is removed.
func (s *Server) handleDeleteAPIKey(c echo.Context) error {
	keyID := c.Param("id")

	key, err := s.store.GetAPIKey(c.Request().Context(), keyID)
	if err != nil {
		return s.fail(c, notFoundAs(err, "api key %s not found", keyID))
	}
	if err := s.store.RevokeAPIKey(c.Request().Context(), keyID, time.Now().UTC()); err != nil {
		return s.fail(c, err)
	}

	s.audit(c, store.OperationAPIKeyRevoke, key.PartitionID, "",
		map[string]any{"keyId": keyID}, nil)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
