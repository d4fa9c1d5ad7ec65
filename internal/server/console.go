package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/engine"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// Console list paging bounds.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// listOptions reads the shared limit/offset/partitionId paging
// parameters.
func listOptions(c echo.Context) store.ListOptions {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return store.ListOptions{
		PartitionID: c.QueryParam("partitionId"),
		Limit:       limit,
		Offset:      offset,
	}
}

// sinceWindow reads the sinceMinutes parameter used by the stats
// views, defaulting to one hour and capping at one day.
func sinceWindow(c echo.Context) time.Time {
	minutes, _ := strconv.Atoi(c.QueryParam("sinceMinutes"))
	switch {
	case minutes <= 0:
		minutes = 60
	case minutes > 1440:
		minutes = 1440
	}
	return time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
}

// audit records a console-initiated operation. Failures are logged,
// never surfaced; the operation itself already succeeded.
func (s *Server) audit(c echo.Context, opType, partitionID, targetClientID string, request, result any) {
	op := &store.OperationEvent{
		OperationType:  opType,
		ConsoleUserID:  getPrincipal(c).ActorID,
		PartitionID:    partitionID,
		TargetClientID: targetClientID,
		CreatedAt:      time.Now().UTC(),
	}
	if request != nil {
		op.RequestPayload, _ = json.Marshal(request)
	}
	if result != nil {
		op.ResultPayload, _ = json.Marshal(result)
	}
	if _, err := s.store.InsertOperationEvent(c.Request().Context(), op); err != nil {
		s.log.Warn().Err(err).Str("operation", opType).Msg("operation audit failed")
	}
}

// --- Stats ---

func (s *Server) handleStats(c echo.Context) error {
	since := time.Now().UTC().Add(-s.maint.Config().CursorActiveWindow)
	stats, err := s.store.Stats(c.Request().Context(), c.QueryParam("partitionId"), since)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleTimeseries(c echo.Context) error {
	buckets, err := s.store.Timeseries(c.Request().Context(), c.QueryParam("partitionId"), sinceWindow(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"timeseries": buckets})
}

func (s *Server) handleLatency(c echo.Context) error {
	stats, err := s.store.LatencyStats(c.Request().Context(), c.QueryParam("partitionId"), sinceWindow(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// --- Commits ---

func (s *Server) handleListCommits(c echo.Context) error {
	commits, total, err := s.store.ListCommits(c.Request().Context(), listOptions(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"commits": commits, "total": total})
}

func (s *Server) handleGetCommit(c echo.Context) error {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		return s.fail(c, syncerr.Invalid("commit seq must be an integer"))
	}
	partition := c.QueryParam("partitionId")
	if partition == "" {
		partition = engine.DefaultPartition
	}

	commit, changes, err := s.store.GetCommit(c.Request().Context(), partition, seq)
	if err != nil {
		return s.fail(c, notFoundAs(err, "commit %d not found", seq))
	}
	return c.JSON(http.StatusOK, map[string]any{"commit": commit, "changes": changes})
}

// --- Clients ---

// clientView augments a cursor row with its live connection state.
type clientView struct {
	store.Cursor
	Connected       bool `json:"connected"`
	ConnectionCount int  `json:"connectionCount"`
}

func (s *Server) handleListClients(c echo.Context) error {
	cursors, total, err := s.store.ListCursors(c.Request().Context(), listOptions(c))
	if err != nil {
		return s.fail(c, err)
	}

	clients := make([]clientView, len(cursors))
	for i, cur := range cursors {
		n := s.registry.ClientConnections(cur.PartitionID, cur.ClientID)
		clients[i] = clientView{Cursor: cur, Connected: n > 0, ConnectionCount: n}
	}
	return c.JSON(http.StatusOK, map[string]any{"clients": clients, "total": total})
}

func (s *Server) handleEvictClient(c echo.Context) error {
	clientID := c.Param("clientId")
	partition := c.QueryParam("partitionId")
	if partition == "" {
		partition = engine.DefaultPartition
	}

	disconnected := s.registry.DisconnectClient(partition, clientID, "evicted by console")

	err := s.store.DeleteCursor(c.Request().Context(), partition, clientID)
	if err != nil && disconnected == 0 {
		return s.fail(c, notFoundAs(err, "client %s not found", clientID))
	}

	result := map[string]any{"ok": true, "disconnected": disconnected}
	s.audit(c, store.OperationEvictClient, partition, clientID, nil, result)
	return c.JSON(http.StatusOK, result)
}

// --- Handlers / timeline / operations ---

func (s *Server) handleListHandlers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"handlers": s.scopes.Handlers()})
}

func (s *Server) handleTimeline(c echo.Context) error {
	items, total, err := s.store.Timeline(c.Request().Context(), listOptions(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleListOperations(c echo.Context) error {
	ops, total, err := s.store.ListOperationEvents(c.Request().Context(), listOptions(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"operations": ops, "total": total})
}

func (s *Server) handleGetOperation(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return s.fail(c, syncerr.Invalid("operation id must be an integer"))
	}
	op, err := s.store.GetOperationEvent(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, notFoundAs(err, "operation %d not found", id))
	}
	return c.JSON(http.StatusOK, op)
}

// --- Request events ---

func (s *Server) handleListEvents(c echo.Context) error {
	opt := listOptions(c)
	filter := store.EventFilter{
		PartitionID: opt.PartitionID,
		EventType:   c.QueryParam("eventType"),
		ClientID:    c.QueryParam("clientId"),
		ActorID:     c.QueryParam("actorId"),
		Outcome:     c.QueryParam("outcome"),
		Limit:       opt.Limit,
		Offset:      opt.Offset,
	}
	events, total, err := s.store.ListRequestEvents(c.Request().Context(), filter)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events, "total": total})
}

func (s *Server) handleGetEvent(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return s.fail(c, syncerr.Invalid("event id must be an integer"))
	}
	ev, err := s.store.GetRequestEvent(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, notFoundAs(err, "event %d not found", id))
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) handleGetEventPayload(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return s.fail(c, syncerr.Invalid("event id must be an integer"))
	}
	ev, err := s.store.GetRequestEvent(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, notFoundAs(err, "event %d not found", id))
	}
	if ev.PayloadRef == "" {
		return s.fail(c, syncerr.NotFound("event %d has no retained payload", id))
	}
	snap, err := s.store.GetPayloadSnapshot(c.Request().Context(), ev.PayloadRef)
	if err != nil {
		return s.fail(c, notFoundAs(err, "payload for event %d not found", id))
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePruneEvents(c echo.Context) error {
	pr := getPrincipal(c)
	result, err := s.maint.Retention(c.Request().Context(), pr.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeleteEvents(c echo.Context) error {
	partition := c.QueryParam("partitionId")
	deleted, err := s.store.DeleteRequestEvents(c.Request().Context(), partition)
	if err != nil {
		return s.fail(c, err)
	}

	result := map[string]any{"ok": true, "deleted": deleted}
	s.audit(c, store.OperationDeleteEvents, partition, "", nil, result)
	return c.JSON(http.StatusOK, result)
}

// --- Maintenance ---

type partitionRequest struct {
	PartitionID string `json:"partitionId"`
}

// bodyPartition resolves the partition a maintenance request targets:
// JSON body, then query parameter, then the default.
func bodyPartition(c echo.Context, body partitionRequest) string {
	if body.PartitionID != "" {
		return body.PartitionID
	}
	if q := c.QueryParam("partitionId"); q != "" {
		return q
	}
	return engine.DefaultPartition
}

func (s *Server) handlePrune(c echo.Context) error {
	var req partitionRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}
	pr := getPrincipal(c)

	result, err := s.maint.Prune(c.Request().Context(), bodyPartition(c, req), pr.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handlePrunePreview(c echo.Context) error {
	var req partitionRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}

	preview, err := s.maint.PrunePreviewFor(c.Request().Context(), bodyPartition(c, req))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, preview)
}

func (s *Server) handleCompact(c echo.Context) error {
	var req partitionRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}
	pr := getPrincipal(c)

	result, err := s.maint.Compact(c.Request().Context(), bodyPartition(c, req), pr.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// --- External data change notification ---

type notifyDataChangeRequest struct {
	Tables      []string `json:"tables"`
	PartitionID string   `json:"partitionId"`
}

func (s *Server) handleNotifyDataChange(c echo.Context) error {
	var req notifyDataChangeRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}
	pr := getPrincipal(c)
	partition := bodyPartition(c, partitionRequest{PartitionID: req.PartitionID})

	commitSeq, err := s.engine.NotifyDataChange(c.Request().Context(), pr.ActorID, partition, req.Tables)
	if err != nil {
		return s.fail(c, err)
	}

	result := map[string]any{"ok": true, "commitSeq": commitSeq, "partitionId": partition}
	s.audit(c, store.OperationNotifyDataChange, partition, "", req, result)
	return c.JSON(http.StatusOK, result)
}

// --- Sync tokens ---

type createTokenRequest struct {
	ActorID     string   `json:"actorId"`
	PartitionID string   `json:"partitionId"`
	ScopeKeys   []string `json:"scopeKeys"`
	TTLMinutes  int      `json:"ttlMinutes"`
}

// handleCreateToken mints a client sync token. The console is the only
// issuer; clients never see the signing secret.
func (s *Server) handleCreateToken(c echo.Context) error {
	var req createTokenRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}
	if req.ActorID == "" {
		return s.fail(c, syncerr.Invalid("actorId is required"))
	}
	if req.PartitionID == "" {
		req.PartitionID = engine.DefaultPartition
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}

	token, err := s.tokens.CreateToken(req.ActorID, req.PartitionID, req.ScopeKeys, ttl)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":       token,
		"actorId":     req.ActorID,
		"partitionId": req.PartitionID,
		"expiresAt":   time.Now().UTC().Add(ttl),
	})
}

// notFoundAs maps store.ErrNotFound to a NOT_FOUND error with the
// given message; other errors pass through unchanged.
func notFoundAs(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return syncerr.NotFound(format, args...)
	}
	return err
}
