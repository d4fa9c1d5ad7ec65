package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// seedCommits pushes n one-operation commits for the actor.
func seedCommits(t *testing.T, srv *Server, actorID, clientID string, n int) {
	t.Helper()
	tok := mintToken(t, srv, actorID, "default", "user:"+actorID)
	for i := 0; i < n; i++ {
		w := doJSON(t, srv.Handler(), http.MethodPost, "/sync", tok,
			syncBody(clientID, fmt.Sprintf("cc-%d", i), taskOp(fmt.Sprintf("t-%d", i), actorID, "x")))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

func TestConsoleRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	userTok := mintToken(t, srv, "u1", "default", "user:u1")
	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/stats", userTok, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, syncerr.CodeForbidden, decodeMap(t, w)["error"])

	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/stats", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestConsoleStats(t *testing.T) {
	srv, _ := newTestServer(t)
	seedCommits(t, srv, "u1", "c1", 2)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/stats", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeMap(t, w)
	assert.Equal(t, float64(2), body["commitCount"])
	assert.Equal(t, float64(2), body["changeCount"])
	assert.Equal(t, float64(2), body["maxCommitSeq"])
	assert.Equal(t, float64(1), body["clientCount"])
}

func TestConsoleCommits(t *testing.T) {
	srv, _ := newTestServer(t)
	seedCommits(t, srv, "u1", "c1", 3)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/commits?limit=2", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, float64(3), body["total"])
	commits, ok := body["commits"].([]any)
	require.True(t, ok)
	assert.Len(t, commits, 2)

	// Newest first.
	first := commits[0].(map[string]any)
	assert.Equal(t, float64(3), first["commitSeq"])

	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/commits/2", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decodeMap(t, w)
	commit := detail["commit"].(map[string]any)
	assert.Equal(t, float64(2), commit["commitSeq"])
	changes, ok := detail["changes"].([]any)
	require.True(t, ok)
	assert.Len(t, changes, 1)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/commits/99", testAdminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/commits/abc", testAdminKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConsoleClientsAndEvict(t *testing.T) {
	srv, mem := newTestServer(t)
	seedCommits(t, srv, "u1", "c1", 1)

	// The cursor is persisted off the request path.
	require.Eventually(t, func() bool {
		cursors, _, err := mem.ListCursors(context.Background(), store.ListOptions{PartitionID: "default", Limit: 10})
		return err == nil && len(cursors) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/clients", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, float64(1), body["total"])
	clients := body["clients"].([]any)
	require.Len(t, clients, 1)
	client := clients[0].(map[string]any)
	assert.Equal(t, "c1", client["clientId"])
	assert.Equal(t, false, client["connected"])

	w = doJSON(t, srv.Handler(), http.MethodDelete, "/console/clients/c1", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeMap(t, w)["ok"])

	_, err := mem.GetCursor(context.Background(), "default", "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Second evict finds nothing.
	w = doJSON(t, srv.Handler(), http.MethodDelete, "/console/clients/c1", testAdminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The evict is audited.
	ops, _, err := mem.ListOperationEvents(context.Background(), store.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	assert.Equal(t, store.OperationEvictClient, ops[0].OperationType)
	assert.Equal(t, "admin", ops[0].ConsoleUserID)
	assert.Equal(t, "c1", ops[0].TargetClientID)
}

func TestConsoleHandlers(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/handlers", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeMap(t, w)
	handlers := body["handlers"].([]any)
	require.Len(t, handlers, 2) // tasks + default

	tables := make([]string, 0, len(handlers))
	for _, h := range handlers {
		tables = append(tables, h.(map[string]any)["table"].(string))
	}
	assert.Contains(t, tables, "tasks")
}

func TestConsoleTokenMinting(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/console/tokens", testAdminKey, map[string]any{
		"actorId":   "u9",
		"scopeKeys": []string{"user:u9"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	token, ok := body["token"].(string)
	require.True(t, ok)
	assert.Equal(t, "u9", body["actorId"])
	assert.Equal(t, "default", body["partitionId"])
	assert.NotEmpty(t, body["expiresAt"])

	// The minted token syncs.
	sw := doJSON(t, srv.Handler(), http.MethodPost, "/sync", token,
		syncBody("c9", "cc-1", taskOp("t1", "u9", "hello")))
	require.Equal(t, http.StatusOK, sw.Code, sw.Body.String())

	// actorId is required.
	w = doJSON(t, srv.Handler(), http.MethodPost, "/console/tokens", testAdminKey, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotifyDataChange(t *testing.T) {
	srv, mem := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/console/notify-data-change", testAdminKey, map[string]any{
		"tables": []string{"tasks"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["commitSeq"])
	assert.Equal(t, "default", body["partitionId"])

	ops, _, err := mem.ListOperationEvents(context.Background(), store.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	assert.Equal(t, store.OperationNotifyDataChange, ops[0].OperationType)
}

func TestPrunePreviewAndCompact(t *testing.T) {
	srv, mem := newTestServer(t)
	seedCommits(t, srv, "u1", "c1", 2)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/console/prune/preview", testAdminKey,
		map[string]any{"partitionId": "default"})
	require.Equal(t, http.StatusOK, w.Code)
	preview := decodeMap(t, w)
	assert.Equal(t, "default", preview["partitionId"])
	assert.Contains(t, preview, "commitsToDelete")

	w = doJSON(t, srv.Handler(), http.MethodPost, "/console/prune", testAdminKey,
		map[string]any{"partitionId": "default"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodPost, "/console/compact", testAdminKey,
		map[string]any{"partitionId": "default"})
	require.Equal(t, http.StatusOK, w.Code)

	ops, _, err := mem.ListOperationEvents(context.Background(), store.ListOptions{Limit: 10})
	require.NoError(t, err)
	types := make([]string, 0, len(ops))
	for _, op := range ops {
		types = append(types, op.OperationType)
	}
	assert.Contains(t, types, store.OperationPrune)
	assert.Contains(t, types, store.OperationCompact)
}

func TestConsoleEventsAndPayload(t *testing.T) {
	srv, _ := newTestServer(t)
	seedCommits(t, srv, "u1", "c1", 1)

	var eventID string
	require.Eventually(t, func() bool {
		w := doJSON(t, srv.Handler(), http.MethodGet, "/console/events?eventType=push", testAdminKey, nil)
		if w.Code != http.StatusOK {
			return false
		}
		body := decodeMap(t, w)
		events, ok := body["events"].([]any)
		if !ok || len(events) != 1 {
			return false
		}
		ev := events[0].(map[string]any)
		eventID = fmt.Sprintf("%.0f", ev["eventId"].(float64))
		return true
	}, 2*time.Second, 10*time.Millisecond)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/events/"+eventID, testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ev := decodeMap(t, w)
	assert.Equal(t, store.EventTypePush, ev["eventType"])
	assert.Equal(t, store.SyncPathCombined, ev["syncPath"])

	// The fixture records payloads, and the snapshot rides the push
	// event of a combined request.
	if ref, ok := ev["payloadRef"].(string); ok && ref != "" {
		w = doJSON(t, srv.Handler(), http.MethodGet, "/console/events/"+eventID+"/payload", testAdminKey, nil)
		require.Equal(t, http.StatusOK, w.Code)
		snap := decodeMap(t, w)
		assert.Equal(t, ref, snap["payloadRef"])
		assert.NotEmpty(t, snap["requestPayload"])
	}

	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/events/424242", testAdminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConsoleDeleteEvents(t *testing.T) {
	srv, mem := newTestServer(t)
	seedCommits(t, srv, "u1", "c1", 1)

	require.Eventually(t, func() bool {
		_, total, err := mem.ListRequestEvents(context.Background(), store.EventFilter{PartitionID: "default", Limit: 1})
		return err == nil && total > 0
	}, 2*time.Second, 10*time.Millisecond)

	w := doJSON(t, srv.Handler(), http.MethodDelete, "/console/events?partitionId=default", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Greater(t, body["deleted"], float64(0))

	_, total, err := mem.ListRequestEvents(context.Background(), store.EventFilter{PartitionID: "default", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestConsoleTimeline(t *testing.T) {
	srv, _ := newTestServer(t)
	seedCommits(t, srv, "u1", "c1", 2)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/timeline", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, items)

	kinds := map[string]bool{}
	for _, it := range items {
		kinds[it.(map[string]any)["itemType"].(string)] = true
	}
	assert.True(t, kinds[store.TimelineCommit])
}

func TestConsoleOperations(t *testing.T) {
	srv, _ := newTestServer(t)

	// Produce one audited operation.
	w := doJSON(t, srv.Handler(), http.MethodPost, "/console/notify-data-change", testAdminKey,
		map[string]any{"tables": []string{"tasks"}})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/operations", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, float64(1), body["total"])
	ops := body["operations"].([]any)
	require.Len(t, ops, 1)
	op := ops[0].(map[string]any)
	assert.Equal(t, store.OperationNotifyDataChange, op["operationType"])

	id := fmt.Sprintf("%.0f", op["operationId"].(float64))
	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/operations/"+id, testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.OperationNotifyDataChange, decodeMap(t, w)["operationType"])
}

func TestConsoleRateLimitSeparateFromSync(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.ConsolePerMinute = 1
	})

	w := doJSON(t, srv.Handler(), http.MethodGet, "/console/stats", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/console/stats", testAdminKey, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// The sync budget is untouched.
	tok := mintToken(t, srv, "u1", "default", "user:u1")
	w = doJSON(t, srv.Handler(), http.MethodPost, "/sync", tok,
		syncBody("c1", "cc-1", taskOp("t1", "u1", "a")))
	assert.Equal(t, http.StatusOK, w.Code)
}
