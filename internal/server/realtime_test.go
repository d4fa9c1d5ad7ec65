package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/realtime?" + query
}

// dialRealtime opens a realtime session; an empty token dials bare.
func dialRealtime(t *testing.T, ts *httptest.Server, clientID, token string) *websocket.Conn {
	t.Helper()
	var hdr http.Header
	if token != "" {
		hdr = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "clientId="+clientID), hdr)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame returns the next non-heartbeat frame.
func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var f wsFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == realtime.FrameHeartbeat {
			continue
		}
		return f
	}
}

func frameData(t *testing.T, f wsFrame) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

// expectClose reads until the server closes the socket, tolerating any
// frames queued ahead of the close, and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn, within time.Duration) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(within)))
	for {
		var f wsFrame
		err := conn.ReadJSON(&f)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, "expected a close frame, got %v", err)
		return ce.Code
	}
}

func TestRealtimeRequiresClientID(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "partitionId=default"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRealtimeConnectedFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	tok := mintToken(t, srv, "u1", "default", "user:u1")

	conn := dialRealtime(t, ts, "c1", tok)

	f := readFrame(t, conn)
	require.Equal(t, realtime.FrameConnected, f.Event)
	data := frameData(t, f)
	assert.Equal(t, "c1", data["clientId"])
	assert.Equal(t, "default", data["partitionId"])
	assert.Equal(t, "u1", data["actorId"])
}

func TestRealtimeInBandAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	tok := mintToken(t, srv, "u1", "default", "user:u1")

	conn := dialRealtime(t, ts, "c1", "")

	// A bare socket connects anonymously.
	f := readFrame(t, conn)
	require.Equal(t, realtime.FrameConnected, f.Event)
	assert.Nil(t, frameData(t, f)["actorId"])

	// Pushing before auth is rejected on the socket.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "push", "requestId": "r0", "data": map[string]any{},
	}))
	f = readFrame(t, conn)
	require.Equal(t, realtime.FrameError, f.Event)
	assert.Equal(t, syncerr.CodeUnauthenticated, frameData(t, f)["error"])

	// In-band auth upgrades the session.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "token": tok}))
	f = readFrame(t, conn)
	require.Equal(t, realtime.FrameConnected, f.Event)
	assert.Equal(t, "u1", frameData(t, f)["actorId"])
}

func TestRealtimeBadTokenClosesSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialRealtime(t, ts, "c1", "")
	_ = readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "token": "garbage"}))
	code := expectClose(t, conn, 3*time.Second)
	assert.Equal(t, realtime.CloseUnauthenticated, code)
}

func TestRealtimeAuthGraceCutoff(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialRealtime(t, ts, "c1", "")
	_ = readFrame(t, conn)

	// Never authenticate; the grace timer closes the socket.
	code := expectClose(t, conn, 8*time.Second)
	assert.Equal(t, realtime.CloseUnauthenticated, code)
}

func TestRealtimePushOverSocket(t *testing.T) {
	srv, mem := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	tok := mintToken(t, srv, "u1", "default", "user:u1")

	conn := dialRealtime(t, ts, "c1", tok)
	_ = readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "push",
		"requestId": "r1",
		"data": map[string]any{
			"clientCommitId": "cc-ws-1",
			"operations": []map[string]any{
				{"table": "tasks", "row_id": "t1", "op": store.OpUpsert,
					"payload": map[string]any{"user_id": "u1", "title": "over the wire"}},
			},
		},
	}))

	f := readFrame(t, conn)
	require.Equal(t, realtime.FramePushResponse, f.Event, "got %s: %s", f.Event, f.Data)
	data := frameData(t, f)
	assert.Equal(t, "r1", data["requestId"])
	push, ok := data["push"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "applied", push["status"])
	assert.Equal(t, float64(1), push["commitSeq"])

	// The push is recorded on the WebSocket path.
	require.Eventually(t, func() bool {
		events, _, err := mem.ListRequestEvents(context.Background(),
			store.EventFilter{PartitionID: "default", EventType: store.EventTypePush, Limit: 10})
		return err == nil && len(events) == 1 && events[0].SyncPath == store.SyncPathWSPush
	}, 2*time.Second, 10*time.Millisecond)

	events, _, err := mem.ListRequestEvents(context.Background(),
		store.EventFilter{PartitionID: "default", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].RequestID)
	assert.Equal(t, "u1", events[0].ActorID)
	assert.Equal(t, store.OutcomeApplied, events[0].Outcome)
}

func TestRealtimeSyncWakeOnPush(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	tok := mintToken(t, srv, "u1", "default", "user:u1")

	watcher := dialRealtime(t, ts, "c-watch", tok)
	_ = readFrame(t, watcher)

	// A push from another client wakes the watcher.
	w := doJSON(t, srv.Handler(), http.MethodPost, "/sync", tok,
		syncBody("c-http", "cc-1", taskOp("t1", "u1", "wake up")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f := readFrame(t, watcher)
	require.Equal(t, realtime.FrameSync, f.Event)
	data := frameData(t, f)
	assert.Equal(t, float64(1), data["cursor"])
	// Small commits ride inline.
	changes, ok := data["changes"].([]any)
	require.True(t, ok)
	assert.Len(t, changes, 1)
	assert.Equal(t, "u1", data["actorId"])
}

func TestRealtimePresence(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	tok := mintToken(t, srv, "u1", "default", "user:u1")

	a := dialRealtime(t, ts, "c1", tok)
	_ = readFrame(t, a)
	b := dialRealtime(t, ts, "c2", tok)
	_ = readFrame(t, b)

	// Scopes outside the grant are refused.
	require.NoError(t, a.WriteJSON(map[string]any{
		"type": "presence", "action": "join", "scopeKey": "user:u2",
	}))
	f := readFrame(t, a)
	require.Equal(t, realtime.FrameError, f.Event)
	assert.Equal(t, syncerr.CodeForbidden, frameData(t, f)["error"])

	// First join sees no peers.
	require.NoError(t, a.WriteJSON(map[string]any{
		"type": "presence", "action": "join", "scopeKey": "user:u1",
		"metadata": map[string]any{"cursor": "row-5"},
	}))
	f = readFrame(t, a)
	require.Equal(t, realtime.FramePresence, f.Event)
	data := frameData(t, f)
	assert.Equal(t, "join", data["action"])
	assert.Equal(t, "user:u1", data["scopeKey"])
	assert.Equal(t, "c1", data["clientId"])
	assert.Nil(t, data["peers"])

	// The second join lists the first as a peer and notifies it.
	require.NoError(t, b.WriteJSON(map[string]any{
		"type": "presence", "action": "join", "scopeKey": "user:u1",
	}))
	f = readFrame(t, b)
	require.Equal(t, realtime.FramePresence, f.Event)
	data = frameData(t, f)
	peers, ok := data["peers"].([]any)
	require.True(t, ok)
	require.Len(t, peers, 1)
	assert.Equal(t, "c1", peers[0].(map[string]any)["clientId"])

	f = readFrame(t, a)
	require.Equal(t, realtime.FramePresence, f.Event)
	data = frameData(t, f)
	assert.Equal(t, "join", data["action"])
	assert.Equal(t, "c2", data["clientId"])
}

func TestRealtimeEvictClosesSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	tok := mintToken(t, srv, "u1", "default", "user:u1")

	conn := dialRealtime(t, ts, "c1", tok)
	_ = readFrame(t, conn)

	w := doJSON(t, srv.Handler(), http.MethodDelete, "/console/clients/c1", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeMap(t, w)["disconnected"])

	code := expectClose(t, conn, 3*time.Second)
	assert.Equal(t, realtime.CloseEvicted, code)
}

func TestRealtimePerClientConnectionCap(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	tok := mintToken(t, srv, "u1", "default", "user:u1")

	// The fixture caps each client at two sockets.
	c1 := dialRealtime(t, ts, "c1", tok)
	_ = readFrame(t, c1)
	c2 := dialRealtime(t, ts, "c1", tok)
	_ = readFrame(t, c2)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "clientId=c1"),
		http.Header{"Authorization": {"Bearer " + tok}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), syncerr.CodeWSLimitClient)

	// A different client id still connects.
	other := dialRealtime(t, ts, "c9", tok)
	f := readFrame(t, other)
	assert.Equal(t, realtime.FrameConnected, f.Event)
}
