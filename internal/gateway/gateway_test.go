package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/syncerr"
)

// recordedRequest is one call a fake instance received.
type recordedRequest struct {
	method string
	path   string
	query  url.Values
	auth   string
	reqID  string
	body   []byte
}

// fakeConsole is a scriptable downstream instance console.
type fakeConsole struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest

	// commits is the full list, newest first, as an instance serves it.
	commits    []map[string]any
	stats      map[string]any
	timeseries []map[string]any
	latency    map[string]any

	// failPaths forces an error status for a path; rawPaths serves a
	// verbatim 200 body.
	failPaths map[string]int
	rawPaths  map[string]string

	liveFrames []map[string]any
}

func newFakeConsole(t *testing.T) *fakeConsole {
	t.Helper()
	f := &fakeConsole{
		stats:     map[string]any{"commitCount": 0},
		failPaths: map[string]int{},
		rawPaths:  map[string]string{},
	}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeConsole) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.Query(),
		auth:   r.Header.Get("Authorization"),
		reqID:  r.Header.Get("X-Request-Id"),
		body:   body,
	})
	failStatus := f.failPaths[r.URL.Path]
	raw, hasRaw := f.rawPaths[r.URL.Path]
	f.mu.Unlock()

	if failStatus != 0 {
		writeJSON(w, failStatus, map[string]any{"error": "INTERNAL", "message": "forced failure"})
		return
	}
	if hasRaw {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, raw)
		return
	}

	switch {
	case r.URL.Path == "/console/commits":
		f.serveCommitList(w, r)
	case strings.HasPrefix(r.URL.Path, "/console/commits/"):
		f.serveCommitDetail(w, r)
	case r.URL.Path == "/console/stats":
		writeJSON(w, http.StatusOK, f.stats)
	case r.URL.Path == "/console/stats/timeseries":
		writeJSON(w, http.StatusOK, map[string]any{"timeseries": f.timeseries})
	case r.URL.Path == "/console/stats/latency":
		writeJSON(w, http.StatusOK, f.latency)
	case r.URL.Path == "/console/events/live":
		f.serveLive(w, r)
	case r.URL.Path == "/console/prune" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": 7})
	case strings.HasPrefix(r.URL.Path, "/console/clients/") && r.Method == http.MethodDelete:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "disconnected": 0})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "NOT_FOUND", "message": "no such route"})
	}
}

func (f *fakeConsole) serveCommitList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	f.mu.Lock()
	all := f.commits
	f.mu.Unlock()

	window := []map[string]any{}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		window = all[offset:end]
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": window, "total": len(all)})
}

func (f *fakeConsole) serveCommitDetail(w http.ResponseWriter, r *http.Request) {
	seq := strings.TrimPrefix(r.URL.Path, "/console/commits/")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commits {
		if formatID(c["commitSeq"]) == seq {
			writeJSON(w, http.StatusOK, map[string]any{"commit": c, "changes": []any{}})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "NOT_FOUND", "message": "commit " + seq + " not found"})
}

func (f *fakeConsole) serveLive(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(map[string]any{"type": "connected", "data": map[string]any{"clientId": "console"}})
	f.mu.Lock()
	frames := f.liveFrames
	f.mu.Unlock()
	for _, fr := range frames {
		_ = conn.WriteJSON(fr)
	}
	// Hold the stream open until the relay hangs up.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (f *fakeConsole) requestsTo(path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, req := range f.requests {
		if req.path == path {
			out = append(out, req)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// deadInstanceURL returns a URL nothing listens on.
func deadInstanceURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u := srv.URL
	srv.Close()
	return u
}

func newGateway(insts ...config.Instance) *Gateway {
	return New(&config.GatewayConfig{RequestTimeoutMs: 2000, Instances: insts})
}

func doGW(t *testing.T, g *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer caller-token")
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	return w
}

func bodyMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func commitItem(seq int, at time.Time) map[string]any {
	return map[string]any{
		"commitSeq": seq,
		"clientId":  "c1",
		"createdAt": at.UTC().Format(time.RFC3339Nano),
	}
}

// twoInstanceGateway wires east and west fakes with interleaved
// commits: east holds seqs 3,2,1 and west 30,20,10, alternating in
// time with east:3 newest.
func twoInstanceGateway(t *testing.T) (*Gateway, *fakeConsole, *fakeConsole) {
	t.Helper()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	east := newFakeConsole(t)
	east.commits = []map[string]any{
		commitItem(3, base.Add(5*time.Minute)),
		commitItem(2, base.Add(3*time.Minute)),
		commitItem(1, base.Add(1*time.Minute)),
	}
	west := newFakeConsole(t)
	west.commits = []map[string]any{
		commitItem(30, base.Add(4*time.Minute)),
		commitItem(20, base.Add(2*time.Minute)),
		commitItem(10, base),
	}

	g := newGateway(
		config.Instance{InstanceID: "east", Label: "East", BaseURL: east.srv.URL, Token: "east-token"},
		config.Instance{InstanceID: "west", Label: "West", BaseURL: west.srv.URL, Token: "west-token"},
	)
	return g, east, west
}

func TestGatewayHealth(t *testing.T) {
	g, _, _ := twoInstanceGateway(t)

	w := doGW(t, g, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["instances"])
}

func TestInstancesEndpointHidesTokens(t *testing.T) {
	g, _, _ := twoInstanceGateway(t)

	w := doGW(t, g, http.MethodGet, "/console/instances", nil)
	require.Equal(t, http.StatusOK, w.Code)

	insts := bodyMap(t, w)["instances"].([]any)
	require.Len(t, insts, 2)
	first := insts[0].(map[string]any)
	assert.Equal(t, "east", first["instanceId"])
	assert.Equal(t, "East", first["label"])
	assert.Equal(t, true, first["enabled"])
	assert.NotContains(t, w.Body.String(), "east-token")
	assert.NotContains(t, w.Body.String(), "west-token")
}

func TestMergedCommitsOrderAndPaging(t *testing.T) {
	g, _, _ := twoInstanceGateway(t)

	w := doGW(t, g, http.MethodGet, "/console/commits?limit=4", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := bodyMap(t, w)
	assert.Equal(t, false, body["partial"])
	assert.Nil(t, body["failedInstances"])
	assert.Equal(t, float64(6), body["total"])

	items := body["commits"].([]any)
	require.Len(t, items, 4)
	var fedIDs []string
	for _, it := range items {
		fedIDs = append(fedIDs, it.(map[string]any)["federatedCommitId"].(string))
	}
	assert.Equal(t, []string{"east:3", "west:30", "east:2", "west:20"}, fedIDs)

	first := items[0].(map[string]any)
	assert.Equal(t, "east", first["instanceId"])
	assert.Equal(t, "East", first["instanceLabel"])
	assert.Equal(t, float64(3), first["commitSeq"])
	assert.Equal(t, float64(3), first["localCommitSeq"])

	// The next window continues where the first left off.
	w = doGW(t, g, http.MethodGet, "/console/commits?limit=4&offset=4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items = bodyMap(t, w)["commits"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "east:1", items[0].(map[string]any)["federatedCommitId"])
	assert.Equal(t, "west:10", items[1].(map[string]any)["federatedCommitId"])
}

func TestMergedListPartialFailure(t *testing.T) {
	g, _, west := twoInstanceGateway(t)
	west.failPaths["/console/commits"] = http.StatusServiceUnavailable

	w := doGW(t, g, http.MethodGet, "/console/commits", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := bodyMap(t, w)
	assert.Equal(t, true, body["partial"])
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["commits"].([]any), 3)

	failed := body["failedInstances"].([]any)
	require.Len(t, failed, 1)
	entry := failed[0].(map[string]any)
	assert.Equal(t, "west", entry["instanceId"])
	assert.Equal(t, "HTTP 503", entry["reason"])
	assert.Equal(t, float64(503), entry["status"])
}

func TestAllInstancesFailing(t *testing.T) {
	g := newGateway(
		config.Instance{InstanceID: "east", Label: "East", BaseURL: deadInstanceURL(t)},
		config.Instance{InstanceID: "west", Label: "West", BaseURL: deadInstanceURL(t)},
	)

	w := doGW(t, g, http.MethodGet, "/console/commits", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)

	body := bodyMap(t, w)
	assert.Equal(t, syncerr.CodeDownstreamUnavailable, body["error"])
	failed := body["failedInstances"].([]any)
	require.Len(t, failed, 2)
	assert.Equal(t, "connection failed", failed[0].(map[string]any)["reason"])
}

func TestInstanceSelection(t *testing.T) {
	g, _, _ := twoInstanceGateway(t)

	// A filter narrows the fan-out.
	w := doGW(t, g, http.MethodGet, "/console/commits?instanceIds=east", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, float64(3), body["total"])
	for _, it := range body["commits"].([]any) {
		assert.Equal(t, "east", it.(map[string]any)["instanceId"])
	}

	// Unknown ids select nothing.
	w = doGW(t, g, http.MethodGet, "/console/commits?instanceId=mars", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, syncerr.CodeNoInstancesSelected, bodyMap(t, w)["error"])
}

func TestDisabledInstanceIsSkipped(t *testing.T) {
	east := newFakeConsole(t)
	east.commits = []map[string]any{commitItem(1, time.Now())}
	south := newFakeConsole(t)
	south.commits = []map[string]any{commitItem(9, time.Now())}

	off := false
	g := newGateway(
		config.Instance{InstanceID: "east", Label: "East", BaseURL: east.srv.URL},
		config.Instance{InstanceID: "south", Label: "South", BaseURL: south.srv.URL, Enabled: &off},
	)

	w := doGW(t, g, http.MethodGet, "/console/commits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, float64(1), body["total"])
	assert.Empty(t, south.requestsTo("/console/commits"))

	// Selecting a disabled instance by id is still a miss.
	w = doGW(t, g, http.MethodGet, "/console/commits?instanceIds=south", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, syncerr.CodeNoInstancesSelected, bodyMap(t, w)["error"])
}

func TestProxyTargetsExactlyOneInstance(t *testing.T) {
	g, east, west := twoInstanceGateway(t)

	// Two enabled instances and no selection is ambiguous.
	w := doGW(t, g, http.MethodPost, "/console/prune", map[string]any{"partitionId": "default"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, syncerr.CodeInstanceRequired, bodyMap(t, w)["error"])

	w = doGW(t, g, http.MethodPost, "/console/prune?instanceId=east", map[string]any{"partitionId": "default"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(7), bodyMap(t, w)["deleted"])

	reqs := east.requestsTo("/console/prune")
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.JSONEq(t, `{"partitionId":"default"}`, string(reqs[0].body))
	// The configured instance token replaces the caller's bearer, and
	// the selection parameter stays at the gateway.
	assert.Equal(t, "Bearer east-token", reqs[0].auth)
	assert.Empty(t, reqs[0].query.Get("instanceId"))

	// Downstream statuses relay verbatim.
	west.failPaths["/console/prune"] = http.StatusForbidden
	w = doGW(t, g, http.MethodPost, "/console/prune?instanceId=west", map[string]any{})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INTERNAL", bodyMap(t, w)["error"])
}

func TestStatsMergeAndSkew(t *testing.T) {
	g, east, west := twoInstanceGateway(t)
	east.stats = map[string]any{
		"commitCount": 10, "changeCount": 20, "clientCount": 2, "activeClientCount": 1,
		"minCommitSeq": 1, "maxCommitSeq": 10,
	}
	west.stats = map[string]any{
		"commitCount": 5, "changeCount": 5, "clientCount": 1, "activeClientCount": 1,
		"minCommitSeq": 2, "maxCommitSeq": 30,
	}

	w := doGW(t, g, http.MethodGet, "/console/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := bodyMap(t, w)
	assert.Equal(t, false, body["partial"])
	assert.Equal(t, float64(15), body["commitCount"])
	assert.Equal(t, float64(25), body["changeCount"])
	assert.Equal(t, float64(3), body["clientCount"])
	assert.Equal(t, float64(2), body["activeClientCount"])
	assert.Equal(t, float64(1), body["minCommitSeq"])
	assert.Equal(t, float64(30), body["maxCommitSeq"])

	bySeq := body["maxCommitSeqByInstance"].(map[string]any)
	assert.Equal(t, float64(10), bySeq["east"])
	assert.Equal(t, float64(30), bySeq["west"])
}

func TestStatsPartialFailure(t *testing.T) {
	g, east, west := twoInstanceGateway(t)
	east.stats = map[string]any{"commitCount": 10, "changeCount": 20, "clientCount": 2, "activeClientCount": 1}
	west.failPaths["/console/stats"] = http.StatusInternalServerError

	w := doGW(t, g, http.MethodGet, "/console/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := bodyMap(t, w)
	assert.Equal(t, true, body["partial"])
	assert.Equal(t, float64(10), body["commitCount"])
	failed := body["failedInstances"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "HTTP 500", failed[0].(map[string]any)["reason"])
}

func TestTimeseriesWeightedMerge(t *testing.T) {
	g, east, west := twoInstanceGateway(t)
	bucket := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC).Format(time.RFC3339)
	later := time.Date(2026, 8, 25, 10, 1, 0, 0, time.UTC).Format(time.RFC3339)

	east.timeseries = []map[string]any{
		{"timestamp": bucket, "pushCount": 3, "pullCount": 1, "errorCount": 0, "avgLatencyMs": 10},
		{"timestamp": later, "pushCount": 1, "pullCount": 0, "errorCount": 1, "avgLatencyMs": 5},
	}
	west.timeseries = []map[string]any{
		{"timestamp": bucket, "pushCount": 1, "pullCount": 1, "errorCount": 0, "avgLatencyMs": 40},
	}

	w := doGW(t, g, http.MethodGet, "/console/stats/timeseries", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	buckets := bodyMap(t, w)["timeseries"].([]any)
	require.Len(t, buckets, 2)

	merged := buckets[0].(map[string]any)
	assert.Equal(t, float64(4), merged["pushCount"])
	assert.Equal(t, float64(2), merged["pullCount"])
	// Weighted by event count: (10*4 + 40*2) / 6.
	assert.Equal(t, float64(20), merged["avgLatencyMs"])

	// Buckets sort ascending; the lone later bucket keeps its values.
	tail := buckets[1].(map[string]any)
	assert.Equal(t, float64(1), tail["pushCount"])
	assert.Equal(t, float64(5), tail["avgLatencyMs"])
}

func TestLatencyMeanAcrossInstances(t *testing.T) {
	g, east, west := twoInstanceGateway(t)
	east.latency = map[string]any{"p50Ms": 10, "p90Ms": 100, "p99Ms": 200, "sampleCount": 50}
	west.latency = map[string]any{"p50Ms": 30, "p90Ms": 200, "p99Ms": 400, "sampleCount": 100}

	w := doGW(t, g, http.MethodGet, "/console/stats/latency", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := bodyMap(t, w)
	assert.Equal(t, float64(20), body["p50Ms"])
	assert.Equal(t, float64(150), body["p90Ms"])
	assert.Equal(t, float64(300), body["p99Ms"])
	assert.Equal(t, float64(150), body["sampleCount"])
}

func TestFederatedDetailRouting(t *testing.T) {
	g, east, _ := twoInstanceGateway(t)

	// A federated id routes to the instance it names.
	w := doGW(t, g, http.MethodGet, "/console/commits/east:2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := bodyMap(t, w)
	assert.Equal(t, "east", body["instanceId"])
	assert.Equal(t, "East", body["instanceLabel"])
	assert.Equal(t, float64(2), body["commit"].(map[string]any)["commitSeq"])
	reqs := east.requestsTo("/console/commits/2")
	require.Len(t, reqs, 1)

	// Downstream misses relay verbatim.
	w = doGW(t, g, http.MethodGet, "/console/commits/west:999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", bodyMap(t, w)["error"])

	// An instance the gateway does not know is a 404.
	w = doGW(t, g, http.MethodGet, "/console/commits/mars:5", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, syncerr.CodeNotFound, bodyMap(t, w)["error"])

	// A federated id needs both halves.
	w = doGW(t, g, http.MethodGet, "/console/commits/:5", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, syncerr.CodeInvalidFederatedID, bodyMap(t, w)["error"])

	// A bare id cannot pick between two instances.
	w = doGW(t, g, http.MethodGet, "/console/commits/2", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, syncerr.CodeAmbiguousCommitID, bodyMap(t, w)["error"])

	// Unless the caller names one.
	w = doGW(t, g, http.MethodGet, "/console/commits/2?instanceId=east", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "east", bodyMap(t, w)["instanceId"])
}

func TestBareDetailIDWithSingleInstance(t *testing.T) {
	east := newFakeConsole(t)
	east.commits = []map[string]any{commitItem(2, time.Now())}
	g := newGateway(config.Instance{InstanceID: "east", Label: "East", BaseURL: east.srv.URL})

	w := doGW(t, g, http.MethodGet, "/console/commits/2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "east", bodyMap(t, w)["instanceId"])
}

func TestDetailRejectsUnparseableBody(t *testing.T) {
	g, east, _ := twoInstanceGateway(t)
	east.rawPaths["/console/commits/7"] = "{this is not json"

	w := doGW(t, g, http.MethodGet, "/console/commits/east:7", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, syncerr.CodeInvalidDownstreamResponse, bodyMap(t, w)["error"])
}

func TestInstancesHealthNeverFails(t *testing.T) {
	east := newFakeConsole(t)
	g := newGateway(
		config.Instance{InstanceID: "east", Label: "East", BaseURL: east.srv.URL},
		config.Instance{InstanceID: "west", Label: "West", BaseURL: deadInstanceURL(t)},
	)

	w := doGW(t, g, http.MethodGet, "/console/instances/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	probes := bodyMap(t, w)["instances"].([]any)
	require.Len(t, probes, 2)

	up := probes[0].(map[string]any)
	assert.Equal(t, "east", up["instanceId"])
	assert.Equal(t, true, up["healthy"])
	assert.Equal(t, float64(200), up["status"])
	assert.NotEmpty(t, up["checkedAt"])

	down := probes[1].(map[string]any)
	assert.Equal(t, "west", down["instanceId"])
	assert.Equal(t, false, down["healthy"])
	assert.Equal(t, "connection failed", down["error"])
}

func TestRequestIDFansOut(t *testing.T) {
	g, east, west := twoInstanceGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/console/stats", nil)
	req.Header.Set("X-Request-Id", "req-42")
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-Id"))

	for _, f := range []*fakeConsole{east, west} {
		reqs := f.requestsTo("/console/stats")
		require.Len(t, reqs, 1)
		assert.Equal(t, "req-42", reqs[0].reqID)
	}
}

func TestCallerBearerForwardedWithoutInstanceToken(t *testing.T) {
	east := newFakeConsole(t)
	g := newGateway(config.Instance{InstanceID: "east", Label: "East", BaseURL: east.srv.URL})

	w := doGW(t, g, http.MethodGet, "/console/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	reqs := east.requestsTo("/console/stats")
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer caller-token", reqs[0].auth)
}

func TestLiveEventsFanIn(t *testing.T) {
	east := newFakeConsole(t)
	east.liveFrames = []map[string]any{
		{"type": "heartbeat", "data": map[string]any{}},
		{"type": "request_event", "data": map[string]any{"eventId": 1, "eventType": "push"}},
	}
	g := newGateway(
		config.Instance{InstanceID: "east", Label: "East", BaseURL: east.srv.URL},
		config.Instance{InstanceID: "west", Label: "West", BaseURL: deadInstanceURL(t)},
	)

	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/console/events/live"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	type liveFrame struct {
		Type       string         `json:"type"`
		InstanceID string         `json:"instanceId"`
		Data       map[string]any `json:"data"`
	}

	var f liveFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, "connected", f.Type)
	assert.ElementsMatch(t, []any{"east", "west"}, f.Data["instances"])

	// The east event arrives tagged; the dead west instance surfaces
	// as an instance_error frame. Order between relays is not fixed.
	var sawEvent, sawError bool
	for !sawEvent || !sawError {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, conn.ReadJSON(&f))
		switch f.Type {
		case "request_event":
			assert.Equal(t, "east", f.Data["instanceId"])
			assert.Equal(t, "East", f.Data["instanceLabel"])
			assert.Equal(t, float64(1), f.Data["eventId"])
			assert.Equal(t, "push", f.Data["eventType"])
			sawEvent = true
		case "instance_error":
			assert.Equal(t, "west", f.InstanceID)
			sawError = true
		}
	}
}
