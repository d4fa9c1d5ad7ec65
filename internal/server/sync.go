package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/engine"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/recorder"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// maxSyncBodyBytes bounds a combined sync request body.
const maxSyncBodyBytes = 8 << 20

// handleSync executes the combined push/pull request. Both halves are
// recorded as separate request events; payload snapshots are attached
// when the instance is configured to retain them.
func (s *Server) handleSync(c echo.Context) error {
	pr := getPrincipal(c)
	partition := partitionOf(c, pr)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSyncBodyBytes))
	if err != nil {
		return s.fail(c, syncerr.Invalid("unreadable request body"))
	}

	var req engine.SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return s.fail(c, syncerr.Invalid("invalid JSON body"))
	}

	started := time.Now()
	resp, err := s.engine.Sync(c.Request().Context(), pr, partition, &req)
	elapsed := time.Since(started)

	if err != nil {
		s.recordSync(c, pr, partition, &req, nil, syncerr.From(err), elapsed, body, nil)
		return s.fail(c, err)
	}

	var respBody []byte
	if s.cfg.RecordPayloads {
		respBody, _ = json.Marshal(resp)
	}
	s.recordSync(c, pr, partition, &req, resp, nil, elapsed, body, respBody)

	s.maint.Poke()
	return c.JSON(http.StatusOK, resp)
}

// recordSync enqueues one request event per half of the combined
// request. When the instance retains payloads, the snapshot rides on
// the first event only so a combined request stores one copy.
func (s *Server) recordSync(c echo.Context, pr *auth.Principal, partition string, req *engine.SyncRequest, resp *engine.SyncResponse, se *syncerr.Error, elapsed time.Duration, reqBody, respBody []byte) {
	traceID, spanID := recorder.ParseTraceContext(
		c.Request().Header.Get("traceparent"),
		c.Request().Header.Get("sentry-trace"),
	)

	base := store.RequestEvent{
		PartitionID:   partition,
		RequestID:     requestIDOf(c),
		TraceID:       traceID,
		SpanID:        spanID,
		SyncPath:      store.SyncPathCombined,
		TransportPath: transportPath(c, pr),
		ActorID:       pr.ActorID,
		ClientID:      req.ClientID,
		DurationMs:    float64(elapsed.Microseconds()) / 1000,
	}
	if se != nil {
		base.StatusCode = se.Status
		base.Outcome = store.OutcomeError
		base.ErrorCode = se.Code
		base.ErrorMessage = se.Message
	} else {
		base.StatusCode = http.StatusOK
	}

	var reqPayload, respPayload json.RawMessage
	if s.cfg.RecordPayloads {
		reqPayload, respPayload = reqBody, respBody
	}

	if req.Push != nil {
		ev := base
		ev.EventType = store.EventTypePush
		opCount := len(req.Push.Operations)
		ev.OperationCount = &opCount
		if se == nil {
			push := resp.Push
			switch push.Status {
			case engine.PushApplied:
				ev.Outcome = store.OutcomeApplied
			default:
				ev.Outcome = store.OutcomeRejected
			}
			ev.CommitSeq = push.CommitSeq
			ev.Tables = push.AffectedTables
			ev.ScopesSummary = summarizeScopes(push.EmittedScopeKeys)
		}
		s.rec.Record(&ev, reqPayload, respPayload)
		reqPayload, respPayload = nil, nil
		metrics.SyncRequestDuration.WithLabelValues(store.EventTypePush).Observe(elapsed.Seconds())
	}

	if req.Pull != nil {
		ev := base
		ev.EventType = store.EventTypePull
		subCount := len(req.Pull.Subscriptions)
		ev.SubscriptionCount = &subCount
		ev.Tables = subscriptionTables(req.Pull.Subscriptions)
		ev.ScopesSummary = summarizeScopes(requestedScopeKeys(req.Pull.Subscriptions))
		if se == nil {
			ev.Outcome = store.OutcomeApplied
			rows := pulledRowCount(resp.Pull)
			ev.RowCount = &rows
		}
		s.rec.Record(&ev, reqPayload, respPayload)
		metrics.SyncRequestDuration.WithLabelValues(store.EventTypePull).Observe(elapsed.Seconds())
	}
}

// transportPath reads the declared transport header. A relay API key
// implies the relay path even when the header is absent.
func transportPath(c echo.Context, pr *auth.Principal) string {
	switch c.Request().Header.Get("X-Syncular-Transport-Path") {
	case store.TransportRelay:
		return store.TransportRelay
	case store.TransportDirect:
		return store.TransportDirect
	}
	if pr != nil && pr.KeyType == store.KeyTypeRelay {
		return store.TransportRelay
	}
	return store.TransportDirect
}

// summarizeScopes renders a bounded, stable digest of scope keys for
// the event row.
func summarizeScopes(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	const maxShown = 5
	if len(sorted) <= maxShown {
		return strings.Join(sorted, ",")
	}
	return strings.Join(sorted[:maxShown], ",") + " +" + strconv.Itoa(len(sorted)-maxShown)
}

// subscriptionTables lists the distinct tables a pull touches, in
// request order.
func subscriptionTables(subs []engine.Subscription) []string {
	seen := make(map[string]struct{}, len(subs))
	tables := make([]string, 0, len(subs))
	for _, sub := range subs {
		if _, dup := seen[sub.Table]; dup || sub.Table == "" {
			continue
		}
		seen[sub.Table] = struct{}{}
		tables = append(tables, sub.Table)
	}
	return tables
}

// requestedScopeKeys derives the scope keys named across a pull's
// subscription scope maps. Malformed maps are skipped; the engine
// rejects them with a proper error.
func requestedScopeKeys(subs []engine.Subscription) []string {
	all := scope.Set{}
	for _, sub := range subs {
		set, err := scope.FromScopes(sub.Scopes)
		if err != nil {
			continue
		}
		all.Merge(set)
	}
	return all.Strings()
}

// pulledRowCount totals the rows a pull returned: inline change rows
// plus snapshot chunk rows.
func pulledRowCount(pull *engine.PullResult) int {
	if pull == nil {
		return 0
	}
	rows := 0
	for _, sub := range pull.Subscriptions {
		for _, cw := range sub.Commits {
			rows += len(cw.Changes)
		}
		for _, snap := range sub.Snapshots {
			rows += snap.RowCount
		}
	}
	return rows
}
