package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/engine"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// handleRealtime upgrades to the realtime WebSocket. The bearer is
// optional here: a session without one must authenticate in-band
// before the grace period runs out. Capacity rejections surface as
// plain HTTP 429s before the upgrade.
func (s *Server) handleRealtime(c echo.Context) error {
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		return s.fail(c, syncerr.Invalid("clientId query parameter is required"))
	}

	var pr *auth.Principal
	if token := extractBearer(c); token != "" {
		p, err := s.auth.Authenticate(c.Request().Context(), token)
		if err != nil {
			return s.fail(c, syncerr.New(syncerr.CodeInvalidToken, http.StatusUnauthorized, "invalid or expired credentials"))
		}
		pr = p
	}

	err := realtime.ServeSession(c.Response(), c.Request(), realtime.SessionConfig{
		Registry:  s.registry,
		Auth:      s.auth,
		Push:      s.wsPush,
		Partition: partitionOf(c, pr),
		ClientID:  clientID,
		Principal: pr,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return nil
}

// wsPush applies a push received over a WebSocket session and records
// it like its HTTP twin, with the socket message's correlation ids.
func (s *Server) wsPush(ctx context.Context, pr *auth.Principal, partitionID, clientID string, body json.RawMessage, meta realtime.PushMeta) (any, error) {
	var req engine.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, syncerr.Invalid("push data must be a JSON object")
	}

	started := time.Now()
	res, err := s.engine.Push(ctx, pr, partitionID, clientID, &req)
	elapsed := time.Since(started)

	ev := store.RequestEvent{
		PartitionID:   partitionID,
		RequestID:     meta.RequestID,
		TraceID:       meta.TraceID,
		SpanID:        meta.SpanID,
		EventType:     store.EventTypePush,
		SyncPath:      store.SyncPathWSPush,
		TransportPath: store.TransportDirect,
		ActorID:       pr.ActorID,
		ClientID:      clientID,
		DurationMs:    float64(elapsed.Microseconds()) / 1000,
	}
	if pr.KeyType == store.KeyTypeRelay {
		ev.TransportPath = store.TransportRelay
	}
	opCount := len(req.Operations)
	ev.OperationCount = &opCount

	if err != nil {
		se := syncerr.From(err)
		ev.StatusCode = se.Status
		ev.Outcome = store.OutcomeError
		ev.ErrorCode = se.Code
		ev.ErrorMessage = se.Message
	} else {
		ev.StatusCode = http.StatusOK
		switch res.Status {
		case engine.PushApplied:
			ev.Outcome = store.OutcomeApplied
		default:
			ev.Outcome = store.OutcomeRejected
		}
		ev.CommitSeq = res.CommitSeq
		ev.Tables = res.AffectedTables
		ev.ScopesSummary = summarizeScopes(res.EmittedScopeKeys)
	}

	var reqPayload json.RawMessage
	if s.cfg.RecordPayloads {
		reqPayload = body
	}
	s.rec.Record(&ev, reqPayload, nil)
	metrics.SyncRequestDuration.WithLabelValues(store.EventTypePush).Observe(elapsed.Seconds())

	if err != nil {
		return nil, err
	}
	s.maint.Poke()
	return res, nil
}
