package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// Push validates and applies one client commit. Shape problems reject
// the whole request with a 400; per-operation problems come back in the
// envelope with nothing persisted. Replays of an already-applied
// (clientId, clientCommitId) pair return the original commit_seq and do
// not notify again.
func (e *Engine) Push(ctx context.Context, pr *auth.Principal, partitionID, clientID string, req *PushRequest) (*PushResult, error) {
	if req.ClientCommitID == "" {
		return nil, syncerr.Invalid("clientCommitId is required")
	}
	if len(req.Operations) == 0 {
		return nil, syncerr.Invalid("push carries no operations")
	}
	if len(req.Operations) > e.limits.MaxOperationsPerPush {
		return nil, syncerr.New(syncerr.CodeTooManyOperations, http.StatusBadRequest,
			"push carries %d operations, limit is %d", len(req.Operations), e.limits.MaxOperationsPerPush)
	}

	results := make([]OperationResult, len(req.Operations))
	inputs := make([]store.ChangeInput, len(req.Operations))
	rejected := false
	for i, op := range req.Operations {
		results[i] = OperationResult{OpIndex: i, Status: OpOK}
		in, msg := e.prepareOperation(op)
		if msg != "" {
			results[i].Status = OpError
			results[i].Error = msg
			results[i].Code = syncerr.CodeInvalidRequest
			rejected = true
			continue
		}
		inputs[i] = in
	}
	if rejected {
		metrics.PushTotal.WithLabelValues(partitionID, PushRejected).Inc()
		return &PushResult{Status: PushRejected, Results: results}, nil
	}

	res, err := e.store.AppendCommit(ctx, store.CommitInput{
		PartitionID:    partitionID,
		ActorID:        pr.ActorID,
		ClientID:       clientID,
		ClientCommitID: req.ClientCommitID,
		Operations:     inputs,
	})
	if err != nil {
		if errors.Is(err, store.ErrActorMismatch) {
			return nil, syncerr.Forbidden("client %s belongs to another actor", clientID)
		}
		return nil, fmt.Errorf("engine: append commit: %w", err)
	}

	if len(res.Conflicts) > 0 {
		for _, c := range res.Conflicts {
			results[c.OpIndex].Status = OpConflict
			results[c.OpIndex].Error = fmt.Sprintf("row %s/%s is at version %d, push expected %d",
				c.Table, c.RowID, c.Actual, c.Expected)
		}
		metrics.PushTotal.WithLabelValues(partitionID, PushConflict).Inc()
		return &PushResult{Status: PushConflict, Results: results}, nil
	}

	out := &PushResult{
		Status:           PushApplied,
		OK:               true,
		CommitSeq:        &res.CommitSeq,
		Replayed:         res.Replayed,
		Results:          results,
		AffectedTables:   res.AffectedTables,
		EmittedScopeKeys: res.ScopeKeys,
	}
	if !res.Replayed {
		e.fanOut(partitionID, clientID, pr.ActorID, res)
		metrics.ChangesWritten.WithLabelValues(partitionID).Add(float64(len(res.Changes)))
	}
	metrics.PushTotal.WithLabelValues(partitionID, PushApplied).Inc()
	return out, nil
}

// prepareOperation validates one operation and derives its scopes via
// the table handler. Deletes without a payload leave Scopes nil so the
// store inherits the row's last known scopes.
func (e *Engine) prepareOperation(op Operation) (store.ChangeInput, string) {
	if op.Table == "" {
		return store.ChangeInput{}, "table is required"
	}
	if op.RowID == "" {
		return store.ChangeInput{}, "row_id is required"
	}
	switch op.Op {
	case store.OpUpsert:
		if len(op.Payload) == 0 {
			return store.ChangeInput{}, "payload is required for upsert"
		}
	case store.OpDelete:
	default:
		return store.ChangeInput{}, fmt.Sprintf("op %q is not upsert or delete", op.Op)
	}

	in := store.ChangeInput{
		Table:      op.Table,
		RowID:      op.RowID,
		Op:         op.Op,
		Row:        op.Payload,
		RowVersion: op.RowVersion,
	}
	if len(op.Payload) > 0 {
		var row map[string]any
		if err := json.Unmarshal(op.Payload, &row); err != nil {
			return store.ChangeInput{}, "payload must be a JSON object"
		}
		scopes := e.scopes.Lookup(op.Table).RowScopes(row)
		set, err := scope.FromScopes(scopes)
		if err != nil {
			return store.ChangeInput{}, err.Error()
		}
		in.Scopes = scopes
		in.ScopeKeys = set.Strings()
	}
	return in, ""
}

// fanOut delivers the post-commit notifications: local scope-key fan-out
// excluding the pusher, then the cross-instance mirror.
func (e *Engine) fanOut(partitionID, clientID, actorID string, res *store.CommitResult) {
	keys := scope.FromStrings(res.ScopeKeys).Partitioned(partitionID)
	if len(keys) > 0 {
		e.registry.NotifyScopeKeys(keys, res.CommitSeq, realtime.NotifyOptions{
			ExcludeClientIDs: []string{clientID},
			Changes:          res.Changes,
			ActorID:          actorID,
			CreatedAt:        res.CreatedAt,
		})
	}
	e.publishCommit(partitionID, res.CommitSeq, res.ScopeKeys, []string{clientID})
}
