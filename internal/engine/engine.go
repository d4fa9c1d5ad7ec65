// Package engine implements the sync core: the commit ingestor, the
// pull planner with bootstrap snapshots, and external data change
// notifications. Transports (HTTP and WebSocket) call into it with an
// authenticated principal; it owns validation, limits, storage calls
// and the post-commit realtime fan-out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// Limits bound one sync request. Zero fields take the defaults.
type Limits struct {
	MaxOperationsPerPush int
	MaxSubscriptions     int
	MaxLimitCommits      int
	DefaultLimitCommits  int
	MaxSnapshotRows      int
	DefaultSnapshotRows  int
	MaxSnapshotPages     int
	DefaultSnapshotPages int
	ChunkTTL             time.Duration
}

// DefaultLimits are the documented request caps.
func DefaultLimits() Limits {
	return Limits{
		MaxOperationsPerPush: 200,
		MaxSubscriptions:     200,
		MaxLimitCommits:      100,
		DefaultLimitCommits:  100,
		MaxSnapshotRows:      5000,
		DefaultSnapshotRows:  1000,
		MaxSnapshotPages:     10,
		DefaultSnapshotPages: 5,
		ChunkTTL:             15 * time.Minute,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxOperationsPerPush <= 0 {
		l.MaxOperationsPerPush = d.MaxOperationsPerPush
	}
	if l.MaxSubscriptions <= 0 {
		l.MaxSubscriptions = d.MaxSubscriptions
	}
	if l.MaxLimitCommits <= 0 {
		l.MaxLimitCommits = d.MaxLimitCommits
	}
	if l.DefaultLimitCommits <= 0 {
		l.DefaultLimitCommits = d.DefaultLimitCommits
	}
	if l.MaxSnapshotRows <= 0 {
		l.MaxSnapshotRows = d.MaxSnapshotRows
	}
	if l.DefaultSnapshotRows <= 0 {
		l.DefaultSnapshotRows = d.DefaultSnapshotRows
	}
	if l.MaxSnapshotPages <= 0 {
		l.MaxSnapshotPages = d.MaxSnapshotPages
	}
	if l.DefaultSnapshotPages <= 0 {
		l.DefaultSnapshotPages = d.DefaultSnapshotPages
	}
	if l.ChunkTTL <= 0 {
		l.ChunkTTL = d.ChunkTTL
	}
	return l
}

// clamp resolves a requested limit against its default and cap.
func clamp(requested, def, max int) int {
	switch {
	case requested <= 0:
		return def
	case requested > max:
		return max
	default:
		return requested
	}
}

// SyncRequest is the combined push/pull body.
type SyncRequest struct {
	ClientID string       `json:"clientId"`
	Push     *PushRequest `json:"push,omitempty"`
	Pull     *PullRequest `json:"pull,omitempty"`
}

// PushRequest carries one client commit.
type PushRequest struct {
	ClientCommitID string      `json:"clientCommitId"`
	SchemaVersion  int         `json:"schemaVersion,omitempty"`
	Operations     []Operation `json:"operations"`
}

// Operation is one row mutation inside a push.
type Operation struct {
	Table      string          `json:"table"`
	RowID      string          `json:"row_id"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RowVersion *int64          `json:"row_version,omitempty"`
}

// Push envelope statuses.
const (
	PushApplied  = "applied"
	PushRejected = "rejected"
	PushConflict = "conflict"
)

// Per-operation statuses.
const (
	OpOK       = "ok"
	OpError    = "error"
	OpConflict = "conflict"
)

// OperationResult reports one operation's outcome.
type OperationResult struct {
	OpIndex int    `json:"opIndex"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// PushResult is the push envelope. CommitSeq is set only when the
// commit was applied (or replayed).
type PushResult struct {
	Status           string            `json:"status"`
	OK               bool              `json:"ok"`
	CommitSeq        *int64            `json:"commitSeq,omitempty"`
	Replayed         bool              `json:"replayed,omitempty"`
	Results          []OperationResult `json:"results"`
	AffectedTables   []string          `json:"affectedTables,omitempty"`
	EmittedScopeKeys []string          `json:"emittedScopeKeys,omitempty"`
}

// PullRequest asks for commits and bootstrap snapshots across
// subscriptions.
type PullRequest struct {
	LimitCommits      int            `json:"limitCommits,omitempty"`
	LimitSnapshotRows int            `json:"limitSnapshotRows,omitempty"`
	MaxSnapshotPages  int            `json:"maxSnapshotPages,omitempty"`
	DedupeRows        bool           `json:"dedupeRows,omitempty"`
	Subscriptions     []Subscription `json:"subscriptions"`
}

// Subscription is one table+scope interest. Cursor -1 requests a
// bootstrap; BootstrapState resumes one.
type Subscription struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Scopes         map[string]any  `json:"scopes,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
	Cursor         int64           `json:"cursor"`
	BootstrapState *BootstrapState `json:"bootstrapState,omitempty"`
}

// BootstrapState is the opaque continuation a client resubmits to page
// through a bootstrap. SnapshotSeq pins the snapshot's basis commit.
type BootstrapState struct {
	SnapshotSeq int64  `json:"snapshotSeq"`
	AfterRowID  string `json:"afterRowId,omitempty"`
}

// Subscription statuses.
const (
	SubscriptionActive  = "active"
	SubscriptionRevoked = "revoked"
)

// SnapshotChunkInfo describes one stored bootstrap chunk; the body is
// fetched separately by chunk id.
type SnapshotChunkInfo struct {
	ChunkID     string `json:"chunkId"`
	Table       string `json:"table"`
	SHA256      string `json:"sha256"`
	Encoding    string `json:"encoding"`
	Compression string `json:"compression"`
	ByteLength  int    `json:"byteLength"`
	RowCount    int    `json:"rowCount"`
}

// SubscriptionResult is the per-subscription pull outcome.
type SubscriptionResult struct {
	ID             string                    `json:"id"`
	Status         string                    `json:"status"`
	Bootstrap      bool                      `json:"bootstrap"`
	NextCursor     int64                     `json:"nextCursor"`
	Commits        []store.CommitWithChanges `json:"commits"`
	Snapshots      []SnapshotChunkInfo       `json:"snapshots,omitempty"`
	BootstrapState *BootstrapState           `json:"bootstrapState,omitempty"`
}

// PullResult is the pull envelope.
type PullResult struct {
	Subscriptions []SubscriptionResult `json:"subscriptions"`
}

// SyncResponse is the combined envelope.
type SyncResponse struct {
	OK   bool        `json:"ok"`
	Push *PushResult `json:"push,omitempty"`
	Pull *PullResult `json:"pull,omitempty"`
}

// Engine is the sync core.
type Engine struct {
	store      store.Store
	scopes     *scope.Registry
	registry   *realtime.Registry
	bus        realtime.Broadcaster
	limits     Limits
	instanceID string
	log        zerolog.Logger
	logged     *lru.Cache[string, struct{}]
}

// New wires the engine. bus may be nil on single-instance deployments.
func New(st store.Store, scopes *scope.Registry, registry *realtime.Registry, bus realtime.Broadcaster, instanceID string, limits Limits) *Engine {
	logged, _ := lru.New[string, struct{}](256)
	return &Engine{
		store:      st,
		scopes:     scopes,
		registry:   registry,
		bus:        bus,
		limits:     limits.withDefaults(),
		instanceID: instanceID,
		log:        logging.WithComponent("engine"),
		logged:     logged,
	}
}

// Limits returns the effective request caps.
func (e *Engine) Limits() Limits { return e.limits }

// Sync executes the combined request: push first, then pull, so a
// client sees its own commit reflected in the same response.
func (e *Engine) Sync(ctx context.Context, pr *auth.Principal, partitionID string, req *SyncRequest) (*SyncResponse, error) {
	if req == nil || req.ClientID == "" {
		return nil, syncerr.Invalid("clientId is required")
	}
	if req.Push == nil && req.Pull == nil {
		return nil, syncerr.Invalid("request carries neither push nor pull")
	}

	resp := &SyncResponse{OK: true}
	if req.Push != nil {
		push, err := e.Push(ctx, pr, partitionID, req.ClientID, req.Push)
		if err != nil {
			return nil, err
		}
		resp.Push = push
	}
	if req.Pull != nil {
		pull, err := e.Pull(ctx, pr, partitionID, req.ClientID, req.Pull)
		if err != nil {
			return nil, err
		}
		resp.Pull = pull
	}
	return resp, nil
}

// Chunk fetches a stored snapshot chunk. Expired and unknown chunks
// are both not found; the caller enforces partition access.
func (e *Engine) Chunk(ctx context.Context, chunkID string) (*store.Chunk, error) {
	chunk, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, syncerr.NotFound("unknown or expired chunk %s", chunkID)
		}
		return nil, err
	}
	return chunk, nil
}

// NotifyDataChange records a synthetic commit for out-of-band table
// writes: it advances the partition's commit_seq, invalidates snapshot
// chunks for the tables, wakes every connected client and mirrors the
// wake across instances. Returns the new commit sequence.
func (e *Engine) NotifyDataChange(ctx context.Context, actorID, partitionID string, tables []string) (int64, error) {
	if len(tables) == 0 {
		return 0, syncerr.Invalid("tables is required")
	}
	if partitionID == "" {
		partitionID = DefaultPartition
	}

	res, err := e.store.AppendCommit(ctx, store.CommitInput{
		PartitionID:     partitionID,
		ActorID:         actorID,
		ClientID:        "console",
		ClientCommitID:  uuid.NewString(),
		SyntheticTables: tables,
	})
	if err != nil {
		return 0, err
	}

	if _, err := e.store.InvalidateChunks(ctx, partitionID, tables); err != nil {
		e.logOnce("invalidate-chunks", func(ev *zerolog.Event) {
			ev.Err(err).Str("partition_id", partitionID).Msg("chunk invalidation failed")
		})
	}

	e.registry.NotifyAllClients(partitionID, res.CommitSeq)
	e.publishCommit(partitionID, res.CommitSeq, nil, nil)
	return res.CommitSeq, nil
}

// DefaultPartition is the partition used when a request names none.
const DefaultPartition = "default"

// publishCommit mirrors a commit wake to other instances. Failures are
// logged once per key and never propagate.
func (e *Engine) publishCommit(partitionID string, commitSeq int64, scopeKeys, excludeClientIDs []string) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(context.Background(), realtime.Event{
		Type:             realtime.EventCommit,
		PartitionID:      partitionID,
		CommitSeq:        commitSeq,
		ScopeKeys:        scopeKeys,
		ExcludeClientIDs: excludeClientIDs,
		SourceInstanceID: e.instanceID,
	})
	if err != nil {
		e.logOnce("publish-commit", func(ev *zerolog.Event) {
			ev.Err(err).Str("partition_id", partitionID).Msg("commit broadcast failed")
		})
	}
}

func (e *Engine) logOnce(key string, fn func(*zerolog.Event)) {
	if _, dup := e.logged.Get(key); dup {
		return
	}
	e.logged.Add(key, struct{}{})
	fn(e.log.Warn())
}
