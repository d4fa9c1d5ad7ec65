// Package store defines the typed storage gateway for the sync core:
// the commit log, change log, client cursors, snapshot chunks, request
// events, payload snapshots, operation audit, and API keys. Two
// implementations exist: Postgres for production and Memory for tests
// and single-process development.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrActorMismatch = errors.New("store: client is bound to a different actor")
)

// CommitInput describes one commit to append. SyntheticTables marks an
// operation-less commit created by an external data change notification.
type CommitInput struct {
	PartitionID     string
	ActorID         string
	ClientID        string
	ClientCommitID  string
	Operations      []ChangeInput
	SyntheticTables []string
	CreatedAt       time.Time // zero means now
}

// ChangeInput is one row mutation to write. RowVersion, when set, is an
// optimistic precondition against the row's current version. Scopes and
// ScopeKeys are resolved by the caller; deletes may leave both empty to
// inherit the previous change's scopes.
type ChangeInput struct {
	Table      string
	RowID      string
	Op         string
	Row        json.RawMessage
	RowVersion *int64
	Scopes     map[string]any
	ScopeKeys  []string
}

// Conflict reports a violated row_version precondition.
type Conflict struct {
	OpIndex  int    `json:"opIndex"`
	Table    string `json:"table"`
	RowID    string `json:"rowId"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// CommitResult is the outcome of AppendCommit. When Conflicts is
// non-empty nothing was written. Replayed marks an idempotent replay of
// a previously applied commit.
type CommitResult struct {
	CommitSeq      int64
	Replayed       bool
	CreatedAt      time.Time
	AffectedTables []string
	ScopeKeys      []string
	Changes        []Change
	Conflicts      []Conflict
}

// ChangeFilter selects commits for an incremental pull.
type ChangeFilter struct {
	PartitionID string
	Table       string
	After       int64
	ScopeKeys   []string
	MatchAll    bool
	Limit       int
}

// CommitWithChanges pairs a commit with its (filtered) changes.
type CommitWithChanges struct {
	Commit  Commit
	Changes []Change
}

// SnapshotQuery selects the latest row states for a bootstrap page.
// Rows are keyed and paged by RowID.
type SnapshotQuery struct {
	PartitionID string
	Table       string
	AtSeq       int64
	AfterRowID  string
	Limit       int
	ScopeKeys   []string
	MatchAll    bool
}

// ListOptions is shared pagination for console list endpoints. An empty
// PartitionID selects all partitions.
type ListOptions struct {
	PartitionID string
	Limit       int
	Offset      int
}

// EventFilter narrows request-event listings.
type EventFilter struct {
	PartitionID string
	EventType   string
	ClientID    string
	ActorID     string
	Outcome     string
	Limit       int
	Offset      int
}

// CommitStore is the commit and change log.
type CommitStore interface {
	// AppendCommit applies one commit atomically: idempotency lookup,
	// sequence assignment, commit and change rows, cursor touch. A
	// serializable transaction; transient faults retry once.
	AppendCommit(ctx context.Context, in CommitInput) (*CommitResult, error)

	// CommitsAfter returns up to Limit commits newer than After whose
	// changes on the filtered table intersect the scope keys. Changes in
	// the result are themselves filtered to the intersection.
	CommitsAfter(ctx context.Context, f ChangeFilter) ([]CommitWithChanges, error)

	// SnapshotRows returns the latest non-deleted row states at AtSeq,
	// ordered by RowID, for bootstrap chunk generation.
	SnapshotRows(ctx context.Context, q SnapshotQuery) ([]Change, error)

	GetCommit(ctx context.Context, partitionID string, seq int64) (*Commit, []Change, error)
	ListCommits(ctx context.Context, opt ListOptions) ([]Commit, int, error)
	MaxCommitSeq(ctx context.Context, partitionID string) (int64, error)
	MinCommitSeq(ctx context.Context, partitionID string) (int64, error)

	// ScopeKeysForCommit resolves the scope keys a commit touched, used
	// when a cross-instance event arrives without them.
	ScopeKeysForCommit(ctx context.Context, partitionID string, seq int64) ([]string, error)
}

// CursorStore tracks per-client cursors.
type CursorStore interface {
	GetCursor(ctx context.Context, partitionID, clientID string) (*Cursor, error)

	// UpsertCursor creates or advances a cursor. Regressions are
	// ignored; a differing ActorID returns ErrActorMismatch.
	UpsertCursor(ctx context.Context, cur Cursor) error

	ListCursors(ctx context.Context, opt ListOptions) ([]Cursor, int, error)
	DeleteCursor(ctx context.Context, partitionID, clientID string) error

	// MinActiveCursor returns the smallest cursor among clients updated
	// since the given time, or nil when none are active.
	MinActiveCursor(ctx context.Context, partitionID string, since time.Time) (*int64, error)
}

// ChunkStore holds bootstrap snapshot chunks.
type ChunkStore interface {
	PutChunk(ctx context.Context, chunk *Chunk) error

	// GetChunk returns ErrNotFound for unknown and expired chunks alike.
	GetChunk(ctx context.Context, chunkID string) (*Chunk, error)

	DeleteExpiredChunks(ctx context.Context, now time.Time) (int64, error)

	// InvalidateChunks drops chunks for the given tables so resumed
	// bootstraps restart against fresh data.
	InvalidateChunks(ctx context.Context, partitionID string, tables []string) (int64, error)
}

// EventStore is the request-event log and its payload snapshots.
type EventStore interface {
	InsertRequestEvent(ctx context.Context, ev *RequestEvent) (int64, error)
	GetRequestEvent(ctx context.Context, eventID int64) (*RequestEvent, error)
	ListRequestEvents(ctx context.Context, f EventFilter) ([]RequestEvent, int, error)
	DeleteRequestEvents(ctx context.Context, partitionID string) (int64, error)

	// PruneRequestEvents deletes events older than the cutoff, then trims
	// the remainder to maxRows newest. Returns the number deleted.
	PruneRequestEvents(ctx context.Context, olderThan time.Time, maxRows int) (int64, error)

	InsertPayloadSnapshot(ctx context.Context, p *PayloadSnapshot) error
	GetPayloadSnapshot(ctx context.Context, payloadRef string) (*PayloadSnapshot, error)
	DeleteOrphanPayloads(ctx context.Context) (int64, error)
}

// OperationStore is the operation audit log.
type OperationStore interface {
	InsertOperationEvent(ctx context.Context, op *OperationEvent) (int64, error)
	GetOperationEvent(ctx context.Context, operationID int64) (*OperationEvent, error)
	ListOperationEvents(ctx context.Context, opt ListOptions) ([]OperationEvent, int, error)
	PruneOperationEvents(ctx context.Context, olderThan time.Time, maxRows int) (int64, error)
}

// APIKeyStore holds server credentials.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	UpdateAPIKeySecret(ctx context.Context, keyID, keyHash, keyPrefix string) error
	SetAPIKeyExpiry(ctx context.Context, keyID string, expiresAt time.Time) error
	RevokeAPIKey(ctx context.Context, keyID string, at time.Time) error
	TouchAPIKey(ctx context.Context, keyID string, at time.Time) error
}

// MaintenanceStore backs prune and compact.
type MaintenanceStore interface {
	// Partitions lists every partition that holds commits or cursors.
	Partitions(ctx context.Context) ([]string, error)

	// MaxCommitSeqBefore returns the highest commit_seq created before
	// the cutoff, or 0 when none is that old. Used for the prune
	// fallback when no cursor is active.
	MaxCommitSeqBefore(ctx context.Context, partitionID string, before time.Time) (int64, error)

	// PruneCommits deletes commits at or below the watermark, always
	// keeping the keepNewest most recent. Superseded changes of pruned
	// commits go with them; each row's latest change survives so
	// bootstrap snapshots stay complete.
	PruneCommits(ctx context.Context, partitionID string, watermark int64, keepNewest int) (commits, changes int64, err error)

	// CountPrunableCommits previews PruneCommits without mutating.
	CountPrunableCommits(ctx context.Context, partitionID string, watermark int64, keepNewest int) (int64, error)

	// CompactChanges drops superseded per-row history older than the
	// cutoff, keeping the latest change per (table, row).
	CompactChanges(ctx context.Context, partitionID string, olderThan time.Time) (int64, error)
}

// StatsStore serves the console's aggregate views.
type StatsStore interface {
	Stats(ctx context.Context, partitionID string, activeSince time.Time) (*SyncStats, error)
	Timeseries(ctx context.Context, partitionID string, since time.Time) ([]TimeseriesBucket, error)
	LatencyStats(ctx context.Context, partitionID string, since time.Time) (*LatencyStats, error)
	Timeline(ctx context.Context, opt ListOptions) ([]TimelineItem, int, error)
}

// Store is the full storage gateway.
type Store interface {
	CommitStore
	CursorStore
	ChunkStore
	EventStore
	OperationStore
	APIKeyStore
	MaintenanceStore
	StatsStore

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	Close()
}
