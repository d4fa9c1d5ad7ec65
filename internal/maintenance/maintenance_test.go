package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular/internal/store"
)

func seedCommit(t *testing.T, mem *store.Memory, partitionID, clientID, commitID string, createdAt time.Time, rowIDs ...string) int64 {
	t.Helper()
	ops := make([]store.ChangeInput, len(rowIDs))
	for i, rowID := range rowIDs {
		ops[i] = store.ChangeInput{
			Table:     "tasks",
			RowID:     rowID,
			Op:        store.OpUpsert,
			Row:       []byte(`{"user_id":"u1"}`),
			Scopes:    map[string]any{"user_id": "u1"},
			ScopeKeys: []string{"user:u1"},
		}
	}
	res, err := mem.AppendCommit(context.Background(), store.CommitInput{
		PartitionID:    partitionID,
		ActorID:        "u1",
		ClientID:       clientID,
		ClientCommitID: commitID,
		Operations:     ops,
		CreatedAt:      createdAt,
	})
	require.NoError(t, err)
	return res.CommitSeq
}

func operationEventCount(t *testing.T, mem *store.Memory, opType string) int {
	t.Helper()
	events, _, err := mem.ListOperationEvents(context.Background(), store.ListOptions{Limit: 1000})
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.OperationType == opType {
			n++
		}
	}
	return n
}

func TestPruneUsesActiveCursorWatermark(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		seedCommit(t, mem, "default", "c1", fmt.Sprintf("cc-%d", i), now, fmt.Sprintf("t%d", i))
	}
	// The pusher has read up to 3; everything at or below is fair game.
	require.NoError(t, mem.UpsertCursor(ctx, store.Cursor{
		PartitionID: "default", ClientID: "c1", ActorID: "u1", Cursor: 3, UpdatedAt: now,
	}))

	r := New(mem, Config{KeepNewestCommits: -1})
	res, err := r.Prune(ctx, "default", "console-admin")
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.WatermarkCommitSeq)
	assert.Equal(t, int64(3), res.CommitsDeleted)

	min, err := mem.MinCommitSeq(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(4), min)

	assert.Equal(t, 1, operationEventCount(t, mem, store.OperationPrune), "every run leaves an audit row")
}

func TestPruneFallsBackToAgeWithoutActiveCursors(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	// All traffic is stale: three commits well past the fallback age and
	// one recent enough to survive it. No cursor is active.
	old := now.Add(-40 * 24 * time.Hour)
	for i := 1; i <= 3; i++ {
		seedCommit(t, mem, "default", "c1", fmt.Sprintf("cc-%d", i), old, fmt.Sprintf("t%d", i))
	}
	seedCommit(t, mem, "default", "c1", "cc-4", now.Add(-25*time.Hour), "t4")

	r := New(mem, Config{KeepNewestCommits: -1})
	res, err := r.Prune(ctx, "default", "scheduler")
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.WatermarkCommitSeq)
	assert.Equal(t, int64(3), res.CommitsDeleted)

	min, err := mem.MinCommitSeq(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(4), min)
}

func TestPruneProtectsActiveZeroCursor(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	seedCommit(t, mem, "default", "c1", "cc-1", now, "t1")

	// The push touched c1's cursor at 0: the client has seen nothing
	// yet, so nothing may be pruned however old it gets.
	r := New(mem, Config{KeepNewestCommits: -1})
	res, err := r.Prune(ctx, "default", "scheduler")
	require.NoError(t, err)

	assert.Zero(t, res.WatermarkCommitSeq)
	assert.Zero(t, res.CommitsDeleted)
}

func TestPruneKeepsNewestWindow(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		seedCommit(t, mem, "default", "c1", fmt.Sprintf("cc-%d", i), now, fmt.Sprintf("t%d", i))
	}
	require.NoError(t, mem.UpsertCursor(ctx, store.Cursor{
		PartitionID: "default", ClientID: "c1", ActorID: "u1", Cursor: 5, UpdatedAt: now,
	}))

	r := New(mem, Config{KeepNewestCommits: 2})
	res, err := r.Prune(ctx, "default", "console-admin")
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.WatermarkCommitSeq)
	assert.Equal(t, int64(3), res.CommitsDeleted, "the newest two stay despite the watermark")

	min, err := mem.MinCommitSeq(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(4), min)
}

func TestPrunePreviewDoesNotMutate(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		seedCommit(t, mem, "default", "c1", fmt.Sprintf("cc-%d", i), now, fmt.Sprintf("t%d", i))
	}
	require.NoError(t, mem.UpsertCursor(ctx, store.Cursor{
		PartitionID: "default", ClientID: "c1", ActorID: "u1", Cursor: 3, UpdatedAt: now,
	}))

	r := New(mem, Config{KeepNewestCommits: -1})
	preview, err := r.PrunePreviewFor(ctx, "default")
	require.NoError(t, err)

	assert.Equal(t, int64(3), preview.WatermarkCommitSeq)
	assert.Equal(t, int64(3), preview.CommitsToDelete)

	min, err := mem.MinCommitSeq(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), min, "preview must not delete")
}

func TestCompactDropsSupersededHistory(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-2 * time.Hour)
	seedCommit(t, mem, "default", "c1", "cc-1", old, "t1")
	seedCommit(t, mem, "default", "c1", "cc-2", old, "t1")
	seedCommit(t, mem, "default", "c1", "cc-3", now, "t1")

	r := New(mem, Config{FullHistory: time.Hour})
	res, err := r.Compact(ctx, "default", "scheduler")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ChangesDeleted)

	rows, err := mem.SnapshotRows(ctx, store.SnapshotQuery{
		PartitionID: "default", Table: "tasks", AtSeq: 3, MatchAll: true, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1, "the latest row state survives compaction")
	assert.Equal(t, int64(3), rows[0].RowVersion)

	assert.Equal(t, 1, operationEventCount(t, mem, store.OperationCompact))
}

func TestRetentionSweep(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := mem.InsertRequestEvent(ctx, &store.RequestEvent{
		PartitionID: "default", EventType: store.EventTypePush, Outcome: store.OutcomeApplied,
		ResponseStatus: store.ResponseSuccess, CreatedAt: now.Add(-8 * 24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = mem.InsertRequestEvent(ctx, &store.RequestEvent{
		PartitionID: "default", EventType: store.EventTypePush, Outcome: store.OutcomeApplied,
		ResponseStatus: store.ResponseSuccess, PayloadRef: "ref-live", CreatedAt: now,
	})
	require.NoError(t, err)

	_, err = mem.InsertOperationEvent(ctx, &store.OperationEvent{
		OperationType: store.OperationPrune, CreatedAt: now.Add(-31 * 24 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, mem.InsertPayloadSnapshot(ctx, &store.PayloadSnapshot{
		PayloadRef: "ref-live", PartitionID: "default", CreatedAt: now,
	}))
	require.NoError(t, mem.InsertPayloadSnapshot(ctx, &store.PayloadSnapshot{
		PayloadRef: "ref-orphan", PartitionID: "default", CreatedAt: now,
	}))

	require.NoError(t, mem.PutChunk(ctx, &store.Chunk{
		ChunkID: "chunk-dead", PartitionID: "default", Table: "tasks", ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, mem.PutChunk(ctx, &store.Chunk{
		ChunkID: "chunk-live", PartitionID: "default", Table: "tasks", ExpiresAt: now.Add(time.Hour),
	}))

	r := New(mem, Config{})
	res, err := r.Retention(ctx, "scheduler")
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.RequestEventsDeleted)
	assert.Equal(t, int64(1), res.OperationEventsDeleted)
	assert.Equal(t, int64(1), res.PayloadsDeleted)
	assert.Equal(t, int64(1), res.ChunksDeleted)

	_, err = mem.GetPayloadSnapshot(ctx, "ref-live")
	assert.NoError(t, err, "referenced payloads survive")
	_, err = mem.GetPayloadSnapshot(ctx, "ref-orphan")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = mem.GetChunk(ctx, "chunk-live")
	assert.NoError(t, err)

	assert.Equal(t, 1, operationEventCount(t, mem, store.OperationRetention))
}

func TestRunAllSweepsEveryPartition(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, p := range []string{"p1", "p2"} {
		seedCommit(t, mem, p, "c1", "cc-1", now, "t1")
		seedCommit(t, mem, p, "c1", "cc-2", now, "t2")
		require.NoError(t, mem.UpsertCursor(ctx, store.Cursor{
			PartitionID: p, ClientID: "c1", ActorID: "u1", Cursor: 2, UpdatedAt: now,
		}))
	}

	r := New(mem, Config{KeepNewestCommits: -1})
	r.RunAll(ctx, "scheduler")

	for _, p := range []string{"p1", "p2"} {
		min, err := mem.MinCommitSeq(ctx, p)
		require.NoError(t, err)
		assert.Zero(t, min, "partition %s fully pruned", p)
	}
	assert.Equal(t, 2, operationEventCount(t, mem, store.OperationPrune))
	assert.Equal(t, 2, operationEventCount(t, mem, store.OperationCompact))
	assert.Equal(t, 1, operationEventCount(t, mem, store.OperationRetention))
}

func TestPokeCoalescesWithinInterval(t *testing.T) {
	mem := store.NewMemory()
	r := New(mem, Config{Interval: time.Hour})

	r.Poke()
	r.Poke()

	assert.Eventually(t, func() bool {
		return operationEventCount(t, mem, store.OperationRetention) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return operationEventCount(t, mem, store.OperationRetention) > 1
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 24*time.Hour, cfg.CursorActiveWindow)
	assert.Equal(t, 1000, cfg.KeepNewestCommits)
	assert.Equal(t, 168*time.Hour, cfg.FullHistory)
	assert.Equal(t, 10000, cfg.RequestEventsMaxRows)
	assert.Equal(t, 5000, cfg.OperationEventsMaxRows)

	custom := Config{KeepNewestCommits: -1, Interval: time.Second}.withDefaults()
	assert.Equal(t, -1, custom.KeepNewestCommits, "negative disables the keep-newest window")
	assert.Equal(t, time.Second, custom.Interval)
}
