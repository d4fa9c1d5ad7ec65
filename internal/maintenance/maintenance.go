// Package maintenance runs the storage housekeeping tasks: commit
// pruning behind a cursor watermark, superseded-change compaction, and
// event retention. Tasks are safe to trigger from the request path;
// concurrent triggers of the same task coalesce into one run.
package maintenance

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/store"
)

// Config bounds what each task touches. Zero fields take the defaults.
type Config struct {
	// Interval is the minimum time between traffic-triggered passes.
	Interval time.Duration

	// CursorActiveWindow decides which client cursors count as active
	// when computing the prune watermark.
	CursorActiveWindow time.Duration

	// FallbackMaxAge prunes by age when no cursor is active, so a
	// partition whose clients all disappeared does not retain forever.
	FallbackMaxAge time.Duration

	// KeepNewestCommits are never pruned regardless of the watermark.
	// Negative disables the protection.
	KeepNewestCommits int

	// FullHistory is how long superseded per-row history survives
	// before compaction drops it.
	FullHistory time.Duration

	RequestEventsMaxAge    time.Duration
	RequestEventsMaxRows   int
	OperationEventsMaxAge  time.Duration
	OperationEventsMaxRows int
}

// DefaultConfig returns the documented retention defaults.
func DefaultConfig() Config {
	return Config{
		Interval:               5 * time.Minute,
		CursorActiveWindow:     24 * time.Hour,
		FallbackMaxAge:         30 * 24 * time.Hour,
		KeepNewestCommits:      1000,
		FullHistory:            168 * time.Hour,
		RequestEventsMaxAge:    7 * 24 * time.Hour,
		RequestEventsMaxRows:   10000,
		OperationEventsMaxAge:  30 * 24 * time.Hour,
		OperationEventsMaxRows: 5000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.CursorActiveWindow <= 0 {
		c.CursorActiveWindow = d.CursorActiveWindow
	}
	if c.FallbackMaxAge <= 0 {
		c.FallbackMaxAge = d.FallbackMaxAge
	}
	if c.KeepNewestCommits == 0 {
		c.KeepNewestCommits = d.KeepNewestCommits
	}
	if c.FullHistory <= 0 {
		c.FullHistory = d.FullHistory
	}
	if c.RequestEventsMaxAge <= 0 {
		c.RequestEventsMaxAge = d.RequestEventsMaxAge
	}
	if c.RequestEventsMaxRows <= 0 {
		c.RequestEventsMaxRows = d.RequestEventsMaxRows
	}
	if c.OperationEventsMaxAge <= 0 {
		c.OperationEventsMaxAge = d.OperationEventsMaxAge
	}
	if c.OperationEventsMaxRows <= 0 {
		c.OperationEventsMaxRows = d.OperationEventsMaxRows
	}
	return c
}

// Runner executes the maintenance tasks.
type Runner struct {
	store   store.Store
	cfg     Config
	log     zerolog.Logger
	group   singleflight.Group
	lastRun atomic.Int64
}

// New wires a runner. The zero Config takes all defaults.
func New(st store.Store, cfg Config) *Runner {
	return &Runner{
		store: st,
		cfg:   cfg.withDefaults(),
		log:   logging.WithComponent("maintenance"),
	}
}

// Config returns the effective settings.
func (r *Runner) Config() Config { return r.cfg }

// Poke schedules a full background pass if the interval has elapsed
// since the last one. It returns immediately; the request path calls it
// after writes.
func (r *Runner) Poke() {
	now := time.Now().UnixNano()
	last := r.lastRun.Load()
	if now-last < r.cfg.Interval.Nanoseconds() {
		return
	}
	if !r.lastRun.CompareAndSwap(last, now) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		r.RunAll(ctx, "scheduler")
	}()
}

// RunAll prunes and compacts every partition, then applies event
// retention. Task failures are logged and do not stop the pass.
func (r *Runner) RunAll(ctx context.Context, requestedBy string) {
	partitions, err := r.store.Partitions(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("partition scan failed")
		return
	}
	for _, p := range partitions {
		if _, err := r.Prune(ctx, p, requestedBy); err != nil {
			r.log.Warn().Err(err).Str("partition_id", p).Msg("prune failed")
		}
		if _, err := r.Compact(ctx, p, requestedBy); err != nil {
			r.log.Warn().Err(err).Str("partition_id", p).Msg("compact failed")
		}
	}
	if _, err := r.Retention(ctx, requestedBy); err != nil {
		r.log.Warn().Err(err).Msg("event retention failed")
	}
}

// PruneResult reports one prune run.
type PruneResult struct {
	PartitionID        string `json:"partitionId"`
	WatermarkCommitSeq int64  `json:"watermarkCommitSeq"`
	CommitsDeleted     int64  `json:"commitsDeleted"`
	ChangesDeleted     int64  `json:"changesDeleted"`
}

// PrunePreview is Prune without the deleting.
type PrunePreview struct {
	PartitionID        string `json:"partitionId"`
	WatermarkCommitSeq int64  `json:"watermarkCommitSeq"`
	CommitsToDelete    int64  `json:"commitsToDelete"`
}

// watermark is the highest commit_seq safe to prune: the minimum cursor
// across recently active clients, or, when none is active, the newest
// commit older than the fallback age.
func (r *Runner) watermark(ctx context.Context, partitionID string) (int64, error) {
	now := time.Now().UTC()
	min, err := r.store.MinActiveCursor(ctx, partitionID, now.Add(-r.cfg.CursorActiveWindow))
	if err != nil {
		return 0, err
	}
	if min != nil {
		return *min, nil
	}
	return r.store.MaxCommitSeqBefore(ctx, partitionID, now.Add(-r.cfg.FallbackMaxAge))
}

// Prune deletes commits at or below the watermark. Concurrent calls for
// the same partition share one run.
func (r *Runner) Prune(ctx context.Context, partitionID, requestedBy string) (*PruneResult, error) {
	v, err, _ := r.group.Do("prune/"+partitionID, func() (any, error) {
		w, err := r.watermark(ctx, partitionID)
		if err != nil {
			return nil, err
		}
		commits, changes, err := r.store.PruneCommits(ctx, partitionID, w, r.cfg.KeepNewestCommits)
		if err != nil {
			return nil, err
		}
		res := &PruneResult{
			PartitionID:        partitionID,
			WatermarkCommitSeq: w,
			CommitsDeleted:     commits,
			ChangesDeleted:     changes,
		}
		metrics.PrunedCommits.Add(float64(commits))
		r.audit(ctx, store.OperationPrune, partitionID, requestedBy, res)
		if commits > 0 {
			r.log.Info().Str("partition_id", partitionID).Int64("watermark", w).
				Int64("commits", commits).Int64("changes", changes).Msg("pruned commits")
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PruneResult), nil
}

// PrunePreviewFor reports what Prune would delete without mutating.
func (r *Runner) PrunePreviewFor(ctx context.Context, partitionID string) (*PrunePreview, error) {
	w, err := r.watermark(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	count, err := r.store.CountPrunableCommits(ctx, partitionID, w, r.cfg.KeepNewestCommits)
	if err != nil {
		return nil, err
	}
	return &PrunePreview{PartitionID: partitionID, WatermarkCommitSeq: w, CommitsToDelete: count}, nil
}

// CompactResult reports one compaction run.
type CompactResult struct {
	PartitionID    string `json:"partitionId"`
	ChangesDeleted int64  `json:"changesDeleted"`
}

// Compact drops superseded per-row history older than the full-history
// window.
func (r *Runner) Compact(ctx context.Context, partitionID, requestedBy string) (*CompactResult, error) {
	v, err, _ := r.group.Do("compact/"+partitionID, func() (any, error) {
		cutoff := time.Now().UTC().Add(-r.cfg.FullHistory)
		n, err := r.store.CompactChanges(ctx, partitionID, cutoff)
		if err != nil {
			return nil, err
		}
		res := &CompactResult{PartitionID: partitionID, ChangesDeleted: n}
		metrics.CompactedChanges.Add(float64(n))
		r.audit(ctx, store.OperationCompact, partitionID, requestedBy, res)
		if n > 0 {
			r.log.Info().Str("partition_id", partitionID).Int64("changes", n).Msg("compacted changes")
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompactResult), nil
}

// RetentionResult reports one retention sweep.
type RetentionResult struct {
	RequestEventsDeleted   int64 `json:"requestEventsDeleted"`
	OperationEventsDeleted int64 `json:"operationEventsDeleted"`
	PayloadsDeleted        int64 `json:"payloadsDeleted"`
	ChunksDeleted          int64 `json:"chunksDeleted"`
}

// Retention ages out request events, operation events, orphan payload
// snapshots and expired chunks.
func (r *Runner) Retention(ctx context.Context, requestedBy string) (*RetentionResult, error) {
	v, err, _ := r.group.Do("retention", func() (any, error) {
		now := time.Now().UTC()
		res := &RetentionResult{}

		n, err := r.store.PruneRequestEvents(ctx, now.Add(-r.cfg.RequestEventsMaxAge), r.cfg.RequestEventsMaxRows)
		if err != nil {
			return nil, err
		}
		res.RequestEventsDeleted = n

		n, err = r.store.PruneOperationEvents(ctx, now.Add(-r.cfg.OperationEventsMaxAge), r.cfg.OperationEventsMaxRows)
		if err != nil {
			return nil, err
		}
		res.OperationEventsDeleted = n

		n, err = r.store.DeleteOrphanPayloads(ctx)
		if err != nil {
			return nil, err
		}
		res.PayloadsDeleted = n

		n, err = r.store.DeleteExpiredChunks(ctx, now)
		if err != nil {
			return nil, err
		}
		res.ChunksDeleted = n

		r.audit(ctx, store.OperationRetention, "", requestedBy, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RetentionResult), nil
}

// audit appends the operation event every run leaves behind. Failures
// are logged, never surfaced.
func (r *Runner) audit(ctx context.Context, opType, partitionID, requestedBy string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = nil
	}
	_, err = r.store.InsertOperationEvent(ctx, &store.OperationEvent{
		OperationType: opType,
		ConsoleUserID: requestedBy,
		PartitionID:   partitionID,
		ResultPayload: payload,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn().Err(err).Str("operation", opType).Msg("operation audit failed")
	}
}
