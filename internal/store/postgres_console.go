package store

import (
	"context"
	"fmt"
	"time"
)

// --- MaintenanceStore ---

func (s *Postgres) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT partition_id FROM sync_commits
		 UNION SELECT partition_id FROM sync_client_cursors
		 ORDER BY partition_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list partitions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan partition: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list partitions: %w", err)
	}
	return ids, nil
}

func (s *Postgres) MaxCommitSeqBefore(ctx context.Context, partitionID string, before time.Time) (int64, error) {
	var max int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits
		 WHERE partition_id = $1 AND created_at < $2`,
		partitionID, before,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: max commit seq before: %w", err)
	}
	return max, nil
}

// prunableWhere matches commits at or below the watermark that are not
// protected by the keep-newest window. $1 partition, $2 watermark,
// $3 keepNewest, $4 keepFrom (lowest protected seq).
const prunableWhere = `partition_id = $1 AND commit_seq <= $2 AND ($3 <= 0 OR commit_seq < $4)`

// keepFrom returns the lowest commit_seq protected by the keep-newest
// window, or 0 when the partition is empty.
func (s *Postgres) keepFrom(ctx context.Context, partitionID string, keepNewest int) (int64, error) {
	if keepNewest <= 0 {
		return 0, nil
	}
	var from int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(commit_seq), 0)
		 FROM (SELECT commit_seq FROM sync_commits WHERE partition_id = $1 ORDER BY commit_seq DESC LIMIT $2) newest`,
		partitionID, keepNewest,
	).Scan(&from)
	if err != nil {
		return 0, fmt.Errorf("store: keep-newest boundary: %w", err)
	}
	return from, nil
}

func (s *Postgres) PruneCommits(ctx context.Context, partitionID string, watermark int64, keepNewest int) (int64, int64, error) {
	from, err := s.keepFrom(ctx, partitionID, keepNewest)
	if err != nil {
		return 0, 0, err
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("store: begin prune tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Drop superseded change rows first; the newest change per
	// (table, row) survives so snapshots stay complete even after the
	// commit row is gone.
	changeTag, err := tx.Exec(ctx,
		`DELETE FROM sync_changes ch
		 WHERE ch.`+prunableWhere+`
		   AND EXISTS (
		       SELECT 1 FROM sync_changes newer
		       WHERE newer.partition_id = ch.partition_id
		         AND newer.table_name = ch.table_name
		         AND newer.row_id = ch.row_id
		         AND (newer.commit_seq > ch.commit_seq
		              OR (newer.commit_seq = ch.commit_seq AND newer.change_id > ch.change_id))
		   )`,
		partitionID, watermark, keepNewest, from)
	if err != nil {
		return 0, 0, fmt.Errorf("store: prune changes: %w", err)
	}

	commitTag, err := tx.Exec(ctx,
		`DELETE FROM sync_commits WHERE `+prunableWhere,
		partitionID, watermark, keepNewest, from)
	if err != nil {
		return 0, 0, fmt.Errorf("store: prune commits: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("store: commit prune tx: %w", err)
	}
	return commitTag.RowsAffected(), changeTag.RowsAffected(), nil
}

func (s *Postgres) CountPrunableCommits(ctx context.Context, partitionID string, watermark int64, keepNewest int) (int64, error) {
	from, err := s.keepFrom(ctx, partitionID, keepNewest)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_commits WHERE `+prunableWhere,
		partitionID, watermark, keepNewest, from,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count prunable commits: %w", err)
	}
	return n, nil
}

func (s *Postgres) CompactChanges(ctx context.Context, partitionID string, olderThan time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_changes ch
		 WHERE ch.partition_id = $1 AND ch.created_at < $2
		   AND EXISTS (
		       SELECT 1 FROM sync_changes newer
		       WHERE newer.partition_id = ch.partition_id
		         AND newer.table_name = ch.table_name
		         AND newer.row_id = ch.row_id
		         AND (newer.commit_seq > ch.commit_seq
		              OR (newer.commit_seq = ch.commit_seq AND newer.change_id > ch.change_id))
		   )`,
		partitionID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: compact changes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- StatsStore ---

func (s *Postgres) Stats(ctx context.Context, partitionID string, activeSince time.Time) (*SyncStats, error) {
	stats := &SyncStats{}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM sync_commits WHERE partition_id = $1),
		     (SELECT COUNT(*) FROM sync_changes WHERE partition_id = $1),
		     (SELECT COUNT(*) FROM sync_client_cursors WHERE partition_id = $1),
		     (SELECT COUNT(*) FROM sync_client_cursors WHERE partition_id = $1 AND updated_at >= $2),
		     (SELECT MIN(commit_seq) FROM sync_commits WHERE partition_id = $1),
		     (SELECT MAX(commit_seq) FROM sync_commits WHERE partition_id = $1),
		     (SELECT MIN(cursor) FROM sync_client_cursors WHERE partition_id = $1 AND updated_at >= $2),
		     (SELECT MAX(cursor) FROM sync_client_cursors WHERE partition_id = $1 AND updated_at >= $2)`,
		partitionID, activeSince,
	).Scan(&stats.CommitCount, &stats.ChangeCount, &stats.ClientCount, &stats.ActiveClientCount,
		&stats.MinCommitSeq, &stats.MaxCommitSeq, &stats.MinActiveCursor, &stats.MaxActiveCursor)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	return stats, nil
}

func (s *Postgres) Timeseries(ctx context.Context, partitionID string, since time.Time) ([]TimeseriesBucket, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT date_trunc('minute', created_at) AS bucket,
		        COUNT(*) FILTER (WHERE event_type = 'push'),
		        COUNT(*) FILTER (WHERE event_type = 'pull'),
		        COUNT(*) FILTER (WHERE response_status <> 'success'),
		        COALESCE(AVG(duration_ms), 0)
		 FROM sync_request_events
		 WHERE partition_id = $1 AND created_at >= $2
		 GROUP BY bucket
		 ORDER BY bucket`,
		partitionID, since)
	if err != nil {
		return nil, fmt.Errorf("store: timeseries: %w", err)
	}
	defer rows.Close()

	var out []TimeseriesBucket
	for rows.Next() {
		var b TimeseriesBucket
		if err := rows.Scan(&b.Timestamp, &b.PushCount, &b.PullCount, &b.ErrorCount, &b.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("store: scan timeseries bucket: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: timeseries: %w", err)
	}
	return out, nil
}

func (s *Postgres) LatencyStats(ctx context.Context, partitionID string, since time.Time) (*LatencyStats, error) {
	stats := &LatencyStats{}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY duration_ms), 0),
		        COALESCE(percentile_cont(0.90) WITHIN GROUP (ORDER BY duration_ms), 0),
		        COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms), 0)
		 FROM sync_request_events
		 WHERE partition_id = $1 AND created_at >= $2`,
		partitionID, since,
	).Scan(&stats.SampleCount, &stats.P50Ms, &stats.P90Ms, &stats.P99Ms)
	if err != nil {
		return nil, fmt.Errorf("store: latency stats: %w", err)
	}
	return stats, nil
}

func (s *Postgres) Timeline(ctx context.Context, opt ListOptions) ([]TimelineItem, int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM sync_commits WHERE ($1 = '' OR partition_id = $1))
		      + (SELECT COUNT(*) FROM sync_request_events WHERE ($1 = '' OR partition_id = $1))
		      + (SELECT COUNT(*) FROM sync_operation_events WHERE ($1 = '' OR partition_id = $1))`,
		opt.PartitionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: timeline total: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT item_type, local_id, ts, actor_id, client_id, summary FROM (
		     SELECT 'commit' AS item_type, commit_seq AS local_id, created_at AS ts, actor_id, client_id,
		            change_count::TEXT || ' changes: ' || array_to_string(affected_tables, ', ') AS summary
		     FROM sync_commits WHERE ($1 = '' OR partition_id = $1)
		     UNION ALL
		     SELECT 'event', event_id, created_at, actor_id, client_id, event_type || ' ' || response_status
		     FROM sync_request_events WHERE ($1 = '' OR partition_id = $1)
		     UNION ALL
		     SELECT 'operation', operation_id, created_at, '', target_client_id, operation_type
		     FROM sync_operation_events WHERE ($1 = '' OR partition_id = $1)
		 ) items
		 ORDER BY ts DESC, local_id DESC
		 LIMIT NULLIF($2, 0) OFFSET $3`,
		opt.PartitionID, opt.Limit, opt.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineItem
	for rows.Next() {
		var it TimelineItem
		var localID int64
		if err := rows.Scan(&it.ItemType, &localID, &it.Timestamp, &it.ActorID, &it.ClientID, &it.Summary); err != nil {
			return nil, 0, fmt.Errorf("store: scan timeline item: %w", err)
		}
		it.LocalID = fmt.Sprintf("%d", localID)
		id := localID
		switch it.ItemType {
		case TimelineCommit:
			it.CommitSeq = &id
		case TimelineEvent:
			it.EventID = &id
		case TimelineOperation:
			it.OperationID = &id
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: timeline: %w", err)
	}
	return out, total, nil
}
