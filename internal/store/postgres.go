package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/syncular/syncular/internal/database"
)

// Postgres implements Store on top of the shared connection pool.
type Postgres struct {
	db *database.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// Close shuts down the underlying pool.
func (s *Postgres) Close() {
	s.db.Close()
}

// Ping checks pool health for the liveness endpoint.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// retryable reports whether a transaction is worth one more attempt:
// serialization failures, deadlocks, and unique-index races between
// concurrent pushes of the same commit.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

// --- CommitStore ---

func (s *Postgres) AppendCommit(ctx context.Context, in CommitInput) (*CommitResult, error) {
	res, err := s.appendCommitTx(ctx, in)
	if err != nil && retryable(err) {
		res, err = s.appendCommitTx(ctx, in)
	}
	return res, err
}

func (s *Postgres) appendCommitTx(ctx context.Context, in CommitInput) (*CommitResult, error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("store: begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Replay: the same (client, commit) returns the original result.
	prior := &CommitResult{Replayed: true}
	err = tx.QueryRow(ctx,
		`SELECT commit_seq, created_at, affected_tables
		 FROM sync_commits
		 WHERE partition_id = $1 AND client_id = $2 AND client_commit_id = $3`,
		in.PartitionID, in.ClientID, in.ClientCommitID,
	).Scan(&prior.CommitSeq, &prior.CreatedAt, &prior.AffectedTables)
	if err == nil {
		return prior, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: replay lookup: %w", err)
	}

	// Client ids stay bound to the actor that first used them.
	var boundActor string
	err = tx.QueryRow(ctx,
		`SELECT actor_id FROM sync_client_cursors WHERE partition_id = $1 AND client_id = $2`,
		in.PartitionID, in.ClientID,
	).Scan(&boundActor)
	if err == nil && boundActor != in.ActorID {
		return nil, fmt.Errorf("%w: client %s", ErrActorMismatch, in.ClientID)
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: actor lookup: %w", err)
	}

	now := in.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) + 1 FROM sync_commits WHERE partition_id = $1`,
		in.PartitionID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("store: next commit seq: %w", err)
	}

	changes := make([]Change, 0, len(in.Operations))
	var conflicts []Conflict
	tables := make(map[string]struct{})
	keys := make(map[string]struct{})

	for i, op := range in.Operations {
		var current int64
		var prevScopes map[string]any
		var prevKeys []string
		err := tx.QueryRow(ctx,
			`SELECT row_version, scopes, scope_keys
			 FROM sync_changes
			 WHERE partition_id = $1 AND table_name = $2 AND row_id = $3
			 ORDER BY commit_seq DESC, change_id DESC
			 LIMIT 1`,
			in.PartitionID, op.Table, op.RowID,
		).Scan(&current, &prevScopes, &prevKeys)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: row version lookup: %w", err)
		}

		if op.RowVersion != nil && *op.RowVersion != current {
			conflicts = append(conflicts, Conflict{
				OpIndex:  i,
				Table:    op.Table,
				RowID:    op.RowID,
				Expected: *op.RowVersion,
				Actual:   current,
			})
			continue
		}

		scopes := op.Scopes
		scopeKeys := op.ScopeKeys
		if op.Op == OpDelete && len(scopeKeys) == 0 && current > 0 {
			scopes = prevScopes
			scopeKeys = prevKeys
		}
		if scopes == nil {
			scopes = map[string]any{}
		}
		if scopeKeys == nil {
			scopeKeys = []string{}
		}

		ch := Change{
			CommitSeq:  seq,
			ChangeID:   i,
			Table:      op.Table,
			RowID:      op.RowID,
			Op:         op.Op,
			Row:        op.Row,
			RowVersion: current + 1,
			Scopes:     scopes,
			ScopeKeys:  scopeKeys,
			CreatedAt:  now,
		}
		// Insert now so later operations in this batch see the row.
		// The deferred rollback discards everything if a conflict
		// surfaces further down.
		if _, err := tx.Exec(ctx,
			`INSERT INTO sync_changes
			 (partition_id, commit_seq, change_id, table_name, row_id, op, row_json, row_version, scopes, scope_keys, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			in.PartitionID, seq, i, op.Table, op.RowID, op.Op, op.Row, current+1, scopes, scopeKeys, now,
		); err != nil {
			return nil, fmt.Errorf("store: insert change: %w", err)
		}
		changes = append(changes, ch)
		tables[op.Table] = struct{}{}
		for _, k := range scopeKeys {
			keys[k] = struct{}{}
		}
	}

	if len(conflicts) > 0 {
		return &CommitResult{Conflicts: conflicts}, nil
	}

	affected := sortedSet(tables)
	if len(in.SyntheticTables) > 0 {
		affected = dedupeSorted(in.SyntheticTables)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO sync_commits
		 (partition_id, commit_seq, actor_id, client_id, client_commit_id, change_count, affected_tables, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.PartitionID, seq, in.ActorID, in.ClientID, in.ClientCommitID, len(changes), affected, now,
	); err != nil {
		return nil, fmt.Errorf("store: insert commit: %w", err)
	}

	// Touch the cursor so the prune watermark counts this client as
	// active. The cursor value itself never moves on push.
	if _, err := tx.Exec(ctx,
		`INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, cursor, effective_scopes, updated_at)
		 VALUES ($1, $2, $3, 0, '{}', $4)
		 ON CONFLICT (partition_id, client_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		in.PartitionID, in.ClientID, in.ActorID, now,
	); err != nil {
		return nil, fmt.Errorf("store: touch cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit tx: %w", err)
	}

	return &CommitResult{
		CommitSeq:      seq,
		CreatedAt:      now,
		AffectedTables: affected,
		ScopeKeys:      sortedSet(keys),
		Changes:        changes,
	}, nil
}

func scanChange(row pgx.Row, ch *Change) error {
	return row.Scan(&ch.CommitSeq, &ch.ChangeID, &ch.Table, &ch.RowID, &ch.Op,
		&ch.Row, &ch.RowVersion, &ch.Scopes, &ch.ScopeKeys, &ch.CreatedAt)
}

const changeColumns = `commit_seq, change_id, table_name, row_id, op, row_json, row_version, scopes, scope_keys, created_at`

func (s *Postgres) CommitsAfter(ctx context.Context, f ChangeFilter) ([]CommitWithChanges, error) {
	rows, err := s.db.Pool.Query(ctx,
		`WITH matched AS (
		     SELECT commit_seq
		     FROM sync_changes
		     WHERE partition_id = $1 AND table_name = $2 AND commit_seq > $3
		       AND ($4 OR scope_keys && $5)
		     GROUP BY commit_seq
		     ORDER BY commit_seq
		     LIMIT NULLIF($6, 0)
		 )
		 SELECT co.commit_seq, co.actor_id, co.client_id, co.client_commit_id, co.change_count, co.affected_tables, co.created_at,
		        ch.change_id, ch.table_name, ch.row_id, ch.op, ch.row_json, ch.row_version, ch.scopes, ch.scope_keys, ch.created_at
		 FROM matched m
		 JOIN sync_commits co ON co.partition_id = $1 AND co.commit_seq = m.commit_seq
		 JOIN sync_changes ch ON ch.partition_id = $1 AND ch.commit_seq = m.commit_seq
		 WHERE ch.table_name = $2 AND ($4 OR ch.scope_keys && $5)
		 ORDER BY co.commit_seq, ch.change_id`,
		f.PartitionID, f.Table, f.After, f.MatchAll, f.ScopeKeys, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("store: commits after: %w", err)
	}
	defer rows.Close()

	var out []CommitWithChanges
	for rows.Next() {
		var c Commit
		var ch Change
		if err := rows.Scan(&c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.ChangeCount, &c.AffectedTables, &c.CreatedAt,
			&ch.ChangeID, &ch.Table, &ch.RowID, &ch.Op, &ch.Row, &ch.RowVersion, &ch.Scopes, &ch.ScopeKeys, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan commit: %w", err)
		}
		c.PartitionID = f.PartitionID
		ch.CommitSeq = c.CommitSeq
		if len(out) > 0 && out[len(out)-1].Commit.CommitSeq == c.CommitSeq {
			last := &out[len(out)-1]
			last.Changes = append(last.Changes, ch)
			continue
		}
		out = append(out, CommitWithChanges{Commit: c, Changes: []Change{ch}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: commits after: %w", err)
	}
	return out, nil
}

func (s *Postgres) SnapshotRows(ctx context.Context, q SnapshotQuery) ([]Change, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+changeColumns+`
		 FROM (
		     SELECT DISTINCT ON (row_id) *
		     FROM sync_changes
		     WHERE partition_id = $1 AND table_name = $2 AND commit_seq <= $3 AND row_id > $4
		     ORDER BY row_id, commit_seq DESC, change_id DESC
		 ) latest
		 WHERE op = 'upsert' AND ($5 OR scope_keys && $6)
		 ORDER BY row_id
		 LIMIT NULLIF($7, 0)`,
		q.PartitionID, q.Table, q.AtSeq, q.AfterRowID, q.MatchAll, q.ScopeKeys, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("store: snapshot rows: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var ch Change
		if err := scanChange(rows, &ch); err != nil {
			return nil, fmt.Errorf("store: scan snapshot row: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: snapshot rows: %w", err)
	}
	return out, nil
}

func (s *Postgres) GetCommit(ctx context.Context, partitionID string, seq int64) (*Commit, []Change, error) {
	c := Commit{PartitionID: partitionID}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT commit_seq, actor_id, client_id, client_commit_id, change_count, affected_tables, created_at
		 FROM sync_commits WHERE partition_id = $1 AND commit_seq = $2`,
		partitionID, seq,
	).Scan(&c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.ChangeCount, &c.AffectedTables, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: commit %d", ErrNotFound, seq)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: get commit: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+changeColumns+`
		 FROM sync_changes WHERE partition_id = $1 AND commit_seq = $2 ORDER BY change_id`,
		partitionID, seq)
	if err != nil {
		return nil, nil, fmt.Errorf("store: get commit changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var ch Change
		if err := scanChange(rows, &ch); err != nil {
			return nil, nil, fmt.Errorf("store: scan change: %w", err)
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: get commit changes: %w", err)
	}
	return &c, changes, nil
}

func (s *Postgres) ListCommits(ctx context.Context, opt ListOptions) ([]Commit, int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_commits WHERE ($1 = '' OR partition_id = $1)`,
		opt.PartitionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count commits: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT partition_id, commit_seq, actor_id, client_id, client_commit_id, change_count, affected_tables, created_at
		 FROM sync_commits
		 WHERE ($1 = '' OR partition_id = $1)
		 ORDER BY created_at DESC, commit_seq DESC
		 LIMIT NULLIF($2, 0) OFFSET $3`,
		opt.PartitionID, opt.Limit, opt.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list commits: %w", err)
	}
	defer rows.Close()

	var out []Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.PartitionID, &c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.ChangeCount, &c.AffectedTables, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan commit: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list commits: %w", err)
	}
	return out, total, nil
}

func (s *Postgres) MaxCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	var max int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = $1`,
		partitionID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: max commit seq: %w", err)
	}
	return max, nil
}

func (s *Postgres) MinCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	var min int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(commit_seq), 0) FROM sync_commits WHERE partition_id = $1`,
		partitionID,
	).Scan(&min)
	if err != nil {
		return 0, fmt.Errorf("store: min commit seq: %w", err)
	}
	return min, nil
}

func (s *Postgres) ScopeKeysForCommit(ctx context.Context, partitionID string, seq int64) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT DISTINCT unnest(scope_keys) AS k
		 FROM sync_changes WHERE partition_id = $1 AND commit_seq = $2
		 ORDER BY k`,
		partitionID, seq)
	if err != nil {
		return nil, fmt.Errorf("store: scope keys for commit: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scan scope key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scope keys for commit: %w", err)
	}
	return keys, nil
}

// --- CursorStore ---

func (s *Postgres) GetCursor(ctx context.Context, partitionID, clientID string) (*Cursor, error) {
	cur := Cursor{PartitionID: partitionID}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors WHERE partition_id = $1 AND client_id = $2`,
		partitionID, clientID,
	).Scan(&cur.ClientID, &cur.ActorID, &cur.Cursor, &cur.EffectiveScopes, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cursor: %w", err)
	}
	return &cur, nil
}

func (s *Postgres) UpsertCursor(ctx context.Context, cur Cursor) error {
	now := cur.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	scopes := cur.EffectiveScopes
	if scopes == nil {
		scopes = []string{}
	}

	tag, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, cursor, effective_scopes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (partition_id, client_id) DO UPDATE SET
		     cursor           = GREATEST(sync_client_cursors.cursor, EXCLUDED.cursor),
		     effective_scopes = CASE WHEN $7 THEN EXCLUDED.effective_scopes ELSE sync_client_cursors.effective_scopes END,
		     updated_at       = EXCLUDED.updated_at
		 WHERE sync_client_cursors.actor_id = EXCLUDED.actor_id`,
		cur.PartitionID, cur.ClientID, cur.ActorID, cur.Cursor, scopes, now, cur.EffectiveScopes != nil)
	if err != nil {
		return fmt.Errorf("store: upsert cursor: %w", err)
	}
	// The row exists but belongs to another actor when the guarded
	// update matched nothing.
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: client %s", ErrActorMismatch, cur.ClientID)
	}
	return nil
}

func (s *Postgres) ListCursors(ctx context.Context, opt ListOptions) ([]Cursor, int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_client_cursors WHERE ($1 = '' OR partition_id = $1)`,
		opt.PartitionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count cursors: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors
		 WHERE ($1 = '' OR partition_id = $1)
		 ORDER BY updated_at DESC, client_id
		 LIMIT NULLIF($2, 0) OFFSET $3`,
		opt.PartitionID, opt.Limit, opt.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var cur Cursor
		if err := rows.Scan(&cur.PartitionID, &cur.ClientID, &cur.ActorID, &cur.Cursor, &cur.EffectiveScopes, &cur.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan cursor: %w", err)
		}
		out = append(out, cur)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list cursors: %w", err)
	}
	return out, total, nil
}

func (s *Postgres) DeleteCursor(ctx context.Context, partitionID, clientID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_client_cursors WHERE partition_id = $1 AND client_id = $2`,
		partitionID, clientID)
	if err != nil {
		return fmt.Errorf("store: delete cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	return nil
}

func (s *Postgres) MinActiveCursor(ctx context.Context, partitionID string, since time.Time) (*int64, error) {
	var min *int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT MIN(cursor) FROM sync_client_cursors WHERE partition_id = $1 AND updated_at >= $2`,
		partitionID, since,
	).Scan(&min)
	if err != nil {
		return nil, fmt.Errorf("store: min active cursor: %w", err)
	}
	return min, nil
}

// --- ChunkStore ---

func (s *Postgres) PutChunk(ctx context.Context, chunk *Chunk) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sync_snapshot_chunks
		 (chunk_id, partition_id, table_name, sha256, encoding, compression, byte_length, row_count, body, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (chunk_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		chunk.ChunkID, chunk.PartitionID, chunk.Table, chunk.SHA256, chunk.Encoding, chunk.Compression,
		chunk.ByteLength, chunk.RowCount, chunk.Body, chunk.ExpiresAt, chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put chunk: %w", err)
	}
	return nil
}

func (s *Postgres) GetChunk(ctx context.Context, chunkID string) (*Chunk, error) {
	var chunk Chunk
	err := s.db.Pool.QueryRow(ctx,
		`SELECT chunk_id, partition_id, table_name, sha256, encoding, compression, byte_length, row_count, body, expires_at, created_at
		 FROM sync_snapshot_chunks WHERE chunk_id = $1 AND expires_at > NOW()`,
		chunkID,
	).Scan(&chunk.ChunkID, &chunk.PartitionID, &chunk.Table, &chunk.SHA256, &chunk.Encoding, &chunk.Compression,
		&chunk.ByteLength, &chunk.RowCount, &chunk.Body, &chunk.ExpiresAt, &chunk.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chunk: %w", err)
	}
	return &chunk, nil
}

func (s *Postgres) DeleteExpiredChunks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_snapshot_chunks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) InvalidateChunks(ctx context.Context, partitionID string, tables []string) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_snapshot_chunks WHERE partition_id = $1 AND table_name = ANY($2)`,
		partitionID, tables)
	if err != nil {
		return 0, fmt.Errorf("store: invalidate chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}
