package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `event_id, partition_id, request_id, trace_id, span_id, event_type, sync_path, transport_path,
	actor_id, client_id, status_code, outcome, response_status, error_code, error_message, duration_ms,
	commit_seq, operation_count, row_count, subscription_count, scopes_summary, tables, payload_ref, created_at`

func scanRequestEvent(row pgx.Row, ev *RequestEvent) error {
	return row.Scan(&ev.EventID, &ev.PartitionID, &ev.RequestID, &ev.TraceID, &ev.SpanID, &ev.EventType,
		&ev.SyncPath, &ev.TransportPath, &ev.ActorID, &ev.ClientID, &ev.StatusCode, &ev.Outcome,
		&ev.ResponseStatus, &ev.ErrorCode, &ev.ErrorMessage, &ev.DurationMs, &ev.CommitSeq,
		&ev.OperationCount, &ev.RowCount, &ev.SubscriptionCount, &ev.ScopesSummary, &ev.Tables,
		&ev.PayloadRef, &ev.CreatedAt)
}

// --- EventStore ---

func (s *Postgres) InsertRequestEvent(ctx context.Context, ev *RequestEvent) (int64, error) {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tables := ev.Tables
	if tables == nil {
		tables = []string{}
	}

	var id int64
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO sync_request_events
		 (partition_id, request_id, trace_id, span_id, event_type, sync_path, transport_path,
		  actor_id, client_id, status_code, outcome, response_status, error_code, error_message,
		  duration_ms, commit_seq, operation_count, row_count, subscription_count, scopes_summary,
		  tables, payload_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 RETURNING event_id`,
		ev.PartitionID, ev.RequestID, ev.TraceID, ev.SpanID, ev.EventType, ev.SyncPath, ev.TransportPath,
		ev.ActorID, ev.ClientID, ev.StatusCode, ev.Outcome, ev.ResponseStatus, ev.ErrorCode, ev.ErrorMessage,
		ev.DurationMs, ev.CommitSeq, ev.OperationCount, ev.RowCount, ev.SubscriptionCount, ev.ScopesSummary,
		tables, ev.PayloadRef, created,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert request event: %w", err)
	}
	return id, nil
}

func (s *Postgres) GetRequestEvent(ctx context.Context, eventID int64) (*RequestEvent, error) {
	var ev RequestEvent
	err := scanRequestEvent(s.db.Pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM sync_request_events WHERE event_id = $1`, eventID), &ev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %d", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get request event: %w", err)
	}
	return &ev, nil
}

func (s *Postgres) ListRequestEvents(ctx context.Context, f EventFilter) ([]RequestEvent, int, error) {
	const where = `($1 = '' OR partition_id = $1)
		AND ($2 = '' OR event_type = $2)
		AND ($3 = '' OR client_id = $3)
		AND ($4 = '' OR actor_id = $4)
		AND ($5 = '' OR outcome = $5)`

	var total int
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_request_events WHERE `+where,
		f.PartitionID, f.EventType, f.ClientID, f.ActorID, f.Outcome,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count request events: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM sync_request_events
		 WHERE `+where+`
		 ORDER BY event_id DESC
		 LIMIT NULLIF($6, 0) OFFSET $7`,
		f.PartitionID, f.EventType, f.ClientID, f.ActorID, f.Outcome, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list request events: %w", err)
	}
	defer rows.Close()

	var out []RequestEvent
	for rows.Next() {
		var ev RequestEvent
		if err := scanRequestEvent(rows, &ev); err != nil {
			return nil, 0, fmt.Errorf("store: scan request event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list request events: %w", err)
	}
	return out, total, nil
}

func (s *Postgres) DeleteRequestEvents(ctx context.Context, partitionID string) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_request_events WHERE ($1 = '' OR partition_id = $1)`, partitionID)
	if err != nil {
		return 0, fmt.Errorf("store: delete request events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) PruneRequestEvents(ctx context.Context, olderThan time.Time, maxRows int) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_request_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: prune request events by age: %w", err)
	}
	n := tag.RowsAffected()

	if maxRows > 0 {
		tag, err = s.db.Pool.Exec(ctx,
			`DELETE FROM sync_request_events
			 WHERE event_id < (
			     SELECT COALESCE(MIN(event_id), 0)
			     FROM (SELECT event_id FROM sync_request_events ORDER BY event_id DESC LIMIT $1) newest
			 )`, maxRows)
		if err != nil {
			return n, fmt.Errorf("store: prune request events by count: %w", err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

func (s *Postgres) InsertPayloadSnapshot(ctx context.Context, p *PayloadSnapshot) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sync_payload_snapshots (payload_ref, partition_id, request_payload, response_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (payload_ref) DO NOTHING`,
		p.PayloadRef, p.PartitionID, p.RequestPayload, p.ResponsePayload, created)
	if err != nil {
		return fmt.Errorf("store: insert payload snapshot: %w", err)
	}
	return nil
}

func (s *Postgres) GetPayloadSnapshot(ctx context.Context, payloadRef string) (*PayloadSnapshot, error) {
	var p PayloadSnapshot
	err := s.db.Pool.QueryRow(ctx,
		`SELECT payload_ref, partition_id, request_payload, response_payload, created_at
		 FROM sync_payload_snapshots WHERE payload_ref = $1`, payloadRef,
	).Scan(&p.PayloadRef, &p.PartitionID, &p.RequestPayload, &p.ResponsePayload, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: payload %s", ErrNotFound, payloadRef)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payload snapshot: %w", err)
	}
	return &p, nil
}

func (s *Postgres) DeleteOrphanPayloads(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_payload_snapshots p
		 WHERE NOT EXISTS (
		     SELECT 1 FROM sync_request_events e WHERE e.payload_ref = p.payload_ref
		 )`)
	if err != nil {
		return 0, fmt.Errorf("store: delete orphan payloads: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- OperationStore ---

func (s *Postgres) InsertOperationEvent(ctx context.Context, op *OperationEvent) (int64, error) {
	created := op.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var id int64
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO sync_operation_events
		 (operation_type, console_user_id, partition_id, target_client_id, request_payload, result_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING operation_id`,
		op.OperationType, op.ConsoleUserID, op.PartitionID, op.TargetClientID, op.RequestPayload, op.ResultPayload, created,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert operation event: %w", err)
	}
	return id, nil
}

func (s *Postgres) GetOperationEvent(ctx context.Context, operationID int64) (*OperationEvent, error) {
	var op OperationEvent
	err := s.db.Pool.QueryRow(ctx,
		`SELECT operation_id, operation_type, console_user_id, partition_id, target_client_id, request_payload, result_payload, created_at
		 FROM sync_operation_events WHERE operation_id = $1`, operationID,
	).Scan(&op.OperationID, &op.OperationType, &op.ConsoleUserID, &op.PartitionID, &op.TargetClientID,
		&op.RequestPayload, &op.ResultPayload, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: operation %d", ErrNotFound, operationID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get operation event: %w", err)
	}
	return &op, nil
}

func (s *Postgres) ListOperationEvents(ctx context.Context, opt ListOptions) ([]OperationEvent, int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_operation_events WHERE ($1 = '' OR partition_id = $1)`,
		opt.PartitionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count operation events: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT operation_id, operation_type, console_user_id, partition_id, target_client_id, request_payload, result_payload, created_at
		 FROM sync_operation_events
		 WHERE ($1 = '' OR partition_id = $1)
		 ORDER BY operation_id DESC
		 LIMIT NULLIF($2, 0) OFFSET $3`,
		opt.PartitionID, opt.Limit, opt.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list operation events: %w", err)
	}
	defer rows.Close()

	var out []OperationEvent
	for rows.Next() {
		var op OperationEvent
		if err := rows.Scan(&op.OperationID, &op.OperationType, &op.ConsoleUserID, &op.PartitionID,
			&op.TargetClientID, &op.RequestPayload, &op.ResultPayload, &op.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan operation event: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list operation events: %w", err)
	}
	return out, total, nil
}

func (s *Postgres) PruneOperationEvents(ctx context.Context, olderThan time.Time, maxRows int) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM sync_operation_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: prune operation events by age: %w", err)
	}
	n := tag.RowsAffected()

	if maxRows > 0 {
		tag, err = s.db.Pool.Exec(ctx,
			`DELETE FROM sync_operation_events
			 WHERE operation_id < (
			     SELECT COALESCE(MIN(operation_id), 0)
			     FROM (SELECT operation_id FROM sync_operation_events ORDER BY operation_id DESC LIMIT $1) newest
			 )`, maxRows)
		if err != nil {
			return n, fmt.Errorf("store: prune operation events by count: %w", err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

// --- APIKeyStore ---

const apiKeyColumns = `key_id, key_hash, key_prefix, name, key_type, partition_id, scope_keys, actor_id,
	created_at, expires_at, last_used_at, revoked_at`

func scanAPIKey(row pgx.Row, k *APIKey) error {
	return row.Scan(&k.KeyID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.KeyType, &k.PartitionID, &k.ScopeKeys,
		&k.ActorID, &k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt, &k.RevokedAt)
}

func (s *Postgres) CreateAPIKey(ctx context.Context, key *APIKey) error {
	created := key.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	scopeKeys := key.ScopeKeys
	if scopeKeys == nil {
		scopeKeys = []string{}
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sync_api_keys
		 (key_id, key_hash, key_prefix, name, key_type, partition_id, scope_keys, actor_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		key.KeyID, key.KeyHash, key.KeyPrefix, key.Name, key.KeyType, key.PartitionID, scopeKeys,
		key.ActorID, created, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: create api key: %w", err)
	}
	return nil
}

func (s *Postgres) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var k APIKey
	err := scanAPIKey(s.db.Pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM sync_api_keys WHERE key_id = $1`, keyID), &k)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get api key: %w", err)
	}
	return &k, nil
}

func (s *Postgres) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := scanAPIKey(s.db.Pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM sync_api_keys WHERE key_hash = $1`, keyHash), &k)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get api key by hash: %w", err)
	}
	return &k, nil
}

func (s *Postgres) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM sync_api_keys ORDER BY created_at DESC, key_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var k APIKey
		if err := scanAPIKey(rows, &k); err != nil {
			return nil, fmt.Errorf("store: scan api key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	return out, nil
}

func (s *Postgres) UpdateAPIKeySecret(ctx context.Context, keyID, keyHash, keyPrefix string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE sync_api_keys SET key_hash = $2, key_prefix = $3 WHERE key_id = $1`,
		keyID, keyHash, keyPrefix)
	if err != nil {
		return fmt.Errorf("store: update api key secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	return nil
}

func (s *Postgres) SetAPIKeyExpiry(ctx context.Context, keyID string, expiresAt time.Time) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE sync_api_keys SET expires_at = $2 WHERE key_id = $1`, keyID, expiresAt)
	if err != nil {
		return fmt.Errorf("store: set api key expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	return nil
}

func (s *Postgres) RevokeAPIKey(ctx context.Context, keyID string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE sync_api_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE key_id = $1`,
		keyID, at)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	return nil
}

func (s *Postgres) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE sync_api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}
