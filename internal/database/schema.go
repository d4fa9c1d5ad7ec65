// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements for the sync database. All tables
// carry a partition_id column; partitions are logical namespaces inside
// one database, each with its own dense commit sequence.
const Schema = `
-- sync_commits: The append-only commit log, one row per accepted push.
-- commit_seq is dense and monotonic per partition (MAX+1 under a
-- serializable transaction). The unique index on (partition_id,
-- client_id, client_commit_id) is the idempotency barrier: replaying a
-- push hits this index and returns the original commit instead of
-- writing a new one.
CREATE TABLE IF NOT EXISTS sync_commits (
    partition_id     VARCHAR(64)  NOT NULL,
    commit_seq       BIGINT       NOT NULL,
    actor_id         VARCHAR(255) NOT NULL,
    client_id        VARCHAR(255) NOT NULL,
    client_commit_id VARCHAR(255) NOT NULL,
    change_count     INTEGER      NOT NULL DEFAULT 0,
    affected_tables  TEXT[]       NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, commit_seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_commits_idempotency
    ON sync_commits(partition_id, client_id, client_commit_id);
CREATE INDEX IF NOT EXISTS idx_sync_commits_created
    ON sync_commits(partition_id, created_at DESC);

-- sync_changes: Row-level changes belonging to commits. change_id is
-- the operation index within its commit. scope_keys is the derived,
-- indexed form of scopes; pulls filter with the && overlap operator
-- against the GIN index. Change rows outlive their commit row: pruning
-- may delete a commit while keeping the latest change per (table,
-- row_id) so snapshots stay complete.
CREATE TABLE IF NOT EXISTS sync_changes (
    partition_id VARCHAR(64)  NOT NULL,
    commit_seq   BIGINT       NOT NULL,
    change_id    INTEGER      NOT NULL,
    table_name   VARCHAR(255) NOT NULL,
    row_id       VARCHAR(255) NOT NULL,
    op           VARCHAR(10)  NOT NULL,
    row_json     JSONB,
    row_version  BIGINT       NOT NULL DEFAULT 1,
    scopes       JSONB        NOT NULL DEFAULT '{}',
    scope_keys   TEXT[]       NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, commit_seq, change_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_changes_row
    ON sync_changes(partition_id, table_name, row_id, commit_seq DESC, change_id DESC);
CREATE INDEX IF NOT EXISTS idx_sync_changes_scope_keys
    ON sync_changes USING GIN (scope_keys);

-- sync_client_cursors: Per-client pull position. cursor only moves
-- forward (GREATEST on upsert) and the client_id is bound to the actor
-- that first used it. updated_at doubles as the liveness signal for
-- the prune watermark: only cursors touched inside the active window
-- hold back pruning.
CREATE TABLE IF NOT EXISTS sync_client_cursors (
    partition_id     VARCHAR(64)  NOT NULL,
    client_id        VARCHAR(255) NOT NULL,
    actor_id         VARCHAR(255) NOT NULL,
    cursor           BIGINT       NOT NULL DEFAULT 0,
    effective_scopes TEXT[]       NOT NULL DEFAULT '{}',
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, client_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_cursors_updated
    ON sync_client_cursors(partition_id, updated_at);

-- sync_snapshot_chunks: Materialised bootstrap pages. chunk_id is the
-- CID of the gzipped NDJSON body; sha256 is the digest of the same
-- bytes and doubles as the HTTP ETag. Rows expire on a short TTL and
-- are invalidated early when their table changes.
CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
    chunk_id     VARCHAR(255) PRIMARY KEY,
    partition_id VARCHAR(64)  NOT NULL,
    table_name   VARCHAR(255) NOT NULL,
    sha256       VARCHAR(64)  NOT NULL,
    encoding     VARCHAR(20)  NOT NULL DEFAULT 'ndjson',
    compression  VARCHAR(20)  NOT NULL DEFAULT 'gzip',
    byte_length  INTEGER      NOT NULL,
    row_count    INTEGER      NOT NULL,
    body         BYTEA        NOT NULL,
    expires_at   TIMESTAMPTZ  NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sync_chunks_expires
    ON sync_snapshot_chunks(expires_at);
CREATE INDEX IF NOT EXISTS idx_sync_chunks_table
    ON sync_snapshot_chunks(partition_id, table_name);

-- sync_request_events: One row per recorded push/pull, written by the
-- background recorder. Large payloads live in sync_payload_snapshots
-- and are linked via payload_ref.
CREATE TABLE IF NOT EXISTS sync_request_events (
    event_id           BIGSERIAL PRIMARY KEY,
    partition_id       VARCHAR(64)  NOT NULL,
    request_id         VARCHAR(64)  NOT NULL DEFAULT '',
    trace_id           VARCHAR(64)  NOT NULL DEFAULT '',
    span_id            VARCHAR(32)  NOT NULL DEFAULT '',
    event_type         VARCHAR(20)  NOT NULL,
    sync_path          VARCHAR(32)  NOT NULL DEFAULT '',
    transport_path     VARCHAR(20)  NOT NULL DEFAULT '',
    actor_id           VARCHAR(255) NOT NULL DEFAULT '',
    client_id          VARCHAR(255) NOT NULL DEFAULT '',
    status_code        INTEGER      NOT NULL DEFAULT 0,
    outcome            VARCHAR(20)  NOT NULL DEFAULT '',
    response_status    VARCHAR(20)  NOT NULL DEFAULT '',
    error_code         VARCHAR(64)  NOT NULL DEFAULT '',
    error_message      TEXT         NOT NULL DEFAULT '',
    duration_ms        DOUBLE PRECISION NOT NULL DEFAULT 0,
    commit_seq         BIGINT,
    operation_count    INTEGER,
    row_count          INTEGER,
    subscription_count INTEGER,
    scopes_summary     TEXT         NOT NULL DEFAULT '',
    tables             TEXT[]       NOT NULL DEFAULT '{}',
    payload_ref        VARCHAR(64)  NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sync_events_partition_created
    ON sync_request_events(partition_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_events_client
    ON sync_request_events(partition_id, client_id);

-- sync_payload_snapshots: Truncation-capped request/response bodies for
-- the console detail view. Orphans (events pruned away) are swept by
-- the retention job.
CREATE TABLE IF NOT EXISTS sync_payload_snapshots (
    payload_ref      VARCHAR(64) PRIMARY KEY,
    partition_id     VARCHAR(64) NOT NULL,
    request_payload  JSONB,
    response_payload JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- sync_operation_events: Audit log of console-initiated operations
-- (prune, compact, notify, evict).
CREATE TABLE IF NOT EXISTS sync_operation_events (
    operation_id     BIGSERIAL PRIMARY KEY,
    operation_type   VARCHAR(32)  NOT NULL,
    console_user_id  VARCHAR(255) NOT NULL DEFAULT '',
    partition_id     VARCHAR(64)  NOT NULL DEFAULT '',
    target_client_id VARCHAR(255) NOT NULL DEFAULT '',
    request_payload  JSONB,
    result_payload   JSONB,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sync_operations_created
    ON sync_operation_events(created_at DESC);

-- sync_api_keys: Hashed API keys. Only the SHA-256 of the full secret
-- is stored; key_prefix keeps a displayable hint. partition_id binds
-- the key to one partition and scope_keys bounds what it may subscribe
-- to (admin keys ignore both).
CREATE TABLE IF NOT EXISTS sync_api_keys (
    key_id       VARCHAR(64)  PRIMARY KEY,
    key_hash     VARCHAR(64)  UNIQUE NOT NULL,
    key_prefix   VARCHAR(32)  NOT NULL,
    name         VARCHAR(255) NOT NULL,
    key_type     VARCHAR(20)  NOT NULL DEFAULT 'relay',
    partition_id VARCHAR(64)  NOT NULL DEFAULT 'default',
    scope_keys   TEXT[]       NOT NULL DEFAULT '{}',
    actor_id     VARCHAR(255) NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    expires_at   TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ,
    revoked_at   TIMESTAMPTZ
);
`
