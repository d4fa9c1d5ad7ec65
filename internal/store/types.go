package store

import (
	"encoding/json"
	"time"
)

// Change operations.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Request event types.
const (
	EventTypePush = "push"
	EventTypePull = "pull"
)

// Sync paths describe how a request reached the server.
const (
	SyncPathCombined = "http-combined"
	SyncPathWSPush   = "ws-push"
)

// Transport paths.
const (
	TransportDirect = "direct"
	TransportRelay  = "relay"
)

// Request outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Derived response statuses.
const (
	ResponseSuccess     = "success"
	ResponseFailure     = "failure"
	ResponseClientError = "client_error"
	ResponseServerError = "server_error"
)

// Operation event types.
const (
	OperationPrune            = "prune"
	OperationCompact          = "compact"
	OperationRetention        = "event_retention"
	OperationNotifyDataChange = "notify_data_change"
	OperationEvictClient      = "evict_client"
	OperationDeleteEvents     = "delete_events"
	OperationAPIKeyCreate     = "api_key_create"
	OperationAPIKeyRotate     = "api_key_rotate"
	OperationAPIKeyRevoke     = "api_key_revoke"
)

// API key types.
const (
	KeyTypeRelay = "relay"
	KeyTypeProxy = "proxy"
	KeyTypeAdmin = "admin"
)

// Commit is one atomic group of row changes. CommitSeq is dense and
// strictly monotonic within a partition.
type Commit struct {
	CommitSeq      int64     `json:"commitSeq"`
	PartitionID    string    `json:"partitionId"`
	ActorID        string    `json:"actorId"`
	ClientID       string    `json:"clientId"`
	ClientCommitID string    `json:"clientCommitId"`
	ChangeCount    int       `json:"changeCount"`
	AffectedTables []string  `json:"affectedTables"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Change is a single row mutation within a commit. Scopes is the
// server-materialised scope mapping at commit time; ScopeKeys is its
// derived, indexed key form.
type Change struct {
	CommitSeq  int64           `json:"commitSeq"`
	ChangeID   int             `json:"changeId"`
	Table      string          `json:"table"`
	RowID      string          `json:"rowId"`
	Op         string          `json:"op"`
	Row        json.RawMessage `json:"row,omitempty"`
	RowVersion int64           `json:"rowVersion"`
	Scopes     map[string]any  `json:"scopes,omitempty"`
	ScopeKeys  []string        `json:"scopeKeys,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Cursor tracks a client's last acknowledged commit within a partition.
// ActorID is immutable for the lifetime of the row.
type Cursor struct {
	PartitionID     string    `json:"partitionId"`
	ClientID        string    `json:"clientId"`
	ActorID         string    `json:"actorId"`
	Cursor          int64     `json:"cursor"`
	EffectiveScopes []string  `json:"effectiveScopes,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Chunk is an immutable, content-addressed bootstrap snapshot page.
type Chunk struct {
	ChunkID     string    `json:"chunkId"`
	PartitionID string    `json:"partitionId"`
	Table       string    `json:"table"`
	SHA256      string    `json:"sha256"`
	Encoding    string    `json:"encoding"`
	Compression string    `json:"compression"`
	ByteLength  int       `json:"byteLength"`
	RowCount    int       `json:"rowCount"`
	Body        []byte    `json:"-"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RequestEvent is one push or pull lifecycle record. Append-only;
// pruned by age then count.
type RequestEvent struct {
	EventID           int64     `json:"eventId"`
	PartitionID       string    `json:"partitionId"`
	RequestID         string    `json:"requestId"`
	TraceID           string    `json:"traceId,omitempty"`
	SpanID            string    `json:"spanId,omitempty"`
	EventType         string    `json:"eventType"`
	SyncPath          string    `json:"syncPath"`
	TransportPath     string    `json:"transportPath"`
	ActorID           string    `json:"actorId,omitempty"`
	ClientID          string    `json:"clientId,omitempty"`
	StatusCode        int       `json:"statusCode"`
	Outcome           string    `json:"outcome"`
	ResponseStatus    string    `json:"responseStatus"`
	ErrorCode         string    `json:"errorCode,omitempty"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	DurationMs        float64   `json:"durationMs"`
	CommitSeq         *int64    `json:"commitSeq,omitempty"`
	OperationCount    *int      `json:"operationCount,omitempty"`
	RowCount          *int      `json:"rowCount,omitempty"`
	SubscriptionCount *int      `json:"subscriptionCount,omitempty"`
	ScopesSummary     string    `json:"scopesSummary,omitempty"`
	Tables            []string  `json:"tables,omitempty"`
	PayloadRef        string    `json:"payloadRef,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// PayloadSnapshot is an optional retained request/response body pair
// referenced by a request event.
type PayloadSnapshot struct {
	PayloadRef      string          `json:"payloadRef"`
	PartitionID     string          `json:"partitionId"`
	RequestPayload  json.RawMessage `json:"requestPayload,omitempty"`
	ResponsePayload json.RawMessage `json:"responsePayload,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// OperationEvent records a console-initiated operation for audit.
type OperationEvent struct {
	OperationID    int64           `json:"operationId"`
	OperationType  string          `json:"operationType"`
	ConsoleUserID  string          `json:"consoleUserId,omitempty"`
	PartitionID    string          `json:"partitionId,omitempty"`
	TargetClientID string          `json:"targetClientId,omitempty"`
	RequestPayload json.RawMessage `json:"requestPayload,omitempty"`
	ResultPayload  json.RawMessage `json:"resultPayload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// APIKey is a server credential. Only the SHA-256 of the secret is
// stored; the secret itself is shown once at creation.
type APIKey struct {
	KeyID       string     `json:"keyId"`
	KeyHash     string     `json:"-"`
	KeyPrefix   string     `json:"keyPrefix"`
	Name        string     `json:"name"`
	KeyType     string     `json:"keyType"`
	PartitionID string     `json:"partitionId"`
	ScopeKeys   []string   `json:"scopeKeys,omitempty"`
	ActorID     string     `json:"actorId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the key can authenticate at the given time.
func (k *APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil && !k.RevokedAt.After(now) {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// SyncStats is the aggregate view served by the console.
type SyncStats struct {
	CommitCount       int64  `json:"commitCount"`
	ChangeCount       int64  `json:"changeCount"`
	ClientCount       int64  `json:"clientCount"`
	ActiveClientCount int64  `json:"activeClientCount"`
	MinCommitSeq      *int64 `json:"minCommitSeq"`
	MaxCommitSeq      *int64 `json:"maxCommitSeq"`
	MinActiveCursor   *int64 `json:"minActiveCursor"`
	MaxActiveCursor   *int64 `json:"maxActiveCursor"`
}

// TimeseriesBucket is one minute of request-event activity.
type TimeseriesBucket struct {
	Timestamp    time.Time `json:"timestamp"`
	PushCount    int64     `json:"pushCount"`
	PullCount    int64     `json:"pullCount"`
	ErrorCount   int64     `json:"errorCount"`
	AvgLatencyMs float64   `json:"avgLatencyMs"`
}

// LatencyStats carries request duration percentiles over a window.
type LatencyStats struct {
	P50Ms       float64 `json:"p50Ms"`
	P90Ms       float64 `json:"p90Ms"`
	P99Ms       float64 `json:"p99Ms"`
	SampleCount int64   `json:"sampleCount"`
}

// Timeline item types.
const (
	TimelineCommit    = "commit"
	TimelineEvent     = "event"
	TimelineOperation = "operation"
)

// TimelineItem is one entry in the merged commit/event/operation view,
// newest first.
type TimelineItem struct {
	ItemType    string    `json:"itemType"`
	LocalID     string    `json:"localId"`
	Timestamp   time.Time `json:"timestamp"`
	ActorID     string    `json:"actorId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	CommitSeq   *int64    `json:"commitSeq,omitempty"`
	EventID     *int64    `json:"eventId,omitempty"`
	OperationID *int64    `json:"operationId,omitempty"`
}
