// Package realtime tracks live WebSocket connections and fans commit
// wake-ups and presence events out to them. The registry is an
// in-memory index sharded by partition: clients to connections, scope
// keys to subscribed clients, and scope keys to presence entries. All
// sends are non-blocking; a client that cannot keep up is dropped from
// the frame and recovers through its next pull.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/syncular/syncular/internal/store"
)

// Outbound frame events.
const (
	FrameConnected    = "connected"
	FrameSync         = "sync"
	FrameHeartbeat    = "heartbeat"
	FramePresence     = "presence"
	FramePushResponse = "push-response"
	FrameError        = "error"
)

// Inbound message types.
const (
	MessageAuth     = "auth"
	MessagePush     = "push"
	MessagePresence = "presence"
)

// Presence actions.
const (
	PresenceJoin   = "join"
	PresenceUpdate = "update"
	PresenceLeave  = "leave"
)

// maxInlineChangesBytes is the serialised-changes threshold above which
// a sync frame degrades to a cursor-only wake and the client pulls.
const maxInlineChangesBytes = 64 * 1024

// Frame is one outbound WebSocket message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SyncData is the payload of a sync frame. Changes, ActorID and
// CreatedAt are present only when the changes fit inline.
type SyncData struct {
	Cursor    int64          `json:"cursor"`
	Changes   []store.Change `json:"changes,omitempty"`
	ActorID   string         `json:"actorId,omitempty"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
}

// PresenceData is the payload of a presence frame. Peers is filled only
// on the direct reply to a join.
type PresenceData struct {
	Action    string          `json:"action"`
	ScopeKey  string          `json:"scopeKey"`
	ClientID  string          `json:"clientId"`
	ActorID   string          `json:"actorId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Peers     []PresenceEntry `json:"peers,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
}

// Conn is one registered realtime connection. Send must not block;
// it reports false when the frame was dropped.
type Conn interface {
	ID() string
	ClientID() string
	ActorID() string
	PartitionID() string
	Send(f Frame) bool
	Close(code int, reason string)
}

// NotifyOptions refine a scope-key notification.
type NotifyOptions struct {
	// ExcludeClientIDs suppresses delivery to these clients, normally
	// the pusher itself.
	ExcludeClientIDs []string
	// Changes are inlined into the frame when they serialise under the
	// inline threshold.
	Changes   []store.Change
	ActorID   string
	CreatedAt time.Time
}
