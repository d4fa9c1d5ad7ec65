package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

type fakeConn struct {
	id        string
	clientID  string
	actorID   string
	partition string

	mu     sync.Mutex
	frames []Frame
	full   bool
	closed int
}

func newFakeConn(partition, clientID string) *fakeConn {
	return &fakeConn{id: clientID + "/conn", clientID: clientID, actorID: "actor-" + clientID, partition: partition}
}

func (c *fakeConn) ID() string          { return c.id }
func (c *fakeConn) ClientID() string    { return c.clientID }
func (c *fakeConn) ActorID() string     { return c.actorID }
func (c *fakeConn) PartitionID() string { return c.partition }

func (c *fakeConn) Send(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.frames = append(c.frames, f)
	return true
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *fakeConn) sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) syncFrames() []SyncData {
	var out []SyncData
	for _, f := range c.sent() {
		if f.Event == FrameSync {
			out = append(out, f.Data.(SyncData))
		}
	}
	return out
}

func (c *fakeConn) presenceFrames() []PresenceData {
	var out []PresenceData
	for _, f := range c.sent() {
		if f.Event == FramePresence {
			out = append(out, f.Data.(PresenceData))
		}
	}
	return out
}

func keysOf(partition string, plain ...string) []scope.PartitionedKey {
	out := make([]scope.PartitionedKey, 0, len(plain))
	for _, k := range plain {
		out = append(out, scope.Key(k).InPartition(partition))
	}
	return out
}

func TestRegisterEnforcesCaps(t *testing.T) {
	r := NewRegistry(2, 1)

	c1 := newFakeConn("p1", "c1")
	unreg1, err := r.Register(c1, nil)
	require.NoError(t, err)

	// Second connection for the same client is over the per-client cap.
	_, err = r.Register(newFakeConn("p1", "c1"), nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeWSLimitClient, syncerr.CodeOf(err))
	assert.Equal(t, 1, r.ConnectionCount())

	_, err = r.Register(newFakeConn("p1", "c2"), nil)
	require.NoError(t, err)

	// Total cap applies across clients and partitions.
	_, err = r.Register(newFakeConn("p2", "c3"), nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeWSLimitTotal, syncerr.CodeOf(err))
	assert.Equal(t, 2, r.ConnectionCount())

	unreg1()
	unreg1() // idempotent
	assert.Equal(t, 1, r.ConnectionCount())

	_, err = r.Register(newFakeConn("p2", "c3"), nil)
	assert.NoError(t, err)
}

func TestCheckCapacity(t *testing.T) {
	r := NewRegistry(10, 1)
	_, err := r.Register(newFakeConn("p1", "c1"), nil)
	require.NoError(t, err)

	assert.NoError(t, r.CheckCapacity("p1", "c2"))
	err = r.CheckCapacity("p1", "c1")
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeWSLimitClient, syncerr.CodeOf(err))
}

func TestNotifyDeliversOneFramePerConnection(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	_, err := r.Register(c1, keysOf("p1", "user:u1", "team:t1"))
	require.NoError(t, err)

	// Both keys match the same connection; it must still receive
	// exactly one frame.
	n := r.NotifyScopeKeys(keysOf("p1", "user:u1", "team:t1"), 7, NotifyOptions{})
	assert.Equal(t, 1, n)

	frames := c1.syncFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, int64(7), frames[0].Cursor)
	assert.Nil(t, frames[0].Changes)
}

func TestNotifyExcludesSender(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	c2 := newFakeConn("p1", "c2")
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)
	_, err = r.Register(c2, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	n := r.NotifyScopeKeys(keysOf("p1", "user:u1"), 7, NotifyOptions{ExcludeClientIDs: []string{"c1"}})
	assert.Equal(t, 1, n)
	assert.Empty(t, c1.syncFrames())
	require.Len(t, c2.syncFrames(), 1)
}

func TestNotifyScopeIsolation(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	c2 := newFakeConn("p1", "c2")
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)
	_, err = r.Register(c2, keysOf("p1", "user:u2"))
	require.NoError(t, err)

	r.NotifyScopeKeys(keysOf("p1", "user:u1"), 3, NotifyOptions{})
	assert.Len(t, c1.syncFrames(), 1)
	assert.Empty(t, c2.syncFrames())

	// Connections in other partitions never match.
	other := newFakeConn("p2", "c3")
	_, err = r.Register(other, keysOf("p2", "user:u1"))
	require.NoError(t, err)
	r.NotifyScopeKeys(keysOf("p1", "user:u1"), 4, NotifyOptions{})
	assert.Empty(t, other.syncFrames())
}

func TestNotifyInlinesSmallChanges(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	created := time.Now().UTC()
	changes := []store.Change{{
		CommitSeq: 7, Table: "tasks", RowID: "t1", Op: store.OpUpsert,
		Row: json.RawMessage(`{"id":"t1"}`), RowVersion: 1,
	}}
	r.NotifyScopeKeys(keysOf("p1", "user:u1"), 7, NotifyOptions{
		Changes: changes, ActorID: "a1", CreatedAt: created,
	})

	frames := c1.syncFrames()
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Changes, 1)
	assert.Equal(t, "a1", frames[0].ActorID)
	require.NotNil(t, frames[0].CreatedAt)
	assert.True(t, frames[0].CreatedAt.Equal(created))
}

func TestNotifyFallsBackOnLargeChanges(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	big := json.RawMessage(`"` + strings.Repeat("x", maxInlineChangesBytes+1) + `"`)
	r.NotifyScopeKeys(keysOf("p1", "user:u1"), 8, NotifyOptions{
		Changes: []store.Change{{CommitSeq: 8, Table: "tasks", RowID: "t1", Op: store.OpUpsert, Row: big}},
		ActorID: "a1",
	})

	frames := c1.syncFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, int64(8), frames[0].Cursor)
	assert.Nil(t, frames[0].Changes)
	assert.Empty(t, frames[0].ActorID)
}

func TestNotifyCountsDroppedConnections(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	c1.full = true
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	n := r.NotifyScopeKeys(keysOf("p1", "user:u1"), 7, NotifyOptions{})
	assert.Zero(t, n)
	assert.Empty(t, c1.sent())
}

func TestUpdateClientScopeKeysReroutes(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	r.UpdateClientScopeKeys("p1", "c1", keysOf("p1", "team:t1"))

	r.NotifyScopeKeys(keysOf("p1", "user:u1"), 5, NotifyOptions{})
	assert.Empty(t, c1.syncFrames())

	r.NotifyScopeKeys(keysOf("p1", "team:t1"), 6, NotifyOptions{})
	assert.Len(t, c1.syncFrames(), 1)
}

func TestNotifyAllClientsBypassesScopes(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	c2 := newFakeConn("p1", "c2")
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)
	_, err = r.Register(c2, nil) // no subscriptions at all
	require.NoError(t, err)

	n := r.NotifyAllClients("p1", 9)
	assert.Equal(t, 2, n)
	assert.Len(t, c1.syncFrames(), 1)
	assert.Len(t, c2.syncFrames(), 1)
}

func TestDisconnectClient(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	_, err := r.Register(c1, nil)
	require.NoError(t, err)

	n := r.DisconnectClient("p1", "c1", "evicted")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c1.closed)
	assert.Zero(t, r.DisconnectClient("p1", "missing", "evicted"))
}

func TestPresenceJoinUpdateLeave(t *testing.T) {
	r := NewRegistry(0, 0)
	key := scope.Key("room:r1").InPartition("p1")

	c1 := newFakeConn("p1", "c1")
	c2 := newFakeConn("p1", "c2")
	_, err := r.Register(c1, keysOf("p1", "room:r1"))
	require.NoError(t, err)
	_, err = r.Register(c2, keysOf("p1", "room:r1"))
	require.NoError(t, err)

	peers, err := r.JoinPresence(key, "c1", "actor-c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)
	assert.Empty(t, peers)

	// The second joiner sees the first as a peer, and the first is
	// notified of the join.
	peers, err = r.JoinPresence(key, "c2", "actor-c2", nil)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "c1", peers[0].ClientID)
	assert.JSONEq(t, `{"status":"online"}`, string(peers[0].Metadata))

	joins := c1.presenceFrames()
	require.Len(t, joins, 1)
	assert.Equal(t, PresenceJoin, joins[0].Action)
	assert.Equal(t, "c2", joins[0].ClientID)
	assert.Equal(t, "room:r1", joins[0].ScopeKey)
	assert.Empty(t, c2.presenceFrames())

	require.NoError(t, r.UpdatePresence(key, "c2", json.RawMessage(`{"status":"away"}`)))
	frames := c1.presenceFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, PresenceUpdate, frames[1].Action)
	assert.JSONEq(t, `{"status":"away"}`, string(frames[1].Metadata))

	require.NoError(t, r.LeavePresence(key, "c2"))
	frames = c1.presenceFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, PresenceLeave, frames[2].Action)

	remaining := r.PresencePeers(key)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c1", remaining[0].ClientID)
}

func TestPresenceJoinRequiresSubscription(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	_, err := r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	_, err = r.JoinPresence(scope.Key("room:r1").InPartition("p1"), "c1", "actor-c1", nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeForbidden, syncerr.CodeOf(err))
}

func TestPresenceUpdateWithoutJoinFails(t *testing.T) {
	r := NewRegistry(0, 0)
	c1 := newFakeConn("p1", "c1")
	_, err := r.Register(c1, keysOf("p1", "room:r1"))
	require.NoError(t, err)

	key := scope.Key("room:r1").InPartition("p1")
	err = r.UpdatePresence(key, "c1", nil)
	assert.Equal(t, syncerr.CodeInvalidRequest, syncerr.CodeOf(err))
	assert.NoError(t, r.LeavePresence(key, "c1"))
}

func TestDisconnectEmitsPresenceLeaves(t *testing.T) {
	r := NewRegistry(0, 0)
	key := scope.Key("room:r1").InPartition("p1")

	c1 := newFakeConn("p1", "c1")
	c2 := newFakeConn("p1", "c2")
	unreg1, err := r.Register(c1, keysOf("p1", "room:r1"))
	require.NoError(t, err)
	_, err = r.Register(c2, keysOf("p1", "room:r1"))
	require.NoError(t, err)

	_, err = r.JoinPresence(key, "c1", "actor-c1", nil)
	require.NoError(t, err)
	_, err = r.JoinPresence(key, "c2", "actor-c2", nil)
	require.NoError(t, err)

	unreg1()

	frames := c2.presenceFrames()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, PresenceLeave, last.Action)
	assert.Equal(t, "c1", last.ClientID)

	peers := r.PresencePeers(key)
	require.Len(t, peers, 1)
	assert.Equal(t, "c2", peers[0].ClientID)
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []Event
	handler   func(Event)
}

func (b *fakeBroadcaster) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBroadcaster) Subscribe(h func(Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return func() {}, nil
}

func (b *fakeBroadcaster) Close() {}

func (b *fakeBroadcaster) deliver(ev Event) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h(ev)
}

func (b *fakeBroadcaster) events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.published))
	copy(out, b.published)
	return out
}

type fakeResolver struct {
	keys []string
}

func (f *fakeResolver) ScopeKeysForCommit(context.Context, string, int64) ([]string, error) {
	return f.keys, nil
}

func TestRemoteCommitEventsFanOut(t *testing.T) {
	r := NewRegistry(0, 0)
	bus := &fakeBroadcaster{}
	stop, err := r.AttachBroadcaster(bus, "instance-a", nil)
	require.NoError(t, err)
	defer stop()

	c1 := newFakeConn("p1", "c1")
	_, err = r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	// Own events are skipped.
	bus.deliver(Event{Type: EventCommit, PartitionID: "p1", CommitSeq: 5, ScopeKeys: []string{"user:u1"}, SourceInstanceID: "instance-a"})
	assert.Empty(t, c1.syncFrames())

	bus.deliver(Event{Type: EventCommit, PartitionID: "p1", CommitSeq: 5, ScopeKeys: []string{"user:u1"}, SourceInstanceID: "instance-b"})
	frames := c1.syncFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, int64(5), frames[0].Cursor)
}

func TestRemoteCommitResolvesMissingScopeKeys(t *testing.T) {
	r := NewRegistry(0, 0)
	bus := &fakeBroadcaster{}
	stop, err := r.AttachBroadcaster(bus, "instance-a", &fakeResolver{keys: []string{"user:u1"}})
	require.NoError(t, err)
	defer stop()

	c1 := newFakeConn("p1", "c1")
	_, err = r.Register(c1, keysOf("p1", "user:u1"))
	require.NoError(t, err)

	bus.deliver(Event{Type: EventCommit, PartitionID: "p1", CommitSeq: 6, SourceInstanceID: "instance-b"})
	require.Len(t, c1.syncFrames(), 1)
}

func TestPresenceMirrorsToBroadcaster(t *testing.T) {
	r := NewRegistry(0, 0)
	bus := &fakeBroadcaster{}
	stop, err := r.AttachBroadcaster(bus, "instance-a", nil)
	require.NoError(t, err)
	defer stop()

	c1 := newFakeConn("p1", "c1")
	_, err = r.Register(c1, keysOf("p1", "room:r1"))
	require.NoError(t, err)
	_, err = r.JoinPresence(scope.Key("room:r1").InPartition("p1"), "c1", "actor-c1", nil)
	require.NoError(t, err)

	events := bus.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventPresence, events[0].Type)
	assert.Equal(t, "instance-a", events[0].SourceInstanceID)
	require.NotNil(t, events[0].Presence)
	assert.Equal(t, PresenceJoin, events[0].Presence.Action)
}

func TestRemotePresenceAppliesLocally(t *testing.T) {
	r := NewRegistry(0, 0)
	bus := &fakeBroadcaster{}
	stop, err := r.AttachBroadcaster(bus, "instance-a", nil)
	require.NoError(t, err)
	defer stop()

	key := scope.Key("room:r1").InPartition("p1")
	c1 := newFakeConn("p1", "c1")
	_, err = r.Register(c1, keysOf("p1", "room:r1"))
	require.NoError(t, err)
	_, err = r.JoinPresence(key, "c1", "actor-c1", nil)
	require.NoError(t, err)

	bus.deliver(Event{
		Type:        EventPresence,
		PartitionID: "p1",
		Presence: &PresenceData{
			Action:    PresenceJoin,
			ScopeKey:  "room:r1",
			ClientID:  "remote-c9",
			ActorID:   "actor-r9",
			Timestamp: time.Now().UTC(),
		},
		SourceInstanceID: "instance-b",
	})

	peers := r.PresencePeers(key)
	require.Len(t, peers, 2)

	frames := c1.presenceFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "remote-c9", frames[0].ClientID)

	// Remote application must not be re-mirrored.
	for _, ev := range bus.events() {
		assert.NotEqual(t, "remote-c9", ev.Presence.ClientID)
	}
}
