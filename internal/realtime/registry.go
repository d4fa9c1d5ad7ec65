package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/syncerr"
)

// Connection caps. Exceeding either rejects the registration before any
// state is touched.
const (
	DefaultMaxConnectionsTotal     = 5000
	DefaultMaxConnectionsPerClient = 3
)

// ScopeKeyResolver recovers the scope keys of a commit from the change
// log when a cross-instance event arrives without them.
type ScopeKeyResolver interface {
	ScopeKeysForCommit(ctx context.Context, partitionID string, commitSeq int64) ([]string, error)
}

// shard holds the connection and presence state of one partition. The
// shard mutex covers every map; notification fan-out runs under the
// read side.
type shard struct {
	mu sync.RWMutex

	conns        map[string]map[Conn]struct{}
	keysByClient map[string]map[scope.PartitionedKey]struct{}
	clientsByKey map[scope.PartitionedKey]map[string]struct{}
	presence     map[scope.PartitionedKey]map[string]*PresenceEntry
}

func newShard() *shard {
	return &shard{
		conns:        make(map[string]map[Conn]struct{}),
		keysByClient: make(map[string]map[scope.PartitionedKey]struct{}),
		clientsByKey: make(map[scope.PartitionedKey]map[string]struct{}),
		presence:     make(map[scope.PartitionedKey]map[string]*PresenceEntry),
	}
}

// Registry is the process-wide connection index.
type Registry struct {
	maxTotal     int
	maxPerClient int
	instanceID   string
	log          zerolog.Logger

	mu     sync.RWMutex
	shards map[string]*shard
	total  int

	broadcaster Broadcaster
	resolver    ScopeKeyResolver
	logged      *lru.Cache[string, struct{}]
}

// NewRegistry builds a registry with the given caps; zero values take
// the defaults.
func NewRegistry(maxTotal, maxPerClient int) *Registry {
	if maxTotal <= 0 {
		maxTotal = DefaultMaxConnectionsTotal
	}
	if maxPerClient <= 0 {
		maxPerClient = DefaultMaxConnectionsPerClient
	}
	logged, _ := lru.New[string, struct{}](256)
	return &Registry{
		maxTotal:     maxTotal,
		maxPerClient: maxPerClient,
		log:          logging.WithComponent("realtime"),
		shards:       make(map[string]*shard),
		logged:       logged,
	}
}

// AttachBroadcaster connects the registry to the cross-instance bus.
// Events published by this instance are identified by instanceID and
// skipped on receipt. The returned stop function detaches the
// subscription.
func (r *Registry) AttachBroadcaster(b Broadcaster, instanceID string, resolver ScopeKeyResolver) (func(), error) {
	r.mu.Lock()
	r.broadcaster = b
	r.instanceID = instanceID
	r.resolver = resolver
	r.mu.Unlock()
	return b.Subscribe(r.applyRemote)
}

// CheckCapacity reports whether a new connection for the client would
// be admitted right now. The transport uses it to fail the HTTP
// upgrade with a 429 before any socket exists; Register re-checks
// authoritatively.
func (r *Registry) CheckCapacity(partitionID, clientID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.total >= r.maxTotal {
		return errLimitTotal(r.maxTotal)
	}
	sh, ok := r.shards[partitionID]
	if !ok {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if len(sh.conns[clientID]) >= r.maxPerClient {
		return errLimitClient(r.maxPerClient)
	}
	return nil
}

// Register adds a connection under both caps and installs the client's
// initial scope-key subscriptions. It returns an unregister handle
// that is safe to call more than once; the first call removes the
// connection and, when it was the client's last, emits presence leaves
// for every scope the client appeared in.
func (r *Registry) Register(conn Conn, initialKeys []scope.PartitionedKey) (func(), error) {
	partitionID, clientID := conn.PartitionID(), conn.ClientID()

	r.mu.Lock()
	if r.total >= r.maxTotal {
		r.mu.Unlock()
		return nil, errLimitTotal(r.maxTotal)
	}
	sh, ok := r.shards[partitionID]
	if ok {
		sh.mu.Lock()
		if len(sh.conns[clientID]) >= r.maxPerClient {
			sh.mu.Unlock()
			r.mu.Unlock()
			return nil, errLimitClient(r.maxPerClient)
		}
	} else {
		sh = newShard()
		r.shards[partitionID] = sh
		sh.mu.Lock()
	}

	if sh.conns[clientID] == nil {
		sh.conns[clientID] = make(map[Conn]struct{})
	}
	sh.conns[clientID][conn] = struct{}{}
	if initialKeys != nil {
		sh.replaceClientKeys(clientID, initialKeys)
	}
	r.total++
	sh.mu.Unlock()
	r.mu.Unlock()

	metrics.WSConnections.Inc()

	var once sync.Once
	return func() {
		once.Do(func() { r.unregister(sh, partitionID, conn) })
	}, nil
}

func (r *Registry) unregister(sh *shard, partitionID string, conn Conn) {
	clientID := conn.ClientID()

	sh.mu.Lock()
	set := sh.conns[clientID]
	if _, ok := set[conn]; !ok {
		sh.mu.Unlock()
		return
	}
	delete(set, conn)

	var leaves []PresenceData
	if len(set) == 0 {
		delete(sh.conns, clientID)
		sh.replaceClientKeys(clientID, nil)
		leaves = sh.removeAllPresence(clientID, conn.ActorID())
	}
	sh.mu.Unlock()

	r.mu.Lock()
	r.total--
	r.mu.Unlock()
	metrics.WSConnections.Dec()

	for i := range leaves {
		key := scope.Key(leaves[i].ScopeKey).InPartition(partitionID)
		r.fanOutPresence(sh, key, &leaves[i], clientID)
		r.mirrorPresence(partitionID, &leaves[i])
	}
}

// replaceClientKeys swaps the client's subscribed key set. Caller holds
// the shard write lock.
func (sh *shard) replaceClientKeys(clientID string, keys []scope.PartitionedKey) {
	for k := range sh.keysByClient[clientID] {
		clients := sh.clientsByKey[k]
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(sh.clientsByKey, k)
		}
	}
	if len(keys) == 0 {
		delete(sh.keysByClient, clientID)
		return
	}
	set := make(map[scope.PartitionedKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
		if sh.clientsByKey[k] == nil {
			sh.clientsByKey[k] = make(map[string]struct{})
		}
		sh.clientsByKey[k][clientID] = struct{}{}
	}
	sh.keysByClient[clientID] = set
}

// UpdateClientScopeKeys replaces the subscribed set for every
// connection of the client. Called after each pull so wake-up routing
// follows the latest resolved subscriptions.
func (r *Registry) UpdateClientScopeKeys(partitionID, clientID string, keys []scope.PartitionedKey) {
	sh := r.shard(partitionID)
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, connected := sh.conns[clientID]; !connected {
		return
	}
	sh.replaceClientKeys(clientID, keys)
}

func (r *Registry) shard(partitionID string) *shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shards[partitionID]
}

// NotifyScopeKeys unions the connections subscribed to any of the keys
// and delivers exactly one sync frame to each, regardless of how many
// keys matched it. When the changes serialise under the inline
// threshold they ride along; otherwise the frame carries only the
// cursor and clients pull. Returns the number of frames delivered.
func (r *Registry) NotifyScopeKeys(keys []scope.PartitionedKey, commitSeq int64, opts NotifyOptions) int {
	if len(keys) == 0 {
		return 0
	}

	data := SyncData{Cursor: commitSeq}
	kind := "sync-notify"
	if len(opts.Changes) > 0 {
		if b, err := json.Marshal(opts.Changes); err == nil && len(b) <= maxInlineChangesBytes {
			data.Changes = opts.Changes
			data.ActorID = opts.ActorID
			if !opts.CreatedAt.IsZero() {
				t := opts.CreatedAt
				data.CreatedAt = &t
			}
			kind = "sync-inline"
		}
	}
	frame := Frame{Event: FrameSync, Data: data}

	excluded := make(map[string]struct{}, len(opts.ExcludeClientIDs))
	for _, id := range opts.ExcludeClientIDs {
		excluded[id] = struct{}{}
	}

	delivered := 0
	for partitionID, partKeys := range groupByPartition(keys) {
		sh := r.shard(partitionID)
		if sh == nil {
			continue
		}
		sh.mu.RLock()
		targets := make(map[Conn]struct{})
		for _, k := range partKeys {
			for clientID := range sh.clientsByKey[k] {
				if _, skip := excluded[clientID]; skip {
					continue
				}
				for conn := range sh.conns[clientID] {
					targets[conn] = struct{}{}
				}
			}
		}
		delivered += sendAll(targets, frame)
		sh.mu.RUnlock()
	}
	metrics.RealtimeNotifications.WithLabelValues(kind).Add(float64(delivered))
	return delivered
}

// NotifyAllClients wakes every connection in the partition with a
// cursor-only sync frame. Scope filtering is bypassed: external data
// changes cannot name the affected scopes.
func (r *Registry) NotifyAllClients(partitionID string, commitSeq int64) int {
	sh := r.shard(partitionID)
	if sh == nil {
		return 0
	}
	frame := Frame{Event: FrameSync, Data: SyncData{Cursor: commitSeq}}

	sh.mu.RLock()
	targets := make(map[Conn]struct{})
	for _, set := range sh.conns {
		for conn := range set {
			targets[conn] = struct{}{}
		}
	}
	delivered := sendAll(targets, frame)
	sh.mu.RUnlock()

	metrics.RealtimeNotifications.WithLabelValues("wake").Add(float64(delivered))
	return delivered
}

func sendAll(targets map[Conn]struct{}, frame Frame) int {
	delivered := 0
	for conn := range targets {
		if conn.Send(frame) {
			delivered++
		} else {
			metrics.RealtimeDropped.Inc()
		}
	}
	return delivered
}

func groupByPartition(keys []scope.PartitionedKey) map[string][]scope.PartitionedKey {
	grouped := make(map[string][]scope.PartitionedKey)
	for _, k := range keys {
		partitionID, _ := k.Split()
		grouped[partitionID] = append(grouped[partitionID], k)
	}
	return grouped
}

// DisconnectClient force-closes every connection of the client and
// reports how many were closed. Each close unwinds through the
// session's own teardown, so unregistration happens exactly once.
func (r *Registry) DisconnectClient(partitionID, clientID string, reason string) int {
	sh := r.shard(partitionID)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	conns := make([]Conn, 0, len(sh.conns[clientID]))
	for conn := range sh.conns[clientID] {
		conns = append(conns, conn)
	}
	sh.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(CloseEvicted, reason)
	}
	return len(conns)
}

// CloseAll force-closes every connection across all partitions. Used at
// shutdown: upgraded sockets are hijacked from the HTTP server, so its
// own drain never reaches them.
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	shards := make([]*shard, 0, len(r.shards))
	for _, sh := range r.shards {
		shards = append(shards, sh)
	}
	r.mu.RUnlock()

	closed := 0
	for _, sh := range shards {
		sh.mu.RLock()
		conns := make([]Conn, 0, len(sh.conns))
		for _, set := range sh.conns {
			for conn := range set {
				conns = append(conns, conn)
			}
		}
		sh.mu.RUnlock()
		for _, conn := range conns {
			conn.Close(CloseGoingAway, reason)
			closed++
		}
	}
	return closed
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// ClientCount returns the number of distinct connected clients in the
// partition.
func (r *Registry) ClientCount(partitionID string) int {
	sh := r.shard(partitionID)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.conns)
}

// ClientConnections returns how many live connections one client holds
// in the partition.
func (r *Registry) ClientConnections(partitionID, clientID string) int {
	sh := r.shard(partitionID)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.conns[clientID])
}

// publish mirrors an event to the cross-instance bus. Failures are
// logged once per event type and never propagate.
func (r *Registry) publish(ev Event) {
	r.mu.RLock()
	b := r.broadcaster
	ev.SourceInstanceID = r.instanceID
	r.mu.RUnlock()
	if b == nil {
		return
	}
	if err := b.Publish(context.Background(), ev); err != nil {
		r.logOnce("publish:"+ev.Type, func(e *zerolog.Event) {
			e.Err(err).Str("type", ev.Type).Msg("broadcast publish failed")
		})
		return
	}
	metrics.BroadcastPublished.Inc()
}

// applyRemote handles one event from the cross-instance bus.
func (r *Registry) applyRemote(ev Event) {
	r.mu.RLock()
	self := r.instanceID
	resolver := r.resolver
	r.mu.RUnlock()
	if ev.SourceInstanceID != "" && ev.SourceInstanceID == self {
		return
	}
	metrics.BroadcastReceived.Inc()

	switch ev.Type {
	case EventCommit:
		keys := ev.ScopeKeys
		if len(keys) == 0 && resolver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			resolved, err := resolver.ScopeKeysForCommit(ctx, ev.PartitionID, ev.CommitSeq)
			cancel()
			if err != nil {
				r.logOnce("resolve", func(e *zerolog.Event) {
					e.Err(err).Str("partition_id", ev.PartitionID).Msg("scope key resolution failed")
				})
				return
			}
			keys = resolved
		}
		// A commit that resolves to no scope keys is synthetic (an
		// external data change); everyone in the partition re-pulls.
		if len(keys) == 0 {
			r.NotifyAllClients(ev.PartitionID, ev.CommitSeq)
			return
		}
		partitioned := make([]scope.PartitionedKey, 0, len(keys))
		for _, k := range keys {
			partitioned = append(partitioned, scope.Key(k).InPartition(ev.PartitionID))
		}
		r.NotifyScopeKeys(partitioned, ev.CommitSeq, NotifyOptions{ExcludeClientIDs: ev.ExcludeClientIDs})
	case EventPresence:
		if ev.Presence != nil {
			r.applyRemotePresence(ev.PartitionID, ev.Presence)
		}
	}
}

func (r *Registry) logOnce(key string, fn func(*zerolog.Event)) {
	if _, dup := r.logged.Get(key); dup {
		return
	}
	r.logged.Add(key, struct{}{})
	fn(r.log.Warn())
}

func errLimitTotal(limit int) error {
	return syncerr.New(syncerr.CodeWSLimitTotal, 429, "connection limit reached (%d)", limit)
}

func errLimitClient(limit int) error {
	return syncerr.New(syncerr.CodeWSLimitClient, 429, "per-client connection limit reached (%d)", limit)
}
