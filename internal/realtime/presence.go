package realtime

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/syncerr"
)

// PresenceEntry is one client's presence within a scope key.
type PresenceEntry struct {
	ClientID  string          `json:"clientId"`
	ActorID   string          `json:"actorId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	JoinedAt  time.Time       `json:"joinedAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// JoinPresence records the client under the scope key, broadcasts the
// join to present peers (excluding the joiner) and mirrors it across
// instances. The client must be connected and currently subscribed to
// the key. Returns the peers present before the join so the caller can
// seed its roster.
func (r *Registry) JoinPresence(key scope.PartitionedKey, clientID, actorID string, metadata json.RawMessage) ([]PresenceEntry, error) {
	partitionID, plain := key.Split()
	sh := r.shard(partitionID)
	if sh == nil {
		return nil, syncerr.Forbidden("client %s is not connected", clientID)
	}

	now := time.Now().UTC()
	sh.mu.Lock()
	if _, subscribed := sh.keysByClient[clientID][key]; !subscribed {
		sh.mu.Unlock()
		return nil, syncerr.Forbidden("client %s is not subscribed to %s", clientID, plain)
	}
	peers := presencePeers(sh.presence[key], clientID)
	if sh.presence[key] == nil {
		sh.presence[key] = make(map[string]*PresenceEntry)
	}
	entry := sh.presence[key][clientID]
	if entry == nil {
		entry = &PresenceEntry{ClientID: clientID, ActorID: actorID, JoinedAt: now}
		sh.presence[key][clientID] = entry
	}
	entry.Metadata = metadata
	entry.UpdatedAt = now
	sh.mu.Unlock()

	data := PresenceData{
		Action:    PresenceJoin,
		ScopeKey:  string(plain),
		ClientID:  clientID,
		ActorID:   actorID,
		Metadata:  metadata,
		Timestamp: now,
	}
	r.fanOutPresence(sh, key, &data, clientID)
	r.mirrorPresence(partitionID, &data)
	return peers, nil
}

// UpdatePresence replaces the client's presence metadata and notifies
// peers. The client must have joined first.
func (r *Registry) UpdatePresence(key scope.PartitionedKey, clientID string, metadata json.RawMessage) error {
	partitionID, plain := key.Split()
	sh := r.shard(partitionID)
	if sh == nil {
		return syncerr.Invalid("client %s has no presence in %s", clientID, plain)
	}

	now := time.Now().UTC()
	sh.mu.Lock()
	entry := sh.presence[key][clientID]
	if entry == nil {
		sh.mu.Unlock()
		return syncerr.Invalid("client %s has no presence in %s", clientID, plain)
	}
	entry.Metadata = metadata
	entry.UpdatedAt = now
	actorID := entry.ActorID
	sh.mu.Unlock()

	data := PresenceData{
		Action:    PresenceUpdate,
		ScopeKey:  string(plain),
		ClientID:  clientID,
		ActorID:   actorID,
		Metadata:  metadata,
		Timestamp: now,
	}
	r.fanOutPresence(sh, key, &data, clientID)
	r.mirrorPresence(partitionID, &data)
	return nil
}

// LeavePresence removes the client from the scope key and notifies the
// remaining peers. Leaving without presence is a no-op.
func (r *Registry) LeavePresence(key scope.PartitionedKey, clientID string) error {
	partitionID, plain := key.Split()
	sh := r.shard(partitionID)
	if sh == nil {
		return nil
	}

	sh.mu.Lock()
	entry := sh.presence[key][clientID]
	if entry == nil {
		sh.mu.Unlock()
		return nil
	}
	actorID := entry.ActorID
	delete(sh.presence[key], clientID)
	if len(sh.presence[key]) == 0 {
		delete(sh.presence, key)
	}
	sh.mu.Unlock()

	data := PresenceData{
		Action:    PresenceLeave,
		ScopeKey:  string(plain),
		ClientID:  clientID,
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
	}
	r.fanOutPresence(sh, key, &data, clientID)
	r.mirrorPresence(partitionID, &data)
	return nil
}

// PresencePeers returns the current entries under the key, sorted by
// client id.
func (r *Registry) PresencePeers(key scope.PartitionedKey) []PresenceEntry {
	partitionID, _ := key.Split()
	sh := r.shard(partitionID)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return presencePeers(sh.presence[key], "")
}

// removeAllPresence drops every presence entry of a fully disconnected
// client and returns the leave events to broadcast. Caller holds the
// shard write lock.
func (sh *shard) removeAllPresence(clientID, actorID string) []PresenceData {
	now := time.Now().UTC()
	var leaves []PresenceData
	for key, entries := range sh.presence {
		if _, present := entries[clientID]; !present {
			continue
		}
		delete(entries, clientID)
		if len(entries) == 0 {
			delete(sh.presence, key)
		}
		_, plain := key.Split()
		leaves = append(leaves, PresenceData{
			Action:    PresenceLeave,
			ScopeKey:  string(plain),
			ClientID:  clientID,
			ActorID:   actorID,
			Timestamp: now,
		})
	}
	return leaves
}

// fanOutPresence delivers a presence frame to every present peer under
// the key, excluding the acting client.
func (r *Registry) fanOutPresence(sh *shard, key scope.PartitionedKey, data *PresenceData, excludeClientID string) {
	frame := Frame{Event: FramePresence, Data: *data}

	sh.mu.RLock()
	delivered := 0
	for peerID := range sh.presence[key] {
		if peerID == excludeClientID {
			continue
		}
		for conn := range sh.conns[peerID] {
			if conn.Send(frame) {
				delivered++
			} else {
				metrics.RealtimeDropped.Inc()
			}
		}
	}
	sh.mu.RUnlock()
	metrics.RealtimeNotifications.WithLabelValues("presence").Add(float64(delivered))
}

func (r *Registry) mirrorPresence(partitionID string, data *PresenceData) {
	r.publish(Event{
		Type:        EventPresence,
		PartitionID: partitionID,
		Presence:    data,
	})
}

// applyRemotePresence reflects a presence event from another instance
// into the local maps and notifies local peers. It never re-mirrors.
func (r *Registry) applyRemotePresence(partitionID string, data *PresenceData) {
	key := scope.Key(data.ScopeKey).InPartition(partitionID)
	sh := r.shard(partitionID)
	if sh == nil {
		return
	}

	sh.mu.Lock()
	switch data.Action {
	case PresenceJoin, PresenceUpdate:
		if sh.presence[key] == nil {
			sh.presence[key] = make(map[string]*PresenceEntry)
		}
		entry := sh.presence[key][data.ClientID]
		if entry == nil {
			entry = &PresenceEntry{ClientID: data.ClientID, ActorID: data.ActorID, JoinedAt: data.Timestamp}
			sh.presence[key][data.ClientID] = entry
		}
		entry.Metadata = data.Metadata
		entry.UpdatedAt = data.Timestamp
	case PresenceLeave:
		delete(sh.presence[key], data.ClientID)
		if len(sh.presence[key]) == 0 {
			delete(sh.presence, key)
		}
	}
	sh.mu.Unlock()

	r.fanOutPresence(sh, key, data, data.ClientID)
}

func presencePeers(entries map[string]*PresenceEntry, excludeClientID string) []PresenceEntry {
	peers := make([]PresenceEntry, 0, len(entries))
	for id, e := range entries {
		if id == excludeClientID {
			continue
		}
		peers = append(peers, *e)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ClientID < peers[j].ClientID })
	return peers
}
