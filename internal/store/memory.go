package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
// One mutex guards everything; the write volume a dev instance sees
// makes finer locking pointless.
type Memory struct {
	mu         sync.RWMutex
	partitions map[string]*memPartition

	chunks map[string]*Chunk

	events      []RequestEvent
	nextEventID int64

	payloads map[string]*PayloadSnapshot

	operations []OperationEvent
	nextOpID   int64

	apiKeys map[string]*APIKey
}

type memPartition struct {
	lastSeq int64
	commits []Commit // ascending by CommitSeq
	changes []Change // ascending by (CommitSeq, ChangeID)
	byIdem  map[string]int64
	cursors map[string]*Cursor
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]*memPartition),
		chunks:     make(map[string]*Chunk),
		payloads:   make(map[string]*PayloadSnapshot),
		apiKeys:    make(map[string]*APIKey),
	}
}

// Close is a no-op for the memory store.
func (m *Memory) Close() {}

// Ping always succeeds; the memory store has nothing to reach.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) partition(id string) *memPartition {
	p, ok := m.partitions[id]
	if !ok {
		p = &memPartition{
			byIdem:  make(map[string]int64),
			cursors: make(map[string]*Cursor),
		}
		m.partitions[id] = p
	}
	return p
}

func idemKey(clientID, clientCommitID string) string {
	return clientID + "\x00" + clientCommitID
}

// latestChange returns the newest change for (table, rowID), or nil.
func (p *memPartition) latestChange(table, rowID string) *Change {
	for i := len(p.changes) - 1; i >= 0; i-- {
		ch := &p.changes[i]
		if ch.Table == table && ch.RowID == rowID {
			return ch
		}
	}
	return nil
}

func (p *memPartition) commitBySeq(seq int64) *Commit {
	i := sort.Search(len(p.commits), func(i int) bool { return p.commits[i].CommitSeq >= seq })
	if i < len(p.commits) && p.commits[i].CommitSeq == seq {
		return &p.commits[i]
	}
	return nil
}

// --- CommitStore ---

func (m *Memory) AppendCommit(_ context.Context, in CommitInput) (*CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.partition(in.PartitionID)

	if seq, ok := p.byIdem[idemKey(in.ClientID, in.ClientCommitID)]; ok {
		prior := p.commitBySeq(seq)
		res := &CommitResult{CommitSeq: seq, Replayed: true}
		if prior != nil {
			res.CreatedAt = prior.CreatedAt
			res.AffectedTables = append([]string(nil), prior.AffectedTables...)
		}
		return res, nil
	}

	if cur, ok := p.cursors[in.ClientID]; ok && cur.ActorID != in.ActorID {
		return nil, fmt.Errorf("%w: client %s", ErrActorMismatch, in.ClientID)
	}

	now := in.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	seq := p.lastSeq + 1
	changes := make([]Change, 0, len(in.Operations))
	var conflicts []Conflict
	tables := make(map[string]struct{})
	keys := make(map[string]struct{})
	pending := make(map[string]int) // row key -> index into changes

	for i, op := range in.Operations {
		var current int64
		var latest *Change
		if j, ok := pending[op.Table+"\x00"+op.RowID]; ok {
			latest = &changes[j]
		} else {
			latest = p.latestChange(op.Table, op.RowID)
		}
		if latest != nil {
			current = latest.RowVersion
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
		if op.Op == OpDelete && len(scopeKeys) == 0 && latest != nil {
			scopes = latest.Scopes
			scopeKeys = latest.ScopeKeys
		}

		changes = append(changes, Change{
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
		})
		pending[op.Table+"\x00"+op.RowID] = len(changes) - 1
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

	p.lastSeq = seq
	p.commits = append(p.commits, Commit{
		CommitSeq:      seq,
		PartitionID:    in.PartitionID,
		ActorID:        in.ActorID,
		ClientID:       in.ClientID,
		ClientCommitID: in.ClientCommitID,
		ChangeCount:    len(changes),
		AffectedTables: affected,
		CreatedAt:      now,
	})
	p.changes = append(p.changes, changes...)
	p.byIdem[idemKey(in.ClientID, in.ClientCommitID)] = seq

	if cur, ok := p.cursors[in.ClientID]; ok {
		cur.UpdatedAt = now
	} else {
		p.cursors[in.ClientID] = &Cursor{
			PartitionID: in.PartitionID,
			ClientID:    in.ClientID,
			ActorID:     in.ActorID,
			UpdatedAt:   now,
		}
	}

	return &CommitResult{
		CommitSeq:      seq,
		CreatedAt:      now,
		AffectedTables: affected,
		ScopeKeys:      sortedSet(keys),
		Changes:        append([]Change(nil), changes...),
	}, nil
}

func (m *Memory) CommitsAfter(_ context.Context, f ChangeFilter) ([]CommitWithChanges, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[f.PartitionID]
	if !ok {
		return nil, nil
	}

	keys := stringSet(f.ScopeKeys)
	var out []CommitWithChanges
	for _, ch := range p.changes {
		if ch.CommitSeq <= f.After || ch.Table != f.Table {
			continue
		}
		if !f.MatchAll && !anyIn(ch.ScopeKeys, keys) {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Commit.CommitSeq == ch.CommitSeq {
			last := &out[len(out)-1]
			last.Changes = append(last.Changes, ch)
			continue
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		commit := p.commitBySeq(ch.CommitSeq)
		if commit == nil {
			continue
		}
		out = append(out, CommitWithChanges{Commit: *commit, Changes: []Change{ch}})
	}
	return out, nil
}

func (m *Memory) SnapshotRows(_ context.Context, q SnapshotQuery) ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[q.PartitionID]
	if !ok {
		return nil, nil
	}

	latest := make(map[string]Change)
	for _, ch := range p.changes {
		if ch.CommitSeq > q.AtSeq || ch.Table != q.Table {
			continue
		}
		if q.AfterRowID != "" && ch.RowID <= q.AfterRowID {
			continue
		}
		latest[ch.RowID] = ch
	}

	keys := stringSet(q.ScopeKeys)
	rows := make([]Change, 0, len(latest))
	for _, ch := range latest {
		if ch.Op != OpUpsert {
			continue
		}
		if !q.MatchAll && !anyIn(ch.ScopeKeys, keys) {
			continue
		}
		rows = append(rows, ch)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowID < rows[j].RowID })
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (m *Memory) GetCommit(_ context.Context, partitionID string, seq int64) (*Commit, []Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[partitionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: commit %d", ErrNotFound, seq)
	}
	commit := p.commitBySeq(seq)
	if commit == nil {
		return nil, nil, fmt.Errorf("%w: commit %d", ErrNotFound, seq)
	}

	var changes []Change
	for _, ch := range p.changes {
		if ch.CommitSeq == seq {
			changes = append(changes, ch)
		}
	}
	out := *commit
	return &out, changes, nil
}

func (m *Memory) ListCommits(_ context.Context, opt ListOptions) ([]Commit, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Commit
	for id, p := range m.partitions {
		if opt.PartitionID != "" && id != opt.PartitionID {
			continue
		}
		all = append(all, p.commits...)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].CommitSeq > all[j].CommitSeq
	})
	return pageSlice(all, opt.Offset, opt.Limit), len(all), nil
}

func (m *Memory) MaxCommitSeq(_ context.Context, partitionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.partitions[partitionID]; ok {
		return p.lastSeq, nil
	}
	return 0, nil
}

func (m *Memory) MinCommitSeq(_ context.Context, partitionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.partitions[partitionID]; ok && len(p.commits) > 0 {
		return p.commits[0].CommitSeq, nil
	}
	return 0, nil
}

func (m *Memory) ScopeKeysForCommit(_ context.Context, partitionID string, seq int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[partitionID]
	if !ok {
		return nil, nil
	}
	keys := make(map[string]struct{})
	for _, ch := range p.changes {
		if ch.CommitSeq != seq {
			continue
		}
		for _, k := range ch.ScopeKeys {
			keys[k] = struct{}{}
		}
	}
	return sortedSet(keys), nil
}

// --- CursorStore ---

func (m *Memory) GetCursor(_ context.Context, partitionID, clientID string) (*Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.partitions[partitionID]; ok {
		if cur, ok := p.cursors[clientID]; ok {
			out := *cur
			out.EffectiveScopes = append([]string(nil), cur.EffectiveScopes...)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
}

func (m *Memory) UpsertCursor(_ context.Context, cur Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.partition(cur.PartitionID)
	now := cur.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	existing, ok := p.cursors[cur.ClientID]
	if !ok {
		p.cursors[cur.ClientID] = &Cursor{
			PartitionID:     cur.PartitionID,
			ClientID:        cur.ClientID,
			ActorID:         cur.ActorID,
			Cursor:          cur.Cursor,
			EffectiveScopes: append([]string(nil), cur.EffectiveScopes...),
			UpdatedAt:       now,
		}
		return nil
	}
	if existing.ActorID != cur.ActorID {
		return fmt.Errorf("%w: client %s", ErrActorMismatch, cur.ClientID)
	}
	if cur.Cursor > existing.Cursor {
		existing.Cursor = cur.Cursor
	}
	if cur.EffectiveScopes != nil {
		existing.EffectiveScopes = append([]string(nil), cur.EffectiveScopes...)
	}
	existing.UpdatedAt = now
	return nil
}

func (m *Memory) ListCursors(_ context.Context, opt ListOptions) ([]Cursor, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Cursor
	for id, p := range m.partitions {
		if opt.PartitionID != "" && id != opt.PartitionID {
			continue
		}
		for _, cur := range p.cursors {
			out := *cur
			out.EffectiveScopes = append([]string(nil), cur.EffectiveScopes...)
			all = append(all, out)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ClientID < all[j].ClientID
	})
	return pageSlice(all, opt.Offset, opt.Limit), len(all), nil
}

func (m *Memory) DeleteCursor(_ context.Context, partitionID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.partitions[partitionID]; ok {
		if _, ok := p.cursors[clientID]; ok {
			delete(p.cursors, clientID)
			return nil
		}
	}
	return fmt.Errorf("%w: client %s", ErrNotFound, clientID)
}

func (m *Memory) MinActiveCursor(_ context.Context, partitionID string, since time.Time) (*int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[partitionID]
	if !ok {
		return nil, nil
	}
	var min *int64
	for _, cur := range p.cursors {
		if cur.UpdatedAt.Before(since) {
			continue
		}
		v := cur.Cursor
		if min == nil || v < *min {
			min = &v
		}
	}
	return min, nil
}

// --- ChunkStore ---

func (m *Memory) PutChunk(_ context.Context, chunk *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *chunk
	m.chunks[chunk.ChunkID] = &cp
	return nil
}

func (m *Memory) GetChunk(_ context.Context, chunkID string) (*Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunk, ok := m.chunks[chunkID]
	if !ok || !chunk.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
	}
	out := *chunk
	return &out, nil
}

func (m *Memory) DeleteExpiredChunks(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, chunk := range m.chunks {
		if !chunk.ExpiresAt.After(now) {
			delete(m.chunks, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InvalidateChunks(_ context.Context, partitionID string, tables []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := stringSet(tables)
	var n int64
	for id, chunk := range m.chunks {
		if chunk.PartitionID != partitionID {
			continue
		}
		if _, ok := set[chunk.Table]; ok {
			delete(m.chunks, id)
			n++
		}
	}
	return n, nil
}

// --- EventStore ---

func (m *Memory) InsertRequestEvent(_ context.Context, ev *RequestEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	cp := *ev
	cp.EventID = m.nextEventID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, cp)
	return cp.EventID, nil
}

func (m *Memory) GetRequestEvent(_ context.Context, eventID int64) (*RequestEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.events {
		if m.events[i].EventID == eventID {
			out := m.events[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: event %d", ErrNotFound, eventID)
}

func (m *Memory) ListRequestEvents(_ context.Context, f EventFilter) ([]RequestEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []RequestEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if f.PartitionID != "" && ev.PartitionID != f.PartitionID {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.ClientID != "" && ev.ClientID != f.ClientID {
			continue
		}
		if f.ActorID != "" && ev.ActorID != f.ActorID {
			continue
		}
		if f.Outcome != "" && ev.Outcome != f.Outcome {
			continue
		}
		all = append(all, ev)
	}
	return pageSlice(all, f.Offset, f.Limit), len(all), nil
}

func (m *Memory) DeleteRequestEvents(_ context.Context, partitionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if partitionID == "" {
		n := int64(len(m.events))
		m.events = nil
		return n, nil
	}
	kept := m.events[:0]
	var n int64
	for _, ev := range m.events {
		if ev.PartitionID == partitionID {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return n, nil
}

func (m *Memory) PruneRequestEvents(_ context.Context, olderThan time.Time, maxRows int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]RequestEvent, 0, len(m.events))
	var n int64
	for _, ev := range m.events {
		if ev.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	if maxRows > 0 && len(kept) > maxRows {
		n += int64(len(kept) - maxRows)
		kept = kept[len(kept)-maxRows:]
	}
	m.events = kept
	return n, nil
}

func (m *Memory) InsertPayloadSnapshot(_ context.Context, p *PayloadSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.payloads[p.PayloadRef] = &cp
	return nil
}

func (m *Memory) GetPayloadSnapshot(_ context.Context, payloadRef string) (*PayloadSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payloads[payloadRef]
	if !ok {
		return nil, fmt.Errorf("%w: payload %s", ErrNotFound, payloadRef)
	}
	out := *p
	return &out, nil
}

func (m *Memory) DeleteOrphanPayloads(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	referenced := make(map[string]struct{}, len(m.events))
	for _, ev := range m.events {
		if ev.PayloadRef != "" {
			referenced[ev.PayloadRef] = struct{}{}
		}
	}
	var n int64
	for ref := range m.payloads {
		if _, ok := referenced[ref]; !ok {
			delete(m.payloads, ref)
			n++
		}
	}
	return n, nil
}

// --- OperationStore ---

func (m *Memory) InsertOperationEvent(_ context.Context, op *OperationEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextOpID++
	cp := *op
	cp.OperationID = m.nextOpID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.operations = append(m.operations, cp)
	return cp.OperationID, nil
}

func (m *Memory) GetOperationEvent(_ context.Context, operationID int64) (*OperationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.operations {
		if m.operations[i].OperationID == operationID {
			out := m.operations[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: operation %d", ErrNotFound, operationID)
}

func (m *Memory) ListOperationEvents(_ context.Context, opt ListOptions) ([]OperationEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []OperationEvent
	for i := len(m.operations) - 1; i >= 0; i-- {
		op := m.operations[i]
		if opt.PartitionID != "" && op.PartitionID != opt.PartitionID {
			continue
		}
		all = append(all, op)
	}
	return pageSlice(all, opt.Offset, opt.Limit), len(all), nil
}

func (m *Memory) PruneOperationEvents(_ context.Context, olderThan time.Time, maxRows int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]OperationEvent, 0, len(m.operations))
	var n int64
	for _, op := range m.operations {
		if op.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, op)
	}
	if maxRows > 0 && len(kept) > maxRows {
		n += int64(len(kept) - maxRows)
		kept = kept[len(kept)-maxRows:]
	}
	m.operations = kept
	return n, nil
}

// --- APIKeyStore ---

func (m *Memory) CreateAPIKey(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.apiKeys[key.KeyID] = &cp
	return nil
}

func (m *Memory) GetAPIKey(_ context.Context, keyID string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.apiKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	out := *key
	return &out, nil
}

func (m *Memory) GetAPIKeyByHash(_ context.Context, keyHash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range m.apiKeys {
		if key.KeyHash == keyHash {
			out := *key
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: api key", ErrNotFound)
}

func (m *Memory) ListAPIKeys(_ context.Context) ([]APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]APIKey, 0, len(m.apiKeys))
	for _, key := range m.apiKeys {
		keys = append(keys, *key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].KeyID < keys[j].KeyID
	})
	return keys, nil
}

func (m *Memory) UpdateAPIKeySecret(_ context.Context, keyID, keyHash, keyPrefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[keyID]
	if !ok {
		return fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	key.KeyHash = keyHash
	key.KeyPrefix = keyPrefix
	return nil
}

func (m *Memory) SetAPIKeyExpiry(_ context.Context, keyID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[keyID]
	if !ok {
		return fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	key.ExpiresAt = &expiresAt
	return nil
}

func (m *Memory) RevokeAPIKey(_ context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[keyID]
	if !ok {
		return fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	if key.RevokedAt == nil {
		key.RevokedAt = &at
	}
	return nil
}

func (m *Memory) TouchAPIKey(_ context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.apiKeys[keyID]; ok {
		key.LastUsedAt = &at
	}
	return nil
}

// --- MaintenanceStore ---

func (m *Memory) Partitions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.partitions))
	for id := range m.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) MaxCommitSeqBefore(_ context.Context, partitionID string, before time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[partitionID]
	if !ok {
		return 0, nil
	}
	var max int64
	for _, c := range p.commits {
		if c.CreatedAt.Before(before) && c.CommitSeq > max {
			max = c.CommitSeq
		}
	}
	return max, nil
}

func (m *Memory) PruneCommits(_ context.Context, partitionID string, watermark int64, keepNewest int) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partitionID]
	if !ok {
		return 0, 0, nil
	}

	var keepFrom int64 // lowest seq protected by keepNewest
	if keepNewest > 0 && len(p.commits) > keepNewest {
		keepFrom = p.commits[len(p.commits)-keepNewest].CommitSeq
	} else if keepNewest > 0 {
		keepFrom = 0
		if len(p.commits) > 0 {
			keepFrom = p.commits[0].CommitSeq
		}
	}

	prunable := func(seq int64) bool {
		if seq > watermark {
			return false
		}
		return keepNewest <= 0 || seq < keepFrom
	}

	keptCommits := p.commits[:0]
	var commitCount int64
	for _, c := range p.commits {
		if prunable(c.CommitSeq) {
			delete(p.byIdem, idemKey(c.ClientID, c.ClientCommitID))
			commitCount++
			continue
		}
		keptCommits = append(keptCommits, c)
	}
	p.commits = keptCommits

	changeCount := p.dropSuperseded(func(ch Change) bool { return prunable(ch.CommitSeq) })
	return commitCount, changeCount, nil
}

func (m *Memory) CountPrunableCommits(_ context.Context, partitionID string, watermark int64, keepNewest int) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[partitionID]
	if !ok {
		return 0, nil
	}
	var keepFrom int64
	if keepNewest > 0 && len(p.commits) > keepNewest {
		keepFrom = p.commits[len(p.commits)-keepNewest].CommitSeq
	} else if keepNewest > 0 && len(p.commits) > 0 {
		keepFrom = p.commits[0].CommitSeq
	}
	var n int64
	for _, c := range p.commits {
		if c.CommitSeq <= watermark && (keepNewest <= 0 || c.CommitSeq < keepFrom) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CompactChanges(_ context.Context, partitionID string, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partitionID]
	if !ok {
		return 0, nil
	}
	return p.dropSuperseded(func(ch Change) bool { return ch.CreatedAt.Before(olderThan) }), nil
}

// dropSuperseded removes eligible changes that a newer change for the
// same (table, row) supersedes. The latest change per row always stays.
func (p *memPartition) dropSuperseded(eligible func(Change) bool) int64 {
	latest := make(map[string]int, len(p.changes))
	for i, ch := range p.changes {
		latest[ch.Table+"\x00"+ch.RowID] = i
	}

	kept := p.changes[:0]
	var n int64
	for i, ch := range p.changes {
		if eligible(ch) && latest[ch.Table+"\x00"+ch.RowID] != i {
			n++
			continue
		}
		kept = append(kept, ch)
	}
	p.changes = kept
	return n
}

// --- StatsStore ---

func (m *Memory) Stats(_ context.Context, partitionID string, activeSince time.Time) (*SyncStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &SyncStats{}
	p, ok := m.partitions[partitionID]
	if !ok {
		return stats, nil
	}

	stats.CommitCount = int64(len(p.commits))
	stats.ChangeCount = int64(len(p.changes))
	stats.ClientCount = int64(len(p.cursors))
	if len(p.commits) > 0 {
		min := p.commits[0].CommitSeq
		max := p.commits[len(p.commits)-1].CommitSeq
		stats.MinCommitSeq = &min
		stats.MaxCommitSeq = &max
	}
	for _, cur := range p.cursors {
		if cur.UpdatedAt.Before(activeSince) {
			continue
		}
		stats.ActiveClientCount++
		v := cur.Cursor
		if stats.MinActiveCursor == nil || v < *stats.MinActiveCursor {
			c := v
			stats.MinActiveCursor = &c
		}
		if stats.MaxActiveCursor == nil || v > *stats.MaxActiveCursor {
			c := v
			stats.MaxActiveCursor = &c
		}
	}
	return stats, nil
}

func (m *Memory) Timeseries(_ context.Context, partitionID string, since time.Time) ([]TimeseriesBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type agg struct {
		push, pull, errs int64
		latencySum       float64
		count            int64
	}
	buckets := make(map[time.Time]*agg)
	for _, ev := range m.events {
		if ev.PartitionID != partitionID || ev.CreatedAt.Before(since) {
			continue
		}
		ts := ev.CreatedAt.UTC().Truncate(time.Minute)
		a, ok := buckets[ts]
		if !ok {
			a = &agg{}
			buckets[ts] = a
		}
		switch ev.EventType {
		case EventTypePush:
			a.push++
		case EventTypePull:
			a.pull++
		}
		if ev.ResponseStatus != ResponseSuccess {
			a.errs++
		}
		a.latencySum += ev.DurationMs
		a.count++
	}

	out := make([]TimeseriesBucket, 0, len(buckets))
	for ts, a := range buckets {
		b := TimeseriesBucket{
			Timestamp:  ts,
			PushCount:  a.push,
			PullCount:  a.pull,
			ErrorCount: a.errs,
		}
		if a.count > 0 {
			b.AvgLatencyMs = a.latencySum / float64(a.count)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) LatencyStats(_ context.Context, partitionID string, since time.Time) (*LatencyStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var durations []float64
	for _, ev := range m.events {
		if ev.PartitionID != partitionID || ev.CreatedAt.Before(since) {
			continue
		}
		durations = append(durations, ev.DurationMs)
	}
	stats := &LatencyStats{SampleCount: int64(len(durations))}
	if len(durations) == 0 {
		return stats, nil
	}
	sort.Float64s(durations)
	stats.P50Ms = percentile(durations, 0.50)
	stats.P90Ms = percentile(durations, 0.90)
	stats.P99Ms = percentile(durations, 0.99)
	return stats, nil
}

// percentile is nearest-rank over a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *Memory) Timeline(_ context.Context, opt ListOptions) ([]TimelineItem, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []TimelineItem
	for id, p := range m.partitions {
		if opt.PartitionID != "" && id != opt.PartitionID {
			continue
		}
		for i := range p.commits {
			c := p.commits[i]
			seq := c.CommitSeq
			all = append(all, TimelineItem{
				ItemType:  TimelineCommit,
				LocalID:   strconv.FormatInt(seq, 10),
				Timestamp: c.CreatedAt,
				ActorID:   c.ActorID,
				ClientID:  c.ClientID,
				Summary:   fmt.Sprintf("%d changes: %s", c.ChangeCount, strings.Join(c.AffectedTables, ", ")),
				CommitSeq: &seq,
			})
		}
	}
	for i := range m.events {
		ev := m.events[i]
		if opt.PartitionID != "" && ev.PartitionID != opt.PartitionID {
			continue
		}
		id := ev.EventID
		all = append(all, TimelineItem{
			ItemType:  TimelineEvent,
			LocalID:   strconv.FormatInt(id, 10),
			Timestamp: ev.CreatedAt,
			ActorID:   ev.ActorID,
			ClientID:  ev.ClientID,
			Summary:   ev.EventType + " " + ev.ResponseStatus,
			EventID:   &id,
		})
	}
	for i := range m.operations {
		op := m.operations[i]
		if opt.PartitionID != "" && op.PartitionID != opt.PartitionID {
			continue
		}
		id := op.OperationID
		all = append(all, TimelineItem{
			ItemType:    TimelineOperation,
			LocalID:     strconv.FormatInt(id, 10),
			Timestamp:   op.CreatedAt,
			ClientID:    op.TargetClientID,
			Summary:     op.OperationType,
			OperationID: &id,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].LocalID > all[j].LocalID
	})
	return pageSlice(all, opt.Offset, opt.Limit), len(all), nil
}

// --- helpers shared by implementations ---

func stringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func anyIn(items []string, set map[string]struct{}) bool {
	for _, s := range items {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func dedupeSorted(items []string) []string {
	return sortedSet(stringSet(items))
}

func pageSlice[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
