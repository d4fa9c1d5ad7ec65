package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// Chunk wire format.
const (
	chunkEncoding    = "ndjson"
	chunkCompression = "gzip"
)

// bootstrap builds or continues a snapshot of the subscription's
// visible rows at a pinned commit_seq. Each page becomes a stored
// chunk; the response carries chunk descriptors, never bodies. When the
// table is exhausted the subscription flips to incremental at the
// snapshot's basis seq; otherwise the caller gets a continuation state.
func (e *Engine) bootstrap(ctx context.Context, partitionID string, sub Subscription, res scope.Resolution, rowLimit, pageLimit int) (SubscriptionResult, error) {
	var (
		snapshotSeq int64
		afterRowID  string
	)
	if sub.BootstrapState != nil {
		snapshotSeq = sub.BootstrapState.SnapshotSeq
		afterRowID = sub.BootstrapState.AfterRowID

		// A resume is only honoured while the basis commit is still
		// within retained history; once pruning passes it the snapshot
		// can no longer be completed consistently.
		minSeq, err := e.store.MinCommitSeq(ctx, partitionID)
		if err != nil {
			return SubscriptionResult{}, fmt.Errorf("engine: min commit seq: %w", err)
		}
		if minSeq > snapshotSeq {
			return SubscriptionResult{}, syncerr.New(syncerr.CodeChunkExpired, http.StatusNotFound,
				"bootstrap basis %d predates retained history; restart bootstrap", snapshotSeq)
		}
	} else {
		max, err := e.store.MaxCommitSeq(ctx, partitionID)
		if err != nil {
			return SubscriptionResult{}, fmt.Errorf("engine: max commit seq: %w", err)
		}
		snapshotSeq = max
	}

	var (
		chunks   []SnapshotChunkInfo
		complete bool
	)
	for page := 0; page < pageLimit; page++ {
		rows, err := e.store.SnapshotRows(ctx, store.SnapshotQuery{
			PartitionID: partitionID,
			Table:       sub.Table,
			AtSeq:       snapshotSeq,
			AfterRowID:  afterRowID,
			Limit:       rowLimit,
			ScopeKeys:   res.Keys.Strings(),
			MatchAll:    res.All,
		})
		if err != nil {
			return SubscriptionResult{}, fmt.Errorf("engine: snapshot rows: %w", err)
		}
		if len(rows) == 0 {
			complete = true
			break
		}

		info, err := e.buildChunk(ctx, partitionID, sub.Table, rows)
		if err != nil {
			return SubscriptionResult{}, err
		}
		chunks = append(chunks, info)
		afterRowID = rows[len(rows)-1].RowID

		if len(rows) < rowLimit {
			complete = true
			break
		}
	}

	sr := SubscriptionResult{
		ID:        sub.ID,
		Status:    SubscriptionActive,
		Bootstrap: true,
		Commits:   []store.CommitWithChanges{},
		Snapshots: chunks,
	}
	if complete {
		sr.NextCursor = snapshotSeq
	} else {
		sr.NextCursor = -1
		sr.BootstrapState = &BootstrapState{SnapshotSeq: snapshotSeq, AfterRowID: afterRowID}
	}
	return sr, nil
}

// buildChunk serialises one snapshot page as gzip-compressed NDJSON and
// stores it content-addressed: the chunk id is the CIDv1 of the
// compressed bytes, the sha256 covers the same bytes so clients can
// verify what they fetched.
func (e *Engine) buildChunk(ctx context.Context, partitionID, table string, rows []store.Change) (SnapshotChunkInfo, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return SnapshotChunkInfo{}, fmt.Errorf("engine: encode snapshot row %s: %w", row.RowID, err)
		}
		if _, err := gz.Write(append(line, '\n')); err != nil {
			return SnapshotChunkInfo{}, fmt.Errorf("engine: compress snapshot page: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return SnapshotChunkInfo{}, fmt.Errorf("engine: compress snapshot page: %w", err)
	}

	body := buf.Bytes()
	sum := sha256.Sum256(body)
	mh, err := multihash.Sum(body, multihash.SHA2_256, -1)
	if err != nil {
		return SnapshotChunkInfo{}, fmt.Errorf("engine: hash snapshot page: %w", err)
	}
	id := cid.NewCidV1(cid.Raw, mh).String()

	chunk := &store.Chunk{
		ChunkID:     id,
		PartitionID: partitionID,
		Table:       table,
		SHA256:      hex.EncodeToString(sum[:]),
		Encoding:    chunkEncoding,
		Compression: chunkCompression,
		ByteLength:  len(body),
		RowCount:    len(rows),
		Body:        body,
		ExpiresAt:   time.Now().UTC().Add(e.limits.ChunkTTL),
	}
	if err := e.store.PutChunk(ctx, chunk); err != nil {
		return SnapshotChunkInfo{}, fmt.Errorf("engine: store chunk %s: %w", id, err)
	}
	metrics.ChunksBuilt.Inc()
	metrics.ChunkBytes.Observe(float64(len(body)))

	return SnapshotChunkInfo{
		ChunkID:     id,
		Table:       table,
		SHA256:      chunk.SHA256,
		Encoding:    chunkEncoding,
		Compression: chunkCompression,
		ByteLength:  len(body),
		RowCount:    len(rows),
	}, nil
}
