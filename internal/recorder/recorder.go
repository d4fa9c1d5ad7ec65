// Package recorder persists request events off the hot path. Handlers
// enqueue finished events; a single background writer inserts them so
// a slow events table never stalls a sync response. The queue drops
// under pressure rather than blocking.
package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/store"
)

const (
	queueDepth      = 1024
	writeTimeout    = 5 * time.Second
	subscriberDepth = 256

	// maxPayloadBytes caps stored payload snapshots; larger bodies are
	// replaced by a truncation envelope with a preview.
	maxPayloadBytes = 64 * 1024
	previewBytes    = 4 * 1024
)

type job struct {
	event   *store.RequestEvent
	payload *store.PayloadSnapshot
}

// Recorder is the background request-event writer. It also fans written
// events out to live subscribers (the console's event stream).
type Recorder struct {
	events store.EventStore
	log    zerolog.Logger

	queue chan job
	done  chan struct{}
	seen  *lru.Cache[string, struct{}]

	subMu sync.RWMutex
	subs  map[chan *store.RequestEvent]struct{}
}

// New starts the background writer.
func New(events store.EventStore) *Recorder {
	seen, _ := lru.New[string, struct{}](256)
	r := &Recorder{
		events: events,
		log:    logging.WithComponent("recorder"),
		queue:  make(chan job, queueDepth),
		done:   make(chan struct{}),
		seen:   seen,
		subs:   make(map[chan *store.RequestEvent]struct{}),
	}
	go r.run()
	return r
}

// Record derives the remaining event fields and enqueues the event.
// When request or response bodies are given they are stored as a
// linked payload snapshot. Never blocks; under pressure the event is
// dropped and counted.
func (r *Recorder) Record(ev *store.RequestEvent, reqBody, respBody json.RawMessage) {
	if ev.ResponseStatus == "" {
		ev.ResponseStatus = ResponseStatusFor(ev.StatusCode, ev.Outcome)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	j := job{event: ev}
	if len(reqBody) > 0 || len(respBody) > 0 {
		ref := uuid.NewString()
		ev.PayloadRef = ref
		j.payload = &store.PayloadSnapshot{
			PayloadRef:      ref,
			PartitionID:     ev.PartitionID,
			RequestPayload:  Truncate(reqBody),
			ResponsePayload: Truncate(respBody),
			CreatedAt:       ev.CreatedAt,
		}
	}

	select {
	case r.queue <- j:
	default:
		metrics.RecorderDropped.Inc()
		r.logOnce("queue-full", func(e *zerolog.Event) {
			e.Int("depth", queueDepth).Msg("recorder queue full, dropping events")
		})
	}
}

// Close drains the queue and stops the writer.
func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if j.payload != nil {
			if err := r.events.InsertPayloadSnapshot(ctx, j.payload); err != nil {
				r.logOnce("insert-payload", func(e *zerolog.Event) {
					e.Err(err).Msg("payload snapshot insert failed")
				})
				j.event.PayloadRef = ""
			}
		}
		id, err := r.events.InsertRequestEvent(ctx, j.event)
		cancel()
		if err != nil {
			r.logOnce("insert-event", func(e *zerolog.Event) {
				e.Err(err).Msg("request event insert failed")
			})
			continue
		}
		j.event.EventID = id
		r.broadcast(j.event)
	}
}

// Subscribe taps the stream of written events. The channel buffers
// subscriberDepth events; a subscriber that falls behind misses frames
// rather than stalling the writer. Call cancel when done.
func (r *Recorder) Subscribe() (<-chan *store.RequestEvent, func()) {
	ch := make(chan *store.RequestEvent, subscriberDepth)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, ch)
			r.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (r *Recorder) broadcast(ev *store.RequestEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// logOnce logs at most once per distinct key for the lifetime of the
// seen cache, so a persistent storage failure cannot flood the log.
func (r *Recorder) logOnce(key string, fn func(*zerolog.Event)) {
	if _, dup := r.seen.Get(key); dup {
		return
	}
	r.seen.Add(key, struct{}{})
	fn(r.log.Warn())
}

// Truncate caps a payload at maxPayloadBytes, replacing oversized
// bodies with an envelope carrying the original size and a preview.
func Truncate(raw json.RawMessage) json.RawMessage {
	if len(raw) <= maxPayloadBytes {
		return raw
	}
	env, _ := json.Marshal(map[string]any{
		"truncated":         true,
		"originalSizeBytes": len(raw),
		"preview":           string(raw[:previewBytes]),
	})
	return env
}

// ResponseStatusFor derives the coarse response class stored on events
// from the HTTP status and the push outcome.
func ResponseStatusFor(statusCode int, outcome string) string {
	switch {
	case statusCode >= 500:
		return store.ResponseServerError
	case statusCode >= 400:
		return store.ResponseClientError
	case outcome == store.OutcomeError || outcome == store.OutcomeRejected:
		return store.ResponseFailure
	default:
		return store.ResponseSuccess
	}
}
