package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/logging"
)

// Cross-instance event types.
const (
	EventCommit   = "commit"
	EventPresence = "presence"
)

// Event is one message on the cross-instance bus. SourceInstanceID lets
// receivers skip their own publications.
type Event struct {
	Type             string        `json:"type"`
	PartitionID      string        `json:"partitionId"`
	CommitSeq        int64         `json:"commitSeq,omitempty"`
	ScopeKeys        []string      `json:"scopeKeys,omitempty"`
	ExcludeClientIDs []string      `json:"excludeClientIds,omitempty"`
	Presence         *PresenceData `json:"presence,omitempty"`
	SourceInstanceID string        `json:"sourceInstanceId"`
}

// Broadcaster moves realtime events between instances. Implementations
// must tolerate concurrent Publish calls and deliver to Subscribe
// handlers without ordering guarantees.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(handler func(Event)) (func(), error)
	Close()
}

const defaultSubject = "syncular.realtime"

// NATSBroadcaster carries realtime events over a NATS subject.
type NATSBroadcaster struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATSBroadcaster connects to the NATS server. An empty subject uses
// the default.
func NewNATSBroadcaster(url, subject string) (*NATSBroadcaster, error) {
	if subject == "" {
		subject = defaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("syncular"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect to nats: %w", err)
	}
	return &NATSBroadcaster{
		nc:      nc,
		subject: subject,
		log:     logging.WithComponent("broadcast"),
	}, nil
}

func (b *NATSBroadcaster) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: encode broadcast event: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("realtime: publish broadcast event: %w", err)
	}
	return nil
}

func (b *NATSBroadcaster) Subscribe(handler func(Event)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			b.log.Warn().Err(err).Msg("dropping malformed broadcast event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe to %s: %w", b.subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBroadcaster) Close() {
	_ = b.nc.Drain()
}
