package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Live event stream frame types.
const (
	liveConnected    = "connected"
	liveHeartbeat    = "heartbeat"
	liveRequestEvent = "request_event"
)

const liveHeartbeatInterval = 30 * time.Second

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// liveFrame is one console event-stream message.
type liveFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleLiveEvents streams request events to a console WebSocket as
// the recorder writes them. A consumer that falls behind misses frames
// rather than backing up the recorder.
func (s *Server) handleLiveEvents(c echo.Context) error {
	partition := c.QueryParam("partitionId")

	ws, err := liveUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote its own response.
		return nil
	}
	defer ws.Close()

	events, cancel := s.rec.Subscribe()
	defer cancel()

	// The console sends nothing meaningful; reading surfaces the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadLimit(1024)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(f liveFrame) error {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteJSON(f)
	}

	if err := write(liveFrame{Type: liveConnected, Data: map[string]string{"instanceId": s.cfg.InstanceID}}); err != nil {
		return nil
	}

	ticker := time.NewTicker(liveHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case <-ticker.C:
			if err := write(liveFrame{Type: liveHeartbeat, Data: map[string]any{"timestamp": time.Now().UTC()}}); err != nil {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if partition != "" && ev.PartitionID != partition {
				continue
			}
			if err := write(liveFrame{Type: liveRequestEvent, Data: ev}); err != nil {
				return nil
			}
		}
	}
}
