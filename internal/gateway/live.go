package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/metrics"
)

const (
	liveConnected     = "connected"
	liveHeartbeat     = "heartbeat"
	liveRequestEvent  = "request_event"
	liveInstanceError = "instance_error"

	liveHeartbeatInterval = 30 * time.Second
	liveWriteTimeout      = 10 * time.Second
	liveDialTimeout       = 10 * time.Second
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// gwFrame is one frame on the aggregated live stream. instance_error
// frames carry the instance at the top level; everything else rides in
// Data.
type gwFrame struct {
	Type       string     `json:"type"`
	InstanceID string     `json:"instanceId,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Data       any        `json:"data,omitempty"`
}

// handleLiveEvents opens one live socket per selected instance and
// funnels their request events into a single stream. A failing
// instance produces an instance_error frame; the session stays open
// for the rest.
func (g *Gateway) handleLiveEvents(c echo.Context) error {
	insts, err := g.selected(c)
	if err != nil {
		return g.fail(c, err)
	}
	bearer := bearerOf(c)

	conn, err := liveUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	frames := make(chan gwFrame, 256)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, inst := range insts {
		wg.Add(1)
		go func(inst config.Instance) {
			defer wg.Done()
			g.relayLive(ctx, inst, bearer, frames)
		}(inst)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(f gwFrame) error {
		conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		return conn.WriteJSON(f)
	}

	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.InstanceID
	}
	if err := write(gwFrame{Type: liveConnected, Data: map[string]any{"instances": ids}}); err != nil {
		return nil
	}

	ticker := time.NewTicker(liveHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hb := map[string]any{"timestamp": time.Now().UTC()}
			if err := write(gwFrame{Type: liveHeartbeat, Data: hb}); err != nil {
				return nil
			}
		case f := <-frames:
			if err := write(f); err != nil {
				return nil
			}
		}
	}
}

// relayLive streams one instance's live events into out, tagging each
// with the instance identity. Downstream connected and heartbeat
// frames are dropped; the gateway heartbeats on its own clock.
func (g *Gateway) relayLive(ctx context.Context, inst config.Instance, bearer string, out chan<- gwFrame) {
	wsURL, err := liveWSURL(inst.BaseURL)
	if err != nil {
		g.instanceError(ctx, out, inst)
		return
	}

	header := http.Header{}
	token := inst.Token
	if token == "" {
		token = bearer
	}
	if token != "" {
		header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: liveDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		g.instanceError(ctx, out, inst)
		return
	}
	defer conn.Close()
	metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "ok").Inc()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				g.instanceError(ctx, out, inst)
			}
			return
		}

		var f struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		if f.Type != liveRequestEvent {
			continue
		}

		data := map[string]any{}
		if len(f.Data) > 0 {
			dec := json.NewDecoder(bytes.NewReader(f.Data))
			dec.UseNumber()
			if err := dec.Decode(&data); err != nil {
				continue
			}
		}
		data["instanceId"] = inst.InstanceID
		data["instanceLabel"] = inst.Label

		select {
		case out <- gwFrame{Type: liveRequestEvent, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) instanceError(ctx context.Context, out chan<- gwFrame, inst config.Instance) {
	metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
	ts := time.Now().UTC()
	select {
	case out <- gwFrame{Type: liveInstanceError, InstanceID: inst.InstanceID, Timestamp: &ts}:
	case <-ctx.Done():
	}
}

// liveWSURL rewrites an instance base URL into its live-events
// WebSocket endpoint.
func liveWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/console/events/live"
	return u.String(), nil
}
