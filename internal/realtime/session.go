package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/recorder"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/syncerr"
)

const (
	// writeTimeout is the deadline for writing a single frame.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong; two missed ping
	// intervals close the socket.
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second

	// authGrace is how long an unauthenticated socket may live before
	// it must have presented an auth message.
	authGrace = 5 * time.Second

	outboundBuffer = 256
	maxMessageSize = 1 << 20
)

// Close codes. 1001 is the protocol's going-away code; the 4xxx codes
// are application-assigned.
const (
	CloseGoingAway       = 1001
	CloseUnauthenticated = 4001
	CloseEvicted         = 4009
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator resolves a bearer credential to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)
}

// PushMeta carries per-push correlation fields from the socket message.
type PushMeta struct {
	RequestID string
	TraceID   string
	SpanID    string
}

// PushHandler applies a push received over a session and returns the
// response payload for the push-response frame.
type PushHandler func(ctx context.Context, pr *auth.Principal, partitionID, clientID string, body json.RawMessage, meta PushMeta) (any, error)

// SessionConfig wires one WebSocket session.
type SessionConfig struct {
	Registry  *Registry
	Auth      Authenticator
	Push      PushHandler
	Partition string
	ClientID  string
	// Principal is the identity from the HTTP Authorization header;
	// nil means the client must authenticate in-band within authGrace.
	Principal *auth.Principal
}

// inboundMessage is any client-to-server frame.
type inboundMessage struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"requestId,omitempty"`
	Token       string          `json:"token,omitempty"`
	Action      string          `json:"action,omitempty"`
	ScopeKey    string          `json:"scopeKey,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Traceparent string          `json:"traceparent,omitempty"`
	SentryTrace string          `json:"sentryTrace,omitempty"`
}

type connectedData struct {
	ClientID    string `json:"clientId"`
	PartitionID string `json:"partitionId"`
	ActorID     string `json:"actorId,omitempty"`
}

type pushResponseData struct {
	RequestID string `json:"requestId,omitempty"`
	Push      any    `json:"push"`
}

// Session is one live WebSocket connection. It owns the socket; the
// registry reaches it only through the Conn interface.
type Session struct {
	id        string
	partition string
	clientID  string

	cfg SessionConfig
	log zerolog.Logger

	ws     *websocket.Conn
	out    chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	principal *auth.Principal

	closeOnce  sync.Once
	unregister func()
}

// ServeSession upgrades the request and runs the session until the
// socket closes. Capacity is checked before the upgrade so cap
// rejections surface as plain HTTP 429s.
func ServeSession(w http.ResponseWriter, r *http.Request, cfg SessionConfig) error {
	if err := cfg.Registry.CheckCapacity(cfg.Partition, cfg.ClientID); err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		return nil
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &Session{
		id:        uuid.NewString(),
		partition: cfg.Partition,
		clientID:  cfg.ClientID,
		cfg:       cfg,
		log: logging.WithComponent("session").With().
			Str("partition_id", cfg.Partition).
			Str("client_id", cfg.ClientID).Logger(),
		ws:        ws,
		out:       make(chan Frame, outboundBuffer),
		ctx:       ctx,
		cancel:    cancel,
		principal: cfg.Principal,
	}
	s.run()
	return nil
}

func (s *Session) run() {
	started := time.Now()
	defer func() {
		s.cancel()
		if s.unregister != nil {
			s.unregister()
		}
		_ = s.ws.Close()
		s.log.Debug().Dur("duration", time.Since(started)).Msg("session closed")
	}()

	unregister, err := s.cfg.Registry.Register(s, s.grantKeys())
	if err != nil {
		se := syncerr.From(err)
		_ = s.writeFrame(Frame{Event: FrameError, Data: ErrorData{Error: se.Code, Message: se.Message}})
		s.closeWith(websocket.CloseTryAgainLater, se.Code)
		return
	}
	s.unregister = unregister

	s.enqueue(Frame{Event: FrameConnected, Data: connectedData{
		ClientID:    s.clientID,
		PartitionID: s.partition,
		ActorID:     s.ActorID(),
	}})

	go s.writePump()

	if s.principalUnset() {
		timer := time.AfterFunc(authGrace, func() {
			if s.principalUnset() {
				s.Close(CloseUnauthenticated, syncerr.CodeUnauthenticated)
			}
		})
		defer timer.Stop()
	}

	s.readPump()
}

func (s *Session) readPump() {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError("", syncerr.Invalid("malformed message"))
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.out:
			if err := s.writeFrame(f); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
			if err := s.writeFrame(Frame{Event: FrameHeartbeat, Data: map[string]any{"timestamp": time.Now().UTC()}}); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) writeFrame(f Frame) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(f)
}

func (s *Session) handleMessage(msg inboundMessage) {
	switch msg.Type {
	case MessageAuth:
		s.handleAuth(msg)
	case MessagePush:
		s.handlePush(msg)
	case MessagePresence:
		s.handlePresence(msg)
	default:
		s.sendError(msg.RequestID, syncerr.Invalid("unknown message type %q", msg.Type))
	}
}

func (s *Session) handleAuth(msg inboundMessage) {
	token := msg.Token
	if token == "" && len(msg.Data) > 0 {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(msg.Data, &body)
		token = body.Token
	}

	pr, err := s.cfg.Auth.Authenticate(s.ctx, token)
	if err != nil {
		s.sendError(msg.RequestID, syncerr.Unauthenticated("invalid credentials"))
		s.Close(CloseUnauthenticated, syncerr.CodeUnauthenticated)
		return
	}
	if pr.PartitionID != "" && pr.PartitionID != s.partition {
		s.sendError(msg.RequestID, syncerr.Forbidden("credential is bound to partition %s", pr.PartitionID))
		s.Close(CloseUnauthenticated, syncerr.CodeForbidden)
		return
	}

	s.mu.Lock()
	s.principal = pr
	s.mu.Unlock()

	s.cfg.Registry.UpdateClientScopeKeys(s.partition, s.clientID, s.grantKeys())
	s.enqueue(Frame{Event: FrameConnected, Data: connectedData{
		ClientID:    s.clientID,
		PartitionID: s.partition,
		ActorID:     pr.ActorID,
	}})
}

func (s *Session) handlePush(msg inboundMessage) {
	pr := s.currentPrincipal()
	if pr == nil {
		s.sendError(msg.RequestID, syncerr.Unauthenticated("authenticate before pushing"))
		return
	}
	traceID, spanID := recorder.ParseTraceContext(msg.Traceparent, msg.SentryTrace)
	result, err := s.cfg.Push(s.ctx, pr, s.partition, s.clientID, msg.Data, PushMeta{
		RequestID: msg.RequestID,
		TraceID:   traceID,
		SpanID:    spanID,
	})
	if err != nil {
		s.sendError(msg.RequestID, err)
		return
	}
	s.enqueue(Frame{Event: FramePushResponse, Data: pushResponseData{
		RequestID: msg.RequestID,
		Push:      result,
	}})
}

func (s *Session) handlePresence(msg inboundMessage) {
	pr := s.currentPrincipal()
	if pr == nil {
		s.sendError(msg.RequestID, syncerr.Unauthenticated("authenticate before presence"))
		return
	}
	if msg.ScopeKey == "" {
		s.sendError(msg.RequestID, syncerr.Invalid("presence requires a scopeKey"))
		return
	}
	plain := scope.Key(msg.ScopeKey)
	if !pr.Grant().Allows(plain) {
		s.sendError(msg.RequestID, syncerr.Forbidden("scope %s is outside the grant", msg.ScopeKey))
		return
	}
	key := plain.InPartition(s.partition)

	switch msg.Action {
	case PresenceJoin:
		peers, err := s.cfg.Registry.JoinPresence(key, s.clientID, pr.ActorID, msg.Metadata)
		if err != nil {
			s.sendError(msg.RequestID, err)
			return
		}
		s.enqueue(Frame{Event: FramePresence, Data: PresenceData{
			Action:    PresenceJoin,
			ScopeKey:  msg.ScopeKey,
			ClientID:  s.clientID,
			ActorID:   pr.ActorID,
			Metadata:  msg.Metadata,
			Peers:     peers,
			Timestamp: time.Now().UTC(),
		}})
	case PresenceUpdate:
		if err := s.cfg.Registry.UpdatePresence(key, s.clientID, msg.Metadata); err != nil {
			s.sendError(msg.RequestID, err)
		}
	case PresenceLeave:
		if err := s.cfg.Registry.LeavePresence(key, s.clientID); err != nil {
			s.sendError(msg.RequestID, err)
		}
	default:
		s.sendError(msg.RequestID, syncerr.Invalid("unknown presence action %q", msg.Action))
	}
}

func (s *Session) sendError(requestID string, err error) {
	se := syncerr.From(err)
	s.enqueue(Frame{Event: FrameError, Data: ErrorData{
		RequestID: requestID,
		Error:     se.Code,
		Message:   se.Message,
	}})
}

func (s *Session) enqueue(f Frame) {
	select {
	case s.out <- f:
	default:
	}
}

func (s *Session) grantKeys() []scope.PartitionedKey {
	pr := s.currentPrincipal()
	if pr == nil {
		return nil
	}
	return pr.Grant().Keys.Partitioned(s.partition)
}

func (s *Session) currentPrincipal() *auth.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

func (s *Session) principalUnset() bool {
	return s.currentPrincipal() == nil
}

func (s *Session) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.cancel()
}

// Conn implementation.

func (s *Session) ID() string          { return s.id }
func (s *Session) ClientID() string    { return s.clientID }
func (s *Session) PartitionID() string { return s.partition }

func (s *Session) ActorID() string {
	if pr := s.currentPrincipal(); pr != nil {
		return pr.ActorID
	}
	return ""
}

// Send queues a frame without blocking. False means the frame was
// dropped; the client recovers on its next pull.
func (s *Session) Send(f Frame) bool {
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

// Close force-closes the socket with an application close code. Safe to
// call from any goroutine and more than once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() { s.closeWith(code, reason) })
}
