package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/feed"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultOutboxSize      = 64
	defaultWriteTimeout    = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 16 << 10
	maxSessionIDLength     = 64

	offsetQueryParam  = "offset"
	sessionQueryParam = "session"
	seqQueryParam     = "seq"
)

var errInvalidHandshake = errors.New("invalid feed handshake")

// RealtimeConfig tunes the websocket transport.
type RealtimeConfig struct {
	OutboxSize      int
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	return c
}

func (c RealtimeConfig) pingInterval() time.Duration {
	return c.PongWait * 9 / 10
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
	Seq   uint64 `json:"seq,omitempty"`
}

func newOutboundFrame(event feed.OutboundEvent) outboundFrame {
	args := event.Args
	if args == nil {
		args = []any{}
	}
	return outboundFrame{Event: event.Name, Args: args, Seq: event.Seq}
}

// feedSession adapts one websocket to feed.Sink. A single writer goroutine
// drains the outbox; the reader runs on the handler goroutine.
type feedSession struct {
	ws       *websocket.Conn
	settings RealtimeConfig
	logger   *zap.Logger

	outbox     chan feed.OutboundEvent
	ctx        context.Context
	cancel     context.CancelFunc
	writerDone chan struct{}
}

func newFeedSession(parent context.Context, ws *websocket.Conn, settings RealtimeConfig, logger *zap.Logger) *feedSession {
	ctx, cancel := context.WithCancel(parent)
	return &feedSession{
		ws:         ws,
		settings:   settings,
		logger:     logger,
		outbox:     make(chan feed.OutboundEvent, settings.OutboxSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
}

func (s *feedSession) TrySend(event feed.OutboundEvent) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.outbox <- event:
		return true
	default:
		return false
	}
}

func (s *feedSession) Send(ctx context.Context, event feed.OutboundEvent) error {
	if s.ctx.Err() != nil {
		return feed.ErrConnectionClosed
	}
	select {
	case s.outbox <- event:
		return nil
	case <-s.ctx.Done():
		return feed.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *feedSession) Close() {
	s.cancel()
}

// serve runs the session until the client leaves or the server shuts down.
func (s *feedSession) serve(engine FeedEngine, request feed.ConnectRequest) {
	go s.writeLoop()
	defer func() {
		s.Close()
		<-s.writerDone
	}()

	conn, err := engine.Connect(s.ctx, s, request)
	if err != nil {
		s.logger.Warn("feed connection rejected", zap.Error(err))
		return
	}
	defer engine.Disconnect(conn)

	s.readLoop(engine, conn)
}

func (s *feedSession) readLoop(engine FeedEngine, conn *feed.Connection) {
	s.ws.SetReadLimit(s.settings.MaxMessageBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.settings.PongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.settings.PongWait))
	})

	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("feed socket read failed",
					zap.String("connection_id", conn.ID()),
					zap.Error(err))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.settings.PongWait))

		var event feed.InboundEvent
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err == nil {
			event = feed.InboundEvent{Name: frame.Event, Data: frame.Data}
		}
		// failures are reported to the client as error events
		_ = engine.HandleEvent(s.ctx, conn, event)
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *feedSession) writeLoop() {
	defer close(s.writerDone)
	defer s.ws.Close()

	ticker := time.NewTicker(s.settings.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.settings.WriteTimeout),
			)
			return
		case event := <-s.outbox:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.ws.WriteJSON(newOutboundFrame(event)); err != nil {
				// a websocket write deadline cannot be recovered
				s.logger.Debug("feed socket write failed", zap.String("event", event.Name), zap.Error(err))
				s.cancel()
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// parseConnectRequest reads the resume position from the handshake query.
func parseConnectRequest(r *http.Request) (feed.ConnectRequest, error) {
	query := r.URL.Query()
	var request feed.ConnectRequest

	if raw := strings.TrimSpace(query.Get(offsetQueryParam)); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || offset < 0 {
			return feed.ConnectRequest{}, fmt.Errorf("%w: offset must be a non-negative integer", errInvalidHandshake)
		}
		request.Offset = offset
	}
	if raw := strings.TrimSpace(query.Get(seqQueryParam)); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return feed.ConnectRequest{}, fmt.Errorf("%w: seq must be a non-negative integer", errInvalidHandshake)
		}
		request.LastSeq = seq
		request.HasSeq = true
	}
	sessionID := strings.TrimSpace(query.Get(sessionQueryParam))
	if len(sessionID) > maxSessionIDLength {
		return feed.ConnectRequest{}, fmt.Errorf("%w: session id too long", errInvalidHandshake)
	}
	request.SessionID = sessionID
	return request, nil
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// upgradeHeader carries cookies set by earlier middleware into the 101 response.
func upgradeHeader(written http.Header) http.Header {
	cookies := written.Values("Set-Cookie")
	if len(cookies) == 0 {
		return nil
	}
	header := http.Header{}
	for _, cookie := range cookies {
		header.Add("Set-Cookie", cookie)
	}
	return header
}
