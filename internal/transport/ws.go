// Package transport hosts rendered UI sessions over HTTP: the content
// is served as a plain page and the page talks to its broker through a
// per-session WebSocket. The handshake's Origin header is stamped onto
// every inbound envelope; enforcement belongs to the broker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Shin0205go/mcp-tool-builder/internal/embed"
	"github.com/Shin0205go/mcp-tool-builder/internal/protocol"
)

// ErrSessionClosed is returned by Send after the session is released.
var ErrSessionClosed = errors.New("session closed")

const outboundBuffer = 64

// Hub owns all live render sessions and implements embed.RenderHost.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The upgrade is accepted from any origin so that a
			// rejected sender cannot distinguish "wrong origin" from
			// "no listener". The broker silently drops per message.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// NewContext registers a session and returns its rendering surface.
func (h *Hub) NewContext(_ context.Context, sessionID, html string) (embed.RenderContext, error) {
	s := &Session{
		id:     sessionID,
		html:   html,
		out:    make(chan protocol.Message, outboundBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		hub:    h,
		logger: h.logger,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session %s already exists", sessionID)
	}
	h.sessions[sessionID] = s
	return s, nil
}

// Session returns a live session by id, or nil.
func (h *Hub) Session(sessionID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[sessionID]
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}

// Session is one rendered UI surface plus its message channel. It
// implements embed.RenderContext; the broker uses it as its Sender.
type Session struct {
	id     string
	html   string
	out    chan protocol.Message
	ready  chan struct{}
	done   chan struct{}
	hub    *Hub
	logger *zap.Logger

	readyOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	handler func(env protocol.Envelope)
	conn    *websocket.Conn
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// HTML returns the rendered content for this session.
func (s *Session) HTML() string { return s.html }

// Send queues an outbound message. Blocks while the write pump drains;
// fails once the session is closed.
func (s *Session) Send(msg protocol.Message) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// OnMessage registers the inbound handler.
func (s *Session) OnMessage(fn func(env protocol.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Ready is closed when the UI attaches its WebSocket.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Close releases the session and its connection. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.hub.remove(s.id)
	})
	return nil
}

// attach binds an upgraded connection and starts the pumps. The write
// pump is the only writer, which keeps outbound messages (and so job
// progress) strictly ordered per session.
func (s *Session) attach(conn *websocket.Conn, origin string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("session already attached")
	}
	s.conn = conn
	s.mu.Unlock()

	go s.writePump(conn)
	go s.readLoop(conn, origin)
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *Session) writePump(conn *websocket.Conn) {
	for {
		select {
		case msg := <-s.out:
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("websocket write failed",
					zap.String("session_id", s.id),
					zap.Error(err),
				)
				_ = s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn, origin string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("websocket read ended",
					zap.String("session_id", s.id),
					zap.Error(err),
				)
			}
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Debug("dropping undecodable message",
				zap.String("session_id", s.id),
				zap.Error(err),
			)
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(protocol.Envelope{Origin: origin, Msg: msg})
		}
	}
}
