// Package realtime streams checkout progress to WebSocket clients, grouped by
// checkout session.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 64
)

type subscription struct {
	session string
	conn    *websocket.Conn
}

type message struct {
	session string
	data    []byte
}

// Hub fans messages out to the connections subscribed to a session.
type Hub struct {
	register   chan subscription
	unregister chan subscription
	messages   chan message
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[*websocket.Conn]struct{}
}

// NewHub constructs a Hub. Run must be started before messages are delivered.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan subscription),
		unregister: make(chan subscription),
		messages:   make(chan message, queueSize),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Run processes subscriptions and broadcasts until ctx ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case sub := <-h.register:
			h.mu.Lock()
			conns, ok := h.sessions[sub.session]
			if !ok {
				conns = make(map[*websocket.Conn]struct{})
				h.sessions[sub.session] = conns
			}
			conns[sub.conn] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.remove(sub.session, sub.conn)
		case msg := <-h.messages:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.sessions[msg.session] {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			h.logger.Debug().Err(err).Str("session", msg.session).Msg("dropping progress subscriber")
			conn.Close()
			delete(h.sessions[msg.session], conn)
		}
	}
	if len(h.sessions[msg.session]) == 0 {
		delete(h.sessions, msg.session)
	}
}

func (h *Hub) remove(session string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.sessions[session]; ok {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			conn.Close()
		}
		if len(conns) == 0 {
			delete(h.sessions, session)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for session, conns := range h.sessions {
		for conn := range conns {
			conn.Close()
		}
		delete(h.sessions, session)
	}
}

// Broadcast queues msg for the session's subscribers. It never blocks the
// caller; messages are dropped when the queue is full.
func (h *Hub) Broadcast(session string, msg []byte) {
	select {
	case h.messages <- message{session: session, data: msg}:
	default:
		h.logger.Warn().Str("session", session).Msg("progress queue full, dropping update")
	}
}

// Subscribers counts the connections listening on session.
func (h *Hub) Subscribers(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[session])
}

// Serve upgrades the request and streams session updates until the client
// goes away or ctx ends.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, session string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := subscription{session: session, conn: conn}
	select {
	case h.register <- sub:
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	// Clients never send; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- sub:
	case <-ctx.Done():
	}
	return nil
}
