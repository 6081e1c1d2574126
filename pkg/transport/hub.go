package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marmos91/sharethings/internal/logger"
)

// ErrNotConnected is returned when the target connection is gone.
var ErrNotConnected = errors.New("client not connected")

// writeWait bounds a single socket write.
const writeWait = 10 * time.Second

// Handler processes one inbound envelope. Handlers for a given connection
// are invoked sequentially in arrival order.
type Handler func(c *Conn, msg Message)

// Config contains transport tuning parameters.
type Config struct {
	// MaxFrameSize caps a single inbound frame in bytes.
	MaxFrameSize int64

	// HeartbeatInterval is how often pings are sent to idle connections.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout closes connections with no traffic or pong within
	// the window. Must exceed HeartbeatInterval.
	HeartbeatTimeout time.Duration

	// SendBuffer is the per-connection outbound queue length. A client
	// that falls this far behind is dropped.
	SendBuffer int

	// AllowedOrigin restricts browser upgrades. "*" allows any origin.
	AllowedOrigin string
}

// Hub owns all live connections and their room membership, and routes
// inbound envelopes to registered event handlers.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*Conn
	rooms    map[string]map[string]*Conn
	handlers map[string]Handler

	onDisconnect func(c *Conn)
}

// NewHub creates a hub with the given tuning parameters.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		cfg:      cfg,
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		handlers: make(map[string]Handler),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			return origin == "" || origin == cfg.AllowedOrigin
		},
	}

	return h
}

// OnEvent registers the handler for an event name. Registration must finish
// before the hub starts accepting connections.
func (h *Hub) OnEvent(event string, handler Handler) {
	h.handlers[event] = handler
}

// OnDisconnect registers the callback invoked after a connection is removed
// from the hub and all its rooms.
func (h *Hub) OnDisconnect(fn func(c *Conn)) {
	h.onDisconnect = fn
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			logger.KeyClientIP, r.RemoteAddr,
			logger.KeyError, err.Error(),
		)
		return
	}

	conn := &Conn{
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		ws:         ws,
		hub:        h,
		send:       make(chan []byte, h.cfg.SendBuffer),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	logger.Debug("client connected",
		logger.KeyClientID, conn.id,
		logger.KeyClientIP, conn.remoteAddr,
	)

	go conn.writePump(h.cfg.HeartbeatInterval, writeWait)
	conn.readPump(h.cfg.MaxFrameSize, h.cfg.HeartbeatTimeout)
}

// dispatch routes one inbound envelope to its handler.
func (h *Hub) dispatch(c *Conn, msg Message) {
	handler, ok := h.handlers[msg.Event]
	if !ok {
		logger.Debug("unhandled event",
			logger.KeyClientID, c.id,
			logger.KeyEvent, msg.Event,
		)
		_ = c.Nack(msg.ID, "Internal error")
		return
	}
	handler(c, msg)
}

// drop removes a connection from the hub and every room, closes it, and
// fires the disconnect callback. Idempotent.
func (h *Hub) drop(c *Conn) {
	if !c.markClosed() {
		return
	}

	h.mu.Lock()
	delete(h.conns, c.id)
	for room, members := range h.rooms {
		if _, ok := members[c.id]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	close(c.send)
	_ = c.ws.Close()

	logger.Debug("client disconnected", logger.KeyClientID, c.id)

	if h.onDisconnect != nil {
		h.onDisconnect(c)
	}
}

// Get returns a live connection by ID.
func (h *Hub) Get(clientID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[clientID]
	return c, ok
}

// JoinRoom adds a live connection to a room. Unknown IDs are ignored.
func (h *Hub) JoinRoom(room, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[clientID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Conn)
	}
	h.rooms[room][c.id] = c
}

// LeaveRoom removes a connection from a room.
func (h *Hub) LeaveRoom(room, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize returns the number of connections in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Emit marshals payload and queues it for one connection.
func (h *Hub) Emit(clientID, event string, payload any) error {
	c, ok := h.Get(clientID)
	if !ok {
		return ErrNotConnected
	}
	return c.Emit(event, payload)
}

// EmitRoom queues an envelope for every room member except the excluded
// connection IDs. Delivery is best-effort: slow members are dropped, the
// broadcast continues. Returns the number of members the message was queued
// for.
func (h *Hub) EmitRoom(room, event string, payload any, exclude ...string) (int, error) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return 0, err
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if _, skip := excluded[id]; skip {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	queued := 0
	for _, c := range members {
		if err := c.Send(msg); err == nil {
			queued++
		}
	}
	return queued, nil
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.drop(c)
	}
}
