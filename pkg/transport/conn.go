package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marmos91/sharethings/internal/logger"
)

// Conn is one client connection. A single writer goroutine drains the send
// channel, so messages queued for a connection are delivered in FIFO order.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	hub        *Hub
	send       chan []byte

	mu     sync.Mutex
	closed bool
}

// ID returns the connection's identifier. It doubles as the client ID for
// the lifetime of the connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address as seen at upgrade time.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Send queues an envelope for delivery. A full send buffer means the client
// cannot keep up; the connection is closed rather than blocking the caller.
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		logger.Warn("send buffer overflow, dropping connection",
			logger.KeyClientID, c.id,
			logger.KeyEvent, msg.Event,
		)
		c.hub.drop(c)
		return ErrNotConnected
	}
}

// Emit marshals payload and queues it under the given event name.
func (c *Conn) Emit(event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Ack sends a success acknowledgement for the message with the given ID.
// data may be nil. No-op when id is empty (the sender did not request one).
func (c *Conn) Ack(id string, data any) error {
	if id == "" {
		return nil
	}

	ack := AckPayload{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		ack.Data = raw
	}

	raw, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return c.Send(Message{Event: EventAck, ID: id, Payload: raw})
}

// Nack sends a failure acknowledgement with a client-facing error message.
// No-op when id is empty.
func (c *Conn) Nack(id, errMsg string) error {
	if id == "" {
		return nil
	}

	raw, err := json.Marshal(AckPayload{Success: false, Error: errMsg})
	if err != nil {
		return err
	}
	return c.Send(Message{Event: EventAck, ID: id, Payload: raw})
}

// markClosed flips the closed flag and reports whether this call did it.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// writePump drains the send channel onto the socket and emits pings on the
// heartbeat interval. Runs as the connection's single writer goroutine.
func (c *Conn) writePump(heartbeat time.Duration, writeWait time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads envelopes off the socket and dispatches them to the hub.
// Pongs extend the read deadline; a silent peer times out.
func (c *Conn) readPump(maxFrameSize int64, timeout time.Duration) {
	defer c.hub.drop(c)

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("connection read error",
					logger.KeyClientID, c.id,
					logger.KeyError, err.Error(),
				)
			}
			return
		}

		// Any inbound traffic proves liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("malformed envelope",
				logger.KeyClientID, c.id,
				logger.KeyError, err.Error(),
			)
			continue
		}

		c.hub.dispatch(c, msg)
	}
}
