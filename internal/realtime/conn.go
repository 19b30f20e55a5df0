// internal/realtime/conn.go
package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shieldchat/presence/internal/log"
)

const (
	// Send buffer size for outbound messages
	defaultSendBuffer = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 30 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum inbound message size
	maxMessageSize = 64 * 1024
)

// Reasons reported when an outbound frame is skipped.
const (
	dropBufferFull = "buffer_full"
	dropClosed     = "closed"
)

// Conn is one client transport plus its registry entry. identity and
// channels belong to the hub and are only touched with hub.mu held.
type Conn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub

	identity string
	channels map[string]struct{}

	send      chan []byte   // outbound message queue
	done      chan struct{} // closed when connection ends
	closeOnce sync.Once
}

// NewConn registers a connection for ws and returns it. ws may be nil in
// tests that read the send queue directly.
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		ws:       ws,
		hub:      h,
		channels: make(map[string]struct{}),
		send:     make(chan []byte, h.sendBuffer),
		done:     make(chan struct{}),
	}
	h.registerConn(conn)
	return conn
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// enqueue queues data without blocking. It returns the drop reason, or ""
// when the frame was queued.
func (c *Conn) enqueue(data []byte) string {
	select {
	case <-c.done:
		return dropClosed
	default:
	}
	select {
	case c.send <- data:
		return ""
	default:
		return dropBufferFull
	}
}

// Close tears the connection down once and runs disconnect handling.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.Disconnect(c)
		}
	})
}

// ReadPump reads messages from the WebSocket connection until it fails.
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("realtime: read error", log.KeyConnID, c.id, "error", err.Error())
			}
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			n := len(data)
			if n > 100 {
				n = 100
			}
			log.Debug("realtime: invalid message", log.KeyConnID, c.id, "error", err.Error(),
				"raw", fmt.Sprintf("%q", data[:n]), "len", len(data))
			continue
		}

		c.hub.Handle(c, env)
	}
}

// WritePump writes queued messages and keepalive pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
