package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"msghub/internal/session"
)

const sendBufferSize = 64

// Timeouts controls the keepalive schedule for a client connection.
type Timeouts struct {
	// PongWait is how long the read side waits for any traffic, including
	// pong control frames, before declaring the connection dead.
	PongWait time.Duration
	// PingPeriod is the interval between outbound pings; must be shorter
	// than PongWait.
	PingPeriod time.Duration
	// WriteWait bounds every outbound write.
	WriteWait time.Duration
}

// Client owns one websocket connection. All writes go through the buffered
// send channel so that a single writer goroutine serializes frames; Send is
// safe to call from any goroutine and never blocks.
type Client struct {
	conn     *websocket.Conn
	timeouts Timeouts

	send chan any
	done chan struct{}
	once sync.Once
}

func NewClient(conn *websocket.Conn, timeouts Timeouts) *Client {
	return &Client{
		conn:     conn,
		timeouts: timeouts,
		send:     make(chan any, sendBufferSize),
		done:     make(chan struct{}),
	}
}

var _ session.Conn = (*Client)(nil)

// Send enqueues a payload for delivery. Returns false when the connection is
// closing or the buffer is full; a full buffer means the reader has stalled
// and the frame is dropped rather than blocking the caller.
func (c *Client) Send(payload any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WritePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings. Runs until Close or a write failure.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.timeouts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.WriteWait))
			if err := c.conn.WriteJSON(payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump reads inbound frames and hands them to handle. Returns when the
// peer goes away or stops answering pings.
func (c *Client) ReadPump(handle func(payload map[string]any)) {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(c.timeouts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.timeouts.PongWait))
		return nil
	})

	for {
		var payload map[string]any
		if err := c.conn.ReadJSON(&payload); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read: %v", err)
			}
			return
		}
		handle(payload)
	}
}

// SendError pushes an error frame to this client only.
func (c *Client) SendError(msg string) {
	c.Send(map[string]any{
		"type":    "error",
		"message": msg,
	})
}
