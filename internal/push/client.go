package push

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/procscope/backend/internal/core"
)

// Frame is one server-to-client message. Data is the full sequence for
// "initial", a pid-wise delta for "delta", and absent for "heartbeat".
// Nothing else goes on the wire; clients may digest frames byte-for-byte.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client is one attached subscriber. writePump owns all connection writes,
// readPump owns all reads, and streamDeltas owns lastSent; the three only
// meet through the send channel and the done signal.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// lastSent is the sequence this subscriber saw most recently. Deltas
	// are computed against it, never against another subscriber's view.
	lastSent []core.Process
}

// closeWith delivers a close frame before tearing the connection down, so
// the peer sees the given code instead of abnormal closure 1006. Control
// writes are safe alongside the write pump.
func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.st.Unsubscribe(c.id)
		c.hub.detach(c)
		c.conn.Close()
		c.hub.log.Info("subscriber detached", "component", "push", "client", c.id)
	})
}

// enqueue hands a frame to the write pump. A full buffer means the
// subscriber cannot keep up; it is closed rather than allowed to stall the
// fan-out.
func (c *Client) enqueue(frameType string, data interface{}) bool {
	payload, err := json.Marshal(Frame{Type: frameType, Data: data})
	if err != nil {
		c.hub.log.Warn("frame marshal failed", "component", "push", "client", c.id, "error", err)
		return true
	}

	select {
	case c.send <- payload:
		c.hub.countFrame(frameType)
		return true
	case <-c.done:
		return false
	default:
		c.hub.log.Warn("send buffer full, closing slow subscriber", "component", "push", "client", c.id)
		c.close()
		return false
	}
}

// streamDeltas sends the initial frame, then one delta frame per store
// commit that actually changed something relative to this subscriber.
func (c *Client) streamDeltas() {
	signal := c.hub.st.Subscribe(c.id)

	snap := c.hub.st.Snapshot()
	c.lastSent = snap
	if !c.enqueue("initial", snap) {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case <-signal:
			snap := c.hub.st.Snapshot()
			d := core.Diff(c.lastSent, snap)
			c.lastSent = snap
			if d.Empty() {
				continue
			}
			if !c.enqueue("delta", d) {
				return
			}
		}
	}
}

// writePump serializes all writes to the connection and emits heartbeats.
func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.log.Warn("write failed", "component", "push", "client", c.id, "error", err)
				return
			}

		case <-ticker.C:
			payload, _ := json.Marshal(Frame{Type: "heartbeat"})
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.log.Warn("heartbeat failed", "component", "push", "client", c.id, "error", err)
				return
			}
			c.hub.countFrame("heartbeat")

		case <-c.done:
			return
		}
	}
}

// readPump drains inbound traffic. The server never acts on client payloads
// beyond liveness: any inbound message, including the JSON ping the browser
// client sends, refreshes the read deadline.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPingHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("read failed", "component", "push", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
	}
}
