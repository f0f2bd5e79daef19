// Package push streams committed scan results to WebSocket subscribers.
// Each subscriber receives a full initial frame on attach and pid-wise delta
// frames afterwards, computed against the last sequence that subscriber was
// sent.
package push

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/procscope/backend/internal/metrics"
	"github.com/procscope/backend/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Localhost monitoring tool; the HTTP layer is not exposed beyond the
	// host by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	heartbeatPeriod = 30 * time.Second
	readWait        = 35 * time.Second
	writeWait       = 10 * time.Second
	maxMsgSize      = 4 * 1024
	sendBuffer      = 64
)

// DefaultMaxClients caps concurrent subscribers when no limit is configured.
const DefaultMaxClients = 100

// Hub accepts WebSocket subscribers and fans committed sequences out to them.
type Hub struct {
	st         *store.Store
	metrics    *metrics.Metrics
	log        *slog.Logger
	maxClients int

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub(st *store.Store, m *metrics.Metrics, maxClients int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		st:         st,
		metrics:    m,
		log:        log,
		maxClients: maxClients,
		clients:    make(map[string]*Client),
	}
}

// ClientCount returns the number of attached subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request and attaches a subscriber. Above the client
// cap the connection is upgraded only to deliver a policy-violation close.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "component", "push", "error", err)
		return
	}

	c := &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	if !h.attach(c) {
		h.log.Warn("client cap reached, rejecting subscriber",
			"component", "push", "max_clients", h.maxClients)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many clients")
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return
	}

	h.log.Info("subscriber attached", "component", "push", "client", c.id, "clients", h.ClientCount())

	go c.writePump()
	go c.readPump()
	go c.streamDeltas()
}

// attach registers c unless the cap is already reached.
func (h *Hub) attach(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c.id] = c
	if h.metrics != nil {
		h.metrics.PushClients.Set(float64(len(h.clients)))
	}
	return true
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if h.metrics != nil {
		h.metrics.PushClients.Set(float64(len(h.clients)))
	}
}

// Shutdown closes every attached subscriber with a going-away close frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) countFrame(frameType string) {
	if h.metrics != nil {
		h.metrics.PushFrames.WithLabelValues(frameType).Inc()
	}
}
