// Package bridge exposes the central's frame stream to UI clients over
// WebSocket. The UI boundary only accepts text, so frame bytes cross it
// base64-encoded in both directions.
package bridge

import (
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/companion-blue/logger"
)

// Event is one message exchanged with UI clients. Payload is the base64
// encoding of the raw frame bytes.
type Event struct {
	Kind    string `json:"kind"` // "frame"
	Payload string `json:"payload"`
}

const writeTimeout = 100 * time.Millisecond

// Hub fans frames out to connected WebSocket clients and feeds inbound
// client frames to a single consumer callback.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	// writeMu serializes broadcasts; gorilla connections do not allow
	// concurrent writers.
	writeMu sync.Mutex

	upgrader websocket.Upgrader

	// onInbound receives decoded frame bytes sent by clients.
	onInbound func(data []byte)
}

// NewHub creates a hub. onInbound may be nil for broadcast-only use.
func NewHub(onInbound func(data []byte)) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		onInbound: onInbound,
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("bridge", "websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	logger.Debug("bridge", "client connected (%d total)", h.ClientCount())

	go h.readLoop(conn)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Kind != "frame" || h.onInbound == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(ev.Payload)
		if err != nil {
			logger.Warn("bridge", "dropping client event with bad base64: %v", err)
			continue
		}
		h.onInbound(data)
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastFrame pushes raw frame bytes to every client, base64-encoded.
// Clients that fail the write are dropped.
func (h *Hub) BroadcastFrame(data []byte) {
	ev := Event{Kind: "frame", Payload: base64.StdEncoding.EncodeToString(data)}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	var failed []*websocket.Conn
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		h.remove(conn)
	}
}

// Close drops all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}
