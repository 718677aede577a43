// Package broadcast - Fans pipeline output out to websocket viewers as JSON.
package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/images"
	"github.com/nvr-ai/livedetect/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// sendBuffer is the number of messages queued per viewer. A viewer that
	// falls further behind misses messages.
	sendBuffer = 16
)

// Message types.
const (
	TypeObjects = "objects"
	TypeError   = "error"
	TypeInfo    = "info"
)

// Object is one published result.
type Object struct {
	Label      string             `json:"label"`
	Confidence float32            `json:"confidence"`
	Box        common.BoundingBox `json:"box"`
	Tracked    bool               `json:"tracked"`
}

// Message is the JSON envelope sent to viewers.
type Message struct {
	Type    string   `json:"type"`
	Objects []Object `json:"objects"`
	Message string   `json:"message,omitempty"`
	// Info fields.
	PreviewSize     *images.Size `json:"previewSize,omitempty"`
	ModelInputSize  *images.Size `json:"modelInputSize,omitempty"`
	LastInferenceMs int64        `json:"lastInferenceMs,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub is a pipeline.Listener that relays every callback to connected
// websocket viewers. It serves the websocket endpoint itself.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	last    map[string]Message
}

var _ pipeline.Listener = (*Hub)(nil)

// NewHub creates a hub with no viewers.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		last:    make(map[string]Message),
	}
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and registers the viewer.
// A new viewer first receives the latest info and objects messages.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("broadcast: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan Message, sendBuffer)}

	h.mu.Lock()
	for _, typ := range []string{TypeInfo, TypeObjects} {
		if m, ok := h.last[typ]; ok {
			c.send <- m
		}
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("broadcast: viewer connected", "client", c.id, "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		close(c.send)
		delete(h.clients, c.id)
		h.logger.Info("broadcast: viewer disconnected", "client", c.id)
	}
}

// readPump discards viewer input and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(m); err != nil {
				h.logger.Debug("broadcast: write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast queues m for every viewer without blocking.
func (h *Hub) broadcast(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.Type != TypeError {
		h.last[m.Type] = m
	}
	for _, c := range h.clients {
		select {
		case c.send <- m:
		default:
			h.logger.Debug("broadcast: viewer behind, message dropped", "client", c.id, "type", m.Type)
		}
	}
}

// FoundObjects publishes the current results.
func (h *Hub) FoundObjects(objects []common.TrackedRecognition) {
	out := make([]Object, len(objects))
	for i, o := range objects {
		out[i] = Object{
			Label:      o.Label,
			Confidence: o.Confidence,
			Box:        o.Location(),
			Tracked:    o.Object != nil,
		}
	}
	h.broadcast(Message{Type: TypeObjects, Objects: out})
}

// Error publishes a pipeline error.
func (h *Hub) Error(message string) {
	h.broadcast(Message{Type: TypeError, Message: message})
}

// Info publishes preview and model sizes and the last inference time.
func (h *Hub) Info(previewSize, modelInputSize images.Size, lastInferenceMs int64) {
	h.broadcast(Message{
		Type:            TypeInfo,
		PreviewSize:     &previewSize,
		ModelInputSize:  &modelInputSize,
		LastInferenceMs: lastInferenceMs,
	})
}
