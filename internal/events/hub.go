// Package events pushes analysis state and speech to connected UI clients
// over websockets.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
)

const (
	EventState = "state"
	EventSpeak = "speak"

	writeWait  = 10 * time.Second
	sendBuffer = 16
)

var _ analysis.Speaker = (*Hub)(nil)

// Event is the message sent to clients. Sequence increases across all
// events the hub sends, and state events are sent in snapshot order, so a
// client may drop any event whose Sequence is lower than one already seen.
// A newer speak event cancels the utterance in progress.
type Event struct {
	Type     string             `json:"type"`
	Sequence uint64             `json:"sequence"`
	Text     string             `json:"text,omitempty"`
	Snapshot *analysis.Snapshot `json:"snapshot,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks websocket clients and broadcasts events to them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	seq      atomic.Uint64

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	// stateMu serializes state broadcasts; lastState is the newest snapshot
	// sequence sent.
	stateMu   sync.Mutex
	lastState uint64
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("events_hub"),
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Speak broadcasts an utterance to every client.
func (h *Hub) Speak(text string) {
	h.broadcast(Event{Type: EventSpeak, Text: text})
}

// PublishState broadcasts a state snapshot. It matches the Tracker.Subscribe
// callback signature. Snapshots not newer than the last one sent are skipped.
func (h *Hub) PublishState(snap analysis.Snapshot) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if snap.Sequence != 0 && snap.Sequence <= h.lastState {
		return
	}
	h.lastState = snap.Sequence
	h.broadcast(Event{Type: EventState, Snapshot: &snap})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) broadcast(ev Event) {
	ev.Sequence = h.seq.Add(1)
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err), zap.String("type", ev.Type))
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}
