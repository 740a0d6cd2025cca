package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// wsMessage is the frame broadcast to WebSocket subscribers. Kind is one
// of "command", "status", or "event".
type wsMessage struct {
	Kind     string          `json:"kind"`
	DeviceID string          `json:"device_id,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// wsClient is one connected subscriber with a bounded send queue.
type wsClient struct {
	send chan []byte
}

const clientQueueSize = 16

// Hub fans messages out to connected WebSocket clients. Clients whose
// queue is full are disconnected rather than allowed to stall the
// broadcast path.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast queues a message for every connected client. Slow clients are
// dropped.
func (h *Hub) Broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropped slow websocket client")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// serveWS upgrades the request and pumps broadcasts to the client until
// either side goes away. Inbound frames are handed to onMessage.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, onMessage func(ctx context.Context, data []byte)) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // browser clients on the LAN, any origin
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	client := &wsClient{send: make(chan []byte, clientQueueSize)}
	if !h.add(client) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(client)

	ctx := r.Context()

	// Reader: inbound frames are commands from browser clients.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if onMessage != nil {
				onMessage(ctx, data)
			}
		}
	}()

	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "send queue overflow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-readDone:
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}
