package devserver

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// client represents one connected WebSocket client.
type client struct {
	hub    *hub
	conn   *websocket.Conn
	userID int64
	send   chan []byte
	subs   map[int64]bool
	subsMu sync.RWMutex

	// sendMu orders sendJSON against the unregister that closes send;
	// broadcasts run on handler goroutines, not a single hub goroutine.
	sendMu sync.Mutex
	closed bool
}

// hub tracks connections and their thread subscriptions.
type hub struct {
	clients   map[*client]bool
	clientsMu sync.RWMutex
	threads   map[int64]map[*client]bool // threadID -> subscribers
	threadsMu sync.RWMutex
}

func newHub() *hub {
	return &hub{
		clients: make(map[*client]bool),
		threads: make(map[int64]map[*client]bool),
	}
}

func (h *hub) register(c *client) {
	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
	}
	h.clientsMu.Unlock()

	c.subsMu.RLock()
	for threadID := range c.subs {
		h.dropSubscriber(c, threadID)
	}
	c.subsMu.RUnlock()
}

func (h *hub) subscribe(c *client, threadID int64) {
	h.threadsMu.Lock()
	if h.threads[threadID] == nil {
		h.threads[threadID] = make(map[*client]bool)
	}
	h.threads[threadID][c] = true
	h.threadsMu.Unlock()

	c.subsMu.Lock()
	c.subs[threadID] = true
	c.subsMu.Unlock()
}

func (h *hub) unsubscribe(c *client, threadID int64) {
	h.dropSubscriber(c, threadID)

	c.subsMu.Lock()
	delete(c.subs, threadID)
	c.subsMu.Unlock()
}

func (h *hub) dropSubscriber(c *client, threadID int64) {
	h.threadsMu.Lock()
	if subs, ok := h.threads[threadID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.threads, threadID)
		}
	}
	h.threadsMu.Unlock()
}

// subscribers returns the clients subscribed to a thread.
func (h *hub) subscribers(threadID int64) []*client {
	h.threadsMu.RLock()
	defer h.threadsMu.RUnlock()
	out := make([]*client, 0, len(h.threads[threadID]))
	for c := range h.threads[threadID] {
		out = append(out, c)
	}
	return out
}

// sendJSON marshals payload and queues it for the client, dropping it if the
// client's buffer is full.
func (c *client) sendJSON(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("devserver: failed to marshal frame: %v", err)
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) sendError(message string) {
	c.sendJSON(map[string]interface{}{"type": "error", "message": message})
}
