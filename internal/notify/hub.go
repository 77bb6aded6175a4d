// Package notify fans reconciliation events out to in-process subscribers
// and to websocket clients.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// Event is the message delivered to subscribers
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub delivers every broadcast event to all current subscribers
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]func(Event)
	clients     map[*wsClient]struct{}
	nextID      int
	closed      bool
	logger      *loggy.Logger
	now         func() time.Time
}

// NewHub creates an empty hub
func NewHub(logger *loggy.Logger) *Hub {
	return &Hub{
		subscribers: make(map[int]func(Event)),
		clients:     make(map[*wsClient]struct{}),
		logger:      logger,
		now:         time.Now,
	}
}

// Subscribe registers fn for every future event. The returned function
// removes it and is safe to call more than once.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
		})
	}
}

// Broadcast delivers an event. Callbacks run synchronously on the caller's
// goroutine; websocket clients get the message queued.
func (h *Hub) Broadcast(eventType string, data any) {
	ev := Event{Type: eventType, Data: data, Timestamp: h.now().UTC()}

	h.mu.RLock()
	subs := make([]func(Event), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	hasClients := len(h.clients) > 0
	h.mu.RUnlock()

	for _, fn := range subs {
		h.deliver(fn, ev)
	}

	if !hasClients {
		return
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// slow client
			h.logger.Warn("Dropping websocket client with full buffer", "remote", c.remote)
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Event subscriber panicked", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// Subscribers returns the number of callbacks and websocket clients
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers) + len(h.clients)
}

// Close disconnects every websocket client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
