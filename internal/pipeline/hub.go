package pipeline

import (
	"sync"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
)

// Hub fans values out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses that value.
type Hub[T any] struct {
	name string
	buf  int

	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
}

// NewHub creates a hub whose subscriber channels hold buf values.
func NewHub[T any](name string, buf int) *Hub[T] {
	if buf < 1 {
		buf = 1
	}
	return &Hub[T]{name: name, buf: buf, clients: make(map[int]chan T)}
}

// Subscribe adds a client. The channel is closed by Unsubscribe or Close.
func (h *Hub[T]) Subscribe() (int, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, h.buf)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch

	logger.Debug(h.name, "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *Hub[T]) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		logger.Debug(h.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish offers v to every subscriber and returns how many accepted it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for _, ch := range h.clients {
		select {
		case ch <- v:
			sent++
		default:
			// slow client, skip
		}
	}
	return sent
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
