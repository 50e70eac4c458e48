package app

import (
	"sync"

	"cellucid/annotation/internal/annotation"
)

// hub fans local changes out to event stream clients when no shared feed
// is configured. Slow clients miss changes instead of stalling the worker.
type hub struct {
	mu      sync.Mutex
	nextID  int
	clients map[int]chan annotation.Change
	closed  bool
}

func newHub() *hub {
	return &hub{clients: make(map[int]chan annotation.Change)}
}

func (h *hub) subscribe() (<-chan annotation.Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan annotation.Change, 16)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.clients[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.clients[id]; ok {
				delete(h.clients, id)
				close(c)
			}
		})
	}
}

func (h *hub) broadcast(change annotation.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- change:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}
