package api

import (
	"sync"

	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/sirupsen/logrus"
)

const defaultClientBuffer = 256

// Hub fans scan events out to stream subscribers. It is the sink handed to the scan
// service by the API; each subscriber sees only the site it asked for.
type Hub struct {
	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	buffer  int
}

type subscriber struct {
	site   string
	events chan events.Event
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.events) })
}

// NewHub creates a hub whose subscribers buffer up to buffer events
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = defaultClientBuffer
	}
	return &Hub{clients: make(map[*subscriber]struct{}), buffer: buffer}
}

// Emit implements events.Sink. A subscriber that cannot keep up is disconnected.
func (h *Hub) Emit(ev events.Event) {
	h.mu.RLock()
	var slow []*subscriber
	for c := range h.clients {
		if c.site != "" && c.site != ev.Site {
			continue
		}
		select {
		case c.events <- ev:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logrus.Warnf("[%s] Event stream subscriber too slow, disconnecting", ev.Site)
		h.remove(c)
	}
}

// Subscribe registers a subscriber for site ("" for every site). The channel is closed
// by cancel or when the subscriber falls behind.
func (h *Hub) Subscribe(site string) (<-chan events.Event, func()) {
	c := &subscriber{site: site, events: make(chan events.Event, h.buffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	return c.events, func() { h.remove(c) }
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}
