// Package events fans session lifecycle events out to stream subscribers.
// Publishing never blocks: a subscriber that stops draining its channel
// loses events rather than stalling the dispatcher.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/boma/internal/protocol"
)

const defaultBuffer = 64

// Hub is a broadcast fan-out for protocol events.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	nextID int64
	subs   map[int64]chan *protocol.Event

	dropped     atomic.Int64
	dropCounter prometheus.Counter // nil = unmetered
}

// NewHub creates a Hub. buffer is the per-subscriber channel depth; zero
// means the default.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[int64]chan *protocol.Event),
	}
}

// WithDropCounter attaches a Prometheus counter that tracks events lost to
// slow subscribers, alongside the hub's own total.
func (h *Hub) WithDropCounter(c prometheus.Counter) *Hub {
	h.dropCounter = c
	return h
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel func. Cancel closes the channel; the subscriber must stop reading
// after calling it.
func (h *Hub) Subscribe() (<-chan *protocol.Event, func()) {
	ch := make(chan *protocol.Event, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
// Full subscribers are skipped and counted.
func (h *Hub) Publish(ev *protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			if h.dropCounter != nil {
				h.dropCounter.Inc()
			}
			h.logger.Warn("event dropped for slow subscriber",
				slog.String("type", string(ev.Type)),
				slog.String("task_id", ev.TaskID),
			)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total number of events dropped on full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
