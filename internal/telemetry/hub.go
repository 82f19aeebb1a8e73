// Package telemetry fans loop snapshots out to live consumers: in-process
// subscribers (the web stream) and a best-effort UDP publisher.
package telemetry

import (
	"sync"
	"sync/atomic"

	"rcvehicle/internal/loop"
)

// Hub is a loop.Sink that forwards every snapshot to its subscribers without
// blocking. A subscriber that falls behind misses snapshots. The most recent
// snapshot is replayed to new subscribers.
type Hub struct {
	mu       sync.RWMutex
	subs     map[int]chan loop.Snapshot
	nextID   int
	last     loop.Snapshot
	haveLast bool

	dropped atomic.Uint64
	onDrop  func()
}

var _ loop.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan loop.Snapshot)}
}

// OnDrop registers a callback invoked for every snapshot a subscriber
// missed. It must be set before the hub is shared.
func (h *Hub) OnDrop(fn func()) {
	h.onDrop = fn
}

func (h *Hub) Subscribe(buffer int) (int, <-chan loop.Snapshot) {
	if h == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan loop.Snapshot, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	last, have := h.last, h.haveLast
	h.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	if h == nil {
		return
	}
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish never blocks.
func (h *Hub) Publish(s loop.Snapshot) {
	if h == nil {
		return
	}
	// Holding the read lock keeps Unsubscribe from closing a channel
	// mid-send.
	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
	h.mu.RUnlock()

	h.mu.Lock()
	h.last = s
	h.haveLast = true
	h.mu.Unlock()
}

// Last returns the most recent snapshot.
func (h *Hub) Last() (loop.Snapshot, bool) {
	if h == nil {
		return loop.Snapshot{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.haveLast
}

// Dropped is the number of snapshots subscribers missed.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Subscribers is the current subscriber count.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
