// Package notify carries change events from the feed consumer to in-process
// subscribers on the realtime path. The webhook path does not go through the
// hub; it hangs off the feed consumer directly so delivery stays durable.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/slotline/relay/change"
	"github.com/slotline/relay/telemetry"
)

// defaultBufferSize is the buffer size for subscriber channels.
// Sized to handle typical burst rates while keeping memory low.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultBufferSize = 64

// Filter restricts which events a subscriber receives.
// nil or empty Tables matches every table.
type Filter struct {
	Tables []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan change.Event
	closed atomic.Bool
}

// matches checks if the table matches this subscription's filter.
func (s *subscription) matches(table string) bool {
	if len(s.filter.Tables) == 0 {
		return true
	}

	for _, t := range s.filter.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for change events.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new change notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish sends an event to all matching subscribers (non-blocking).
func (h *Hub) Publish(ev change.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(ev.Table) {
			continue
		}

		select {
		case sub.ch <- ev:
		default:
			// Buffer full, skip this subscriber. The realtime path is not
			// durable; a slow subscriber catches up on its next refetch.
			telemetry.NotifyDroppedTotal.Inc()
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and
// cancel function. The channel is buffered; if the subscriber cannot keep up,
// Publish() drops events and counts them. The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan change.Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan change.Event, defaultBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
