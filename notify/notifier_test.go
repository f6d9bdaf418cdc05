package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/slotline/relay/change"
	"github.com/slotline/relay/telemetry"
)

func makeEvent(id uint64, table, resourceKey string) change.Event {
	return change.Event{
		ID:          id,
		Table:       table,
		Operation:   change.OpUpdate,
		ResourceKey: resourceKey,
		OccurredAt:  time.Now().UnixMilli(),
	}
}

func TestHub_BasicSubscribePublish(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Publish(makeEvent(1, "bookings", "cal_a"))

	select {
	case ev := <-events:
		if ev.Table != "bookings" || ev.ID != 1 {
			t.Errorf("expected (bookings, 1), got (%s, %d)", ev.Table, ev.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_FilterSpecificTable(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(Filter{Tables: []string{"bookings"}})
	defer cancel()

	hub.Publish(makeEvent(1, "bookings", "cal_a"))

	select {
	case ev := <-events:
		if ev.Table != "bookings" {
			t.Errorf("expected bookings, got %s", ev.Table)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	hub.Publish(makeEvent(2, "calendars", "cal_a"))

	select {
	case ev := <-events:
		t.Errorf("should not receive calendars event, got (%s, %d)", ev.Table, ev.ID)
	case <-time.After(50 * time.Millisecond):
		// Expected - filtered out
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Subscribe(Filter{})
	defer cancelA()
	b, cancelB := hub.Subscribe(Filter{})
	defer cancelB()

	hub.Publish(makeEvent(1, "bookings", "cal_a"))

	for name, ch := range map[string]<-chan change.Event{"a": a, "b": b} {
		select {
		case <-ch:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(Filter{})
	cancel()

	// Cancel must be idempotent
	cancel()

	// Channel is closed after cancel
	if _, ok := <-events; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic
	hub.Publish(makeEvent(1, "bookings", "cal_a"))
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()

	// Never drained - fills up and starts dropping
	_, cancel := hub.Subscribe(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize*4; i++ {
			hub.Publish(makeEvent(uint64(i), "bookings", "cal_a"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

// countingStat records increments so tests can observe metric updates.
type countingStat struct {
	n int
}

func (c *countingStat) Inc()          { c.n++ }
func (c *countingStat) Add(v float64) { c.n += int(v) }

func TestHub_OverflowCountsAsNotifyDrop(t *testing.T) {
	hubDrops := &countingStat{}
	prev := telemetry.NotifyDroppedTotal
	telemetry.NotifyDroppedTotal = hubDrops
	defer func() { telemetry.NotifyDroppedTotal = prev }()

	hub := NewHub()
	_, cancel := hub.Subscribe(Filter{})
	defer cancel()

	// One past the buffer: exactly one event has nowhere to go.
	for i := 0; i <= defaultBufferSize; i++ {
		hub.Publish(makeEvent(uint64(i), "bookings", "cal_a"))
	}

	if hubDrops.n != 1 {
		t.Fatalf("expected 1 hub drop recorded, got %d", hubDrops.n)
	}
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.Publish(makeEvent(1, "bookings", "cal_a"))
				}
			}
		}()
	}

	for i := 0; i < 16; i++ {
		events, cancel := hub.Subscribe(Filter{})
		// Drain a couple then leave
		for j := 0; j < 2; j++ {
			select {
			case <-events:
			case <-time.After(time.Second):
				cancel()
				close(stop)
				wg.Wait()
				t.Fatal("subscriber starved")
			}
		}
		cancel()
	}

	close(stop)
	wg.Wait()
}
