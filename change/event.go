// Package change defines the normalized change event emitted by the feed
// consumer and fanned out to the realtime and webhook delivery paths.
package change

import (
	"fmt"
	"time"
)

// Operation types for change events
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// OpName returns the wire name for an operation code.
func OpName(op uint8) string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", op)
	}
}

// Event represents a single committed row-level change.
// Immutable once emitted; consumers must not mutate Before/After.
type Event struct {
	ID          uint64                 `msgpack:"id"`   // Unique event id (idempotency key)
	Table       string                 `msgpack:"tbl"`  // Source table name
	Operation   uint8                  `msgpack:"op"`   // 0=INSERT, 1=UPDATE, 2=DELETE
	ResourceKey string                 `msgpack:"rkey"` // Fan-out key (e.g. calendar id)
	Before      map[string]interface{} `msgpack:"before"`
	After       map[string]interface{} `msgpack:"after"`
	OccurredAt  int64                  `msgpack:"ts"` // Commit timestamp (unix ms)
}

// Type returns the client-facing event type, e.g. "bookings_update".
func (e Event) Type() string {
	return e.Table + "_update"
}

// Time returns the commit timestamp as time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.OccurredAt)
}

// Handler consumes events in feed order. Handlers on the durable path
// return an error to prevent the feed message from being acknowledged.
type Handler interface {
	HandleChange(ev Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev Event) error

func (f HandlerFunc) HandleChange(ev Event) error {
	return f(ev)
}
