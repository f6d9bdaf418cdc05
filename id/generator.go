// Package id provides unique identifier generation for delivery attempts
// and audit records.
package id

import "github.com/slotline/relay/hlc"

// Generator provides unique ids. Ids are unique across relay instances and
// roughly time-ordered, which keeps operator listings naturally sorted.
type Generator interface {
	NextID() uint64
}

// HLCGenerator generates unique ids using the hybrid logical clock.
// Thread-safe via the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates an id generator backed by the given clock.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID generates a unique 64-bit id.
// See hlc.Timestamp.ToID for bit allocation details.
func (g *HLCGenerator) NextID() uint64 {
	return g.clock.Now().ToID()
}
