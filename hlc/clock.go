package hlc

import (
	"sync"
	"time"
)

// Clock implements a hybrid logical clock. Relay uses it to mint unique,
// roughly time-ordered identifiers for delivery attempts and audit records
// without coordinating through the store.
type Clock struct {
	instanceID uint64
	wallTime   int64
	logical    int32
	lastMS     int64 // Last millisecond used for id generation - logical resets when this changes
	mu         sync.Mutex
}

// Timestamp is a point in time with a logical counter for same-millisecond
// ordering and the instance id as a tiebreaker.
type Timestamp struct {
	WallTime   int64
	Logical    int32
	InstanceID uint64
}

// NewClock creates a clock bound to the given instance id.
func NewClock(instanceID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		instanceID: instanceID,
		wallTime:   now,
		logical:    0,
		lastMS:     now / 1_000_000,
	}
}

// LogicalBits is the number of bits reserved for the logical counter in ids.
// 16 bits = ~65k ids per millisecond per instance.
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits for ToID
const LogicalMask = (1 << LogicalBits) - 1

// InstanceBits is the number of bits reserved for the instance id in ids.
const InstanceBits = 6

// InstanceMask masks the instance id to 6 bits for ToID
const InstanceMask = (1 << InstanceBits) - 1

// TotalShiftBits is the total bits to shift wall time (InstanceBits + LogicalBits)
const TotalShiftBits = InstanceBits + LogicalBits // 22 bits

// MaxLogical is the maximum value for the logical counter before overflow
const MaxLogical = LogicalMask

// Now generates a new timestamp.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// Reset logical when the millisecond changes to prevent overflow into
	// the physical bits of ToID.
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Overflow protection: if the logical counter for this millisecond is
	// exhausted, spin until the next millisecond to avoid id collisions.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime:   c.wallTime,
		Logical:    c.logical,
		InstanceID: c.instanceID,
	}
}

// Compare compares two timestamps.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	if a.WallTime < b.WallTime {
		return -1
	}
	if a.WallTime > b.WallTime {
		return 1
	}

	if a.Logical < b.Logical {
		return -1
	}
	if a.Logical > b.Logical {
		return 1
	}

	if a.InstanceID < b.InstanceID {
		return -1
	}
	if a.InstanceID > b.InstanceID {
		return 1
	}

	return 0
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// ToID converts a timestamp to a unique 64-bit identifier.
// Format: (physical_ms << 22) | (instance_id << 16) | logical
//
// Bit allocation (64 bits total):
//   - 42 bits for wall time in milliseconds (~139 years from epoch)
//   - 6 bits for instance id (64 relay instances max)
//   - 16 bits for logical counter (~65k per ms per instance)
func (t Timestamp) ToID() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	instance := t.InstanceID & InstanceMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (instance << LogicalBits) | logical
}
