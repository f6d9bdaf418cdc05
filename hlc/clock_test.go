package hlc

import (
	"testing"
)

func TestClock_Now(t *testing.T) {
	clock := NewClock(1)

	ts1 := clock.Now()
	if ts1.InstanceID != 1 {
		t.Errorf("Expected instance ID 1, got %d", ts1.InstanceID)
	}
	if ts1.WallTime == 0 {
		t.Error("Wall time should not be zero")
	}

	// Calling Now again immediately should increment logical
	ts2 := clock.Now()
	if ts2.WallTime != ts1.WallTime {
		// Physical time advanced - logical restarts
		if ts2.Logical != 1 {
			t.Errorf("If wall time advanced, logical should restart at 1, got %d", ts2.Logical)
		}
	} else {
		if ts2.Logical != ts1.Logical+1 {
			t.Errorf("Expected logical %d, got %d", ts1.Logical+1, ts2.Logical)
		}
	}
}

func TestClock_MonotonicIncrement(t *testing.T) {
	clock := NewClock(1)

	timestamps := make([]Timestamp, 100)
	for i := 0; i < 100; i++ {
		timestamps[i] = clock.Now()
	}

	for i := 1; i < len(timestamps); i++ {
		if !After(timestamps[i], timestamps[i-1]) {
			t.Errorf("Timestamp %d not after %d", i, i-1)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a    Timestamp
		b    Timestamp
		want int
	}{
		{
			name: "a before b (wall time)",
			a:    Timestamp{WallTime: 100, Logical: 0, InstanceID: 1},
			b:    Timestamp{WallTime: 200, Logical: 0, InstanceID: 1},
			want: -1,
		},
		{
			name: "a after b (wall time)",
			a:    Timestamp{WallTime: 200, Logical: 0, InstanceID: 1},
			b:    Timestamp{WallTime: 100, Logical: 0, InstanceID: 1},
			want: 1,
		},
		{
			name: "a before b (logical)",
			a:    Timestamp{WallTime: 100, Logical: 0, InstanceID: 1},
			b:    Timestamp{WallTime: 100, Logical: 1, InstanceID: 1},
			want: -1,
		},
		{
			name: "instance id tiebreaker",
			a:    Timestamp{WallTime: 100, Logical: 1, InstanceID: 1},
			b:    Timestamp{WallTime: 100, Logical: 1, InstanceID: 2},
			want: -1,
		},
		{
			name: "equal",
			a:    Timestamp{WallTime: 100, Logical: 1, InstanceID: 1},
			b:    Timestamp{WallTime: 100, Logical: 1, InstanceID: 1},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			if tt.want < 0 && !Less(tt.a, tt.b) {
				t.Error("Less() should be true")
			}
		})
	}
}

func TestToID_Unique(t *testing.T) {
	clock := NewClock(3)

	seen := make(map[uint64]bool)
	for i := 0; i < 10000; i++ {
		id := clock.Now().ToID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %d", id)
		}
		seen[id] = true
	}
}

func TestToID_TimeOrdered(t *testing.T) {
	clock := NewClock(1)

	prev := clock.Now().ToID()
	for i := 0; i < 1000; i++ {
		next := clock.Now().ToID()
		if next <= prev {
			t.Fatalf("ids not increasing: %d then %d", prev, next)
		}
		prev = next
	}
}
