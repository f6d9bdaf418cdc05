package id

import (
	"sync"
	"testing"

	"github.com/slotline/relay/hlc"
)

func TestHLCGenerator_Unique(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	seen := make(map[uint64]bool)
	for i := 0; i < 5000; i++ {
		id := gen.NextID()
		if seen[id] {
			t.Fatalf("duplicate id: %d", id)
		}
		seen[id] = true
	}
}

func TestHLCGenerator_ConcurrentUnique(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(2))

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, gen.NextID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate id: %d", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()
}

func TestDifferentInstances_NoCollision(t *testing.T) {
	gen1 := NewHLCGenerator(hlc.NewClock(1))
	gen2 := NewHLCGenerator(hlc.NewClock(2))

	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		a, b := gen1.NextID(), gen2.NextID()
		if a == b || seen[a] || seen[b] {
			t.Fatalf("collision between instances: %d %d", a, b)
		}
		seen[a] = true
		seen[b] = true
	}
}
