package api

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pairlist/domain"
)

func TestNextTimestampRangeMonotonic(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})

	first := nextTimestampRange(3)
	second := nextTimestampRange(1)
	if second < first+3 {
		t.Fatalf("expected second range to start after reserved block, got first=%d second=%d", first, second)
	}
	if nextTimestampRange(0) != 0 {
		t.Fatalf("expected zero for empty range")
	}
}

func TestNextTimestampRangeConcurrent(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})

	const goroutines = 16
	const perGoroutine = 50

	results := make([]int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				results[g*perGoroutine+i] = nextTimestampRange(2)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, len(results))
	for _, ts := range results {
		if _, dup := seen[ts]; dup {
			t.Fatalf("duplicate range start %d", ts)
		}
		seen[ts] = struct{}{}
		// The second slot of each range must not collide with another start.
		if _, dup := seen[ts+1]; dup {
			t.Fatalf("overlapping ranges at %d", ts)
		}
	}
}

func TestFinalizeMutationsSequentialTimestamps(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})
	atomic.StoreInt64(&lastTimestamp, time.Now().Add(time.Second).UnixNano())

	muts := []domain.Mutation{
		{Type: domain.OpAddItem},
		{IdempotencyKey: "known", Type: domain.OpToggleDone},
	}
	keys := finalizeMutations(muts)

	if len(keys) != len(muts) {
		t.Fatalf("expected %d keys, got %d", len(muts), len(keys))
	}
	if keys[1] != "known" {
		t.Fatalf("expected existing key to be preserved, got %q", keys[1])
	}

	firstTS := muts[0].Timestamp
	secondTS := muts[1].Timestamp
	if secondTS-firstTS != 1 {
		t.Fatalf("expected timestamps to increment by 1, got first=%d second=%d", firstTS, secondTS)
	}

	expectedKey := strconv.FormatInt(firstTS, 36)
	if keys[0] != expectedKey {
		t.Fatalf("expected generated key %q, got %q", expectedKey, keys[0])
	}
	if muts[0].ID != expectedKey {
		t.Fatalf("expected mutation ID %q, got %q", expectedKey, muts[0].ID)
	}
	if muts[1].ID != "known" {
		t.Fatalf("expected mutation ID 'known', got %q", muts[1].ID)
	}
}
