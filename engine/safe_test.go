package engine

import (
	"fmt"
	"sync"
	"testing"
)

func TestSafe_ConcurrentSubmitOfIdenticalPrefixPinsOnce(t *testing.T) {
	e, err := New(Config{PrefillChunkSize: 4}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := NewSafe(e)
	tokens := []int32{1, 2, 3, 4}

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.SubmitRequest(fmt.Sprintf("req-%d", i), tokens, "default")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	// n concurrent submissions of an identical, previously-unseen prompt
	// must converge on a single pinned fingerprint allocation (1 block)
	// plus the prefix cache tracking all n owners on one entry.
	stats := s.Stats()
	if stats.Prefix.Entries != 1 {
		t.Errorf("expected exactly one prefix entry, got %d", stats.Prefix.Entries)
	}
	if stats.KV.UsedBlocks != 1 {
		t.Errorf("expected the shared fingerprint to pin exactly one block, got %d used blocks", stats.KV.UsedBlocks)
	}
}

func TestSafe_ConcurrentRunOnceServesEachRequestAtMostOnce(t *testing.T) {
	e, err := New(Config{PrefillChunkSize: 2}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := NewSafe(e)

	ids := []string{"a", "b", "c", "d"}
	pending := make(map[string][]int32, len(ids))
	for _, id := range ids {
		pending[id] = []int32{1, 2, 3}
		if err := s.SubmitRequest(id, pending[id], "default"); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	served := make(chan string, len(ids))
	var wg sync.WaitGroup
	for i := 0; i < len(ids); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.RunOnce(pending)
			if err != nil {
				t.Errorf("run_once: %v", err)
				return
			}
			served <- id
		}()
	}
	wg.Wait()
	close(served)

	seen := make(map[string]int)
	for id := range served {
		if id == "" {
			continue
		}
		seen[id]++
	}
	for id, count := range seen {
		if count > 1 {
			t.Errorf("request %s served %d times across concurrent ticks, want at most 1", id, count)
		}
	}
}
