package scheduler

import (
	"errors"
	"testing"
)

func TestNextRequest_SRPTPrefersShorterRemaining(t *testing.T) {
	// GIVEN two requests on the default lane (seed scenario 1)
	s := New(1.0)
	s.AddRequest("long", 100, "default", 0, nil)
	s.AddRequest("short", 10, "default", 1, nil)

	// WHEN next_request is called
	got := s.NextRequest()

	// THEN the shorter-remaining request is returned
	if got.ID != "short" {
		t.Errorf("expected short, got %s", got.ID)
	}
}

func TestNextRequest_TiesBrokenByArrivalOrder(t *testing.T) {
	// Invariant 5 from spec.md §8: equal remaining -> earlier arrival first.
	s := New(1.0)
	s.AddRequest("later", 10, "default", 5, nil)
	s.AddRequest("earlier", 10, "default", 1, nil)

	got := s.NextRequest()
	if got.ID != "earlier" {
		t.Errorf("expected earlier, got %s", got.ID)
	}
}

func TestNextRequest_FairnessAcrossWeightedLanes(t *testing.T) {
	// GIVEN lanes fast (weight 2) and slow (weight 1) (seed scenario 2)
	s := New(1.0)
	if err := s.RegisterLane("fast", 2); err != nil {
		t.Fatalf("register fast: %v", err)
	}
	if err := s.RegisterLane("slow", 1); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	fastIDs := []string{"f0", "f1", "f2"}
	for i, id := range fastIDs {
		s.AddRequest(id, 10, "fast", int64(i), nil)
	}
	s.AddRequest("s0", 5, "slow", 0, nil)

	// WHEN four requests are popped
	seenSlow := false
	for i := 0; i < 4; i++ {
		req := s.NextRequest()
		if req == nil {
			t.Fatalf("pop %d: expected a request, got nil", i)
		}
		if req.Lane == "slow" {
			seenSlow = true
		}
	}

	// THEN at least one popped request came from the slow lane
	if !seenSlow {
		t.Errorf("expected the slow lane to be served at least once")
	}
}

func TestNextRequest_CreditsLaneServedTokensByRemainingAtPop(t *testing.T) {
	// Invariant 4 from spec.md §8.
	s := New(1.0)
	s.AddRequest("a", 10, "default", 0, nil)

	req := s.NextRequest()
	if req.Remaining() != 10 {
		t.Fatalf("sanity: popped request should still report remaining=10, got %d", req.Remaining())
	}

	snap := s.Snapshot()
	var served int64 = -1
	for _, lane := range snap {
		if lane.Name == "default" {
			served = lane.ServedTokens
		}
	}
	if served != 10 {
		t.Errorf("expected served_tokens=10 after popping a 10-remaining request, got %d", served)
	}
}

func TestNextRequest_EmptySchedulerReturnsNil(t *testing.T) {
	s := New(1.0)
	if got := s.NextRequest(); got != nil {
		t.Errorf("expected nil on empty scheduler, got %v", got)
	}
}

func TestRegisterLane_IdempotentAndRejectsNonPositiveWeight(t *testing.T) {
	s := New(1.0)
	if err := s.RegisterLane("a", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// second registration is a no-op even with a different weight
	if err := s.RegisterLane("a", 99); err != nil {
		t.Fatalf("unexpected error on idempotent re-register: %v", err)
	}
	snap := s.Snapshot()
	if snap[0].Weight != 2 {
		t.Errorf("expected weight to remain 2 after no-op re-register, got %v", snap[0].Weight)
	}

	if err := s.RegisterLane("bad", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for zero weight, got %v", err)
	}
}

func TestUpdateProgress_UnknownRequestFails(t *testing.T) {
	s := New(1.0)
	if err := s.UpdateProgress("ghost", 5); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestUpdateProgress_ReordersHeapByNewRemaining(t *testing.T) {
	s := New(1.0)
	s.AddRequest("a", 100, "default", 0, nil)
	s.AddRequest("b", 10, "default", 1, nil)

	// a has 100 remaining, now drops to 5 after progress
	if err := s.UpdateProgress("a", 95); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := s.NextRequest()
	if got.ID != "a" {
		t.Errorf("expected a (now shortest remaining) to be popped first, got %s", got.ID)
	}
}

func TestRemove_DropsQueuedRequestAndPreservesHeapOrder(t *testing.T) {
	s := New(1.0)
	s.AddRequest("a", 2, "default", 0, nil)
	s.AddRequest("b", 8, "default", 1, nil)
	s.AddRequest("c", 5, "default", 2, nil)

	if ok := s.Remove("a"); !ok {
		t.Fatalf("expected a to be removed")
	}
	if ok := s.Remove("ghost"); ok {
		t.Errorf("expected Remove of an unknown id to report false")
	}

	// c (remaining 5) should now be popped before b (remaining 8); removing
	// a must not have corrupted the heap ordering of the survivors.
	got := s.NextRequest()
	if got.ID != "c" {
		t.Errorf("expected c to be popped first after removing a, got %s", got.ID)
	}
}

func TestPending_EnumeratesAcrossLanes(t *testing.T) {
	s := New(1.0)
	s.AddRequest("a", 10, "x", 0, nil)
	s.AddRequest("b", 10, "y", 0, nil)

	pending := s.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending requests, got %d", len(pending))
	}
}
