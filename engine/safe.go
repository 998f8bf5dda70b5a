package engine

import (
	"sync"

	"github.com/inference-sim/core-engine/orchestrator"
)

// Safe wraps a BatchEngine with a mutex so multiple goroutines (e.g. one
// per connection in a server host) can share a single engine instance.
// BatchEngine itself stays lock-free and single-threaded, matching
// spec.md §6's framing of the core as embeddable in any host loop; Safe is
// the optional adapter for hosts that need one.
type Safe struct {
	mu     sync.Mutex
	engine *BatchEngine
}

// NewSafe wraps e for concurrent use.
func NewSafe(e *BatchEngine) *Safe {
	return &Safe{engine: e}
}

func (s *Safe) RegisterLane(name string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.RegisterLane(name, weight)
}

func (s *Safe) SubmitRequest(id string, tokens []int32, lane string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.SubmitRequest(id, tokens, lane)
}

func (s *Safe) CancelRequest(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.CancelRequest(id)
}

func (s *Safe) RunOnce(pending map[string][]int32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.RunOnce(pending)
}

func (s *Safe) AttentionStep(batch *Batch) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.AttentionStep(batch)
}

func (s *Safe) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Stats()
}

func (s *Safe) Heartbeat() orchestrator.Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Heartbeat()
}
