// Package scheduler implements the SRPT (shortest-remaining-processing-time)
// policy with weighted fairness lanes: a pure policy component that holds no
// I/O and decides which pending request is dispatched next.
package scheduler

import (
	"container/heap"
	"errors"
	"math"
	"sort"
)

// ErrUnknownRequest is returned by UpdateProgress for an id not tracked by
// any lane.
var ErrUnknownRequest = errors.New("scheduler: unknown request")

// ErrInvalidConfig is returned when a lane is registered with a non-positive
// weight.
var ErrInvalidConfig = errors.New("scheduler: invalid config")

// ScheduledRequest is a request tracked by the scheduler. Remaining is
// derived, never stored: max(Total-Processed, 0).
type ScheduledRequest struct {
	ID          string
	Total       int64
	Processed   int64
	ArrivalTime int64
	Lane        string
	Metadata    any

	index int // heap.Interface bookkeeping; -1 when not queued
}

// Remaining returns the outstanding token budget for the request.
func (r *ScheduledRequest) Remaining() int64 {
	rem := r.Total - r.Processed
	if rem < 0 {
		return 0
	}
	return rem
}

// requestHeap orders ScheduledRequests by (remaining, arrival_time)
// ascending, satisfying container/heap.Interface.
type requestHeap []*ScheduledRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	ri, rj := h[i].Remaining(), h[j].Remaining()
	if ri != rj {
		return ri < rj
	}
	return h[i].ArrivalTime < h[j].ArrivalTime
}
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *requestHeap) Push(x any) {
	r := x.(*ScheduledRequest)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// Lane groups requests with a shared weight for fairness accounting.
// Demand (servedTokens/weight) is the scalar the scheduler minimizes across
// lanes when choosing which lane to serve next.
type Lane struct {
	Name         string
	Weight       float64
	servedTokens int64
	queue        requestHeap
}

func newLane(name string, weight float64) *Lane {
	l := &Lane{Name: name, Weight: weight}
	heap.Init(&l.queue)
	return l
}

// Demand returns servedTokens/Weight, the scalar the scheduler minimizes.
func (l *Lane) Demand() float64 {
	return float64(l.servedTokens) / l.Weight
}

// HasWork reports whether the lane's queue is non-empty.
func (l *Lane) HasWork() bool { return len(l.queue) > 0 }

func (l *Lane) arrivalHeadTime() int64 {
	if len(l.queue) == 0 {
		return math.MaxInt64
	}
	return l.queue[0].ArrivalTime
}

// Scheduler holds per-lane SRPT heaps and drives weighted lane selection.
// Pure policy; holds no I/O. Not safe for concurrent use.
type Scheduler struct {
	lanes             map[string]*Lane
	order             []string // lane registration order, for deterministic name tie-break iteration
	defaultLaneWeight float64
	byID              map[string]*ScheduledRequest
}

// New constructs a Scheduler. defaultLaneWeight is used for lanes that are
// auto-registered by AddRequest without an explicit RegisterLane call.
func New(defaultLaneWeight float64) *Scheduler {
	if defaultLaneWeight <= 0 {
		defaultLaneWeight = 1.0
	}
	return &Scheduler{
		lanes:             make(map[string]*Lane),
		defaultLaneWeight: defaultLaneWeight,
		byID:              make(map[string]*ScheduledRequest),
	}
}

// RegisterLane registers a lane with the given weight. Idempotent: a second
// registration of an existing lane name is a no-op regardless of the weight
// argument passed.
func (s *Scheduler) RegisterLane(name string, weight float64) error {
	if _, ok := s.lanes[name]; ok {
		return nil
	}
	if weight <= 0 {
		return ErrInvalidConfig
	}
	s.lanes[name] = newLane(name, weight)
	s.order = append(s.order, name)
	return nil
}

func (s *Scheduler) laneOrDefault(name string) *Lane {
	l, ok := s.lanes[name]
	if !ok {
		l = newLane(name, s.defaultLaneWeight)
		s.lanes[name] = l
		s.order = append(s.order, name)
	}
	return l
}

// AddRequest auto-registers lane (with the default weight) if absent,
// constructs a ScheduledRequest with Processed=0, and pushes it onto the
// lane's heap.
func (s *Scheduler) AddRequest(id string, total int64, lane string, arrivalTime int64, metadata any) *ScheduledRequest {
	l := s.laneOrDefault(lane)
	req := &ScheduledRequest{
		ID:          id,
		Total:       total,
		ArrivalTime: arrivalTime,
		Lane:        lane,
		Metadata:    metadata,
	}
	heap.Push(&l.queue, req)
	s.byID[id] = req
	return req
}

// UpdateProgress adds tokens to the request's Processed count across all
// lanes and restores the heap invariant. Fails with ErrUnknownRequest if id
// is not tracked.
func (s *Scheduler) UpdateProgress(id string, tokens int64) error {
	req, ok := s.byID[id]
	if !ok {
		return ErrUnknownRequest
	}
	req.Processed += tokens
	l := s.lanes[req.Lane]
	heap.Fix(&l.queue, req.index)
	return nil
}

// NextRequest picks the lane minimizing (demand, arrival_head_time), with
// remaining ties broken by lane name ascending, then pops that lane's heap
// head. The popped request's remaining (at pop time) is credited to the
// lane's served-tokens counter. Returns nil when no lane has work.
func (s *Scheduler) NextRequest() *ScheduledRequest {
	var chosen *Lane
	for _, name := range s.order {
		l := s.lanes[name]
		if !l.HasWork() {
			continue
		}
		if chosen == nil || better(l, chosen) {
			chosen = l
		}
	}
	if chosen == nil {
		return nil
	}
	req := heap.Pop(&chosen.queue).(*ScheduledRequest)
	chosen.servedTokens += req.Remaining()
	delete(s.byID, req.ID)
	return req
}

// better reports whether candidate should be preferred over current under
// the (demand, arrival_head_time, name) lexicographic order.
func better(candidate, current *Lane) bool {
	cd, kd := candidate.Demand(), current.Demand()
	if cd != kd {
		return cd < kd
	}
	ca, ka := candidate.arrivalHeadTime(), current.arrivalHeadTime()
	if ca != ka {
		return ca < ka
	}
	return candidate.Name < current.Name
}

// Remove drops id from its lane's heap before it is ever popped via
// NextRequest — e.g. when a request is served out-of-band (prefix reuse)
// or cancelled, and must not linger with a stale sort key that could
// corrupt heap ordering for other queued requests. Returns false if id is
// not currently queued.
func (s *Scheduler) Remove(id string) bool {
	req, ok := s.byID[id]
	if !ok {
		return false
	}
	l := s.lanes[req.Lane]
	heap.Remove(&l.queue, req.index)
	delete(s.byID, id)
	return true
}

// Pending returns all queued requests across all lanes in an unspecified
// order, collected eagerly into a newly built slice (not a lazy iterator).
func (s *Scheduler) Pending() []*ScheduledRequest {
	out := make([]*ScheduledRequest, 0, len(s.byID))
	for _, name := range s.order {
		l := s.lanes[name]
		out = append(out, l.queue...)
	}
	return out
}

// LaneSnapshot is a read-only structural view of one lane for tests and
// diagnostics.
type LaneSnapshot struct {
	Name         string
	Weight       float64
	ServedTokens int64
	Requests     []RequestSnapshot // ordered by (remaining, arrival_time)
}

// RequestSnapshot is a read-only view of one queued request.
type RequestSnapshot struct {
	ID        string
	Remaining int64
}

// Snapshot returns a read-only structural view across all lanes, sorted by
// lane name for deterministic output.
func (s *Scheduler) Snapshot() []LaneSnapshot {
	names := make([]string, 0, len(s.lanes))
	for name := range s.lanes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]LaneSnapshot, 0, len(names))
	for _, name := range names {
		l := s.lanes[name]
		reqs := append(requestHeap(nil), l.queue...)
		sort.SliceStable(reqs, func(i, j int) bool { return reqs.Less(i, j) })
		rs := make([]RequestSnapshot, len(reqs))
		for i, r := range reqs {
			rs[i] = RequestSnapshot{ID: r.ID, Remaining: r.Remaining()}
		}
		out = append(out, LaneSnapshot{Name: name, Weight: l.Weight, ServedTokens: l.servedTokens, Requests: rs})
	}
	return out
}
