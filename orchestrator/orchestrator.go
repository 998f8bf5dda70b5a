// Package orchestrator provides a thin coordination wrapper over the
// scheduler: it tracks in-flight requests, drives scheduler ticks, applies
// progress accounting, and exposes a load snapshot.
package orchestrator

import (
	"github.com/inference-sim/core-engine/scheduler"
)

// Heartbeat is the monitoring-friendly snapshot returned by Heartbeat.
type Heartbeat struct {
	Timestamp   int64
	ActiveCount int
	LoadFactor  float64
}

// Orchestrator maintains the active-request map on top of a Scheduler. Not
// safe for concurrent use.
type Orchestrator struct {
	Scheduler *scheduler.Scheduler
	active    map[string]*scheduler.ScheduledRequest
}

// New wraps sched in an Orchestrator with an empty active set.
func New(sched *scheduler.Scheduler) *Orchestrator {
	return &Orchestrator{
		Scheduler: sched,
		active:    make(map[string]*scheduler.ScheduledRequest),
	}
}

// Submit delegates to the scheduler and records the request as active.
func (o *Orchestrator) Submit(id string, total int64, lane string, arrivalTime int64) *scheduler.ScheduledRequest {
	req := o.Scheduler.AddRequest(id, total, lane, arrivalTime, nil)
	o.active[id] = req
	return req
}

// Tick pops the scheduler's next request and applies tokensServed progress
// to it. If the request's remaining work reaches zero it is dropped from
// active; otherwise it is kept.
//
// Per spec.md §9's first open question, this module adopts option (b): the
// popped request is not re-pushed onto the scheduler's lane heap here, so a
// caller that wants to advance a specific, already-dispatched request
// across several partial steps (as the batch engine's chunked prefill does)
// should use AdvanceActive instead — Tick always pops whatever the
// scheduler currently ranks first, which is only the right target for a
// fresh, undispatched pop.
func (o *Orchestrator) Tick(tokensServed int64) *scheduler.ScheduledRequest {
	next := o.Scheduler.NextRequest()
	if next == nil {
		return nil
	}
	next.Processed += tokensServed
	if next.Remaining() <= 0 {
		o.Complete(next.ID)
	} else {
		o.active[next.ID] = next
	}
	return next
}

// Complete drops id from the active set. Safe to call on an id that is not
// active (e.g. a request cancelled out-of-band, per spec.md §5).
func (o *Orchestrator) Complete(id string) {
	delete(o.active, id)
}

// Active reports whether id is currently tracked as active, and returns its
// ScheduledRequest if so. Callers that pop a request directly from
// Scheduler (bypassing Tick) use this to detect a "ghost": an id that was
// cancelled out-of-band (e.g. via the batch engine's CancelRequest) but
// still lingers in a lane heap until popped, per the cancellation model in
// spec.md §5.
func (o *Orchestrator) Active(id string) (*scheduler.ScheduledRequest, bool) {
	req, ok := o.active[id]
	return req, ok
}

// AdvanceActive adds tokens to the Processed count of the active request
// id, without involving the scheduler's pop path. It is the mechanism the
// batch engine uses to record progress against a request it has already
// taken responsibility for (popped from the scheduler, or matched via
// prefix reuse), rather than re-querying the scheduler for "whatever is
// next" as Tick does. Like Tick, a request whose remaining work reaches
// zero is completed (dropped from active); if it is still sitting in the
// scheduler's heap at that point (the prefix-reuse path never pops it),
// it is also removed there, so its now-stale sort key cannot corrupt
// ordering for other queued requests. Returns nil if id is not active.
func (o *Orchestrator) AdvanceActive(id string, tokens int64) *scheduler.ScheduledRequest {
	req, ok := o.active[id]
	if !ok {
		return nil
	}
	req.Processed += tokens
	if req.Remaining() <= 0 {
		o.Scheduler.Remove(id)
		o.Complete(id)
	}
	return req
}

// LoadFactor returns the average remaining tokens across active requests,
// never dividing by zero.
func (o *Orchestrator) LoadFactor() float64 {
	if len(o.active) == 0 {
		return 0
	}
	var total int64
	for _, req := range o.active {
		total += req.Remaining()
	}
	return float64(total) / float64(len(o.active))
}

// ActiveCount returns the number of requests currently tracked as active.
func (o *Orchestrator) ActiveCount() int { return len(o.active) }

// Heartbeat returns a monitoring-friendly snapshot. timestamp is supplied by
// the caller (the orchestrator keeps no internal clock) so that hosts can
// choose wall-clock time, a logical tick counter, or a fixed value in tests.
func (o *Orchestrator) Heartbeat(timestamp int64) Heartbeat {
	return Heartbeat{
		Timestamp:   timestamp,
		ActiveCount: o.ActiveCount(),
		LoadFactor:  o.LoadFactor(),
	}
}
