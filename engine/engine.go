package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/inference-sim/core-engine/kv"
	"github.com/inference-sim/core-engine/orchestrator"
	"github.com/inference-sim/core-engine/prefixcache"
	"github.com/inference-sim/core-engine/scheduler"
)

// errFingerprintCold is the internal sentinel reuseCoalescer's touch fn
// returns when a fingerprint has no live owned blocks; it never escapes
// reusePrefix.
var errFingerprintCold = errors.New("engine: fingerprint cold")

// ErrBackendFailure wraps whatever error the attention backend returned.
// Engine state (KV and scheduler) is left unmodified with respect to the
// failed call: AttentionStep is a read path relative to KV/scheduler state,
// so there is nothing to roll back.
var ErrBackendFailure = errors.New("engine: attention backend failure")

// ErrInvalidConfig is returned at construction time for a bad configuration.
var ErrInvalidConfig = errors.New("engine: invalid config")

// AttentionBackend is the single pluggable boundary: a capability to run a
// forward pass over a padded batch of token sequences. Synchronous and pure
// from the engine's perspective (spec.md §6).
type AttentionBackend interface {
	Run(batch [][]int32) ([][]float32, error)
}

// Batch is a group of token sequences submitted to the attention backend
// together.
type Batch struct {
	RequestIDs []string
	Tokens     [][]int32
}

// NewBatch constructs a Batch from parallel id/token slices.
func NewBatch(ids []string, tokens [][]int32) *Batch {
	return &Batch{RequestIDs: ids, Tokens: tokens}
}

// Config groups the batch engine's construction parameters.
type Config struct {
	KV                kv.Config
	DefaultLaneWeight float64 // default 1.0
	PrefillChunkSize  int     // default 128
}

// Stats aggregates the allocator's and prefix cache's accounting snapshots.
type Stats struct {
	KV     kv.CacheStats
	Prefix prefixcache.Stats
}

// BatchEngine binds the orchestrator, KV allocator, prefix cache and
// attention backend handle into the single-request-per-tick servicing loop
// described in spec.md §4.5. Not safe for concurrent use; see Safe.
type BatchEngine struct {
	orchestrator *orchestrator.Orchestrator
	kv           *kv.Allocator
	prefixCache  *prefixcache.Cache
	backend      AttentionBackend

	prefillChunkSize int
	prefillOffset    map[string]int
	clock            int64

	reuse reuseCoalescer
}

// New constructs a BatchEngine. backend may be nil; AttentionStep then
// returns ErrBackendFailure, since spec.md §6 treats the backend as an
// external collaborator the engine does not construct a default for.
func New(cfg Config, backend AttentionBackend) (*BatchEngine, error) {
	if cfg.PrefillChunkSize <= 0 {
		cfg.PrefillChunkSize = 128
	}
	if cfg.DefaultLaneWeight <= 0 {
		cfg.DefaultLaneWeight = 1.0
	}
	allocator, err := kv.NewAllocator(cfg.KV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	sched := scheduler.New(cfg.DefaultLaneWeight)
	return &BatchEngine{
		orchestrator:     orchestrator.New(sched),
		kv:               allocator,
		prefixCache:      prefixcache.New(),
		backend:          backend,
		prefillChunkSize: cfg.PrefillChunkSize,
		prefillOffset:    make(map[string]int),
	}, nil
}

// RegisterLane configures a non-default weight for lane before any request
// arrives on it. Lanes first seen via SubmitRequest are auto-registered at
// DefaultLaneWeight instead.
func (e *BatchEngine) RegisterLane(name string, weight float64) error {
	return e.orchestrator.Scheduler.RegisterLane(name, weight)
}

// CancelRequest drops id from active tracking and releases its KV and
// prefix-cache state, per spec.md §9's cancellation model: out-of-band
// removal, best-effort, with no deadlines inside the core. If id is still
// queued in the scheduler at cancellation time it is left there; RunOnce
// detects and silently skips it as a ghost once the scheduler eventually
// pops it.
func (e *BatchEngine) CancelRequest(id string) {
	e.orchestrator.Complete(id)
	e.kv.Release(id)
	e.prefixCache.Detach(id)
	delete(e.prefillOffset, id)
}

// now advances and returns the engine's internal logical clock, used as the
// arrival timestamp for newly submitted requests. The core has no wall
// clock (spec.md §5); SubmitRequest always stamps with this logical clock,
// and BatchEngine takes no caller-supplied arrival time.
func (e *BatchEngine) now() int64 {
	e.clock++
	return e.clock
}

// SubmitRequest registers id with the orchestrator, upserts the prefix
// cache under id's fingerprint, and ensures that fingerprint owns a pinned
// allocation of len(tokens) bytes so its blocks become the canonical
// shared-prefix store. If another owner already pinned that fingerprint
// (an earlier request with an identical prompt), the existing blocks are
// touched instead of re-allocated, so concurrent submissions of a popular
// prefix converge on one pinned copy rather than one each. Note: the
// allocator's owner map is a single flat string space shared between
// request ids and hex-encoded prefix fingerprints (spec.md §9); callers
// must not mint request ids shaped like a hex SHA-256 digest.
func (e *BatchEngine) SubmitRequest(id string, tokens []int32, lane string) error {
	e.orchestrator.Submit(id, int64(len(tokens)), lane, e.now())
	e.prefillOffset[id] = 0
	entry := e.prefixCache.Upsert(id, tokens)
	return e.reuse.touch(entry.Fingerprint, func() error {
		if len(e.kv.DescribeOwner(entry.Fingerprint)) > 0 {
			e.kv.Touch(entry.Fingerprint)
			return nil
		}
		_, err := e.kv.Allocate(entry.Fingerprint, len(tokens), true)
		return err
	})
}

// prefill splits tokens into prefillChunkSize chunks (the last may be
// shorter), allocating KV under id for each chunk, advancing the
// orchestrator by the chunk length, and touching id to refresh its LRU
// timestamp.
func (e *BatchEngine) prefill(id string, tokens []int32) error {
	for start := 0; start < len(tokens); start += e.prefillChunkSize {
		end := start + e.prefillChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]
		if _, err := e.kv.Allocate(id, len(chunk), false); err != nil {
			return err
		}
		e.orchestrator.AdvanceActive(id, int64(len(chunk)))
		e.kv.Touch(id)
	}
	e.prefillOffset[id] = len(tokens)
	return nil
}

// reusePrefix probes the prefix cache for tokens. If a matching entry
// exists, some owner other than id has registered it, and the allocator
// still owns blocks pinned to its fingerprint, it refreshes those blocks and
// allocates a fresh decode-side KV allocation of len(tokens) bound to id,
// returning true. Returns false on any miss, including an entry whose only
// owner is id itself (its blocks come from id's own SubmitRequest, so there
// is nothing shared to reuse yet).
//
// The touch of the shared fingerprint is routed through reuse, a
// singleflight-backed coalescer, which collapses calls for the same
// fingerprint that overlap in time into a single touch. BatchEngine is only
// shared across goroutines through Safe, whose mutex serializes every call,
// so calls made through Safe never overlap and each performs its own touch.
// The per-id decode allocation that follows is never shared.
func (e *BatchEngine) reusePrefix(id string, tokens []int32) bool {
	entry := e.prefixCache.Match(tokens)
	if entry == nil {
		return false
	}
	if _, own := entry.Owners[id]; own && len(entry.Owners) == 1 {
		return false
	}
	err := e.reuse.touch(entry.Fingerprint, func() error {
		if len(e.kv.DescribeOwner(entry.Fingerprint)) == 0 {
			return errFingerprintCold
		}
		e.kv.Touch(entry.Fingerprint)
		return nil
	})
	if err != nil {
		return false
	}
	if _, err := e.kv.Allocate(id, len(tokens), false); err != nil {
		return false
	}
	return true
}

// RunOnce drives exactly one tick of the engine given the currently
// outstanding request ids and their token sequences. It returns the id
// served, or "" when pending is empty or nothing could be scheduled.
//
// Iteration over pending (both the dedup pass and the bootstrap pick) walks
// ids in sorted order: spec.md §4.5 leaves pending's internal order
// unspecified, and sorting makes RunOnce deterministic across runs, which
// Go's native map iteration order would not.
func (e *BatchEngine) RunOnce(pending map[string][]int32) (string, error) {
	if len(pending) == 0 {
		return "", nil
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		// An id no longer active has already been served or cancelled.
		if _, ok := e.orchestrator.Active(id); !ok {
			continue
		}
		tokens := pending[id]
		if e.reusePrefix(id, tokens) {
			e.orchestrator.AdvanceActive(id, int64(len(tokens)))
			return id, nil
		}
	}

	// Pop from the scheduler until we find a request still tracked as
	// active. A popped id absent from active is a ghost: it was cancelled
	// out-of-band via CancelRequest (spec.md §9's cancellation model) but
	// still lingered in its lane heap. Ghosts are simply dropped.
	var scheduled *scheduler.ScheduledRequest
	for {
		candidate := e.orchestrator.Scheduler.NextRequest()
		if candidate == nil {
			break
		}
		if _, ok := e.orchestrator.Active(candidate.ID); ok {
			scheduled = candidate
			break
		}
	}
	if scheduled == nil {
		// Bootstrap path: nothing schedulable yet; adopt the first pending entry.
		id := ids[0]
		if err := e.SubmitRequest(id, pending[id], "default"); err != nil {
			return "", err
		}
		for scheduled == nil {
			candidate := e.orchestrator.Scheduler.NextRequest()
			if candidate == nil {
				return "", nil
			}
			if _, ok := e.orchestrator.Active(candidate.ID); ok {
				scheduled = candidate
			}
		}
	}

	tokens := pending[scheduled.ID]
	if err := e.prefill(scheduled.ID, tokens); err != nil {
		return "", err
	}
	e.orchestrator.Complete(scheduled.ID)
	return scheduled.ID, nil
}

// AttentionStep forwards a padded batch of token sequences to the backend.
// This is exposed for drivers; RunOnce never calls it, since spec.md §4.5
// does not constrain batching strategy.
func (e *BatchEngine) AttentionStep(batch *Batch) ([][]float32, error) {
	if e.backend == nil {
		return nil, ErrBackendFailure
	}
	out, err := e.backend.Run(batch.Tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}
	return out, nil
}

// Stats aggregates the allocator's and prefix cache's accounting snapshots.
func (e *BatchEngine) Stats() Stats {
	return Stats{
		KV:     e.kv.GetCacheStats(),
		Prefix: e.prefixCache.Stats(),
	}
}

// Heartbeat exposes the orchestrator's heartbeat, stamped with the engine's
// internal logical clock.
func (e *BatchEngine) Heartbeat() orchestrator.Heartbeat {
	return e.orchestrator.Heartbeat(e.clock)
}
