// Package engine composes the paged KV allocator, the prefix cache, the
// SRPT/fairness scheduler and its orchestrator into a single per-tick
// request-servicing loop, including chunked prefill and prefix dedup.
//
// # Reading Guide
//
// Start with these to understand the serving loop:
//   - engine.go: BatchEngine, SubmitRequest/_prefill/_reuse_prefix/RunOnce
//   - dedup.go: the singleflight coalescer RunOnce's reuse path routes its
//     fingerprint touch through (calls made via Safe are serialized by its
//     mutex, so they never overlap there)
//   - safe.go: the mutex-wrapped facade for multithreaded hosts
//
// # Architecture
//
// The composed subsystems each live in their own package and hold no
// knowledge of engine:
//   - kv: the paged KV allocator (reuse + LRU eviction)
//   - prefixcache: the content-addressed prefix index
//   - scheduler: SRPT with weighted fairness lanes
//   - orchestrator: active-request tracking layered over scheduler
//
// The only pluggable boundary is AttentionBackend, a one-method capability
// run synchronously by AttentionStep; RunOnce never calls it directly,
// since batching strategy across backend calls is left to the host.
package engine
