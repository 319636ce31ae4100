// Package worker implements the consumer side of the queue core: it owns a
// set of named runtime queues, pulls eligible jobs under per-queue
// concurrency limits, executes them, applies retry with backoff, enforces
// the NoOverlap policy through transport locks, and reports every status
// transition back through its Transport.
//
// Bookkeeping is serialized: selection, insertion, retry scheduling and
// completion accounting all run under one mutex and never block on I/O
// (lock acquisition happens between bookkeeping sections). Only job
// execution itself runs concurrently, one goroutine per active job, bounded
// by each queue's concurrency.
//
// All state here is in-memory and disposable. Across a process restart the
// durable store is the only source of truth; pending jobs are redelivered
// through the consumer group.
package worker
