// Package inproc implements the Transport contract for single-process
// deployments: a hub connecting one producer endpoint and one consumer
// endpoint over buffered channels.
//
// The producer may send before the consumer has started; messages are
// buffered in the hub and flushed when the consumer signals readiness, at
// which point the producer also receives a worker:ready message. Nothing is
// persisted and no status records are kept; JobStatus returns
// transport.ErrStatusUnavailable and callers rely on message delivery.
//
// NoOverlap locks are an in-memory lease table on the hub, with the same
// acquire/release semantics as the distributed lock so that worker logic is
// transport-agnostic.
package inproc
