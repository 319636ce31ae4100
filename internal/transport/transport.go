// Package transport defines the channel abstraction carrying job and worker
// messages between producers and consumers. Two implementations exist: an
// in-process hub (package inproc) for single-process deployments, and a
// distributed transport over a durable stream store (package redistream)
// for multi-process fleets.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
)

// Handler receives messages delivered by a transport. Handlers must not
// panic; a transport logs and drops a failed delivery rather than stopping
// the flow of subsequent messages.
type Handler func(ctx context.Context, m message.Message)

// ErrStatusUnavailable is returned by JobStatus on transports that do not
// persist status records; callers fall back to message-driven local caches.
var ErrStatusUnavailable = errors.New("transport: job status not tracked by this transport")

// ErrNotFound is returned when a status record does not exist.
var ErrNotFound = errors.New("transport: not found")

// Transport is a message channel in producer or consumer mode.
//
// Send failures surface to the caller so producers can mark the dispatch
// failed. Delivery of inbound messages is at-least-once on distributed
// implementations; consumers detect duplicates via the status record before
// doing real work.
type Transport interface {
	// Start begins delivery. For consumers this joins the consumer group
	// and starts polling; for producers it subscribes to status traffic.
	Start(ctx context.Context) error
	// Stop halts delivery and releases resources.
	Stop(ctx context.Context) error

	// Send publishes a message. Errors are returned to the caller.
	Send(ctx context.Context, m message.Message) error
	// OnMessage sets the inbound handler. Must be called before Start.
	OnMessage(h Handler)

	// JobStatus fetches the authoritative status record for one dispatch.
	JobStatus(ctx context.Context, queue, jobID, dispatchID string) (*job.StatusInfo, error)
	// UpdateJobStatus applies a partial, last-write-wins mutation to the
	// status record for one dispatch.
	UpdateJobStatus(ctx context.Context, queue, jobID, dispatchID string, upd job.StatusUpdate) error

	// RegisterWorker records a live worker and the queues it serves.
	RegisterWorker(ctx context.Context, workerID string, queues []string) error
	// UnregisterWorker removes the worker's liveness record.
	UnregisterWorker(ctx context.Context, workerID string) error

	// AcquireLock takes the fleet-wide mutual-exclusion lease for
	// (queue, jobID). It is a single non-blocking round trip: false means
	// another worker holds the lease.
	AcquireLock(ctx context.Context, queue, jobID string, ttl time.Duration) (bool, error)
	// ReleaseLock releases the lease, either immediately or after a
	// cool-down. The lease TTL remains the authoritative expiry; the
	// cool-down only shortens it, never extends it past the lease.
	ReleaseLock(ctx context.Context, queue, jobID string, after time.Duration) error
}
