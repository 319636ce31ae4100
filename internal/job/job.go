package job

import (
	"context"
	"encoding/json"
	"time"
)

// Job is the unit of work supplied by the host application. Execute runs the
// work and returns nil on success. The context is the cancellation token for
// the attempt: it is cancelled when the dispatch is cancelled or the worker
// shuts down forcibly. Long-running jobs should observe ctx at natural
// checkpoints; the core never interrupts execution preemptively.
type Job interface {
	Execute(ctx context.Context) error
}

// Func adapts a plain function to the Job interface.
type Func func(ctx context.Context) error

// Execute implements Job.
func (f Func) Execute(ctx context.Context) error { return f(ctx) }

// OverlapBehavior controls whether two dispatches of the same logical job
// (same jobId) may execute concurrently anywhere in the fleet.
type OverlapBehavior string

const (
	// AllowOverlap places no restriction on concurrent execution.
	AllowOverlap OverlapBehavior = "allow"
	// NoOverlap forbids concurrent execution of the same jobId across all
	// workers; enforced with a leased distributed lock.
	NoOverlap OverlapBehavior = "no_overlap"
)

// Options carries per-dispatch scheduling metadata. The zero value means
// "use the queue defaults, run as soon as possible, overlap allowed".
type Options struct {
	// ScheduledFor is the earliest time the job may start. Zero means now.
	ScheduledFor time.Time `json:"scheduledFor,omitempty"`
	// Priority orders the pending list; higher runs first.
	Priority int `json:"priority,omitempty"`
	// MaxRetries overrides the queue's retry limit when non-nil.
	MaxRetries *int `json:"maxRetries,omitempty"`
	// RetryDelay overrides the queue's delay between attempts when positive.
	RetryDelay time.Duration `json:"retryDelay,omitempty"`
	// Overlap overrides the job class's registered overlap policy when set.
	Overlap OverlapBehavior `json:"overlap,omitempty"`
	// OverlapDelay keeps the NoOverlap lock held for a cool-down after a
	// terminal state, enforcing spacing between sequential runs.
	OverlapDelay time.Duration `json:"overlapDelay,omitempty"`
}

// Factory constructs a Job instance from the raw constructor arguments
// carried in a job:process message.
type Factory func(args json.RawMessage) (Job, error)
