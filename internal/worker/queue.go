package worker

import (
	"sort"
	"time"

	"github.com/rzbill/toil/internal/job"
)

// QueueOptions configures one runtime queue. Unset fields take the worker
// defaults: nil pointers and zero scalars inherit, so a queue created with
// the zero value is configured entirely by Worker Options.Defaults.
type QueueOptions struct {
	// Concurrency caps simultaneously executing jobs. Default 1.
	Concurrency int
	// MaxRetries is the default retry limit for jobs without a
	// per-dispatch override. Nil inherits the worker default.
	MaxRetries *int
	// RetryDelay is the default wait before a retry attempt.
	RetryDelay time.Duration
	// PauseOnError pauses the queue when a job exhausts its retries. Nil
	// inherits the worker default.
	PauseOnError *bool
}

// queueConfig is QueueOptions with every field resolved to a value.
type queueConfig struct {
	Concurrency  int
	MaxRetries   int
	RetryDelay   time.Duration
	PauseOnError bool
}

func (o QueueOptions) resolve(d queueConfig) queueConfig {
	c := d
	if o.Concurrency > 0 {
		c.Concurrency = o.Concurrency
	}
	if o.MaxRetries != nil {
		c.MaxRetries = *o.MaxRetries
	}
	if o.RetryDelay > 0 {
		c.RetryDelay = o.RetryDelay
	}
	if o.PauseOnError != nil {
		c.PauseOnError = *o.PauseOnError
	}
	return c
}

// QueuedJob is one dispatch waiting in, or owned by, a runtime queue.
type QueuedJob struct {
	JobID      string
	DispatchID string
	Queue      string
	Job        job.Job

	// Scheduling metadata from the dispatch options.
	ScheduledFor time.Time
	Priority     int
	// MaxRetries overrides the queue default when >= 0.
	MaxRetries int
	// RetryDelay overrides the queue default when > 0.
	RetryDelay   time.Duration
	Overlap      job.OverlapBehavior
	OverlapDelay time.Duration

	// Retries counts completed attempts that failed.
	Retries int

	// seq breaks ordering ties in arrival order.
	seq uint64

	cancelled      bool
	cancelReported bool
	cancelExec     func()
	retryTimer     *time.Timer
}

func (qj *QueuedJob) key() string { return qj.JobID + "/" + qj.DispatchID }

// runQueue is the per-queue runtime state: the pending list, the active
// set, jobs parked on a retry timer, and the paused flag.
type runQueue struct {
	name       string
	opts       queueConfig
	pending    []*QueuedJob
	active     map[string]*QueuedJob // key()
	delayed    map[string]*QueuedJob // key(), waiting on retryTimer
	processing int
	paused     bool
	wakeTimer  *time.Timer
}

func newRunQueue(name string, opts queueConfig) *runQueue {
	return &runQueue{
		name:    name,
		opts:    opts,
		active:  make(map[string]*QueuedJob),
		delayed: make(map[string]*QueuedJob),
	}
}

// insert places qj into the pending list ordered by priority (higher
// first), then eligibility time, then arrival.
func (q *runQueue) insert(qj *QueuedJob) {
	q.pending = append(q.pending, qj)
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		return a.seq < b.seq
	})
}

func (q *runQueue) removePending(i int) *QueuedJob {
	qj := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	return qj
}

// hasActiveJob reports whether any dispatch of jobID is currently
// executing on this queue.
func (q *runQueue) hasActiveJob(jobID string) bool {
	for _, qj := range q.active {
		if qj.JobID == jobID {
			return true
		}
	}
	return false
}

// nextWake returns the earliest future eligibility time among pending
// entries, or zero when none is scheduled ahead.
func (q *runQueue) nextWake(now time.Time) time.Time {
	var at time.Time
	for _, qj := range q.pending {
		if !qj.ScheduledFor.After(now) {
			continue
		}
		if at.IsZero() || qj.ScheduledFor.Before(at) {
			at = qj.ScheduledFor
		}
	}
	return at
}
