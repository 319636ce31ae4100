package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
)

// schedule runs selection passes for one queue until it is saturated,
// paused, or out of eligible work. Bookkeeping happens under the worker
// mutex; the NoOverlap lock round trip happens between passes with the
// candidate tentatively reserved.
func (w *Worker) schedule(queueName string) {
	for {
		w.mu.Lock()
		q, ok := w.queues[queueName]
		if !ok || !w.started || q.paused || q.processing >= q.opts.Concurrency {
			w.mu.Unlock()
			return
		}
		now := time.Now()
		idx := -1
		for i, cand := range q.pending {
			if cand.ScheduledFor.After(now) {
				continue
			}
			// A dispatch of the same logical job already active here
			// would fail the lock anyway; skip it this sweep.
			if cand.Overlap == job.NoOverlap && q.hasActiveJob(cand.JobID) {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			w.armWake(q, now)
			w.mu.Unlock()
			return
		}
		qj := q.removePending(idx)
		q.active[qj.key()] = qj
		q.processing++
		w.mu.Unlock()

		if qj.Overlap == job.NoOverlap {
			ok, err := w.tr.AcquireLock(w.runCtx(), queueName, qj.JobID, w.lockTTL)
			if err != nil {
				w.log.Warn("acquire overlap lock",
					zap.String("queue", queueName), zap.String("jobId", qj.JobID), zap.Error(err))
			}
			if !ok {
				// Another worker holds the logical job: push back, end
				// this selection pass, and try again shortly.
				w.mu.Lock()
				delete(q.active, qj.key())
				q.processing--
				q.insert(qj)
				w.mu.Unlock()
				time.AfterFunc(w.lockRetry, func() { w.schedule(queueName) })
				return
			}
		}

		w.execWG.Add(1)
		go w.execute(qj)
	}
}

// armWake schedules the next selection pass for a queue whose head of line
// is not yet eligible. Called with the worker mutex held.
func (w *Worker) armWake(q *runQueue, now time.Time) {
	at := q.nextWake(now)
	if at.IsZero() {
		return
	}
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
	}
	name := q.name
	q.wakeTimer = time.AfterFunc(at.Sub(now)+time.Millisecond, func() {
		w.schedule(name)
	})
}

// execute runs one attempt of a job and routes the outcome.
func (w *Worker) execute(qj *QueuedJob) {
	defer w.execWG.Done()

	ctx, cancel := context.WithCancel(w.runCtx())
	defer cancel()

	w.mu.Lock()
	if qj.cancelled {
		w.mu.Unlock()
		w.finish(qj, nil)
		return
	}
	qj.cancelExec = cancel
	w.mu.Unlock()

	started := time.Now()
	w.report(qj, job.StatusRunning, reportExtras{startedAt: &started})

	err := runJob(ctx, qj.Job)
	w.finish(qj, err)
}

// runJob invokes Execute with panic containment; a panicking job is a
// failed attempt, not a dead worker.
func runJob(ctx context.Context, j job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return j.Execute(ctx)
}

// finish applies the outcome of one attempt: completion, retry scheduling,
// terminal failure (optionally pausing the queue), or cancellation.
func (w *Worker) finish(qj *QueuedJob, execErr error) {
	now := time.Now()

	w.mu.Lock()
	q := w.queues[qj.Queue]
	delete(q.active, qj.key())
	q.processing--
	qj.cancelExec = nil

	cancelled := qj.cancelled
	alreadyReported := qj.cancelReported

	maxRetries := qj.MaxRetries
	if maxRetries < 0 {
		maxRetries = q.opts.MaxRetries
	}
	retryDelay := qj.RetryDelay
	if retryDelay <= 0 {
		retryDelay = q.opts.RetryDelay
	}

	var (
		terminal job.Status
		retry    bool
	)
	switch {
	case cancelled:
		terminal = job.StatusCancelled
	case execErr == nil:
		terminal = job.StatusCompleted
	case qj.Retries < maxRetries:
		retry = true
	default:
		terminal = job.StatusFailed
		if q.opts.PauseOnError {
			q.paused = true
		}
	}

	if retry {
		qj.Retries++
		qj.ScheduledFor = now.Add(retryDelay)
		q.delayed[qj.key()] = qj
		qj.retryTimer = time.AfterFunc(retryDelay, func() {
			w.reinsert(qj)
		})
	}
	w.mu.Unlock()

	if qj.Overlap == job.NoOverlap {
		// Lock release also happens on the retry path; the next attempt
		// re-acquires during selection. Terminal releases honor the
		// configured cool-down; the lease TTL stays authoritative.
		after := time.Duration(0)
		if terminal != "" {
			after = qj.OverlapDelay
		}
		if err := w.tr.ReleaseLock(w.runCtx(), qj.Queue, qj.JobID, after); err != nil {
			w.log.Warn("release overlap lock",
				zap.String("queue", qj.Queue), zap.String("jobId", qj.JobID), zap.Error(err))
		}
	}

	switch {
	case retry:
		w.log.Debug("attempt failed, retry scheduled",
			zap.String("queue", qj.Queue),
			zap.String("jobId", qj.JobID),
			zap.Int("retries", qj.Retries),
			zap.Duration("delay", retryDelay),
			zap.Error(execErr))
		w.report(qj, job.StatusScheduledForRetry, reportExtras{err: execErr.Error()})
	case terminal == job.StatusCancelled:
		if !alreadyReported {
			w.report(qj, job.StatusCancelled, reportExtras{completedAt: &now, terminal: true})
		}
	case terminal == job.StatusCompleted:
		w.report(qj, job.StatusCompleted, reportExtras{completedAt: &now, terminal: true})
	case terminal == job.StatusFailed:
		w.log.Warn("job failed",
			zap.String("queue", qj.Queue),
			zap.String("jobId", qj.JobID),
			zap.Int("retries", qj.Retries),
			zap.Error(execErr))
		w.report(qj, job.StatusFailed, reportExtras{err: execErr.Error(), completedAt: &now, terminal: true})
	}

	w.schedule(qj.Queue)
}

// reinsert returns a retry-parked job to the pending list once its delay
// elapses, unless it was cancelled in the interim.
func (w *Worker) reinsert(qj *QueuedJob) {
	w.mu.Lock()
	q, ok := w.queues[qj.Queue]
	if !ok {
		w.mu.Unlock()
		return
	}
	if _, parked := q.delayed[qj.key()]; !parked {
		// Cancelled (and reported) while waiting.
		w.mu.Unlock()
		return
	}
	delete(q.delayed, qj.key())
	qj.retryTimer = nil
	if qj.cancelled {
		w.mu.Unlock()
		return
	}
	q.insert(qj)
	w.mu.Unlock()

	w.schedule(qj.Queue)
}

// runCtx returns the lifecycle context for transport calls, falling back
// to Background before Start.
func (w *Worker) runCtx() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.baseCtx != nil {
		return w.baseCtx
	}
	return context.Background()
}

type reportExtras struct {
	err         string
	startedAt   *time.Time
	completedAt *time.Time
	terminal    bool
}

// report persists a status transition and fans it out as job:status, plus
// job:result for terminal states. Reporting failures are logged; the local
// state machine has already moved on.
func (w *Worker) report(qj *QueuedJob, st job.Status, extra reportExtras) {
	ctx, cancel := context.WithTimeout(w.runCtx(), 5*time.Second)
	defer cancel()

	upd := job.StatusUpdate{
		Status:  job.StatusPtr(st),
		Retries: job.IntPtr(qj.Retries),
	}
	if extra.startedAt != nil {
		upd.StartedAt = extra.startedAt
	}
	if extra.completedAt != nil {
		upd.CompletedAt = extra.completedAt
	}
	if extra.err != "" {
		upd.Error = job.StringPtr(extra.err)
	}
	if err := w.tr.UpdateJobStatus(ctx, qj.Queue, qj.JobID, qj.DispatchID, upd); err != nil && ctx.Err() == nil {
		w.log.Warn("persist status",
			zap.String("jobId", qj.JobID), zap.String("status", string(st)), zap.Error(err))
	}

	statusMsg := &message.JobStatus{
		JobID:       qj.JobID,
		DispatchID:  qj.DispatchID,
		Queue:       qj.Queue,
		Status:      st,
		Error:       extra.err,
		Retries:     qj.Retries,
		StartedAt:   extra.startedAt,
		CompletedAt: extra.completedAt,
	}
	if err := w.tr.Send(ctx, statusMsg); err != nil && ctx.Err() == nil {
		w.log.Warn("send job:status", zap.String("jobId", qj.JobID), zap.Error(err))
	}

	if extra.terminal {
		completed := time.Now()
		if extra.completedAt != nil {
			completed = *extra.completedAt
		}
		result := &message.JobResult{
			JobID:       qj.JobID,
			DispatchID:  qj.DispatchID,
			Queue:       qj.Queue,
			Status:      st,
			Error:       extra.err,
			Retries:     qj.Retries,
			CompletedAt: completed,
		}
		if err := w.tr.Send(ctx, result); err != nil && ctx.Err() == nil {
			w.log.Warn("send job:result", zap.String("jobId", qj.JobID), zap.Error(err))
		}
	}
}
