package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
	"github.com/rzbill/toil/internal/transport"
	"github.com/rzbill/toil/pkg/id"
)

// Options configures a Worker.
type Options struct {
	// ID identifies this worker in the fleet. Default: generated.
	ID       string
	Registry *job.Registry
	Logger   *zap.Logger
	// LockTTL is the lease requested for NoOverlap locks. Default 60s.
	LockTTL time.Duration
	// LockRetryInterval spaces selection re-passes after a NoOverlap lock
	// is found held by another worker. Default 250ms.
	LockRetryInterval time.Duration
	// Defaults applies to queues created without explicit options.
	Defaults QueueOptions
	// StatusInterval spaces worker:status heartbeats. Default 30s; set
	// negative to disable.
	StatusInterval time.Duration
}

// Worker pulls jobs from its Transport, schedules them onto runtime queues
// and executes them.
type Worker struct {
	id             string
	tr             transport.Transport
	reg            *job.Registry
	log            *zap.Logger
	lockTTL        time.Duration
	lockRetry      time.Duration
	defaults       queueConfig
	statusInterval time.Duration

	mu      sync.Mutex
	queues  map[string]*runQueue
	started bool
	seq     uint64

	baseCtx   context.Context
	cancelAll context.CancelFunc
	execWG    sync.WaitGroup
	loopWG    sync.WaitGroup
	stopTick  chan struct{}
}

// New builds a Worker over a transport in consumer mode.
func New(tr transport.Transport, opts Options) (*Worker, error) {
	if tr == nil {
		return nil, fmt.Errorf("worker: nil transport")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("worker: nil job registry")
	}
	if opts.ID == "" {
		opts.ID = id.NewWorkerID()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.LockRetryInterval <= 0 {
		opts.LockRetryInterval = 250 * time.Millisecond
	}
	if opts.StatusInterval == 0 {
		opts.StatusInterval = 30 * time.Second
	}
	defaults := opts.Defaults.resolve(queueConfig{
		Concurrency: 1,
		RetryDelay:  5 * time.Second,
	})
	return &Worker{
		id:             opts.ID,
		tr:             tr,
		reg:            opts.Registry,
		log:            opts.Logger.Named("worker").With(zap.String("workerId", opts.ID)),
		lockTTL:        opts.LockTTL,
		lockRetry:      opts.LockRetryInterval,
		defaults:       defaults,
		statusInterval: opts.StatusInterval,
		queues:         make(map[string]*runQueue),
	}, nil
}

// ID returns the worker's fleet identity.
func (w *Worker) ID() string { return w.id }

// CreateQueue ensures a runtime queue exists. Idempotent per name: options
// of an existing queue are left untouched.
func (w *Worker) CreateQueue(name string, opts QueueOptions) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensureQueue(name, opts)
}

func (w *Worker) ensureQueue(name string, opts QueueOptions) *runQueue {
	if q, ok := w.queues[name]; ok {
		return q
	}
	q := newRunQueue(name, opts.resolve(w.defaults))
	w.queues[name] = q
	return q
}

// QueueNames returns the known queue names, sorted.
func (w *Worker) QueueNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.queues))
	for n := range w.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ActiveJobs reports the number of executing jobs on one queue, or across
// all queues when name is empty. The WorkerPool uses it for load-aware
// selection.
func (w *Worker) ActiveJobs(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if name != "" {
		if q, ok := w.queues[name]; ok {
			return q.processing
		}
		return 0
	}
	total := 0
	for _, q := range w.queues {
		total += q.processing
	}
	return total
}

// WaitingJobs reports pending plus retry-parked jobs.
func (w *Worker) WaitingJobs(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	count := func(q *runQueue) int { return len(q.pending) + len(q.delayed) }
	if name != "" {
		if q, ok := w.queues[name]; ok {
			return count(q)
		}
		return 0
	}
	total := 0
	for _, q := range w.queues {
		total += count(q)
	}
	return total
}

// Start registers the worker and begins consuming. A transport that cannot
// reach its backend aborts startup.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.baseCtx, w.cancelAll = context.WithCancel(context.Background())
	w.started = true
	w.stopTick = make(chan struct{})
	names := make([]string, 0, len(w.queues))
	for n := range w.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	w.mu.Unlock()

	w.tr.OnMessage(w.handleMessage)
	if err := w.tr.Start(ctx); err != nil {
		w.markStopped()
		return fmt.Errorf("worker %s: start transport: %w", w.id, err)
	}
	if err := w.tr.RegisterWorker(ctx, w.id, names); err != nil {
		_ = w.tr.Stop(ctx)
		w.markStopped()
		return fmt.Errorf("worker %s: register: %w", w.id, err)
	}
	if err := w.tr.Send(ctx, &message.WorkerReady{
		ID: w.id, Queues: names, Status: "ready", Timestamp: time.Now(),
	}); err != nil {
		w.log.Warn("announce ready", zap.Error(err))
	}

	if w.statusInterval > 0 {
		w.loopWG.Add(1)
		go w.statusLoop()
	}

	for _, name := range names {
		w.schedule(name)
	}
	w.log.Info("worker started", zap.Strings("queues", names))
	return nil
}

func (w *Worker) markStopped() {
	w.mu.Lock()
	w.started = false
	cancel := w.cancelAll
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop drains the worker. When force is false, Stop waits for active jobs
// to finish (bounded by ctx); when force is true, every active job's
// cancellation token fires first.
func (w *Worker) Stop(ctx context.Context, force bool) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	close(w.stopTick)
	for _, q := range w.queues {
		if q.wakeTimer != nil {
			q.wakeTimer.Stop()
			q.wakeTimer = nil
		}
		for _, qj := range q.delayed {
			if qj.retryTimer != nil {
				qj.retryTimer.Stop()
			}
		}
		if force {
			for _, qj := range q.active {
				qj.cancelled = true
				if qj.cancelExec != nil {
					qj.cancelExec()
				}
			}
		}
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := w.tr.UnregisterWorker(ctx, w.id); err != nil {
		w.log.Warn("unregister", zap.Error(err))
	}
	err := w.tr.Stop(ctx)
	w.cancelAll()
	w.loopWG.Wait()
	w.log.Info("worker stopped", zap.Bool("force", force))
	return err
}

// Pause halts selection on one queue; running jobs finish normally.
func (w *Worker) Pause(name string) {
	w.mu.Lock()
	if q, ok := w.queues[name]; ok {
		q.paused = true
	}
	w.mu.Unlock()
}

// Resume lifts a pause and immediately runs a selection pass.
func (w *Worker) Resume(name string) {
	w.mu.Lock()
	q, ok := w.queues[name]
	if ok {
		q.paused = false
	}
	w.mu.Unlock()
	if ok {
		w.schedule(name)
	}
}

// Paused reports the pause flag for a queue.
func (w *Worker) Paused(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if q, ok := w.queues[name]; ok {
		return q.paused
	}
	return false
}

func (w *Worker) handleMessage(ctx context.Context, m message.Message) {
	switch v := m.(type) {
	case *message.JobProcess:
		w.enqueueProcess(v)
	case *message.JobCancel:
		w.CancelJob(ctx, v.JobID, v.Queue)
	case *message.JobCancelAll:
		w.CancelAllJobs(ctx, v.Queue)
	}
}

// enqueueProcess turns a job:process message into a QueuedJob on the named
// queue. Unresolvable classes and failing factories are execution errors:
// the dispatch is marked failed, never silently dropped.
func (w *Worker) enqueueProcess(m *message.JobProcess) {
	factory, meta, err := w.reg.Resolve(m.Job)
	if err != nil {
		w.failDispatch(m, fmt.Errorf("resolve job class: %w", err))
		return
	}
	j, err := factory(m.Args)
	if err != nil {
		w.failDispatch(m, fmt.Errorf("construct job: %w", err))
		return
	}

	overlap := m.Options.Overlap
	overlapDelay := m.Options.OverlapDelay
	if overlap == "" {
		overlap = meta.Overlap
		if overlapDelay == 0 {
			overlapDelay = meta.OverlapDelay
		}
	}
	maxRetries := -1
	if m.Options.MaxRetries != nil {
		maxRetries = *m.Options.MaxRetries
	}

	w.mu.Lock()
	q := w.ensureQueue(m.Queue, QueueOptions{})
	w.seq++
	qj := &QueuedJob{
		JobID:        m.JobID,
		DispatchID:   m.DispatchID,
		Queue:        m.Queue,
		Job:          j,
		ScheduledFor: m.Options.ScheduledFor,
		Priority:     m.Options.Priority,
		MaxRetries:   maxRetries,
		RetryDelay:   m.Options.RetryDelay,
		Overlap:      overlap,
		OverlapDelay: overlapDelay,
		seq:          w.seq,
	}
	q.insert(qj)
	w.mu.Unlock()

	w.schedule(m.Queue)
}

// failDispatch marks a dispatch failed before it ever got a QueuedJob.
func (w *Worker) failDispatch(m *message.JobProcess, cause error) {
	w.log.Warn("dispatch rejected",
		zap.String("queue", m.Queue),
		zap.String("job", m.Job),
		zap.String("jobId", m.JobID),
		zap.Error(cause))
	qj := &QueuedJob{JobID: m.JobID, DispatchID: m.DispatchID, Queue: m.Queue}
	now := time.Now()
	w.report(qj, job.StatusFailed, reportExtras{err: cause.Error(), completedAt: &now, terminal: true})
}

// CancelJob cancels every dispatch of jobID: pending entries are removed,
// retry-parked entries are unparked, and active entries have their
// cancellation token fired without interrupting execution. Queue may be
// empty to search all queues.
func (w *Worker) CancelJob(ctx context.Context, jobID, queueName string) {
	now := time.Now()
	var toReport []*QueuedJob

	w.mu.Lock()
	for name, q := range w.queues {
		if queueName != "" && name != queueName {
			continue
		}
		for i := len(q.pending) - 1; i >= 0; i-- {
			if q.pending[i].JobID != jobID {
				continue
			}
			qj := q.removePending(i)
			qj.cancelled, qj.cancelReported = true, true
			toReport = append(toReport, qj)
		}
		for key, qj := range q.delayed {
			if qj.JobID != jobID {
				continue
			}
			if qj.retryTimer != nil {
				qj.retryTimer.Stop()
			}
			delete(q.delayed, key)
			qj.cancelled, qj.cancelReported = true, true
			toReport = append(toReport, qj)
		}
		for _, qj := range q.active {
			if qj.JobID != jobID || qj.cancelled {
				continue
			}
			qj.cancelled, qj.cancelReported = true, true
			if qj.cancelExec != nil {
				qj.cancelExec()
			}
			toReport = append(toReport, qj)
		}
	}
	w.mu.Unlock()

	for _, qj := range toReport {
		w.report(qj, job.StatusCancelled, reportExtras{completedAt: &now, terminal: true})
	}
}

// CancelAllJobs cancels everything on one queue, or on every queue when
// name is empty.
func (w *Worker) CancelAllJobs(ctx context.Context, queueName string) {
	now := time.Now()
	var toReport []*QueuedJob

	w.mu.Lock()
	for name, q := range w.queues {
		if queueName != "" && name != queueName {
			continue
		}
		for _, qj := range q.pending {
			qj.cancelled, qj.cancelReported = true, true
			toReport = append(toReport, qj)
		}
		q.pending = nil
		for key, qj := range q.delayed {
			if qj.retryTimer != nil {
				qj.retryTimer.Stop()
			}
			delete(q.delayed, key)
			qj.cancelled, qj.cancelReported = true, true
			toReport = append(toReport, qj)
		}
		for _, qj := range q.active {
			if qj.cancelled {
				continue
			}
			qj.cancelled, qj.cancelReported = true, true
			if qj.cancelExec != nil {
				qj.cancelExec()
			}
			toReport = append(toReport, qj)
		}
	}
	w.mu.Unlock()

	for _, qj := range toReport {
		w.report(qj, job.StatusCancelled, reportExtras{completedAt: &now, terminal: true})
	}
}

// RunRequest is a direct execution request used by the WorkerPool to
// bypass the transport.
type RunRequest struct {
	Queue      string
	Class      string
	JobID      string
	DispatchID string
	Args       json.RawMessage
	Options    job.Options
}

// RunJob enqueues a job directly onto this worker, skipping the transport.
// Returns the (jobID, dispatchID) identity actually used.
func (w *Worker) RunJob(ctx context.Context, req RunRequest) (jobID, dispatchID string, err error) {
	if req.Queue == "" {
		return "", "", fmt.Errorf("worker %s: run job: empty queue", w.id)
	}
	if _, _, err := w.reg.Resolve(req.Class); err != nil {
		return "", "", fmt.Errorf("worker %s: run job: %w", w.id, err)
	}
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return "", "", fmt.Errorf("worker %s: not started", w.id)
	}
	w.mu.Unlock()
	if req.JobID == "" {
		req.JobID = id.NewJobID()
	}
	if req.DispatchID == "" {
		req.DispatchID = id.NewDispatchID()
	}
	w.enqueueProcess(&message.JobProcess{
		Job:        req.Class,
		Args:       req.Args,
		JobID:      req.JobID,
		DispatchID: req.DispatchID,
		Queue:      req.Queue,
		Options:    req.Options,
	})
	return req.JobID, req.DispatchID, nil
}

// statusLoop publishes periodic worker:status heartbeats.
func (w *Worker) statusLoop() {
	defer w.loopWG.Done()
	ticker := time.NewTicker(w.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopTick:
			return
		case <-ticker.C:
			msg := &message.WorkerStatus{
				WorkerID:   w.id,
				Queues:     w.QueueNames(),
				Status:     "running",
				Processing: w.ActiveJobs(""),
				Waiting:    w.WaitingJobs(""),
			}
			if err := w.tr.Send(w.baseCtx, msg); err != nil && w.baseCtx.Err() == nil {
				w.log.Warn("worker status heartbeat", zap.Error(err))
			}
		}
	}
}
