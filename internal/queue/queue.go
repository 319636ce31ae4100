package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/events"
	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
	"github.com/rzbill/toil/internal/transport"
	"github.com/rzbill/toil/pkg/id"
)

// cacheLimit bounds the local status cache; terminal entries are evicted
// oldest-first once it is exceeded.
const cacheLimit = 4096

// Options configures a Queue.
type Options struct {
	Logger *zap.Logger
	// Bus receives republished job lifecycle events. Optional.
	Bus *events.Bus
}

// Queue dispatches jobs onto one named queue through a producer-mode
// transport.
type Queue struct {
	name string
	tr   transport.Transport
	log  *zap.Logger
	bus  *events.Bus

	mu      sync.Mutex
	cache   map[string]*job.StatusInfo
	started bool
}

// New builds a Queue over tr. The transport is not started until Start.
func New(name string, tr transport.Transport, opts Options) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue: empty name")
	}
	if tr == nil {
		return nil, fmt.Errorf("queue %s: nil transport", name)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		name:  name,
		tr:    tr,
		log:   opts.Logger.Named("queue").With(zap.String("queue", name)),
		bus:   opts.Bus,
		cache: make(map[string]*job.StatusInfo),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Start wires the inbound handler and starts the transport.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	q.tr.OnMessage(q.handleMessage)
	if err := q.tr.Start(ctx); err != nil {
		q.mu.Lock()
		q.started = false
		q.mu.Unlock()
		return fmt.Errorf("queue %s: start transport: %w", q.name, err)
	}
	return nil
}

// Stop stops the transport. The status cache survives for late reads.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.mu.Unlock()
	return q.tr.Stop(ctx)
}

// DispatchRequest names a job class and its per-dispatch options. JobID and
// DispatchID are generated when empty; supplying a JobID groups dispatches
// under one logical job for NO_OVERLAP and cancellation.
type DispatchRequest struct {
	Class      string
	Args       json.RawMessage
	JobID      string
	DispatchID string
	Options    job.Options
}

// Dispatch publishes one job:process message. The initial status record is
// cached before the send; a send failure marks the dispatch failed and
// returns the error.
func (q *Queue) Dispatch(ctx context.Context, req DispatchRequest) (jobID, dispatchID string, err error) {
	if req.Class == "" {
		return "", "", fmt.Errorf("queue %s: dispatch: empty job class", q.name)
	}
	if req.JobID == "" {
		req.JobID = id.NewJobID()
	}
	if req.DispatchID == "" {
		req.DispatchID = id.NewDispatchID()
	}

	now := time.Now()
	initial := job.StatusPending
	if req.Options.ScheduledFor.After(now) {
		initial = job.StatusScheduledForRetry
	}
	si := &job.StatusInfo{
		Queue:      q.name,
		JobID:      req.JobID,
		DispatchID: req.DispatchID,
		Status:     initial,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.mu.Lock()
	q.cache[cacheKey(req.JobID, req.DispatchID)] = si
	q.pruneLocked()
	q.mu.Unlock()

	sendErr := q.tr.Send(ctx, &message.JobProcess{
		Job:        req.Class,
		Args:       req.Args,
		JobID:      req.JobID,
		DispatchID: req.DispatchID,
		Queue:      q.name,
		Options:    req.Options,
	})
	if sendErr != nil {
		q.mu.Lock()
		si.Apply(job.StatusUpdate{
			Status:      job.StatusPtr(job.StatusFailed),
			Error:       job.StringPtr(sendErr.Error()),
			CompletedAt: job.TimePtr(time.Now()),
		}, time.Now())
		q.mu.Unlock()
		q.log.Error("dispatch send failed",
			zap.String("job", req.Class), zap.String("jobId", req.JobID), zap.Error(sendErr))
		return req.JobID, req.DispatchID, fmt.Errorf("queue %s: dispatch %s: %w", q.name, req.Class, sendErr)
	}
	q.log.Debug("dispatched",
		zap.String("job", req.Class),
		zap.String("jobId", req.JobID),
		zap.String("dispatchId", req.DispatchID),
		zap.String("status", string(initial)))
	return req.JobID, req.DispatchID, nil
}

// CancelJob requests cooperative cancellation of every dispatch of jobID.
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	if err := q.tr.Send(ctx, &message.JobCancel{JobID: jobID, Queue: q.name}); err != nil {
		return fmt.Errorf("queue %s: cancel job %s: %w", q.name, jobID, err)
	}
	return nil
}

// CancelAllJobs requests cancellation of everything on this queue.
func (q *Queue) CancelAllJobs(ctx context.Context) error {
	if err := q.tr.Send(ctx, &message.JobCancelAll{Queue: q.name}); err != nil {
		return fmt.Errorf("queue %s: cancel all: %w", q.name, err)
	}
	return nil
}

// JobStatus returns the status record for one dispatch. The transport's
// durable record wins when it has one; transports without status storage
// fall back to the local cache.
func (q *Queue) JobStatus(ctx context.Context, jobID, dispatchID string) (*job.StatusInfo, error) {
	si, err := q.tr.JobStatus(ctx, q.name, jobID, dispatchID)
	switch {
	case err == nil:
		q.mu.Lock()
		q.cache[cacheKey(jobID, dispatchID)] = si
		q.mu.Unlock()
		cp := *si
		return &cp, nil
	case errors.Is(err, transport.ErrStatusUnavailable), errors.Is(err, transport.ErrNotFound):
		q.mu.Lock()
		cached, ok := q.cache[cacheKey(jobID, dispatchID)]
		var cp job.StatusInfo
		if ok {
			cp = *cached
		}
		q.mu.Unlock()
		if ok {
			return &cp, nil
		}
		return nil, fmt.Errorf("queue %s: status of %s/%s: %w", q.name, jobID, dispatchID, transport.ErrNotFound)
	default:
		return nil, fmt.Errorf("queue %s: status of %s/%s: %w", q.name, jobID, dispatchID, err)
	}
}

// JobsByStatus lists cached dispatches currently in st, most recent first.
func (q *Queue) JobsByStatus(st job.Status) []*job.StatusInfo {
	q.mu.Lock()
	var out []*job.StatusInfo
	for _, si := range q.cache {
		if si.Status == st {
			cp := *si
			out = append(out, &cp)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func cacheKey(jobID, dispatchID string) string { return jobID + "/" + dispatchID }

// pruneLocked evicts the oldest terminal entries once the cache exceeds its
// cap. Non-terminal entries are never evicted.
func (q *Queue) pruneLocked() {
	if len(q.cache) <= cacheLimit {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	var terminals []aged
	for k, si := range q.cache {
		if si.Status.Terminal() {
			terminals = append(terminals, aged{k, si.UpdatedAt})
		}
	}
	sort.Slice(terminals, func(i, j int) bool { return terminals[i].at.Before(terminals[j].at) })
	for _, t := range terminals {
		if len(q.cache) <= cacheLimit {
			return
		}
		delete(q.cache, t.key)
	}
}

func (q *Queue) handleMessage(ctx context.Context, m message.Message) {
	switch v := m.(type) {
	case *message.JobStatus:
		if v.Queue != q.name {
			return
		}
		q.applyStatus(v)
	case *message.JobResult:
		if v.Queue != q.name {
			return
		}
		q.applyResult(v)
	case *message.JobUpdate:
		if v.Queue != q.name {
			return
		}
		q.publish(events.Event{
			Name:       q.name + ":job:update",
			Queue:      q.name,
			Kind:       string(message.TypeJobUpdate),
			JobID:      v.JobID,
			DispatchID: v.DispatchID,
		})
	case *message.WorkerReady:
		q.publish(events.Event{
			Name: "workers:" + string(message.TypeWorkerReady),
			Kind: string(message.TypeWorkerReady),
		})
	case *message.WorkerStatus:
		q.publish(events.Event{
			Name: "workers:" + string(message.TypeWorkerStatus),
			Kind: string(message.TypeWorkerStatus),
		})
	}
}

// applyStatus refreshes the cache from a status transition and republishes
// it as "<queue>:job:status".
func (q *Queue) applyStatus(v *message.JobStatus) {
	now := time.Now()
	upd := job.StatusUpdate{
		Status:  job.StatusPtr(v.Status),
		Retries: job.IntPtr(v.Retries),
	}
	if v.Error != "" {
		upd.Error = job.StringPtr(v.Error)
	}
	if v.StartedAt != nil {
		upd.StartedAt = v.StartedAt
	}
	if v.CompletedAt != nil {
		upd.CompletedAt = v.CompletedAt
	}
	q.mutate(v.JobID, v.DispatchID, upd, now)
	q.publish(events.Event{
		Name:       q.name + ":job:status",
		Queue:      q.name,
		Kind:       string(message.TypeJobStatus),
		JobID:      v.JobID,
		DispatchID: v.DispatchID,
		Status:     v.Status,
		Retries:    v.Retries,
		Error:      v.Error,
		Timestamp:  now,
	})
}

// applyResult refreshes the cache from a terminal result and republishes it
// as "<queue>:job:result".
func (q *Queue) applyResult(v *message.JobResult) {
	now := time.Now()
	upd := job.StatusUpdate{
		Status:      job.StatusPtr(v.Status),
		Retries:     job.IntPtr(v.Retries),
		CompletedAt: job.TimePtr(v.CompletedAt),
	}
	if v.Error != "" {
		upd.Error = job.StringPtr(v.Error)
	}
	q.mutate(v.JobID, v.DispatchID, upd, now)
	q.publish(events.Event{
		Name:       q.name + ":job:result",
		Queue:      q.name,
		Kind:       string(message.TypeJobResult),
		JobID:      v.JobID,
		DispatchID: v.DispatchID,
		Status:     v.Status,
		Retries:    v.Retries,
		Error:      v.Error,
		Timestamp:  now,
	})
}

// mutate applies upd to the cached record, creating one for dispatches this
// producer did not originate.
func (q *Queue) mutate(jobID, dispatchID string, upd job.StatusUpdate, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := cacheKey(jobID, dispatchID)
	si, ok := q.cache[key]
	if !ok {
		si = &job.StatusInfo{
			Queue:      q.name,
			JobID:      jobID,
			DispatchID: dispatchID,
			Status:     job.StatusPending,
			CreatedAt:  now,
		}
		q.cache[key] = si
		q.pruneLocked()
	}
	si.Apply(upd, now)
}

func (q *Queue) publish(ev events.Event) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(ev)
}
