package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/worker"
)

// loadSpreadThreshold is the active-job spread past which round-robin is
// bypassed in favor of the least-loaded worker.
const loadSpreadThreshold = 5

// Member is the worker surface the pool drives. *worker.Worker satisfies
// it.
type Member interface {
	ID() string
	QueueNames() []string
	ActiveJobs(queue string) int
	RunJob(ctx context.Context, req worker.RunRequest) (jobID, dispatchID string, err error)
	CancelJob(ctx context.Context, jobID, queue string)
	CancelAllJobs(ctx context.Context, queue string)
}

// Pool tracks workers and their queue assignments.
type Pool struct {
	log *zap.Logger

	mu       sync.Mutex
	members  map[string]Member
	byQueue  map[string][]string
	lastUsed map[string]string
}

// New builds an empty pool.
func New(log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:      log.Named("pool"),
		members:  make(map[string]Member),
		byQueue:  make(map[string][]string),
		lastUsed: make(map[string]string),
	}
}

// AddWorker assigns m to queues. With no queues given, the worker's own
// queue names are used. Re-adding an id replaces its assignments.
func (p *Pool) AddWorker(m Member, queues ...string) {
	if len(queues) == 0 {
		queues = m.QueueNames()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.members[m.ID()]; exists {
		p.removeLocked(m.ID())
	}
	p.members[m.ID()] = m
	for _, q := range queues {
		p.byQueue[q] = append(p.byQueue[q], m.ID())
	}
	p.log.Debug("worker added", zap.String("workerId", m.ID()), zap.Strings("queues", queues))
}

// RemoveWorker drops id from the pool and every queue rotation.
func (p *Pool) RemoveWorker(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
}

func (p *Pool) removeLocked(id string) {
	if _, ok := p.members[id]; !ok {
		return
	}
	delete(p.members, id)
	for q, ids := range p.byQueue {
		for i, candidate := range ids {
			if candidate == id {
				p.byQueue[q] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(p.byQueue[q]) == 0 {
			delete(p.byQueue, q)
			delete(p.lastUsed, q)
		}
	}
}

// Size reports the number of pooled workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// NextWorker selects the worker to hand the next job on queue, or nil when
// none serve it. The selection is recorded as last-used.
func (p *Pool) NextWorker(queue string) Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextLocked(queue)
}

func (p *Pool) nextLocked(queue string) Member {
	ids := p.byQueue[queue]
	if len(ids) == 0 {
		return nil
	}

	minIdx, minLoad, maxLoad := 0, -1, -1
	for i, id := range ids {
		load := p.members[id].ActiveJobs("")
		if minLoad < 0 || load < minLoad {
			minIdx, minLoad = i, load
		}
		if load > maxLoad {
			maxLoad = load
		}
	}
	chosen := -1
	if maxLoad-minLoad > loadSpreadThreshold {
		chosen = minIdx
	} else {
		// Round-robin: advance from the last-used worker's position,
		// wrapping. A vanished last-used falls back to the first worker.
		chosen = 0
		for i, id := range ids {
			if id == p.lastUsed[queue] {
				chosen = (i + 1) % len(ids)
				break
			}
		}
	}
	p.lastUsed[queue] = ids[chosen]
	return p.members[ids[chosen]]
}

// RunJob executes req on the selected worker. A worker that refuses the
// job is evicted and the dispatch retried against the shrunken pool.
func (p *Pool) RunJob(ctx context.Context, req worker.RunRequest) (jobID, dispatchID string, err error) {
	for {
		m := p.NextWorker(req.Queue)
		if m == nil {
			return "", "", fmt.Errorf("pool: no workers serve queue %q", req.Queue)
		}
		jobID, dispatchID, err = m.RunJob(ctx, req)
		if err == nil {
			return jobID, dispatchID, nil
		}
		p.log.Warn("worker rejected job, evicting",
			zap.String("workerId", m.ID()),
			zap.String("queue", req.Queue),
			zap.Error(err))
		p.RemoveWorker(m.ID())
	}
}

// CancelJob fans the cancellation out to every worker serving queue, or to
// all workers when queue is empty.
func (p *Pool) CancelJob(ctx context.Context, jobID, queue string) {
	for _, m := range p.snapshot(queue) {
		m.CancelJob(ctx, jobID, queue)
	}
}

// CancelAllJobs fans a queue-wide cancellation out the same way.
func (p *Pool) CancelAllJobs(ctx context.Context, queue string) {
	for _, m := range p.snapshot(queue) {
		m.CancelAllJobs(ctx, queue)
	}
}

func (p *Pool) snapshot(queue string) []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Member
	if queue == "" {
		for _, m := range p.members {
			out = append(out, m)
		}
		return out
	}
	for _, id := range p.byQueue[queue] {
		out = append(out, p.members[id])
	}
	return out
}
