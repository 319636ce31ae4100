package inproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
	"github.com/rzbill/toil/internal/transport"
)

type role int

const (
	roleProducer role = iota
	roleConsumer
)

func (r role) String() string {
	if r == roleProducer {
		return "producer"
	}
	return "consumer"
}

const deliverBuffer = 256

// Endpoint is one side of an in-process hub. It implements
// transport.Transport.
type Endpoint struct {
	hub  *Hub
	role role

	mu      sync.Mutex
	handler transport.Handler
	ch      chan message.Message
	done    chan struct{}
	started bool
	wg      sync.WaitGroup
}

var _ transport.Transport = (*Endpoint)(nil)

func newEndpoint(h *Hub, r role) *Endpoint {
	return &Endpoint{hub: h, role: r}
}

// OnMessage sets the inbound handler. Must be called before Start.
func (e *Endpoint) OnMessage(h transport.Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// Start begins delivery. Starting the consumer flushes any producer backlog
// and emits worker:ready to the producer.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ch = make(chan message.Message, deliverBuffer)
	e.done = make(chan struct{})
	ch, done := e.ch, e.done
	e.mu.Unlock()

	e.wg.Add(1)
	go e.deliverLoop(ch, done)

	if e.role == roleConsumer {
		e.hub.consumerReady()
		_ = e.hub.producer.deliver(&message.WorkerReady{
			ID:        "inproc",
			Status:    "ready",
			Timestamp: time.Now(),
		})
	}
	return nil
}

// Stop halts delivery. Buffered but undelivered messages are dropped.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	close(e.done)
	e.mu.Unlock()

	if e.role == roleConsumer {
		e.hub.consumerStopped()
	}
	e.wg.Wait()
	return nil
}

func (e *Endpoint) deliverLoop(ch chan message.Message, done chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-done:
			return
		case m := <-ch:
			e.mu.Lock()
			h := e.handler
			e.mu.Unlock()
			if h == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.hub.log.Error("inproc handler panic",
							zap.String("role", e.role.String()),
							zap.String("type", string(m.Kind())),
							zap.Any("panic", r))
					}
				}()
				h(context.Background(), m)
			}()
		}
	}
}

// deliver queues a message for this endpoint's handler.
func (e *Endpoint) deliver(m message.Message) error {
	e.mu.Lock()
	started, ch := e.started, e.ch
	e.mu.Unlock()
	if !started {
		return fmt.Errorf("inproc %s not started", e.role)
	}
	select {
	case ch <- m:
		return nil
	default:
		return fmt.Errorf("inproc %s delivery buffer full", e.role)
	}
}

// Send routes a message to the peer endpoint. Producer sends buffer until
// the consumer is ready.
func (e *Endpoint) Send(ctx context.Context, m message.Message) error {
	if m == nil {
		return fmt.Errorf("inproc send: nil message")
	}
	return e.hub.route(e.role, m)
}

// JobStatus always fails: the in-process transport keeps no status records.
func (e *Endpoint) JobStatus(ctx context.Context, queue, jobID, dispatchID string) (*job.StatusInfo, error) {
	return nil, transport.ErrStatusUnavailable
}

// UpdateJobStatus is a no-op; status flows through messages only.
func (e *Endpoint) UpdateJobStatus(ctx context.Context, queue, jobID, dispatchID string, upd job.StatusUpdate) error {
	return nil
}

// RegisterWorker records the worker on the hub.
func (e *Endpoint) RegisterWorker(ctx context.Context, workerID string, queues []string) error {
	e.hub.registerWorker(workerID, queues)
	return nil
}

// UnregisterWorker removes the worker from the hub.
func (e *Endpoint) UnregisterWorker(ctx context.Context, workerID string) error {
	e.hub.unregisterWorker(workerID)
	return nil
}

// AcquireLock takes the in-memory lease for (queue, jobID).
func (e *Endpoint) AcquireLock(ctx context.Context, queue, jobID string, ttl time.Duration) (bool, error) {
	return e.hub.acquireLock(queue, jobID, ttl), nil
}

// ReleaseLock releases the lease, optionally after a cool-down.
func (e *Endpoint) ReleaseLock(ctx context.Context, queue, jobID string, after time.Duration) error {
	e.hub.releaseLock(queue, jobID, after)
	return nil
}
