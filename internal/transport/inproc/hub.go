package inproc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/message"
)

// Hub connects one producer endpoint and one consumer endpoint in the same
// process. Construct with NewHub, then hand Producer() to the Queue and
// Consumer() to the Worker.
type Hub struct {
	mu       sync.Mutex
	producer *Endpoint
	consumer *Endpoint
	ready    bool
	backlog  []message.Message
	locks    map[string]lockLease
	workers  map[string][]string
	log      *zap.Logger
	now      func() time.Time
}

type lockLease struct {
	expiresAt time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger; endpoints derive component loggers from it.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// withClock overrides the hub clock, for lease expiry tests.
func withClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an unconnected hub. Endpoints are created lazily on first
// use and are singletons per role.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		locks:   make(map[string]lockLease),
		workers: make(map[string][]string),
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.producer = newEndpoint(h, roleProducer)
	h.consumer = newEndpoint(h, roleConsumer)
	return h
}

// Producer returns the producer-mode endpoint.
func (h *Hub) Producer() *Endpoint { return h.producer }

// Consumer returns the consumer-mode endpoint.
func (h *Hub) Consumer() *Endpoint { return h.consumer }

// route delivers a message sent from one role to its peer. Messages sent
// producer→consumer before the consumer is ready are buffered.
func (h *Hub) route(from role, m message.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from == roleProducer {
		if !h.ready {
			h.backlog = append(h.backlog, m)
			return nil
		}
		return h.consumer.deliver(m)
	}
	return h.producer.deliver(m)
}

// consumerReady flushes the backlog into the consumer and tells the
// producer the worker is live.
func (h *Hub) consumerReady() {
	h.mu.Lock()
	h.ready = true
	backlog := h.backlog
	h.backlog = nil
	h.mu.Unlock()

	for _, m := range backlog {
		if err := h.consumer.deliver(m); err != nil {
			h.log.Warn("inproc backlog delivery dropped", zap.String("type", string(m.Kind())))
		}
	}
}

func (h *Hub) consumerStopped() {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()
}

func lockKey(queue, jobID string) string { return queue + "/" + jobID }

// acquireLock implements the non-blocking lease: it succeeds only when no
// unexpired lease exists for (queue, jobID).
func (h *Hub) acquireLock(queue, jobID string, ttl time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if lease, ok := h.locks[lockKey(queue, jobID)]; ok && lease.expiresAt.After(now) {
		return false
	}
	h.locks[lockKey(queue, jobID)] = lockLease{expiresAt: now.Add(ttl)}
	return true
}

// releaseLock drops the lease immediately, or shortens it to the cool-down
// window. The existing lease expiry stays authoritative: a cool-down never
// extends it.
func (h *Hub) releaseLock(queue, jobID string, after time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := lockKey(queue, jobID)
	if after <= 0 {
		delete(h.locks, key)
		return
	}
	lease, ok := h.locks[key]
	if !ok {
		return
	}
	until := h.now().Add(after)
	if until.Before(lease.expiresAt) {
		h.locks[key] = lockLease{expiresAt: until}
	}
}

func (h *Hub) registerWorker(id string, queues []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[id] = append([]string(nil), queues...)
}

func (h *Hub) unregisterWorker(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.workers, id)
}

// Workers returns the registered worker ids, for introspection in tests and
// operational tooling.
func (h *Hub) Workers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.workers))
	for id := range h.workers {
		out = append(out, id)
	}
	return out
}
