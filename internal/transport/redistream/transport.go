package redistream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/message"
	"github.com/rzbill/toil/internal/transport"
)

// Mode selects the transport role.
type Mode int

const (
	// ModeProducer subscribes to status traffic and appends job:process
	// entries; it runs no consumer group loop.
	ModeProducer Mode = iota
	// ModeConsumer joins the consumer group, polls streams, heartbeats,
	// and runs the retention sweeper.
	ModeConsumer
)

// Options configures a Transport.
type Options struct {
	Client *redis.Client
	Mode   Mode
	// Prefix namespaces every key. Default "toil".
	Prefix string
	// Queues this transport serves (consumer) or observes (producer).
	Queues []string
	// WorkerID is the consumer-group identity. Required in consumer mode.
	WorkerID string
	// Group is the consumer group name shared by all workers. Default
	// "workers".
	Group string
	// PollInterval is the sleep between empty polls. Default 250ms.
	PollInterval time.Duration
	// PollCount caps entries fetched per poll. Default 16.
	PollCount int64
	// ClaimIdle is how long a delivery may sit unacknowledged on another
	// consumer before this one claims it. Default 30s; zero disables.
	ClaimIdle time.Duration
	// StatusTTL is the expiry on status records. Default 24h.
	StatusTTL time.Duration
	// Retention is how long terminal status records and their log entries
	// are kept before the cleanup pass removes them. Default 24h.
	Retention time.Duration
	// MaxStreamLen trims each stream during cleanup. Default 8192.
	MaxStreamLen int64
	// WorkerTTL is the liveness record expiry. Default 60s.
	WorkerTTL time.Duration
	// LockTTL is the default NoOverlap lease. Default 60s.
	LockTTL time.Duration
	// CleanupInterval schedules the retention sweeper in consumer mode.
	// Default 1m; zero disables the background pass (Cleanup can still be
	// called directly).
	CleanupInterval time.Duration
	Logger          *zap.Logger
}

func (o *Options) withDefaults() {
	if o.Prefix == "" {
		o.Prefix = "toil"
	}
	if o.Group == "" {
		o.Group = "workers"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.PollCount <= 0 {
		o.PollCount = 16
	}
	if o.ClaimIdle < 0 {
		o.ClaimIdle = 0
	} else if o.ClaimIdle == 0 {
		o.ClaimIdle = 30 * time.Second
	}
	if o.StatusTTL <= 0 {
		o.StatusTTL = 24 * time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.MaxStreamLen <= 0 {
		o.MaxStreamLen = 8192
	}
	if o.WorkerTTL <= 0 {
		o.WorkerTTL = 60 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 60 * time.Second
	}
	if o.CleanupInterval < 0 {
		o.CleanupInterval = 0
	} else if o.CleanupInterval == 0 {
		o.CleanupInterval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Transport is the Redis-backed distributed transport.
type Transport struct {
	opts Options
	rdb  *redis.Client
	log  *zap.Logger

	mu      sync.Mutex
	handler transport.Handler
	started bool
	cancel  context.CancelFunc
	pubsub  *redis.PubSub
	wg      sync.WaitGroup
	now     func() time.Time
}

var _ transport.Transport = (*Transport)(nil)

// New builds a Transport. The Redis client is owned by the caller.
func New(opts Options) (*Transport, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redistream: nil redis client")
	}
	if opts.Mode == ModeConsumer && opts.WorkerID == "" {
		return nil, fmt.Errorf("redistream: consumer mode requires a worker id")
	}
	if opts.Mode == ModeConsumer && len(opts.Queues) == 0 {
		return nil, fmt.Errorf("redistream: consumer mode requires at least one queue")
	}
	opts.withDefaults()
	return &Transport{
		opts: opts,
		rdb:  opts.Client,
		log:  opts.Logger.Named("redistream"),
		now:  time.Now,
	}, nil
}

// OnMessage sets the inbound handler. Must be called before Start.
func (t *Transport) OnMessage(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Start connects, creates consumer groups (consumer mode), and begins the
// poll, pub/sub, heartbeat, and cleanup loops for the transport's mode.
// Failure to reach Redis is unrecoverable and aborts startup.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redistream: backend unreachable: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	channels := make([]string, 0, len(t.opts.Queues)+1)
	for _, q := range t.opts.Queues {
		channels = append(channels, eventsKey(t.opts.Prefix, q))
	}
	channels = append(channels, workerEventsKey(t.opts.Prefix))
	pubsub := t.rdb.Subscribe(runCtx, channels...)
	if _, err := pubsub.Receive(runCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("redistream: subscribe events: %w", err)
	}

	if t.opts.Mode == ModeConsumer {
		for _, q := range t.opts.Queues {
			err := t.rdb.XGroupCreateMkStream(ctx, streamKey(t.opts.Prefix, q), t.opts.Group, "0").Err()
			if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
				cancel()
				_ = pubsub.Close()
				return fmt.Errorf("redistream: create group on %s: %w", q, err)
			}
		}
	}

	t.mu.Lock()
	t.started = true
	t.cancel = cancel
	t.pubsub = pubsub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.eventLoop(runCtx, pubsub)

	if t.opts.Mode == ModeConsumer {
		t.wg.Add(1)
		go t.pollLoop(runCtx)
		t.wg.Add(1)
		go t.heartbeatLoop(runCtx)
		if t.opts.CleanupInterval > 0 {
			t.wg.Add(1)
			go t.cleanupLoop(runCtx)
		}
	}
	return nil
}

// Stop halts all loops. The Redis client is left open for the owner.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	cancel, pubsub := t.cancel, t.pubsub
	t.cancel, t.pubsub = nil, nil
	t.mu.Unlock()

	cancel()
	_ = pubsub.Close()
	t.wg.Wait()
	return nil
}

// Send publishes a message. job:process appends to the queue's stream and
// initializes the dispatch's status record; everything else fans out over
// pub/sub. Worker heartbeats additionally refresh the liveness key.
func (t *Transport) Send(ctx context.Context, m message.Message) error {
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	switch v := m.(type) {
	case *message.JobProcess:
		return t.sendProcess(ctx, v, payload)
	case *message.WorkerStatus:
		if err := t.touchWorker(ctx, v.WorkerID, v.Queues); err != nil {
			t.log.Warn("refresh worker liveness", zap.String("worker", v.WorkerID), zap.Error(err))
		}
		return t.publish(ctx, workerEventsKey(t.opts.Prefix), payload)
	case *message.WorkerRegister, *message.WorkerUnregister, *message.WorkerReady:
		return t.publish(ctx, workerEventsKey(t.opts.Prefix), payload)
	default:
		queue := message.QueueOf(m)
		if queue == "" {
			return fmt.Errorf("redistream: message %s has no queue", m.Kind())
		}
		return t.publish(ctx, eventsKey(t.opts.Prefix, queue), payload)
	}
}

func (t *Transport) publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redistream: publish %s: %w", channel, err)
	}
	return nil
}

// eventLoop forwards pub/sub traffic to the handler. Decode failures and
// handler panics are logged and do not stop the loop.
func (t *Transport) eventLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer t.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m, err := message.Decode([]byte(msg.Payload))
			if err != nil {
				t.log.Warn("drop undecodable event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			t.dispatch(ctx, m)
		}
	}
}

// dispatch invokes the handler with panic isolation.
func (t *Transport) dispatch(ctx context.Context, m message.Message) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("message handler panic",
				zap.String("type", string(m.Kind())), zap.Any("panic", r))
		}
	}()
	h(ctx, m)
}

// touchWorker writes the liveness record with the worker TTL.
func (t *Transport) touchWorker(ctx context.Context, workerID string, queues []string) error {
	rec, err := json.Marshal(map[string]any{
		"workerId": workerID,
		"queues":   queues,
		"seenAt":   t.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return t.rdb.Set(ctx, workerKey(t.opts.Prefix, workerID), rec, t.opts.WorkerTTL).Err()
}

// RegisterWorker writes the liveness record and announces the worker.
func (t *Transport) RegisterWorker(ctx context.Context, workerID string, queues []string) error {
	if err := t.touchWorker(ctx, workerID, queues); err != nil {
		return fmt.Errorf("redistream: register worker %s: %w", workerID, err)
	}
	payload, err := message.Encode(&message.WorkerRegister{WorkerID: workerID, Queues: queues})
	if err != nil {
		return err
	}
	return t.publish(ctx, workerEventsKey(t.opts.Prefix), payload)
}

// UnregisterWorker drops the liveness record and announces the departure.
func (t *Transport) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := t.rdb.Del(ctx, workerKey(t.opts.Prefix, workerID)).Err(); err != nil {
		return fmt.Errorf("redistream: unregister worker %s: %w", workerID, err)
	}
	payload, err := message.Encode(&message.WorkerUnregister{WorkerID: workerID})
	if err != nil {
		return err
	}
	return t.publish(ctx, workerEventsKey(t.opts.Prefix), payload)
}

// heartbeatLoop refreshes the liveness record and publishes worker:status
// at half the worker TTL.
func (t *Transport) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	interval := t.opts.WorkerTTL / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.touchWorker(ctx, t.opts.WorkerID, t.opts.Queues); err != nil && ctx.Err() == nil {
				t.log.Warn("worker heartbeat", zap.Error(err))
			}
		}
	}
}
