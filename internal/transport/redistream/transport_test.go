package redistream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
	"github.com/rzbill/toil/internal/transport"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testProducer(t *testing.T, client *redis.Client, queues ...string) *Transport {
	t.Helper()
	tr, err := New(Options{
		Client: client,
		Mode:   ModeProducer,
		Queues: queues,
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	return tr
}

func testConsumer(t *testing.T, client *redis.Client, workerID string, queues ...string) *Transport {
	t.Helper()
	tr, err := New(Options{
		Client:          client,
		Mode:            ModeConsumer,
		WorkerID:        workerID,
		Queues:          queues,
		PollInterval:    10 * time.Millisecond,
		CleanupInterval: -1,
		Logger:          zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return tr
}

type capture struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *capture) handle(ctx context.Context, m message.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *capture) count(kind message.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func dispatchMsg(jobID, dispatchID string) *message.JobProcess {
	return &message.JobProcess{
		Job:        "send-email",
		Args:       json.RawMessage(`{"to":"x"}`),
		JobID:      jobID,
		DispatchID: dispatchID,
		Queue:      "email",
	}
}

func TestSendProcessAppendsAndInitsStatus(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	if err := tr.Send(ctx, dispatchMsg("j1", "d1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	entries, err := client.XRange(ctx, "toil:stream:email", "-", "+").Result()
	if err != nil || len(entries) != 1 {
		t.Fatalf("stream entries: %v err=%v", entries, err)
	}
	si, err := tr.JobStatus(ctx, "email", "j1", "d1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if si.Status != job.StatusPending {
		t.Fatalf("initial status = %s", si.Status)
	}
	if si.MessageID != entries[0].ID {
		t.Fatalf("messageId back-reference %q does not resolve to log entry %q", si.MessageID, entries[0].ID)
	}
	if si.Queue != "email" || si.JobID != "j1" || si.DispatchID != "d1" {
		t.Fatalf("identity fields: %+v", si)
	}
	if ttl := client.TTL(ctx, "toil:status:email:j1:d1").Val(); ttl <= 0 {
		t.Fatalf("status record must carry a TTL, got %v", ttl)
	}
}

func TestScheduledDispatchStartsInRetryState(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	m := dispatchMsg("j1", "d1")
	m.Options.ScheduledFor = time.Now().Add(time.Hour)
	if err := tr.Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}
	si, err := tr.JobStatus(ctx, "email", "j1", "d1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if si.Status != job.StatusScheduledForRetry {
		t.Fatalf("future dispatch should start scheduled_for_retry, got %s", si.Status)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	_, client := testRedis(t)
	tr := testProducer(t, client, "email")
	_, err := tr.JobStatus(context.Background(), "email", "nope", "nope")
	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateJobStatusGuardsTerminal(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	if err := tr.Send(ctx, dispatchMsg("j1", "d1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	done := time.Now()
	if err := tr.UpdateJobStatus(ctx, "email", "j1", "d1", job.StatusUpdate{
		Status:      job.StatusPtr(job.StatusCompleted),
		CompletedAt: &done,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// A late RUNNING write must not reopen the terminal state, but other
	// fields still settle last-write-wins.
	if err := tr.UpdateJobStatus(ctx, "email", "j1", "d1", job.StatusUpdate{
		Status: job.StatusPtr(job.StatusRunning),
		Error:  job.StringPtr("late"),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	si, err := tr.JobStatus(ctx, "email", "j1", "d1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if si.Status != job.StatusCompleted {
		t.Fatalf("terminal status reopened: %s", si.Status)
	}
	if si.Error != "late" {
		t.Fatalf("field update should still land: %+v", si)
	}
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	prod := testProducer(t, client, "email")
	cons := testConsumer(t, client, "w1", "email")

	var got capture
	cons.OnMessage(got.handle)
	if err := cons.Start(ctx); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	defer cons.Stop(ctx)

	if err := prod.Send(ctx, dispatchMsg("j1", "d1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return got.count(message.TypeJobProcess) == 1 }, "delivery")

	waitFor(t, func() bool {
		p, err := client.XPending(ctx, "toil:stream:email", "workers").Result()
		return err == nil && p.Count == 0
	}, "entry acknowledged")
}

func TestBacklogConsumedAfterStart(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	prod := testProducer(t, client, "email")

	// Dispatch before any worker exists.
	for i, id := range []string{"d1", "d2", "d3"} {
		_ = i
		if err := prod.Send(ctx, dispatchMsg("j"+id, id)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	cons := testConsumer(t, client, "w1", "email")
	var got capture
	cons.OnMessage(got.handle)
	if err := cons.Start(ctx); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	defer cons.Stop(ctx)

	waitFor(t, func() bool { return got.count(message.TypeJobProcess) == 3 }, "backlog drained")
}

func TestTwoConsumersShareBacklogWithoutDoubleProcessing(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	prod := testProducer(t, client, "email")

	c1 := testConsumer(t, client, "w1", "email")
	c2 := testConsumer(t, client, "w2", "email")
	var got1, got2 capture
	c1.OnMessage(got1.handle)
	c2.OnMessage(got2.handle)
	if err := c1.Start(ctx); err != nil {
		t.Fatalf("start c1: %v", err)
	}
	defer c1.Stop(ctx)
	if err := c2.Start(ctx); err != nil {
		t.Fatalf("start c2: %v", err)
	}
	defer c2.Stop(ctx)

	const n = 10
	for i := 0; i < n; i++ {
		m := dispatchMsg("j", "d")
		m.JobID = "j" + string(rune('0'+i))
		m.DispatchID = "d" + string(rune('0'+i))
		if err := prod.Send(ctx, m); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		return got1.count(message.TypeJobProcess)+got2.count(message.TypeJobProcess) == n
	}, "all entries delivered")

	// No entry may reach both consumers.
	seen := map[string]int{}
	for _, c := range []*capture{&got1, &got2} {
		c.mu.Lock()
		for _, m := range c.msgs {
			if p, ok := m.(*message.JobProcess); ok {
				seen[p.DispatchID]++
			}
		}
		c.mu.Unlock()
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("dispatch %s delivered %d times", id, n)
		}
	}
}

func TestDuplicateDeliveryAckedWithoutReExecution(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	prod := testProducer(t, client, "email")
	cons := testConsumer(t, client, "w1", "email")

	var executions capture
	cons.OnMessage(func(ctx context.Context, m message.Message) {
		executions.handle(ctx, m)
		if p, ok := m.(*message.JobProcess); ok {
			// A worker marks the dispatch running before doing real work.
			started := time.Now()
			_ = cons.UpdateJobStatus(ctx, p.Queue, p.JobID, p.DispatchID, job.StatusUpdate{
				Status:    job.StatusPtr(job.StatusRunning),
				StartedAt: &started,
			})
		}
	})
	if err := cons.Start(ctx); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	defer cons.Stop(ctx)

	if err := prod.Send(ctx, dispatchMsg("j1", "d1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return executions.count(message.TypeJobProcess) == 1 }, "first delivery")

	// Replay the same log entry verbatim.
	payload, err := message.Encode(dispatchMsg("j1", "d1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "toil:stream:email",
		Values: map[string]any{"type": string(message.TypeJobProcess), "payload": payload},
	}).Err(); err != nil {
		t.Fatalf("replay xadd: %v", err)
	}

	// The replay must be acknowledged without a second execution. Give the
	// poll loop ample time to read the replayed entry, then check both.
	time.Sleep(500 * time.Millisecond)
	p, err := client.XPending(ctx, "toil:stream:email", "workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if p.Count != 0 {
		t.Fatalf("replayed entry not acknowledged: %d pending", p.Count)
	}
	if n := executions.count(message.TypeJobProcess); n != 1 {
		t.Fatalf("duplicate delivery executed: %d executions", n)
	}
}

// TestScheduledDispatchFirstDeliveryNotDeduplicated: a future-scheduled
// dispatch's status record reads scheduled_for_retry before any worker has
// touched it. That record must not be mistaken for a retry in flight, or
// the dispatch would be acknowledged away without ever executing.
func TestScheduledDispatchFirstDeliveryNotDeduplicated(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	prod := testProducer(t, client, "email")
	cons := testConsumer(t, client, "w1", "email")

	var deliveries capture
	cons.OnMessage(deliveries.handle)
	if err := cons.Start(ctx); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	defer cons.Stop(ctx)

	m := dispatchMsg("j1", "d1")
	m.Options.ScheduledFor = time.Now().Add(time.Hour)
	if err := prod.Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}

	si, err := prod.JobStatus(ctx, "email", "j1", "d1")
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if si.Status != job.StatusScheduledForRetry {
		t.Fatalf("initial status = %s, want scheduled_for_retry", si.Status)
	}

	waitFor(t, func() bool { return deliveries.count(message.TypeJobProcess) == 1 }, "scheduled dispatch delivered")
}

func TestStatusFanoutReachesProducer(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	prod := testProducer(t, client, "email")
	cons := testConsumer(t, client, "w1", "email")

	var got capture
	prod.OnMessage(got.handle)
	if err := prod.Start(ctx); err != nil {
		t.Fatalf("start producer: %v", err)
	}
	defer prod.Stop(ctx)
	if err := cons.Start(ctx); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	defer cons.Stop(ctx)

	if err := cons.Send(ctx, &message.JobStatus{
		JobID: "j1", DispatchID: "d1", Queue: "email", Status: job.StatusRunning,
	}); err != nil {
		t.Fatalf("send status: %v", err)
	}
	waitFor(t, func() bool { return got.count(message.TypeJobStatus) == 1 }, "status fanout")
}

func TestLockLease(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	ok, err := tr.AcquireLock(ctx, "email", "j1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = tr.AcquireLock(ctx, "email", "j1", time.Minute)
	if ok {
		t.Fatalf("second acquire must fail while held")
	}

	// Expiry frees the lock without release.
	mr.FastForward(2 * time.Minute)
	ok, _ = tr.AcquireLock(ctx, "email", "j1", time.Minute)
	if !ok {
		t.Fatalf("expired lease should be acquirable")
	}

	if err := tr.ReleaseLock(ctx, "email", "j1", 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = tr.AcquireLock(ctx, "email", "j1", time.Minute)
	if !ok {
		t.Fatalf("released lock should be acquirable")
	}
}

func TestReleaseLockCoolDownShortensLease(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	if ok, _ := tr.AcquireLock(ctx, "email", "j1", time.Minute); !ok {
		t.Fatalf("acquire")
	}
	if err := tr.ReleaseLock(ctx, "email", "j1", 5*time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := tr.AcquireLock(ctx, "email", "j1", time.Minute); ok {
		t.Fatalf("lock must stay held during cool-down")
	}
	mr.FastForward(6 * time.Second)
	if ok, _ := tr.AcquireLock(ctx, "email", "j1", time.Minute); !ok {
		t.Fatalf("lock must expire after cool-down")
	}
}

func TestCleanupRemovesExpiredTerminalRecords(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	// Old terminal dispatch.
	if err := tr.Send(ctx, dispatchMsg("old", "d-old")); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Recent terminal dispatch.
	if err := tr.Send(ctx, dispatchMsg("new", "d-new")); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Old but still running dispatch.
	if err := tr.Send(ctx, dispatchMsg("run", "d-run")); err != nil {
		t.Fatalf("send: %v", err)
	}

	past := time.Now().Add(-48 * time.Hour)
	tr.now = func() time.Time { return past }
	if err := tr.UpdateJobStatus(ctx, "email", "old", "d-old", job.StatusUpdate{
		Status: job.StatusPtr(job.StatusCompleted),
	}); err != nil {
		t.Fatalf("update old: %v", err)
	}
	if err := tr.UpdateJobStatus(ctx, "email", "run", "d-run", job.StatusUpdate{
		Status: job.StatusPtr(job.StatusRunning),
	}); err != nil {
		t.Fatalf("update run: %v", err)
	}
	tr.now = time.Now
	if err := tr.UpdateJobStatus(ctx, "email", "new", "d-new", job.StatusUpdate{
		Status: job.StatusPtr(job.StatusCompleted),
	}); err != nil {
		t.Fatalf("update new: %v", err)
	}

	oldSI, err := tr.JobStatus(ctx, "email", "old", "d-old")
	if err != nil {
		t.Fatalf("status old: %v", err)
	}

	removed, err := tr.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := tr.JobStatus(ctx, "email", "old", "d-old"); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("old terminal record must be gone, got %v", err)
	}
	if _, err := tr.JobStatus(ctx, "email", "new", "d-new"); err != nil {
		t.Fatalf("recent terminal record must survive: %v", err)
	}
	if _, err := tr.JobStatus(ctx, "email", "run", "d-run"); err != nil {
		t.Fatalf("non-terminal record must survive: %v", err)
	}

	// The old dispatch's log entry is gone with it.
	entries, err := client.XRange(ctx, "toil:stream:email", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	for _, e := range entries {
		if e.ID == oldSI.MessageID {
			t.Fatalf("log entry for expired dispatch still present")
		}
	}
	if len(entries) != 2 {
		t.Fatalf("surviving entries = %d, want 2", len(entries))
	}
}

func TestCleanupTrimsStreams(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr, err := New(Options{
		Client:       client,
		Mode:         ModeProducer,
		Queues:       []string{"email"},
		MaxStreamLen: 5,
		Logger:       zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 20; i++ {
		m := dispatchMsg("j", "d")
		m.JobID = "j" + string(rune('a'+i))
		m.DispatchID = m.JobID
		if err := tr.Send(ctx, m); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, err := tr.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	n, err := client.XLen(ctx, "toil:stream:email").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n > 5 {
		t.Fatalf("stream not trimmed: len=%d", n)
	}
}

func TestRegisterWorkerLiveness(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	if err := tr.RegisterWorker(ctx, "w1", []string{"email"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ttl := client.TTL(ctx, "toil:worker:w1").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("worker liveness TTL = %v", ttl)
	}
	if err := tr.UnregisterWorker(ctx, "w1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if client.Exists(ctx, "toil:worker:w1").Val() != 0 {
		t.Fatalf("worker key must be gone after unregister")
	}
}

func TestStatusesScansQueue(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email", "billing")

	for i, q := range []string{"email", "email", "billing"} {
		err := tr.UpdateJobStatus(ctx, q, fmt.Sprintf("j%d", i), "d0", job.StatusUpdate{
			Status: job.StatusPtr(job.StatusPending),
		})
		if err != nil {
			t.Fatalf("seed status: %v", err)
		}
	}

	emails, err := tr.Statuses(ctx, "email")
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(emails) != 2 {
		t.Fatalf("email statuses = %+v", emails)
	}
	all, err := tr.Statuses(ctx, "")
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all statuses = %+v", all)
	}
}

func TestWorkersListsLiveFleet(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	tr := testProducer(t, client, "email")

	if err := tr.RegisterWorker(ctx, "w-b", []string{"email"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.RegisterWorker(ctx, "w-a", []string{"email", "billing"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	workers, err := tr.Workers(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(workers) != 2 || workers[0].WorkerID != "w-a" || workers[1].WorkerID != "w-b" {
		t.Fatalf("workers = %+v", workers)
	}
	if len(workers[0].Queues) != 2 || workers[0].SeenAt.IsZero() {
		t.Fatalf("record = %+v", workers[0])
	}

	if err := tr.UnregisterWorker(ctx, "w-a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	workers, err = tr.Workers(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "w-b" {
		t.Fatalf("workers after unregister = %+v", workers)
	}
}

func TestStalledEntryIsClaimed(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()
	prod := testProducer(t, client, "email")

	// A dead consumer read the entry but never acked it.
	if err := client.XGroupCreateMkStream(ctx, "toil:stream:email", "workers", "0").Err(); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := prod.Send(ctx, dispatchMsg("j1", "d1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "workers", Consumer: "dead", Streams: []string{"toil:stream:email", ">"}, Count: 1, Block: -1,
	}).Result(); err != nil {
		t.Fatalf("dead read: %v", err)
	}

	cons, err := New(Options{
		Client:          client,
		Mode:            ModeConsumer,
		WorkerID:        "w1",
		Queues:          []string{"email"},
		PollInterval:    10 * time.Millisecond,
		ClaimIdle:       time.Millisecond,
		CleanupInterval: -1,
		Logger:          zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	var got capture
	cons.OnMessage(got.handle)
	if err := cons.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer cons.Stop(ctx)

	// The claim tick runs at >= 1s intervals.
	waitFor2 := func(cond func() bool, msg string) {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("timed out: %s", msg)
	}
	waitFor2(func() bool { return got.count(message.TypeJobProcess) == 1 }, "stalled entry claimed")
}
