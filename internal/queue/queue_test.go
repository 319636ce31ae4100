package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/rzbill/toil/internal/events"
	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/message"
	"github.com/rzbill/toil/internal/transport"
	"github.com/rzbill/toil/internal/transport/inproc"
	"github.com/rzbill/toil/internal/worker"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

type fixture struct {
	queue *Queue
	bus   *events.Bus
	hub   *inproc.Hub
}

// newFixture wires a producer Queue and a consuming Worker over one
// in-process hub.
func newFixture(t *testing.T, register func(*job.Registry)) *fixture {
	t.Helper()
	hub := inproc.NewHub()
	bus := events.NewBus(zaptest.NewLogger(t))

	q, err := New("email", hub.Producer(), Options{Logger: zaptest.NewLogger(t), Bus: bus})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	reg := job.NewRegistry()
	if register != nil {
		register(reg)
	}
	w, err := worker.New(hub.Consumer(), worker.Options{
		ID:             "w1",
		Registry:       reg,
		Logger:         zaptest.NewLogger(t),
		StatusInterval: -1,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop(context.Background(), true) })
	return &fixture{queue: q, bus: bus, hub: hub}
}

func TestDispatchRoundTripRefreshesCache(t *testing.T) {
	f := newFixture(t, func(r *job.Registry) {
		r.MustRegister("ok", func(args json.RawMessage) (job.Job, error) {
			return job.Func(func(ctx context.Context) error { return nil }), nil
		})
	})

	jobID, dispatchID, err := f.queue.Dispatch(context.Background(), DispatchRequest{Class: "ok"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if jobID == "" || dispatchID == "" {
		t.Fatalf("identity not generated: %q %q", jobID, dispatchID)
	}

	waitFor(t, func() bool {
		si, err := f.queue.JobStatus(context.Background(), jobID, dispatchID)
		return err == nil && si.Status == job.StatusCompleted
	}, "cache reaches completed")
}

func TestDispatchCachesInitialStatusBeforeDelivery(t *testing.T) {
	// No worker: the hub buffers, so only the local cache can answer.
	hub := inproc.NewHub()
	q, err := New("email", hub.Producer(), Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	defer q.Stop(context.Background())

	jobID, dispatchID, err := q.Dispatch(context.Background(), DispatchRequest{Class: "ok"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	si, err := q.JobStatus(context.Background(), jobID, dispatchID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if si.Status != job.StatusPending {
		t.Fatalf("status = %s, want pending", si.Status)
	}

	// A future scheduledFor starts the dispatch in the retry-wait state.
	jobID2, dispatchID2, err := q.Dispatch(context.Background(), DispatchRequest{
		Class:   "ok",
		Options: job.Options{ScheduledFor: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	si2, err := q.JobStatus(context.Background(), jobID2, dispatchID2)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if si2.Status != job.StatusScheduledForRetry {
		t.Fatalf("status = %s, want scheduled_for_retry", si2.Status)
	}
}

func TestLifecycleEventsRepublished(t *testing.T) {
	f := newFixture(t, func(r *job.Registry) {
		r.MustRegister("ok", func(args json.RawMessage) (job.Job, error) {
			return job.Func(func(ctx context.Context) error { return nil }), nil
		})
	})

	var mu sync.Mutex
	var names []string
	sub, err := f.bus.Subscribe(events.SubscribeOptions{Name: "email:*"}, func(ev events.Event) {
		mu.Lock()
		names = append(names, ev.Name)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, _, err := f.queue.Dispatch(context.Background(), DispatchRequest{Class: "ok"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		haveResult := false
		for _, n := range names {
			if n == "email:job:result" {
				haveResult = true
			}
		}
		return haveResult
	}, "result event republished")

	mu.Lock()
	defer mu.Unlock()
	if names[0] != "email:job:status" {
		t.Fatalf("first event = %s, want email:job:status", names[0])
	}
}

func TestJobsByStatus(t *testing.T) {
	f := newFixture(t, func(r *job.Registry) {
		r.MustRegister("fails", func(args json.RawMessage) (job.Job, error) {
			return job.Func(func(ctx context.Context) error { return errors.New("boom") }), nil
		})
	})

	jobID, dispatchID, err := f.queue.Dispatch(context.Background(), DispatchRequest{
		Class:   "fails",
		Options: job.Options{MaxRetries: job.IntPtr(0)},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool {
		failed := f.queue.JobsByStatus(job.StatusFailed)
		return len(failed) == 1 && failed[0].JobID == jobID && failed[0].DispatchID == dispatchID
	}, "failed dispatch listed")
	if got := f.queue.JobsByStatus(job.StatusCompleted); len(got) != 0 {
		t.Fatalf("completed list = %+v", got)
	}
}

func TestCancelJobRoundTrip(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(r *job.Registry) {
		r.MustRegister("long", func(args json.RawMessage) (job.Job, error) {
			return job.Func(func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			}), nil
		})
	})

	jobID, dispatchID, err := f.queue.Dispatch(context.Background(), DispatchRequest{Class: "long"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	<-started
	if err := f.queue.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, func() bool {
		si, err := f.queue.JobStatus(context.Background(), jobID, dispatchID)
		return err == nil && si.Status == job.StatusCancelled
	}, "cancel lands in cache")
}

func TestStatusOfUnknownDispatch(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.queue.JobStatus(context.Background(), "nope", "nope"); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// brokenTransport fails every Send.
type brokenTransport struct{}

func (brokenTransport) Start(context.Context) error { return nil }
func (brokenTransport) Stop(context.Context) error  { return nil }
func (brokenTransport) Send(context.Context, message.Message) error {
	return errors.New("wire down")
}
func (brokenTransport) OnMessage(transport.Handler) {}
func (brokenTransport) JobStatus(context.Context, string, string, string) (*job.StatusInfo, error) {
	return nil, transport.ErrStatusUnavailable
}
func (brokenTransport) UpdateJobStatus(context.Context, string, string, string, job.StatusUpdate) error {
	return nil
}
func (brokenTransport) RegisterWorker(context.Context, string, []string) error { return nil }
func (brokenTransport) UnregisterWorker(context.Context, string) error         { return nil }
func (brokenTransport) AcquireLock(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
func (brokenTransport) ReleaseLock(context.Context, string, string, time.Duration) error {
	return nil
}

func TestSendFailureMarksDispatchFailed(t *testing.T) {
	q, err := New("email", brokenTransport{}, Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop(context.Background())

	jobID, dispatchID, err := q.Dispatch(context.Background(), DispatchRequest{Class: "ok"})
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
	si, statusErr := q.JobStatus(context.Background(), jobID, dispatchID)
	if statusErr != nil {
		t.Fatalf("status: %v", statusErr)
	}
	if si.Status != job.StatusFailed || si.Error == "" {
		t.Fatalf("record = %+v, want failed with error", si)
	}
}
