package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/rzbill/toil/internal/worker"
)

// stubWorker is a pool member with a settable load and scripted RunJob
// outcome.
type stubWorker struct {
	id        string
	queues    []string
	load      int
	runErr    error
	ran       int
	cancelled []string
}

func (s *stubWorker) ID() string                  { return s.id }
func (s *stubWorker) QueueNames() []string        { return s.queues }
func (s *stubWorker) ActiveJobs(queue string) int { return s.load }
func (s *stubWorker) RunJob(ctx context.Context, req worker.RunRequest) (string, string, error) {
	if s.runErr != nil {
		return "", "", s.runErr
	}
	s.ran++
	return "j-" + s.id, "d-" + s.id, nil
}
func (s *stubWorker) CancelJob(ctx context.Context, jobID, queue string) {
	s.cancelled = append(s.cancelled, jobID)
}
func (s *stubWorker) CancelAllJobs(ctx context.Context, queue string) {
	s.cancelled = append(s.cancelled, "*")
}

func newStub(id string, queues ...string) *stubWorker {
	return &stubWorker{id: id, queues: queues}
}

func TestRoundRobinVisitsEachWorkerOnce(t *testing.T) {
	p := New(nil)
	a, b, c := newStub("a", "q"), newStub("b", "q"), newStub("c", "q")
	p.AddWorker(a)
	p.AddWorker(b)
	p.AddWorker(c)

	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, p.NextWorker("q").ID())
	}
	seen := map[string]int{}
	for _, id := range order {
		seen[id]++
	}
	if len(seen) != 3 {
		t.Fatalf("three selections did not cover three workers: %v", order)
	}

	// The rotation continues from the last-used worker.
	next := p.NextWorker("q").ID()
	if next != order[0] {
		t.Fatalf("fourth selection = %s, want wrap to %s (order %v)", next, order[0], order)
	}
}

func TestLoadSheddingOverridesRotation(t *testing.T) {
	p := New(nil)
	a, b := newStub("a", "q"), newStub("b", "q")
	a.load, b.load = 0, 6
	p.AddWorker(a)
	p.AddWorker(b)

	// Regardless of rotation position, the idle worker wins while the
	// spread exceeds the threshold.
	for i := 0; i < 4; i++ {
		if got := p.NextWorker("q").ID(); got != "a" {
			t.Fatalf("selection %d = %s, want a", i, got)
		}
	}

	// An even spread restores rotation.
	b.load = 0
	first := p.NextWorker("q").ID()
	second := p.NextWorker("q").ID()
	if first == second {
		t.Fatalf("rotation did not resume: %s then %s", first, second)
	}
}

func TestSpreadAtThresholdStaysRoundRobin(t *testing.T) {
	p := New(nil)
	a, b := newStub("a", "q"), newStub("b", "q")
	a.load, b.load = 0, 5
	p.AddWorker(a)
	p.AddWorker(b)

	seen := map[string]bool{}
	seen[p.NextWorker("q").ID()] = true
	seen[p.NextWorker("q").ID()] = true
	if len(seen) != 2 {
		t.Fatalf("spread of exactly 5 must not shed load: %v", seen)
	}
}

func TestNextWorkerUnknownQueue(t *testing.T) {
	p := New(nil)
	p.AddWorker(newStub("a", "q"))
	if m := p.NextWorker("other"); m != nil {
		t.Fatalf("unexpected worker %s", m.ID())
	}
}

func TestRunJobEvictsFailingWorker(t *testing.T) {
	p := New(nil)
	bad, good := newStub("bad", "q"), newStub("good", "q")
	bad.runErr = errors.New("worker gone")
	p.AddWorker(bad)
	p.AddWorker(good)

	// Run enough jobs that rotation must hit the failing worker.
	for i := 0; i < 3; i++ {
		if _, _, err := p.RunJob(context.Background(), worker.RunRequest{Queue: "q", Class: "noop"}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if p.Size() != 1 {
		t.Fatalf("pool size = %d, want 1 after eviction", p.Size())
	}
	if good.ran != 3 {
		t.Fatalf("surviving worker ran %d jobs, want 3", good.ran)
	}
}

func TestRunJobExhaustedPool(t *testing.T) {
	p := New(nil)
	bad := newStub("bad", "q")
	bad.runErr = errors.New("worker gone")
	p.AddWorker(bad)

	if _, _, err := p.RunJob(context.Background(), worker.RunRequest{Queue: "q", Class: "noop"}); err == nil {
		t.Fatalf("expected error once every worker is evicted")
	}
	if p.Size() != 0 {
		t.Fatalf("pool size = %d, want 0", p.Size())
	}
}

func TestRemoveWorkerDropsRotationSlot(t *testing.T) {
	p := New(nil)
	a, b := newStub("a", "q"), newStub("b", "q")
	p.AddWorker(a)
	p.AddWorker(b)
	first := p.NextWorker("q").ID()
	p.RemoveWorker(first)
	for i := 0; i < 3; i++ {
		if got := p.NextWorker("q").ID(); got == first {
			t.Fatalf("removed worker still selected")
		}
	}
}

func TestCancelFansOutToQueueWorkers(t *testing.T) {
	p := New(nil)
	a, b, other := newStub("a", "q"), newStub("b", "q"), newStub("c", "elsewhere")
	p.AddWorker(a)
	p.AddWorker(b)
	p.AddWorker(other)

	p.CancelJob(context.Background(), "j1", "q")
	if len(a.cancelled) != 1 || len(b.cancelled) != 1 || len(other.cancelled) != 0 {
		t.Fatalf("cancel fan-out: a=%v b=%v c=%v", a.cancelled, b.cancelled, other.cancelled)
	}

	p.CancelAllJobs(context.Background(), "")
	if len(other.cancelled) != 1 {
		t.Fatalf("queue-less cancel must reach every worker: %v", other.cancelled)
	}
}
