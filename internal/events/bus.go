package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/job"
)

// Event is one bus notification. Name follows "<queue>:job:status" /
// "<queue>:job:result" for lifecycle traffic; other producers may publish
// under their own names.
type Event struct {
	Name       string
	Queue      string
	Kind       string
	JobID      string
	DispatchID string
	Status     job.Status
	Retries    int
	Error      string
	Payload    json.RawMessage
	Timestamp  time.Time
}

// Handler receives matched events. Handlers run on the publisher's
// goroutine; slow handlers slow publishers.
type Handler func(ev Event)

// SubscribeOptions narrows which events a subscription sees.
type SubscribeOptions struct {
	// Name matches the event name exactly, or as a prefix when it ends
	// with "*". Empty matches every event.
	Name string
	// Filter is an optional CEL expression evaluated per event, with the
	// variables queue, kind, job_id, dispatch_id, status, retries, error,
	// json and now_ms in scope.
	Filter string
}

type subscription struct {
	id      uint64
	name    string
	prefix  bool
	filter  celFilter
	handler Handler
}

func (s *subscription) matches(ev Event) bool {
	if s.name != "" {
		if s.prefix {
			if !strings.HasPrefix(ev.Name, s.name) {
				return false
			}
		} else if ev.Name != s.name {
			return false
		}
	}
	return s.filter.Eval(ev)
}

// Bus fans events out to subscribers.
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
}

// NewBus builds an empty bus. A nil logger is replaced with a no-op.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log.Named("events"), subs: make(map[uint64]*subscription)}
}

// Subscription is a live registration; Close detaches it.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
}

// Subscribe registers a handler. An invalid CEL filter is rejected here,
// not at publish time.
func (b *Bus) Subscribe(opts SubscribeOptions, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("events: nil handler")
	}
	filter, err := newCELFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("events: compile filter: %w", err)
	}
	sub := &subscription{
		name:    strings.TrimSuffix(opts.Name, "*"),
		prefix:  strings.HasSuffix(opts.Name, "*"),
		filter:  filter,
		handler: h,
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return &Subscription{bus: b, id: sub.id}, nil
}

// Publish delivers ev to every matching subscription. A panicking handler
// is logged and does not stop delivery to the others.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic",
				zap.String("event", ev.Name), zap.Any("panic", r))
		}
	}()
	sub.handler(ev)
}
