package messaging

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/msb-go/contracts"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeTask struct {
	seq       int
	at        time.Time
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
	scheduler *fakeScheduler
}

func (t *fakeTask) Cancel() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	return true
}

// fakeScheduler fires tasks when the test advances the fake clock
type fakeScheduler struct {
	mu     sync.Mutex
	clock  *fakeClock
	tasks  []*fakeTask
	closed bool
}

func newFakeScheduler(clock *fakeClock) *fakeScheduler {
	return &fakeScheduler{clock: clock}
}

func (s *fakeScheduler) Schedule(delay time.Duration, fn func()) (TimerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	t := &fakeTask{
		seq:       len(s.tasks),
		at:        s.clock.Now().Add(delay),
		delay:     delay,
		fn:        fn,
		scheduler: s,
	}
	s.tasks = append(s.tasks, t)
	return t, nil
}

// Advance moves the clock forward, firing due tasks in deadline order
func (s *fakeScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	for {
		s.mu.Lock()
		var next *fakeTask
		for _, t := range s.tasks {
			if t.cancelled || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			s.mu.Unlock()
			break
		}
		next.fired = true
		s.mu.Unlock()

		s.clock.set(next.at)
		next.fn()
	}
	s.clock.set(target)
}

func (s *fakeScheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	var pending []*fakeTask
	for _, t := range s.tasks {
		if !t.cancelled && !t.fired {
			t.fired = true
			pending = append(pending, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	for _, t := range pending {
		t.fn()
	}
}

// Pending returns the tasks that are neither cancelled nor fired
func (s *fakeScheduler) Pending() []*fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTask
	for _, t := range s.tasks {
		if !t.cancelled && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// Scheduled returns the number of tasks ever scheduled
func (s *fakeScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// spyRegistrar records collector registrations
type spyRegistrar struct {
	mu           sync.Mutex
	registered   int
	unregistered int
	err          error
}

func (r *spyRegistrar) Register(*Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.registered++
	return nil
}

func (r *spyRegistrar) Unregister(*Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered++
}

func (r *spyRegistrar) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.unregistered
}

// spySubscriber records response topic subscriptions
type spySubscriber struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
}

func (s *spySubscriber) SubscribeForResponses(_ context.Context, topic string, _ MessageHandlerResolver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes = append(s.subscribes, topic)
	return nil
}

func (s *spySubscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes = append(s.unsubscribes, topic)
	return nil
}

func (s *spySubscriber) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribes), len(s.unsubscribes)
}

func intPtr(v int) *int {
	return &v
}

func requestMessage(correlationID string) *contracts.Message {
	return &contracts.Message{
		ID:            NewID(),
		CorrelationID: correlationID,
		Topics:        contracts.Topics{To: "test:requests", Response: "test:requests:response:instance"},
		Meta:          &contracts.MetaMessage{},
	}
}

func responseMessage(correlationID string, payload string, ack *contracts.Acknowledge) *contracts.Message {
	msg := &contracts.Message{
		ID:            NewID(),
		CorrelationID: correlationID,
		Topics:        contracts.Topics{To: "test:requests:response:instance"},
		Meta:          &contracts.MetaMessage{},
		Ack:           ack,
	}
	if payload != "" {
		msg.Payload = contracts.RawPayload(payload)
	}
	return msg
}

func ackMessage(correlationID, responderID string, remaining, timeoutMs *int) *contracts.Message {
	return responseMessage(correlationID, "", &contracts.Acknowledge{
		ResponderID:        responderID,
		ResponsesRemaining: remaining,
		TimeoutMs:          timeoutMs,
	})
}
