package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/msb-go/messaging"
)

var (
	ErrClosed        = errors.New("mock transport: closed")
	ErrAlreadyExists = errors.New("mock transport: topic already subscribed")
)

// Transport is a messaging.Transport backed by a Broker
type Transport struct {
	broker *Broker
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a transport connected to broker
func NewTransport(broker *Broker, opts ...Option) *Transport {
	t := &Transport{
		broker: broker,
		logger: slog.Default(),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish implements messaging.Transport
func (t *Transport) Publish(_ context.Context, dest messaging.Destination, body []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t.broker.publish(dest, body)
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(_ context.Context, topic string, opts messaging.SubscriptionOptions, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.subs[topic]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, topic)
	}

	s := &subscription{
		topic:   topic,
		group:   groupKey(opts),
		handler: handler,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		logger:  t.logger,
	}
	t.subs[topic] = s
	t.broker.add(s)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.run()
	}()

	t.logger.Debug("mock subscription started", "topic", topic, "group", s.group)
	return nil
}

// Unsubscribe implements messaging.Transport. It returns without waiting for a
// running handler.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	s, ok := t.subs[topic]
	if ok {
		delete(t.subs, topic)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	t.broker.remove(s)
	s.close()

	t.logger.Debug("mock subscription stopped", "topic", topic)
	return nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	for _, s := range subs {
		t.broker.remove(s)
		s.close()
	}
	t.wg.Wait()
	return nil
}

type subscription struct {
	topic   string
	group   string
	handler messaging.DeliveryHandler
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []*delivery
	signal  chan struct{}
	stop    chan struct{}
	stopped sync.Once
}

func (s *subscription) enqueue(d *delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *subscription) next() *delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d
}

func (s *subscription) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
		}

		for d := s.next(); d != nil; d = s.next() {
			select {
			case <-s.stop:
				return
			default:
			}
			s.handler(d)
		}
	}
}

type delivery struct {
	body        []byte
	redelivered bool
	sub         *subscription
	broker      *Broker
	settled     atomic.Bool
}

func (d *delivery) Body() []byte {
	return d.body
}

func (d *delivery) Redelivered() bool {
	return d.redelivered
}

func (d *delivery) Acknowledge() error {
	d.settled.Store(true)
	return nil
}

func (d *delivery) Reject(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if requeue {
		d.broker.requeue(d)
	}
	return nil
}

var _ messaging.Transport = (*Transport)(nil)
