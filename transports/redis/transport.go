// Package redis implements messaging.Transport on Redis pub/sub.
//
// Every topic is a Redis channel. Pub/sub has no consumer groups and no
// persistence: each subscribed instance receives every message published while
// it is subscribed, and routing keys are ignored. A delivery rejected with
// requeue is handed to the same subscription again, flagged as redelivered.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/msb-go/messaging"
	"github.com/go-redis/redis/v8"
)

var (
	ErrClosed            = errors.New("redis transport: closed")
	ErrAlreadySubscribed = errors.New("redis transport: topic already subscribed")
)

const retryBuffer = 64

// Transport is a messaging.Transport backed by Redis pub/sub
type Transport struct {
	client      *redis.Client
	logger      *slog.Logger
	dialTimeout time.Duration

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

// WithDialTimeout bounds the initial ping
func WithDialTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.dialTimeout = timeout
	}
}

// NewTransport connects to the Redis server at url, e.g. redis://localhost:6379/0
func NewTransport(url string, opts ...Option) (*Transport, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	t := newTransport(redis.NewClient(redisOpts), opts...)

	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	if err := t.client.Ping(ctx).Err(); err != nil {
		t.client.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return t, nil
}

func newTransport(client *redis.Client, opts ...Option) *Transport {
	t := &Transport{
		client:      client,
		logger:      slog.Default(),
		dialTimeout: 5 * time.Second,
		subs:        make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, dest messaging.Destination, body []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := t.client.Publish(ctx, dest.Topic, body).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", dest.Topic, err)
	}
	return nil
}

// Subscribe implements messaging.Transport. Group and durability options do not
// apply to pub/sub.
func (t *Transport) Subscribe(ctx context.Context, topic string, _ messaging.SubscriptionOptions, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.subs[topic]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}

	ps := t.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	s := newSubscription(topic, handler, t.logger)
	s.pubsub = ps
	t.subs[topic] = s

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.run(ps.Channel())
	}()

	t.logger.Debug("redis subscription started", "topic", topic)
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
	return s.close()
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
		s.close()
	}
	t.wg.Wait()
	return t.client.Close()
}

type subscription struct {
	topic   string
	handler messaging.DeliveryHandler
	logger  *slog.Logger
	pubsub  *redis.PubSub

	retries chan *delivery
	stop    chan struct{}
	stopped sync.Once
}

func newSubscription(topic string, handler messaging.DeliveryHandler, logger *slog.Logger) *subscription {
	return &subscription{
		topic:   topic,
		handler: handler,
		logger:  logger,
		retries: make(chan *delivery, retryBuffer),
		stop:    make(chan struct{}),
	}
}

func (s *subscription) run(messages <-chan *redis.Message) {
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.retries:
			s.handler(d)
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.handler(&delivery{body: []byte(msg.Payload), sub: s})
		}
	}
}

func (s *subscription) requeue(d *delivery) {
	retry := &delivery{body: d.body, redelivered: true, sub: s}
	select {
	case s.retries <- retry:
	default:
		s.logger.Warn("retry buffer full, dropping message", "topic", s.topic)
	}
}

func (s *subscription) close() error {
	var err error
	s.stopped.Do(func() {
		close(s.stop)
		if s.pubsub != nil {
			err = s.pubsub.Close()
		}
	})
	return err
}

type delivery struct {
	body        []byte
	redelivered bool
	sub         *subscription
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
		d.sub.requeue(d)
	}
	return nil
}

var _ messaging.Transport = (*Transport)(nil)
