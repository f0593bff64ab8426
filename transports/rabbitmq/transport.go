// Package rabbitmq implements messaging.Transport on an AMQP 0.9.1 broker.
//
// Each topic is an exchange. A subscription declares a queue per consumer group
// and binds it to the topic exchange, so a message published on a topic is
// delivered once to every group. Response topics use a temporary queue private
// to the transport instance.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/msb-go/internal/rabbitmq"
	"github.com/glimte/msb-go/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager

	contentType string
	instanceID  string
	logger      *slog.Logger

	mu        sync.Mutex
	exchanges map[string]struct{}
	subs      map[string]*subscription
	closed    bool
}

type subscription struct {
	topic    string
	topology rabbitmq.Subscription
	options  messaging.SubscriptionOptions
	handler  messaging.DeliveryHandler
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ExchangeKind      string
	ContentType       string
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchangeKind sets the kind of topic exchanges, fanout or topic
func WithExchangeKind(kind string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ExchangeKind = kind
	}
}

// WithContentType sets the content type of published messages
func WithContentType(contentType string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ContentType = contentType
	}
}

// WithLogger sets the logger of the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// NewTransport connects to the broker at url
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		ExchangeKind: rabbitmq.ExchangeTopic,
		ContentType:  "application/json",
		Logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	t := &Transport{
		manager:     manager,
		pool:        pool,
		publisher:   rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:    rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerLogger(cfg.Logger)),
		topology:    rabbitmq.NewTopologyManager(pool, cfg.ExchangeKind),
		contentType: cfg.ContentType,
		instanceID:  uuid.New().String(),
		logger:      cfg.Logger,
		exchanges:   make(map[string]struct{}),
		subs:        make(map[string]*subscription),
	}
	manager.AddStateListener(t)
	return t, nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, dest messaging.Destination, body []byte) error {
	if err := t.ensureExchange(ctx, dest.Topic); err != nil {
		return err
	}

	return t.publisher.Publish(ctx, dest.Topic, dest.RoutingKey, amqp.Publishing{
		ContentType:  t.contentType,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, topic string, options messaging.SubscriptionOptions, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rabbitmq.ErrConsumerClosed
	}
	if _, ok := t.subs[topic]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", rabbitmq.ErrAlreadyConsuming, topic)
	}
	sub := &subscription{
		topic:    topic,
		topology: rabbitmq.NewSubscription(topic, t.groupFor(options), options.Durable && !options.ResponseTopic),
		options:  options,
		handler:  handler,
	}
	t.subs[topic] = sub
	t.mu.Unlock()

	if err := t.start(ctx, sub); err != nil {
		t.mu.Lock()
		if t.subs[topic] == sub {
			delete(t.subs, topic)
		}
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.exchanges[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Unsubscribe implements messaging.Transport. The consumer is cancelled without
// waiting for a running handler.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	if ok {
		delete(t.subs, topic)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return t.consumer.Unsubscribe(sub.topology.Queue.Name)
}

// Close stops consuming and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	t.manager.RemoveStateListener(t)
	t.consumer.Close()
	t.pool.Close()
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// OnConnected restores every subscription after a reconnect
func (t *Transport) OnConnected() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.exchanges = make(map[string]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		// the consumer of the dead connection may not have noticed yet
		t.consumer.Unsubscribe(sub.topology.Queue.Name)
		if err := t.start(context.Background(), sub); err != nil {
			t.logger.Error("failed to restore subscription", "topic", sub.topic, "error", err)
			continue
		}
		t.logger.Info("subscription restored", "topic", sub.topic, "queue", sub.topology.Queue.Name)
	}
}

// OnDisconnected logs the connection loss
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("broker connection lost", "error", err)
}

// OnReconnecting is a no-op
func (t *Transport) OnReconnecting(int) {}

func (t *Transport) start(ctx context.Context, sub *subscription) error {
	if err := t.topology.DeclareSubscription(ctx, sub.topology); err != nil {
		return fmt.Errorf("failed to declare subscription for %s: %w", sub.topic, err)
	}

	prefetch := sub.options.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	handler := sub.handler
	return t.consumer.Subscribe(ctx, sub.topology.Queue.Name, "msb-"+uuid.New().String(), prefetch, func(d amqp.Delivery) {
		handler(&delivery{d: d})
	})
}

func (t *Transport) ensureExchange(ctx context.Context, topic string) error {
	t.mu.Lock()
	_, ok := t.exchanges[topic]
	t.mu.Unlock()
	if ok {
		return nil
	}

	if err := t.topology.DeclareExchange(ctx, topic); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", topic, err)
	}

	t.mu.Lock()
	t.exchanges[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

// groupFor returns the consumer group of a subscription. Response topics and
// subscriptions without a group get a queue private to this transport.
func (t *Transport) groupFor(options messaging.SubscriptionOptions) string {
	if options.ResponseTopic || options.GroupID == "" {
		return t.instanceID
	}
	return options.GroupID
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) Acknowledge() error {
	return d.d.Ack(false)
}

func (d *delivery) Reject(requeue bool) error {
	return d.d.Nack(false, requeue)
}

func (d *delivery) Redelivered() bool {
	return d.d.Redelivered
}

var _ messaging.Transport = (*Transport)(nil)
var _ rabbitmq.ConnectionStateListener = (*Transport)(nil)
