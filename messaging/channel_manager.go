package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/msb-go/internal/workers"
	"github.com/glimte/msb-go/serialization"
)

// ErrAlreadySubscribed is returned when a topic already has a consumer
var ErrAlreadySubscribed = errors.New("subscriber for topic already exists")

// ChannelManager owns the consumers and producers of a bus, one per topic
type ChannelManager struct {
	transport       Transport
	invoker         workers.Invoker
	codec           serialization.Codec
	clock           Clock
	logger          *slog.Logger
	groupID         string
	durable         bool
	prefetchCount   int
	validateMessage bool

	mu        sync.Mutex
	consumers map[string]*Consumer
	producers map[string]*Producer
}

// ChannelManagerOption configures the ChannelManager
type ChannelManagerOption func(*ChannelManager)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.logger = logger
	}
}

// WithChannelCodec sets the wire codec
func WithChannelCodec(codec serialization.Codec) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.codec = codec
	}
}

// WithChannelClock sets the clock used for publish timestamps and expiry checks
func WithChannelClock(clock Clock) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.clock = clock
	}
}

// WithGroupID sets the consumer group shared by instances of a service
func WithGroupID(groupID string) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.groupID = groupID
	}
}

// WithDurable makes request topic subscriptions survive restarts
func WithDurable(durable bool) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.durable = durable
	}
}

// WithPrefetchCount sets how many unacknowledged deliveries a consumer may hold
func WithPrefetchCount(count int) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.prefetchCount = count
	}
}

// WithValidateMessage toggles validation of inbound messages
func WithValidateMessage(validate bool) ChannelManagerOption {
	return func(cm *ChannelManager) {
		cm.validateMessage = validate
	}
}

// NewChannelManager creates a channel manager on top of transport
func NewChannelManager(transport Transport, invoker workers.Invoker, opts ...ChannelManagerOption) *ChannelManager {
	cm := &ChannelManager{
		transport:       transport,
		invoker:         invoker,
		codec:           serialization.JSONCodec{},
		clock:           SystemClock{},
		logger:          slog.Default(),
		prefetchCount:   1,
		validateMessage: true,
		consumers:       make(map[string]*Consumer),
		producers:       make(map[string]*Producer),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// FindOrCreateProducer returns the producer for topic
func (cm *ChannelManager) FindOrCreateProducer(topic string) (*Producer, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if p, ok := cm.producers[topic]; ok {
		return p, nil
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	p := &Producer{
		topic:     topic,
		transport: cm.transport,
		codec:     cm.codec,
		clock:     cm.clock,
		logger:    cm.logger,
	}
	cm.producers[topic] = p
	return p, nil
}

// Subscribe starts consuming requests on topic
func (cm *ChannelManager) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	options := SubscriptionOptions{
		GroupID:       cm.groupID,
		Durable:       cm.durable,
		PrefetchCount: cm.prefetchCount,
	}
	return cm.subscribe(ctx, topic, options, NewSingleHandlerResolver(handler, "responder server"))
}

// SubscribeForResponses starts consuming responses on a private response topic
func (cm *ChannelManager) SubscribeForResponses(ctx context.Context, topic string, resolver MessageHandlerResolver) error {
	options := SubscriptionOptions{
		ResponseTopic: true,
		GroupID:       cm.groupID,
		PrefetchCount: cm.prefetchCount,
	}
	return cm.subscribe(ctx, topic, options, resolver)
}

func (cm *ChannelManager) subscribe(ctx context.Context, topic string, options SubscriptionOptions, resolver MessageHandlerResolver) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.consumers[topic]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	consumer := newConsumer(topic, options, cm, resolver)
	if err := consumer.Subscribe(ctx); err != nil {
		return err
	}
	cm.consumers[topic] = consumer

	cm.logger.Info("subscribed", "topic", topic, "responseTopic", options.ResponseTopic)
	return nil
}

// Unsubscribe stops consuming on topic. Unknown topics are ignored.
func (cm *ChannelManager) Unsubscribe(topic string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	consumer, ok := cm.consumers[topic]
	if !ok {
		return nil
	}
	delete(cm.consumers, topic)

	if err := consumer.End(); err != nil {
		return err
	}
	cm.logger.Info("unsubscribed", "topic", topic)
	return nil
}

// IsSubscribed reports whether topic has a consumer
func (cm *ChannelManager) IsSubscribed(topic string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.consumers[topic]
	return ok
}

// Shutdown drains the handler invoker and closes the transport
func (cm *ChannelManager) Shutdown(timeout time.Duration) error {
	cm.logger.Info("shutting down channel manager")

	var errs []error
	if err := cm.invoker.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down invoker: %w", err))
	}
	if err := cm.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
	}

	cm.mu.Lock()
	cm.consumers = make(map[string]*Consumer)
	cm.producers = make(map[string]*Producer)
	cm.mu.Unlock()

	cm.logger.Info("channel manager shutdown complete")
	return errors.Join(errs...)
}
