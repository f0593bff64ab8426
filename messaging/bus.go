package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/internal/workers"
	"github.com/glimte/msb-go/serialization"
)

// Bus wires the collaborators shared by requesters and responders of one service
// instance. It is the explicit replacement for process-wide registries.
type Bus struct {
	codec      serialization.Codec
	clock      Clock
	logger     *slog.Logger
	factory    *MessageFactory
	channels   *ChannelManager
	collectors *CollectorManagerFactory
	timeouts   *TimeoutManager
}

type busConfig struct {
	service         contracts.ServiceDetails
	codec           serialization.Codec
	clock           Clock
	logger          *slog.Logger
	groupID         string
	durable         bool
	prefetchCount   int
	validateMessage bool
}

// BusOption configures the Bus
type BusOption func(*busConfig)

// WithServiceDetails sets the identity stamped into outgoing messages
func WithServiceDetails(service contracts.ServiceDetails) BusOption {
	return func(c *busConfig) {
		c.service = service
	}
}

// WithBusCodec sets the wire codec
func WithBusCodec(codec serialization.Codec) BusOption {
	return func(c *busConfig) {
		c.codec = codec
	}
}

// WithBusClock sets the clock
func WithBusClock(clock Clock) BusOption {
	return func(c *busConfig) {
		c.clock = clock
	}
}

// WithBusLogger sets the logger
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(c *busConfig) {
		c.logger = logger
	}
}

// WithBusGroupID sets the consumer group of request subscriptions
func WithBusGroupID(groupID string) BusOption {
	return func(c *busConfig) {
		c.groupID = groupID
	}
}

// WithBusDurable makes request subscriptions durable
func WithBusDurable(durable bool) BusOption {
	return func(c *busConfig) {
		c.durable = durable
	}
}

// WithBusPrefetchCount sets the consumer prefetch
func WithBusPrefetchCount(count int) BusOption {
	return func(c *busConfig) {
		c.prefetchCount = count
	}
}

// WithBusValidateMessage toggles inbound message validation
func WithBusValidateMessage(validate bool) BusOption {
	return func(c *busConfig) {
		c.validateMessage = validate
	}
}

var (
	ErrNilTransport = errors.New("transport is required")
	ErrNilInvoker   = errors.New("invoker is required")
)

// NewBus creates a bus
func NewBus(transport Transport, timeouts *TimeoutManager, invoker workers.Invoker, opts ...BusOption) (*Bus, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if timeouts == nil {
		return nil, ErrNilTimeouts
	}
	if invoker == nil {
		return nil, ErrNilInvoker
	}

	cfg := &busConfig{
		codec:           serialization.JSONCodec{},
		clock:           SystemClock{},
		logger:          slog.Default(),
		prefetchCount:   1,
		validateMessage: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.service.InstanceID == "" {
		cfg.service = contracts.NewServiceDetails(cfg.service.Name, cfg.service.Version, "")
	}

	channels := NewChannelManager(transport, invoker,
		WithChannelLogger(cfg.logger),
		WithChannelCodec(cfg.codec),
		WithChannelClock(cfg.clock),
		WithGroupID(cfg.groupID),
		WithDurable(cfg.durable),
		WithPrefetchCount(cfg.prefetchCount),
		WithValidateMessage(cfg.validateMessage),
	)

	return &Bus{
		codec:      cfg.codec,
		clock:      cfg.clock,
		logger:     cfg.logger,
		factory:    NewMessageFactory(cfg.service, cfg.clock),
		channels:   channels,
		collectors: NewCollectorManagerFactory(channels, cfg.logger),
		timeouts:   timeouts,
	}, nil
}

// ServiceDetails returns the identity of this instance
func (b *Bus) ServiceDetails() contracts.ServiceDetails {
	return b.factory.ServiceDetails()
}

// Codec returns the wire codec
func (b *Bus) Codec() serialization.Codec {
	return b.codec
}

// Channels returns the channel manager
func (b *Bus) Channels() *ChannelManager {
	return b.channels
}

// Collectors returns the collector manager factory
func (b *Bus) Collectors() *CollectorManagerFactory {
	return b.collectors
}

// MessageFactory returns the message factory
func (b *Bus) MessageFactory() *MessageFactory {
	return b.factory
}

// Broadcast publishes payload to topic without expecting any answer
func (b *Bus) Broadcast(ctx context.Context, topic string, payload interface{}, template MessageTemplate) error {
	raw, err := EncodePayload(b.codec, payload)
	if err != nil {
		return err
	}

	producer, err := b.channels.FindOrCreateProducer(topic)
	if err != nil {
		return err
	}
	return producer.Publish(ctx, b.factory.CreateBroadcast(topic, template, raw), "")
}

// Subscribe delivers every decoded message on topic to handler
func (b *Bus) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	return b.channels.Subscribe(ctx, topic, handler)
}

// Unsubscribe stops a subscription made with Subscribe
func (b *Bus) Unsubscribe(topic string) error {
	return b.channels.Unsubscribe(topic)
}

// Shutdown flushes pending timeouts, drains running handlers and closes the transport
func (b *Bus) Shutdown(timeout time.Duration) error {
	b.logger.Info("shutting down bus")

	b.timeouts.Shutdown()
	if err := b.channels.Shutdown(timeout); err != nil {
		return fmt.Errorf("bus shutdown: %w", err)
	}

	b.logger.Info("bus shutdown complete")
	return nil
}
