package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/internal/workers"
	"github.com/glimte/msb-go/serialization"
)

// Consumer decodes deliveries from one topic and dispatches them to handlers
type Consumer struct {
	topic           string
	options         SubscriptionOptions
	transport       Transport
	resolver        MessageHandlerResolver
	invoker         workers.Invoker
	codec           serialization.Codec
	clock           Clock
	validateMessage bool
	logger          *slog.Logger
}

func newConsumer(topic string, options SubscriptionOptions, cm *ChannelManager, resolver MessageHandlerResolver) *Consumer {
	return &Consumer{
		topic:           topic,
		options:         options,
		transport:       cm.transport,
		resolver:        resolver,
		invoker:         cm.invoker,
		codec:           cm.codec,
		clock:           cm.clock,
		validateMessage: cm.validateMessage,
		logger:          cm.logger.With("topic", topic, "consumer", resolver.LoggingName()),
	}
}

// Subscribe starts consuming
func (c *Consumer) Subscribe(ctx context.Context) error {
	c.logger.Debug("subscribing consumer")
	if err := c.transport.Subscribe(ctx, c.topic, c.options, c.handleDelivery); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}
	return nil
}

// End stops consuming
func (c *Consumer) End() error {
	c.logger.Debug("shutting down consumer")
	if err := c.transport.Unsubscribe(c.topic); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", c.topic, err)
	}
	return nil
}

func (c *Consumer) handleDelivery(delivery TransportDelivery) {
	c.logger.Debug("message received")

	msg, err := c.parse(delivery.Body())
	if err != nil {
		c.logger.Error("unable to process consumed message", "error", err)
		newDeliveryAcknowledgement(delivery, delivery.Redelivered(), c.topic, c.logger).autoReject()
		return
	}

	ack := newDeliveryAcknowledgement(delivery, delivery.Redelivered(),
		fmt.Sprintf("correlationId=%s messageId=%s", msg.CorrelationID, msg.ID), c.logger)

	if c.isExpired(msg) {
		c.logger.Warn("expired message", "correlationId", msg.CorrelationID, "messageId", msg.ID)
		ack.autoReject()
		return
	}

	handler, ok := c.resolver.ResolveMessageHandler(msg)
	if !ok {
		c.logger.Warn("can't resolve message handler", "correlationId", msg.CorrelationID, "messageId", msg.ID)
		ack.autoReject()
		return
	}

	aware, _ := handler.(ConsumedMessagesAware)
	if aware != nil {
		aware.NotifyMessageConsumed()
	}

	err = c.invoker.Submit(func() {
		c.process(handler, msg, ack)
	})
	if err != nil {
		c.logger.Warn("error while trying to handle a message",
			"correlationId", msg.CorrelationID, "messageId", msg.ID, "error", err)
		ack.autoRetry()
		if aware != nil {
			aware.NotifyConsumedMessageIsLost()
		}
	}
}

func (c *Consumer) process(handler MessageHandler, msg *contracts.Message, ack *deliveryAcknowledgement) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked",
				"correlationId", msg.CorrelationID, "messageId", msg.ID, "panic", r)
			ack.autoRetry()
		}
	}()

	handler.HandleMessage(msg, ack)
	ack.autoConfirm()
}

func (c *Consumer) parse(body []byte) (*contracts.Message, error) {
	var msg contracts.Message
	if err := c.codec.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if c.validateMessage && !IsServiceTopic(c.topic) {
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
	}

	c.logger.Debug("message has been successfully parsed", "correlationId", msg.CorrelationID, "messageId", msg.ID)
	return &msg, nil
}

func (c *Consumer) isExpired(msg *contracts.Message) bool {
	expiresAt, ok := msg.Meta.ExpiresAt()
	if !ok {
		return false
	}
	return expiresAt.Before(c.clock.Now())
}
