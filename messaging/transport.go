package messaging

import (
	"context"
)

// Destination addresses a published message
type Destination struct {
	Topic      string
	RoutingKey string
}

// SubscriptionOptions configures a broker subscription
type SubscriptionOptions struct {
	// ResponseTopic marks private per-instance topics, which are never durable
	ResponseTopic bool
	GroupID       string
	Durable       bool
	PrefetchCount int
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// Body returns the encoded message
	Body() []byte

	// Acknowledge marks the message as successfully processed
	Acknowledge() error

	// Reject rejects the message with optional requeue
	Reject(requeue bool) error

	// Redelivered reports whether the broker delivered this message before
	Redelivered() bool
}

// DeliveryHandler processes deliveries for one subscription
type DeliveryHandler func(delivery TransportDelivery)

// Transport is the broker abstraction the bus depends on
type Transport interface {
	// Publish sends an encoded message
	Publish(ctx context.Context, dest Destination, body []byte) error

	// Subscribe starts delivering messages published on topic to handler
	Subscribe(ctx context.Context, topic string, options SubscriptionOptions, handler DeliveryHandler) error

	// Unsubscribe stops deliveries for topic. It must not wait for handlers that
	// are currently running.
	Unsubscribe(topic string) error

	// Close releases all broker resources
	Close() error
}
