package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/serialization"
)

// Producer publishes messages to one topic
type Producer struct {
	topic     string
	transport Transport
	codec     serialization.Codec
	clock     Clock
	logger    *slog.Logger
}

// Topic returns the destination topic
func (p *Producer) Topic() string {
	return p.topic
}

// Publish stamps the publish time and sends msg
func (p *Producer) Publish(ctx context.Context, msg *contracts.Message, routingKey string) error {
	if msg.Meta != nil {
		now := p.clock.Now()
		msg.Meta.PublishedAt = now
		msg.Meta.DurationMs = now.Sub(msg.Meta.CreatedAt).Milliseconds()
	}

	body, err := p.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	dest := Destination{Topic: p.topic, RoutingKey: routingKey}
	if err := p.transport.Publish(ctx, dest, body); err != nil {
		return fmt.Errorf("failed to publish message %s to %s: %w", msg.ID, p.topic, err)
	}

	p.logger.Debug("message published",
		"topic", p.topic, "messageId", msg.ID, "correlationId", msg.CorrelationID, "routingKey", routingKey)
	return nil
}
