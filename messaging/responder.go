package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/msb-go/contracts"
)

// Responder answers one request
type Responder interface {
	// SendAck announces remaining responses and an optional timeout extension.
	// A negative timeout is left out of the ack.
	SendAck(ctx context.Context, timeout time.Duration, responsesRemaining int) error

	// Send publishes a response, which also counts down one remaining response
	Send(ctx context.Context, payload interface{}) error

	// OriginalMessage returns the request being answered
	OriginalMessage() *contracts.Message
}

// ResponderContext is handed to request handlers
type ResponderContext struct {
	Responder       Responder
	Ack             AcknowledgementHandler
	OriginalMessage *contracts.Message
}

var errMissingResponseTopic = errors.New("original message has no response topic")

type busResponder struct {
	id       string
	original *contracts.Message
	template MessageTemplate
	bus      *Bus
}

// NewResponder creates a responder for original. Requests without a response
// topic get a responder that drops everything it is asked to send.
func NewResponder(bus *Bus, original *contracts.Message, template MessageTemplate) Responder {
	if original.Topics.Response == "" {
		return &noopResponder{original: original, logger: bus.logger}
	}
	return &busResponder{
		id:       NewID(),
		original: original,
		template: template,
		bus:      bus,
	}
}

func (r *busResponder) SendAck(ctx context.Context, timeout time.Duration, responsesRemaining int) error {
	opts := []contracts.AcknowledgeOption{contracts.WithResponsesRemaining(responsesRemaining)}
	if timeout >= 0 {
		opts = append(opts, contracts.WithTimeoutMs(int(timeout.Milliseconds())))
	}

	ack, err := contracts.NewAcknowledge(r.id, opts...)
	if err != nil {
		return err
	}
	return r.send(ctx, ack, nil)
}

func (r *busResponder) Send(ctx context.Context, payload interface{}) error {
	raw, err := EncodePayload(r.bus.codec, payload)
	if err != nil {
		return err
	}

	ack, err := contracts.NewAcknowledge(r.id, contracts.WithResponsesRemaining(-1))
	if err != nil {
		return err
	}
	return r.send(ctx, ack, raw)
}

func (r *busResponder) OriginalMessage() *contracts.Message {
	return r.original
}

func (r *busResponder) send(ctx context.Context, ack *contracts.Acknowledge, payload contracts.RawPayload) error {
	if r.original.Topics.Response == "" {
		return errMissingResponseTopic
	}

	msg := r.bus.factory.CreateResponse(r.original, r.template, ack, payload)
	producer, err := r.bus.channels.FindOrCreateProducer(msg.Topics.To)
	if err != nil {
		return err
	}
	return producer.Publish(ctx, msg, "")
}

type noopResponder struct {
	original *contracts.Message
	logger   *slog.Logger
}

func (r *noopResponder) SendAck(context.Context, time.Duration, int) error {
	r.logger.Debug("request has no response topic, ack dropped", "messageId", r.original.ID)
	return nil
}

func (r *noopResponder) Send(context.Context, interface{}) error {
	r.logger.Debug("request has no response topic, response dropped", "messageId", r.original.ID)
	return nil
}

func (r *noopResponder) OriginalMessage() *contracts.Message {
	return r.original
}
