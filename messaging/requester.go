package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/msb-go/contracts"
)

var (
	// ErrNoResponse is returned by Request when collection ended without a response
	ErrNoResponse = errors.New("request ended without a response")

	// ErrUnexpectedResponseCount is returned by Request when a responder announces
	// zero or several responses
	ErrUnexpectedResponseCount = errors.New("responder announced an unexpected number of responses")

	ErrEmptyNamespace = errors.New("namespace is required")
)

// Requester sends requests to a namespace and collects typed responses.
// Handlers must be set before Publish.
type Requester[T any] struct {
	namespace string
	options   RequestOptions
	bus       *Bus

	onAcknowledge func(ack *contracts.Acknowledge, ctx *MessageContext)
	onResponse    func(response T, ctx *MessageContext)
	onRawResponse func(msg *contracts.Message, ctx *MessageContext)
	onEnd         func(messages []*contracts.Message)
	onError       func(err error, msg *contracts.Message)
}

// NewRequester creates a requester for namespace
func NewRequester[T any](bus *Bus, namespace string, options RequestOptions) (*Requester[T], error) {
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	if err := ValidateTopic(namespace); err != nil {
		return nil, err
	}
	return &Requester[T]{namespace: namespace, options: options, bus: bus}, nil
}

// OnAcknowledge sets the acknowledgement handler
func (r *Requester[T]) OnAcknowledge(fn func(ack *contracts.Acknowledge, ctx *MessageContext)) *Requester[T] {
	r.onAcknowledge = fn
	return r
}

// OnResponse sets the typed response handler
func (r *Requester[T]) OnResponse(fn func(response T, ctx *MessageContext)) *Requester[T] {
	r.onResponse = fn
	return r
}

// OnRawResponse sets the handler receiving the undecoded response message
func (r *Requester[T]) OnRawResponse(fn func(msg *contracts.Message, ctx *MessageContext)) *Requester[T] {
	r.onRawResponse = fn
	return r
}

// OnEnd sets the handler called once collection is over
func (r *Requester[T]) OnEnd(fn func(messages []*contracts.Message)) *Requester[T] {
	r.onEnd = fn
	return r
}

// OnError sets the handler for response conversion and handler failures
func (r *Requester[T]) OnError(fn func(err error, msg *contracts.Message)) *Requester[T] {
	r.onError = fn
	return r
}

// Publish sends payload. Responses are collected when the options expect any.
func (r *Requester[T]) Publish(ctx context.Context, payload interface{}, tags ...string) error {
	return r.publish(ctx, r.handlers(), payload, nil, tags)
}

// PublishWithOriginal sends payload as part of the conversation of original
func (r *Requester[T]) PublishWithOriginal(ctx context.Context, payload interface{}, original *contracts.Message, tags ...string) error {
	return r.publish(ctx, r.handlers(), payload, original, tags)
}

// Request sends payload and blocks until exactly one response arrives. Handlers
// set on the requester are not used.
func (r *Requester[T]) Request(ctx context.Context, payload interface{}, tags ...string) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	var once sync.Once
	complete := func(res result) {
		once.Do(func() { done <- res })
	}

	handlers := EventHandlers{
		OnResponse: func(msg *contracts.Message, _ *MessageContext) error {
			value, err := ConvertPayload[T](r.bus.codec, msg.Payload)
			if err != nil {
				return err
			}
			complete(result{value: value})
			return nil
		},
		OnAcknowledge: func(ack *contracts.Acknowledge, _ *MessageContext) {
			if ack.ResponsesRemaining == nil {
				return
			}
			if remaining := *ack.ResponsesRemaining; remaining < 1 || remaining > 1 {
				complete(result{err: fmt.Errorf("%w: %d", ErrUnexpectedResponseCount, remaining)})
			}
		},
		OnEnd: func([]*contracts.Message) {
			complete(result{err: ErrNoResponse})
		},
		OnError: func(err error, _ *contracts.Message) {
			complete(result{err: err})
		},
	}

	options := r.options
	if !options.IsWaitForResponses() {
		options.WaitForResponses = 1
	}

	var zero T
	if err := r.publishWithOptions(ctx, options, handlers, payload, nil, tags); err != nil {
		return zero, err
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Requester[T]) handlers() EventHandlers {
	handlers := EventHandlers{
		OnAcknowledge: r.onAcknowledge,
		OnRawResponse: r.onRawResponse,
		OnEnd:         r.onEnd,
		OnError:       r.onError,
	}
	if fn := r.onResponse; fn != nil {
		codec := r.bus.codec
		handlers.OnResponse = func(msg *contracts.Message, ctx *MessageContext) error {
			response, err := ConvertPayload[T](codec, msg.Payload)
			if err != nil {
				return err
			}
			fn(response, ctx)
			return nil
		}
	}
	return handlers
}

func (r *Requester[T]) publish(ctx context.Context, handlers EventHandlers, payload interface{}, original *contracts.Message, tags []string) error {
	return r.publishWithOptions(ctx, r.options, handlers, payload, original, tags)
}

func (r *Requester[T]) publishWithOptions(ctx context.Context, options RequestOptions, handlers EventHandlers,
	payload interface{}, original *contracts.Message, tags []string) error {
	raw, err := EncodePayload(r.bus.codec, payload)
	if err != nil {
		return err
	}

	msg := r.bus.factory.CreateRequest(r.namespace, options, raw, original, tags...)

	producer, err := r.bus.channels.FindOrCreateProducer(msg.Topics.To)
	if err != nil {
		return err
	}

	if !options.ExpectsReply() {
		return producer.Publish(ctx, msg, options.RoutingKey)
	}

	manager := r.bus.collectors.FindOrCreate(msg.Topics.Response)
	collector, err := NewCollector(msg, options, manager, r.bus.timeouts, handlers,
		WithCollectorClock(r.bus.clock),
		WithCollectorLogger(r.bus.logger),
	)
	if err != nil {
		return err
	}

	if err := collector.ListenForResponses(); err != nil {
		return err
	}

	if err := producer.Publish(ctx, msg, ""); err != nil {
		collector.discard()
		return err
	}

	collector.WaitForResponses()
	return nil
}
