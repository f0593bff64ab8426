package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/msb-go/contracts"
)

// RequestHandler processes a decoded request
type RequestHandler[T any] func(request T, ctx *ResponderContext) error

// ErrorHandler replaces the default reaction to a failed request handler
type ErrorHandler func(err error, original *contracts.Message)

// ResponderOptions configures a responder server
type ResponderOptions struct {
	MessageTemplate MessageTemplate
}

// ResponderServer listens on a namespace and passes requests to a handler
type ResponderServer[T any] struct {
	namespace    string
	options      ResponderOptions
	bus          *Bus
	handler      RequestHandler[T]
	errorHandler ErrorHandler
	logger       *slog.Logger
}

// NewResponderServer creates a responder server. errorHandler may be nil, in
// which case failed requests are answered with an ack announcing no responses
// and confirmed.
func NewResponderServer[T any](bus *Bus, namespace string, options ResponderOptions,
	handler RequestHandler[T], errorHandler ErrorHandler) (*ResponderServer[T], error) {
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if handler == nil {
		return nil, errors.New("request handler is required")
	}
	if err := ValidateTopic(namespace); err != nil {
		return nil, err
	}

	return &ResponderServer[T]{
		namespace:    namespace,
		options:      options,
		bus:          bus,
		handler:      handler,
		errorHandler: errorHandler,
		logger:       bus.logger.With("namespace", namespace),
	}, nil
}

// Listen starts consuming requests
func (s *ResponderServer[T]) Listen(ctx context.Context) error {
	return s.bus.channels.Subscribe(ctx, s.namespace, MessageHandlerFunc(s.onMessage))
}

// Stop stops consuming requests
func (s *ResponderServer[T]) Stop() error {
	return s.bus.channels.Unsubscribe(s.namespace)
}

func (s *ResponderServer[T]) onMessage(msg *contracts.Message, ack AcknowledgementHandler) {
	s.logger.Debug("received request", "messageId", msg.ID)

	rctx := &ResponderContext{
		Responder:       NewResponder(s.bus, msg, s.options.MessageTemplate),
		Ack:             ack,
		OriginalMessage: msg,
	}

	if err := s.process(msg, rctx); err != nil {
		if s.errorHandler != nil {
			s.errorHandler(err, msg)
			return
		}
		s.handleError(rctx, err)
	}
}

func (s *ResponderServer[T]) process(msg *contracts.Message, rctx *ResponderContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()

	request, err := ConvertPayload[T](s.bus.codec, msg.Payload)
	if err != nil {
		return err
	}

	s.logger.Debug("processing request", "messageId", msg.ID)
	return s.handler(request, rctx)
}

func (s *ResponderServer[T]) handleError(rctx *ResponderContext, err error) {
	s.logger.Error("error while processing request", "messageId", rctx.OriginalMessage.ID, "error", err)

	if sendErr := rctx.Responder.SendAck(context.Background(), 0, 0); sendErr != nil {
		s.logger.Warn("failed to send error ack", "messageId", rctx.OriginalMessage.ID, "error", sendErr)
	}
	// confirm so a malformed request is not requeued forever
	rctx.Ack.ConfirmMessage()
}
