package messaging

import "github.com/glimte/msb-go/contracts"

// MessageHandler processes a decoded inbound message
type MessageHandler interface {
	HandleMessage(msg *contracts.Message, ack AcknowledgementHandler)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(msg *contracts.Message, ack AcknowledgementHandler)

// HandleMessage implements MessageHandler
func (f MessageHandlerFunc) HandleMessage(msg *contracts.Message, ack AcknowledgementHandler) {
	f(msg, ack)
}

// MessageHandlerResolver picks the handler for an inbound message
type MessageHandlerResolver interface {
	ResolveMessageHandler(msg *contracts.Message) (MessageHandler, bool)
	LoggingName() string
}

// ConsumedMessagesAware handlers are told when a message is queued for them and
// when a queued message will never arrive
type ConsumedMessagesAware interface {
	NotifyMessageConsumed()
	NotifyConsumedMessageIsLost()
}

type singleHandlerResolver struct {
	handler MessageHandler
	name    string
}

// NewSingleHandlerResolver resolves every message to handler
func NewSingleHandlerResolver(handler MessageHandler, name string) MessageHandlerResolver {
	return &singleHandlerResolver{handler: handler, name: name}
}

func (r *singleHandlerResolver) ResolveMessageHandler(*contracts.Message) (MessageHandler, bool) {
	return r.handler, true
}

func (r *singleHandlerResolver) LoggingName() string {
	return r.name
}
