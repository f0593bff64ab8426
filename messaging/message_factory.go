package messaging

import (
	"github.com/glimte/msb-go/contracts"
	"github.com/google/uuid"
)

// MessageFactory builds outgoing messages stamped with this service's details
type MessageFactory struct {
	service contracts.ServiceDetails
	clock   Clock
}

// NewMessageFactory creates a message factory
func NewMessageFactory(service contracts.ServiceDetails, clock Clock) *MessageFactory {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MessageFactory{service: service, clock: clock}
}

// ServiceDetails returns the details stamped into every message
func (f *MessageFactory) ServiceDetails() contracts.ServiceDetails {
	return f.service
}

// NewID generates a message, correlation or responder id
func NewID() string {
	return uuid.New().String()
}

// CreateRequest builds a request for namespace. Responses are addressed to this
// instance's response topic. With an original message the correlation id and
// tags are carried over.
func (f *MessageFactory) CreateRequest(namespace string, options RequestOptions, payload contracts.RawPayload,
	original *contracts.Message, tags ...string) *contracts.Message {
	template := options.MessageTemplate.WithTags(tags...)
	if original != nil {
		template = template.WithTags(original.Tags...)
	}

	msg := f.baseMessage(template, original)
	msg.Topics = contracts.Topics{
		To:         namespace,
		Response:   ResponseTopic(namespace, f.service.InstanceID),
		Forward:    options.ForwardNamespace,
		RoutingKey: options.RoutingKey,
	}
	msg.Payload = payload
	return msg
}

// CreateResponse builds a response or ack for original
func (f *MessageFactory) CreateResponse(original *contracts.Message, template MessageTemplate,
	ack *contracts.Acknowledge, payload contracts.RawPayload) *contracts.Message {
	msg := f.baseMessage(template.WithTags(original.Tags...), original)
	msg.Topics = contracts.Topics{To: original.Topics.Response}
	msg.Ack = ack
	msg.Payload = payload
	return msg
}

// CreateBroadcast builds a message that expects no answer
func (f *MessageFactory) CreateBroadcast(topic string, template MessageTemplate, payload contracts.RawPayload) *contracts.Message {
	msg := f.baseMessage(template, nil)
	msg.Topics = contracts.Topics{To: topic}
	msg.Payload = payload
	return msg
}

func (f *MessageFactory) baseMessage(template MessageTemplate, original *contracts.Message) *contracts.Message {
	correlationID := NewID()
	if original != nil && original.CorrelationID != "" {
		correlationID = original.CorrelationID
	}

	meta := &contracts.MetaMessage{
		CreatedAt:      f.clock.Now(),
		ServiceDetails: f.service,
	}
	if template.TTL > 0 {
		ttl := int(template.TTL.Milliseconds())
		meta.TTL = &ttl
	}

	var tags []string
	if len(template.Tags) > 0 {
		tags = append(tags, template.Tags...)
	}

	return &contracts.Message{
		ID:            NewID(),
		CorrelationID: correlationID,
		Tags:          tags,
		Meta:          meta,
	}
}
