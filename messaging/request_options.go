package messaging

import (
	"errors"
	"fmt"
	"time"
)

const (
	// WaitForResponsesUntilTimeout keeps collecting responses until the response timeout fires
	WaitForResponsesUntilTimeout = -1

	// DefaultResponseTimeout applies when no response timeout is configured
	DefaultResponseTimeout = 3000 * time.Millisecond
)

var (
	ErrNegativeAckTimeout      = errors.New("ack timeout must not be negative")
	ErrNegativeResponseTimeout = errors.New("response timeout must not be negative")
	ErrNegativeTTL             = errors.New("message ttl must not be negative")
)

// MessageTemplate holds values copied into every outgoing message
type MessageTemplate struct {
	TTL  time.Duration
	Tags []string
}

// Copy returns an independent copy of the template
func (t MessageTemplate) Copy() MessageTemplate {
	tags := make([]string, len(t.Tags))
	copy(tags, t.Tags)
	return MessageTemplate{TTL: t.TTL, Tags: tags}
}

// WithTags returns a copy with the non-empty tags appended, skipping duplicates
func (t MessageTemplate) WithTags(tags ...string) MessageTemplate {
	out := t.Copy()
	seen := make(map[string]struct{}, len(out.Tags))
	for _, tag := range out.Tags {
		seen[tag] = struct{}{}
	}
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out.Tags = append(out.Tags, tag)
	}
	return out
}

// RequestOptions configures a single request. Build it with NewRequestOptions.
type RequestOptions struct {
	// AckTimeout of zero means acks are not awaited
	AckTimeout time.Duration

	// ResponseTimeout of zero means DefaultResponseTimeout
	ResponseTimeout time.Duration

	// WaitForResponses is 0 for no responses, N > 0 to complete after N responses,
	// or WaitForResponsesUntilTimeout
	WaitForResponses int

	MessageTemplate  MessageTemplate
	RoutingKey       string
	ForwardNamespace string
}

// RequestOption configures RequestOptions
type RequestOption func(*RequestOptions)

// WithAckTimeout sets how long to wait for acknowledgements
func WithAckTimeout(timeout time.Duration) RequestOption {
	return func(o *RequestOptions) {
		o.AckTimeout = timeout
	}
}

// WithResponseTimeout sets how long to wait for responses
func WithResponseTimeout(timeout time.Duration) RequestOption {
	return func(o *RequestOptions) {
		o.ResponseTimeout = timeout
	}
}

// WithWaitForResponses sets the number of expected responses. Negative values
// mean WaitForResponsesUntilTimeout.
func WithWaitForResponses(n int) RequestOption {
	return func(o *RequestOptions) {
		o.WaitForResponses = n
	}
}

// WithMessageTemplate sets the outgoing message template
func WithMessageTemplate(template MessageTemplate) RequestOption {
	return func(o *RequestOptions) {
		o.MessageTemplate = template.Copy()
	}
}

// WithRoutingKey publishes fire-and-forget requests with a routing key
func WithRoutingKey(routingKey string) RequestOption {
	return func(o *RequestOptions) {
		o.RoutingKey = routingKey
	}
}

// WithForwardNamespace asks responders to forward the request to namespace
func WithForwardNamespace(namespace string) RequestOption {
	return func(o *RequestOptions) {
		o.ForwardNamespace = namespace
	}
}

// NewRequestOptions builds and validates request options
func NewRequestOptions(opts ...RequestOption) (RequestOptions, error) {
	var o RequestOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.AckTimeout < 0 {
		return RequestOptions{}, fmt.Errorf("%w: %v", ErrNegativeAckTimeout, o.AckTimeout)
	}
	if o.ResponseTimeout < 0 {
		return RequestOptions{}, fmt.Errorf("%w: %v", ErrNegativeResponseTimeout, o.ResponseTimeout)
	}
	if o.MessageTemplate.TTL < 0 {
		return RequestOptions{}, fmt.Errorf("%w: %v", ErrNegativeTTL, o.MessageTemplate.TTL)
	}
	if o.WaitForResponses < 0 {
		o.WaitForResponses = WaitForResponsesUntilTimeout
	}
	return o, nil
}

// EffectiveResponseTimeout returns the response timeout with the default applied
func (o RequestOptions) EffectiveResponseTimeout() time.Duration {
	if o.ResponseTimeout == 0 {
		return DefaultResponseTimeout
	}
	return o.ResponseTimeout
}

// IsWaitForAcks reports whether an ack timeout is configured
func (o RequestOptions) IsWaitForAcks() bool {
	return o.AckTimeout > 0
}

// IsWaitForResponses reports whether any response is expected
func (o RequestOptions) IsWaitForResponses() bool {
	return o.WaitForResponses != 0
}

// ExpectsReply reports whether a request needs a collector
func (o RequestOptions) ExpectsReply() bool {
	return o.IsWaitForAcks() || o.IsWaitForResponses()
}
