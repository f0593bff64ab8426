package contracts

import (
	"fmt"
	"time"
)

// Topics describes message routing
type Topics struct {
	To         string `json:"to" msgpack:"to"`
	Response   string `json:"response,omitempty" msgpack:"response,omitempty"`
	Forward    string `json:"forward,omitempty" msgpack:"forward,omitempty"`
	RoutingKey string `json:"routingKey,omitempty" msgpack:"routingKey,omitempty"`
}

// MetaMessage carries protocol information about a message
type MetaMessage struct {
	TTL            *int           `json:"ttl" msgpack:"ttl"`
	CreatedAt      time.Time      `json:"createdAt" msgpack:"createdAt"`
	PublishedAt    time.Time      `json:"publishedAt" msgpack:"publishedAt"`
	DurationMs     int64          `json:"durationMs" msgpack:"durationMs"`
	ServiceDetails ServiceDetails `json:"serviceDetails" msgpack:"serviceDetails"`
}

// ExpiresAt returns the expiry instant and whether the message has a TTL at all
func (m *MetaMessage) ExpiresAt() (time.Time, bool) {
	if m == nil || m.TTL == nil {
		return time.Time{}, false
	}
	return m.CreatedAt.Add(time.Duration(*m.TTL) * time.Millisecond), true
}

// Message represents a message coming from/to the bus
type Message struct {
	ID            string       `json:"id" msgpack:"id"`
	CorrelationID string       `json:"correlationId" msgpack:"correlationId"`
	Tags          []string     `json:"tags,omitempty" msgpack:"tags,omitempty"`
	Topics        Topics       `json:"topics" msgpack:"topics"`
	Meta          *MetaMessage `json:"meta" msgpack:"meta"`
	Ack           *Acknowledge `json:"ack" msgpack:"ack"`
	Payload       RawPayload   `json:"payload" msgpack:"payload"`
}

// HasPayload reports whether the message is a response (true) or a pure acknowledgement
func (m *Message) HasPayload() bool {
	return m.Payload.IsPresent()
}

// Validate checks the fields every message must carry
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.CorrelationID == "" {
		return ErrMissingCorrelationID
	}
	if m.Topics.To == "" {
		return ErrMissingTopics
	}
	if m.Meta == nil {
		return ErrMissingMeta
	}
	if m.Ack != nil {
		if err := m.Ack.Validate(); err != nil {
			return fmt.Errorf("invalid ack: %w", err)
		}
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Message[id=%s, correlationId=%s, to=%s, response=%s, ack=%v, payload=%t]",
		m.ID, m.CorrelationID, m.Topics.To, m.Topics.Response, m.Ack, m.HasPayload())
}
