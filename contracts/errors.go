package contracts

import "errors"

var (
	// ErrMissingID is returned when a message has no id
	ErrMissingID = errors.New("contracts: message id is required")

	// ErrMissingCorrelationID is returned when a message has no correlation id
	ErrMissingCorrelationID = errors.New("contracts: correlation id is required")

	// ErrMissingTopics is returned when a message has no destination topic
	ErrMissingTopics = errors.New("contracts: topics.to is required")

	// ErrMissingMeta is returned when a message has no meta block
	ErrMissingMeta = errors.New("contracts: meta is required")

	// ErrMissingResponderID is returned when an acknowledgement has no responder id
	ErrMissingResponderID = errors.New("contracts: responder id is required")
)
