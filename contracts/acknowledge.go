package contracts

import "fmt"

// Acknowledge is the control block a responder attaches to acks and responses.
// ResponsesRemaining and TimeoutMs are optional; nil means "not renegotiated".
type Acknowledge struct {
	ResponderID        string `json:"responderId" msgpack:"responderId"`
	ResponsesRemaining *int   `json:"responsesRemaining" msgpack:"responsesRemaining"`
	TimeoutMs          *int   `json:"timeoutMs" msgpack:"timeoutMs"`
}

// AcknowledgeOption sets optional acknowledgement fields
type AcknowledgeOption func(*Acknowledge)

// WithResponsesRemaining sets the number of responses the responder still intends to send
func WithResponsesRemaining(n int) AcknowledgeOption {
	return func(a *Acknowledge) {
		a.ResponsesRemaining = &n
	}
}

// WithTimeoutMs sets the time (ms) the responder asks the requester to wait
func WithTimeoutMs(ms int) AcknowledgeOption {
	return func(a *Acknowledge) {
		a.TimeoutMs = &ms
	}
}

// NewAcknowledge creates an acknowledgement for the given responder
func NewAcknowledge(responderID string, options ...AcknowledgeOption) (*Acknowledge, error) {
	ack := &Acknowledge{ResponderID: responderID}
	for _, opt := range options {
		opt(ack)
	}
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	return ack, nil
}

// Validate checks the required fields
func (a *Acknowledge) Validate() error {
	if a.ResponderID == "" {
		return ErrMissingResponderID
	}
	return nil
}

func (a *Acknowledge) String() string {
	return fmt.Sprintf("Acknowledge[responderId=%s, responsesRemaining=%s, timeoutMs=%s]",
		a.ResponderID, intPtrString(a.ResponsesRemaining), intPtrString(a.TimeoutMs))
}

func intPtrString(v *int) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *v)
}
