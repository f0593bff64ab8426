package messaging

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/msb-go/contracts"
)

// AcknowledgementHandler lets message handlers settle the broker delivery
// explicitly. Only the first call takes effect.
type AcknowledgementHandler interface {
	// ConfirmMessage acknowledges the delivery
	ConfirmMessage()

	// RetryMessage requeues the delivery, or discards it when it was already redelivered
	RetryMessage()

	// RejectMessage discards the delivery
	RejectMessage()

	// SetAutoAcknowledgement controls whether the bus settles the delivery after the handler returns
	SetAutoAcknowledgement(auto bool)
}

// MessageContext is passed to every message callback
type MessageContext struct {
	Message *contracts.Message
	Ack     AcknowledgementHandler
}

type acknowledgementAdapter interface {
	Acknowledge() error
	Reject(requeue bool) error
}

// deliveryAcknowledgement settles a TransportDelivery at most once
type deliveryAcknowledgement struct {
	delivery    acknowledgementAdapter
	redelivered bool
	identifier  string
	logger      *slog.Logger

	sent sync.Once
	done atomic.Bool
	auto atomic.Bool
}

func newDeliveryAcknowledgement(delivery acknowledgementAdapter, redelivered bool, identifier string, logger *slog.Logger) *deliveryAcknowledgement {
	a := &deliveryAcknowledgement{
		delivery:    delivery,
		redelivered: redelivered,
		identifier:  identifier,
		logger:      logger,
	}
	a.auto.Store(true)
	return a
}

func (a *deliveryAcknowledgement) SetAutoAcknowledgement(auto bool) {
	a.auto.Store(auto)
}

func (a *deliveryAcknowledgement) ConfirmMessage() {
	a.execute("confirm", func() error {
		return a.delivery.Acknowledge()
	})
}

func (a *deliveryAcknowledgement) RetryMessage() {
	a.execute("requeue", func() error {
		if a.redelivered {
			a.logger.Warn("message was already redelivered, discarding it instead of requeueing", "message", a.identifier)
			return a.delivery.Reject(false)
		}
		return a.delivery.Reject(true)
	})
}

func (a *deliveryAcknowledgement) RejectMessage() {
	a.execute("reject", func() error {
		return a.delivery.Reject(false)
	})
}

func (a *deliveryAcknowledgement) execute(action string, fn func() error) {
	executed := false
	a.sent.Do(func() {
		executed = true
		a.done.Store(true)
		if err := fn(); err != nil {
			a.logger.Error("failed to settle message", "action", action, "message", a.identifier, "error", err)
			return
		}
		a.logger.Debug("message settled", "action", action, "message", a.identifier)
	})
	if !executed {
		a.logger.Error("acknowledgement was already sent during message processing", "action", action, "message", a.identifier)
	}
}

func (a *deliveryAcknowledgement) autoConfirm() {
	if a.auto.Load() && !a.done.Load() {
		a.ConfirmMessage()
	}
}

func (a *deliveryAcknowledgement) autoReject() {
	if a.auto.Load() && !a.done.Load() {
		a.RejectMessage()
	}
}

func (a *deliveryAcknowledgement) autoRetry() {
	if a.auto.Load() && !a.done.Load() {
		a.RetryMessage()
	}
}

// noopAcknowledgement is used when messages are handed to handlers outside of a broker delivery
type noopAcknowledgement struct{}

func (noopAcknowledgement) ConfirmMessage() {}

func (noopAcknowledgement) RetryMessage() {}

func (noopAcknowledgement) RejectMessage() {}

func (noopAcknowledgement) SetAutoAcknowledgement(bool) {}

// NoopAcknowledgementHandler returns a handler that ignores every call
func NoopAcknowledgementHandler() AcknowledgementHandler {
	return noopAcknowledgement{}
}
