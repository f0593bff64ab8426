package messaging

import (
	"log/slog"
	"time"

	"github.com/glimte/msb-go/internal/scheduler"
)

// TimerHandle cancels a scheduled timeout
type TimerHandle interface {
	Cancel() bool
}

// TimerScheduler schedules one-shot callbacks
type TimerScheduler interface {
	Schedule(delay time.Duration, fn func()) (TimerHandle, error)
	Shutdown()
}

// wheelScheduler adapts the timing wheel scheduler
type wheelScheduler struct {
	s *scheduler.Scheduler
}

// NewWheelScheduler exposes s as a TimerScheduler
func NewWheelScheduler(s *scheduler.Scheduler) TimerScheduler {
	return wheelScheduler{s: s}
}

func (w wheelScheduler) Schedule(delay time.Duration, fn func()) (TimerHandle, error) {
	h, err := w.s.Schedule(delay, fn)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (w wheelScheduler) Shutdown() {
	w.s.Shutdown()
}

// timeoutTarget is what the timeout manager ends
type timeoutTarget interface {
	End()
	IsAwaitingResponses() bool
	CorrelationID() string
}

// TimeoutManager arms response and ack timeouts for collectors
type TimeoutManager struct {
	scheduler TimerScheduler
	logger    *slog.Logger
}

// TimeoutManagerOption configures the TimeoutManager
type TimeoutManagerOption func(*TimeoutManager)

// WithTimeoutLogger sets the logger
func WithTimeoutLogger(logger *slog.Logger) TimeoutManagerOption {
	return func(m *TimeoutManager) {
		m.logger = logger
	}
}

// NewTimeoutManager creates a timeout manager on top of s
func NewTimeoutManager(s TimerScheduler, opts ...TimeoutManagerOption) *TimeoutManager {
	m := &TimeoutManager{
		scheduler: s,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnableResponseTimeout ends target after delay. It returns nil when the delay is
// not positive or the scheduler refuses the task.
func (m *TimeoutManager) EnableResponseTimeout(delay time.Duration, target timeoutTarget) TimerHandle {
	m.logger.Debug("enabling response timeout", "correlationId", target.CorrelationID(), "delay", delay)

	return m.schedule("response", delay, target, func() {
		m.logger.Debug("response timeout expired", "correlationId", target.CorrelationID())
		target.End()
	})
}

// EnableAckTimeout ends target after delay unless it is still awaiting responses
func (m *TimeoutManager) EnableAckTimeout(delay time.Duration, target timeoutTarget) TimerHandle {
	m.logger.Debug("enabling ack timeout", "correlationId", target.CorrelationID(), "delay", delay)

	return m.schedule("ack", delay, target, func() {
		if target.IsAwaitingResponses() {
			m.logger.Debug("ack timeout expired, but waiting for responses", "correlationId", target.CorrelationID())
			return
		}
		m.logger.Debug("ack timeout expired", "correlationId", target.CorrelationID())
		target.End()
	})
}

func (m *TimeoutManager) schedule(kind string, delay time.Duration, target timeoutTarget, fn func()) TimerHandle {
	if delay <= 0 {
		m.logger.Debug("unable to schedule timeout with non-positive delay",
			"kind", kind, "correlationId", target.CorrelationID(), "delay", delay)
		return nil
	}

	h, err := m.scheduler.Schedule(delay, fn)
	if err != nil {
		m.logger.Warn("unable to schedule timeout",
			"kind", kind, "correlationId", target.CorrelationID(), "error", err)
		return nil
	}
	return h
}

// Shutdown runs every pending timeout and stops the scheduler
func (m *TimeoutManager) Shutdown() {
	m.logger.Info("shutting down timeout manager")
	m.scheduler.Shutdown()
	m.logger.Info("timeout manager shutdown complete")
}
