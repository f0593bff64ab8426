package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/msb-go/contracts"
	lru "github.com/hashicorp/golang-lru"
)

// handledIDsCacheSize bounds the message ids a collector remembers for redelivery detection
const handledIDsCacheSize = 256

var (
	ErrNilRequest   = errors.New("request message is required")
	ErrNilRegistrar = errors.New("collector registrar is required")
	ErrNilTimeouts  = errors.New("timeout manager is required")
)

// EventHandlers are the callbacks a collector invokes. All of them are optional.
type EventHandlers struct {
	OnAcknowledge func(ack *contracts.Acknowledge, ctx *MessageContext)
	OnRawResponse func(msg *contracts.Message, ctx *MessageContext)

	// OnResponse errors are reported to OnError
	OnResponse func(msg *contracts.Message, ctx *MessageContext) error

	// OnEnd receives every collected ack and response in arrival order
	OnEnd   func(messages []*contracts.Message)
	OnError func(err error, msg *contracts.Message)
}

// CollectorRegistrar tracks collectors listening on a response topic
type CollectorRegistrar interface {
	Register(c *Collector) error
	Unregister(c *Collector)
}

// Collector gathers acknowledgements and responses for one request and decides
// when the request is complete. Every method is safe for concurrent use; all state
// changes and callbacks are serialized by one mutex.
type Collector struct {
	correlationID string
	request       *contracts.Message
	registrar     CollectorRegistrar
	timeouts      *TimeoutManager
	handlers      EventHandlers
	clock         Clock
	logger        *slog.Logger

	mu sync.Mutex

	startedAt      time.Time
	timeout        time.Duration
	currentTimeout time.Duration

	waitForAcks      time.Duration
	waitForAcksUntil time.Time

	responsesRemaining             int
	shouldWaitUntilResponseTimeout bool

	responsesRemainingByResponder map[string]int
	timeoutByResponder            map[string]time.Duration
	handledIDs                    *lru.Cache

	messages        []*contracts.Message
	ackMessages     []*contracts.Message
	payloadMessages []*contracts.Message

	ackTimer      TimerHandle
	ackTimerArmed bool
	responseTimer TimerHandle

	consumed int64
	handled  int64
	lost     int64

	registered   bool
	unsubscribed bool
	endInvoked   bool
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithCollectorClock sets the clock used for deadlines
func WithCollectorClock(clock Clock) CollectorOption {
	return func(c *Collector) {
		c.clock = clock
	}
}

// WithCollectorLogger sets the logger
func WithCollectorLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector creates a collector for request. The clock starts at construction.
func NewCollector(request *contracts.Message, options RequestOptions, registrar CollectorRegistrar,
	timeouts *TimeoutManager, handlers EventHandlers, opts ...CollectorOption) (*Collector, error) {
	if request == nil {
		return nil, ErrNilRequest
	}
	if registrar == nil {
		return nil, ErrNilRegistrar
	}
	if timeouts == nil {
		return nil, ErrNilTimeouts
	}

	handledIDs, err := lru.New(handledIDsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create handled ids cache: %w", err)
	}

	c := &Collector{
		correlationID:                 request.CorrelationID,
		request:                       request,
		registrar:                     registrar,
		timeouts:                      timeouts,
		handlers:                      handlers,
		clock:                         SystemClock{},
		logger:                        slog.Default(),
		timeout:                       options.EffectiveResponseTimeout(),
		waitForAcks:                   options.AckTimeout,
		responsesRemaining:            options.WaitForResponses,
		responsesRemainingByResponder: make(map[string]int),
		timeoutByResponder:            make(map[string]time.Duration),
		handledIDs:                    handledIDs,
	}
	c.shouldWaitUntilResponseTimeout = options.WaitForResponses == WaitForResponsesUntilTimeout
	for _, opt := range opts {
		opt(c)
	}

	if c.shouldWaitUntilResponseTimeout {
		c.responsesRemaining = 0
	}
	c.currentTimeout = c.timeout
	c.startedAt = c.clock.Now()

	return c, nil
}

// CorrelationID returns the correlation id of the request
func (c *Collector) CorrelationID() string {
	return c.correlationID
}

// Request returns the request message being collected for
func (c *Collector) Request() *contracts.Message {
	return c.request
}

// ListenForResponses fixes the ack deadline and registers the collector on its
// response topic. Calls after the first are no-ops.
func (c *Collector) ListenForResponses() error {
	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return nil
	}
	c.registered = true
	if c.waitForAcks > 0 {
		c.waitForAcksUntil = c.startedAt.Add(c.waitForAcks)
	}
	c.mu.Unlock()

	if err := c.registrar.Register(c); err != nil {
		c.mu.Lock()
		c.unsubscribed = true
		c.endInvoked = true
		c.mu.Unlock()
		return fmt.Errorf("failed to register collector %s: %w", c.correlationID, err)
	}
	return nil
}

// WaitForResponses arms the response timer for the time left of the current
// timeout, replacing any previous one. When no responses are expected but acks
// are, the ack timer is armed as well.
func (c *Collector) WaitForResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsubscribed {
		return
	}
	c.waitForResponses()

	if !c.isAwaitingResponses() && c.isAwaitingAcks() {
		c.armAckTimeout()
	}
}

// HandleMessage processes an ack or response addressed to this collector
func (c *Collector) HandleMessage(msg *contracts.Message, ack AcknowledgementHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.endInvoked {
		c.logger.Debug("collector already ended, dropping message",
			"correlationId", c.correlationID, "messageId", msg.ID)
		return
	}

	c.logger.Debug("received message", "correlationId", c.correlationID, "messageId", msg.ID)

	if ack == nil {
		ack = NoopAcknowledgementHandler()
	}
	msgCtx := &MessageContext{Message: msg, Ack: ack}
	withPayload := msg.HasPayload()
	c.messages = append(c.messages, msg)

	if withPayload {
		c.payloadMessages = append(c.payloadMessages, msg)
		if h := c.handlers.OnRawResponse; h != nil {
			c.invoke("raw response", msg, func() { h(msg, msgCtx) })
		}
		if h := c.handlers.OnResponse; h != nil {
			var err error
			c.invoke("response", msg, func() { err = h(msg, msgCtx) })
			if err != nil {
				c.logger.Warn("response handler failed", "correlationId", c.correlationID, "messageId", msg.ID, "error", err)
				c.reportError(err, msg)
			}
		}
	} else {
		c.ackMessages = append(c.ackMessages, msg)
		if h := c.handlers.OnAcknowledge; h != nil && msg.Ack != nil {
			c.invoke("acknowledge", msg, func() { h(msg.Ack, msgCtx) })
		}
	}

	c.processAck(msg.Ack)

	c.handled++
	c.updateCounters(msg, withPayload)

	if !c.isAwaitingResponses() {
		if !c.isAwaitingAcks() {
			c.logger.Debug("all messages have been received", "correlationId", c.correlationID)
			c.end()
			return
		}
		c.armAckTimeout()
	}

	if c.isNoMoreMessagesHandlingPossible() {
		c.end()
	}
}

// NotifyMessageConsumed records that a message for this collector was taken off the
// broker and will be passed to HandleMessage later
func (c *Collector) NotifyMessageConsumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumed++
}

// NotifyConsumedMessageIsLost records that a consumed message will never reach HandleMessage
func (c *Collector) NotifyConsumedMessageIsLost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lost++
	if c.isNoMoreMessagesHandlingPossible() {
		c.end()
	}
}

// IsAwaitingAcks reports whether the ack deadline is set and still in the future
func (c *Collector) IsAwaitingAcks() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAwaitingAcks()
}

// IsAwaitingResponses reports whether more responses are expected
func (c *Collector) IsAwaitingResponses() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAwaitingResponses()
}

// End stops collecting. It cancels both timers, unregisters the collector and
// invokes OnEnd once every consumed message was handled. Safe to call repeatedly.
func (c *Collector) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.end()
}

// discard tears the collector down without invoking OnEnd
func (c *Collector) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelTimers()
	c.endInvoked = true
	if !c.unsubscribed {
		c.unsubscribed = true
		c.registrar.Unregister(c)
	}
}

// ResponsesRemaining returns the effective number of responses still expected
func (c *Collector) ResponsesRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveResponsesRemaining()
}

// CurrentTimeout returns the response timeout after renegotiation
func (c *Collector) CurrentTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTimeout
}

// AckMessages returns the pure acknowledgements received so far
func (c *Collector) AckMessages() []*contracts.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Message(nil), c.ackMessages...)
}

// PayloadMessages returns the responses received so far
func (c *Collector) PayloadMessages() []*contracts.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Message(nil), c.payloadMessages...)
}

func (c *Collector) end() {
	c.logger.Debug("stop response processing", "correlationId", c.correlationID)
	c.cancelTimers()

	if !c.unsubscribed {
		c.unsubscribed = true
		c.registrar.Unregister(c)
	}

	if c.endInvoked || !c.isAllConsumedMessagesHandled() {
		return
	}
	c.endInvoked = true

	if h := c.handlers.OnEnd; h != nil {
		messages := append([]*contracts.Message(nil), c.messages...)
		c.invoke("end", nil, func() { h(messages) })
	}
}

func (c *Collector) cancelTimers() {
	if c.ackTimer != nil {
		c.ackTimer.Cancel()
		c.ackTimer = nil
	}
	if c.responseTimer != nil {
		c.responseTimer.Cancel()
		c.responseTimer = nil
	}
}

func (c *Collector) waitForResponses() {
	if c.responseTimer != nil {
		c.responseTimer.Cancel()
		c.responseTimer = nil
	}

	remaining := c.currentTimeout - c.clock.Now().Sub(c.startedAt)
	c.logger.Debug("waiting for responses", "correlationId", c.correlationID, "remaining", remaining)
	c.responseTimer = c.timeouts.EnableResponseTimeout(remaining, c)
}

func (c *Collector) armAckTimeout() {
	if c.ackTimerArmed {
		c.logger.Debug("ack timeout is already scheduled", "correlationId", c.correlationID)
		return
	}
	c.ackTimerArmed = true

	c.logger.Debug("waiting for acks", "correlationId", c.correlationID, "until", c.waitForAcksUntil)
	c.ackTimer = c.timeouts.EnableAckTimeout(c.waitForAcksUntil.Sub(c.clock.Now()), c)
}

func (c *Collector) processAck(ack *contracts.Acknowledge) {
	if ack == nil {
		return
	}

	if ack.ResponsesRemaining != nil {
		if remaining, ok := c.setResponsesRemainingForResponder(ack.ResponderID, *ack.ResponsesRemaining); ok {
			c.logger.Debug("responses remaining for responder updated",
				"correlationId", c.correlationID, "responderId", ack.ResponderID, "remaining", remaining)
		}
	}

	if ack.TimeoutMs != nil {
		timeout := time.Duration(*ack.TimeoutMs) * time.Millisecond
		if prev, ok := c.timeoutByResponder[ack.ResponderID]; !ok || prev != timeout {
			c.timeoutByResponder[ack.ResponderID] = timeout
		}
	}

	if newTimeout := c.maxTimeout(); newTimeout > c.currentTimeout {
		c.logger.Debug("response timeout extended", "correlationId", c.correlationID,
			"from", c.currentTimeout, "to", newTimeout)
		c.currentTimeout = newTimeout
		c.waitForResponses()
	}
}

// setResponsesRemainingForResponder merges a responder's announcement: zero resets,
// other values accumulate with a floor of zero, and a negative value for an unknown
// responder is ignored.
func (c *Collector) setResponsesRemainingForResponder(responderID string, remaining int) (int, bool) {
	prev, known := c.responsesRemainingByResponder[responderID]
	if remaining < 0 && !known {
		return 0, false
	}

	if remaining == 0 {
		c.responsesRemainingByResponder[responderID] = 0
	} else {
		c.responsesRemainingByResponder[responderID] = max(0, prev+remaining)
	}
	return c.responsesRemainingByResponder[responderID], true
}

// maxTimeout only considers responders that still owe responses
func (c *Collector) maxTimeout() time.Duration {
	maxTimeout := c.timeout
	for responderID, timeout := range c.timeoutByResponder {
		if remaining, ok := c.responsesRemainingByResponder[responderID]; ok && remaining == 0 {
			continue
		}
		maxTimeout = max(maxTimeout, timeout)
	}
	return maxTimeout
}

func (c *Collector) updateCounters(msg *contracts.Message, withPayload bool) {
	// redelivered messages must not count twice
	if seen, _ := c.handledIDs.ContainsOrAdd(msg.ID, struct{}{}); seen {
		c.logger.Debug("message already handled", "correlationId", c.correlationID, "messageId", msg.ID)
		return
	}
	if withPayload {
		c.responsesRemaining = max(0, c.responsesRemaining-1)
	}
}

func (c *Collector) effectiveResponsesRemaining() int {
	if len(c.responsesRemainingByResponder) == 0 {
		return c.responsesRemaining
	}

	sum := 0
	for _, remaining := range c.responsesRemainingByResponder {
		sum += remaining
	}
	return max(c.responsesRemaining, sum)
}

func (c *Collector) isAwaitingResponses() bool {
	return c.shouldWaitUntilResponseTimeout || c.effectiveResponsesRemaining() > 0
}

func (c *Collector) isAwaitingAcks() bool {
	return !c.waitForAcksUntil.IsZero() && c.waitForAcksUntil.After(c.clock.Now())
}

func (c *Collector) isAllConsumedMessagesHandled() bool {
	return c.handled+c.lost >= c.consumed
}

func (c *Collector) isNoMoreMessagesHandlingPossible() bool {
	return c.unsubscribed && c.isAllConsumedMessagesHandled()
}

func (c *Collector) reportError(err error, msg *contracts.Message) {
	if h := c.handlers.OnError; h != nil {
		c.invoke("error", msg, func() { h(err, msg) })
	}
}

// invoke runs a user callback, isolating panics so the collector keeps its state
func (c *Collector) invoke(name string, msg *contracts.Message, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"handler", name, "correlationId", c.correlationID, "panic", r)
			if msg != nil && name != "error" {
				c.reportError(fmt.Errorf("%s handler panicked: %v", name, r), msg)
			}
		}
	}()
	fn()
}
