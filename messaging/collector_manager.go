package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/msb-go/contracts"
)

// responseSubscriber manages the shared subscription of a response topic
type responseSubscriber interface {
	SubscribeForResponses(ctx context.Context, topic string, resolver MessageHandlerResolver) error
	Unsubscribe(topic string) error
}

// CollectorManager routes responses arriving on one response topic to collectors
// by correlation id. The topic is subscribed while at least one collector is registered.
type CollectorManager struct {
	topic    string
	channels responseSubscriber
	logger   *slog.Logger

	mu         sync.Mutex
	collectors map[string]*Collector
	subscribed bool
}

// NewCollectorManager creates a manager for topic
func NewCollectorManager(topic string, channels responseSubscriber, logger *slog.Logger) *CollectorManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectorManager{
		topic:      topic,
		channels:   channels,
		logger:     logger.With("topic", topic),
		collectors: make(map[string]*Collector),
	}
}

// Topic returns the response topic
func (m *CollectorManager) Topic() string {
	return m.topic
}

// Register subscribes to the topic when needed and adds c unless a collector with
// the same correlation id is already registered
func (m *CollectorManager) Register(c *Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.subscribed {
		if err := m.channels.SubscribeForResponses(context.Background(), m.topic, m); err != nil {
			return fmt.Errorf("failed to subscribe for responses: %w", err)
		}
		m.subscribed = true
	}

	if _, exists := m.collectors[c.CorrelationID()]; exists {
		m.logger.Warn("collector already registered", "correlationId", c.CorrelationID())
		return nil
	}
	m.collectors[c.CorrelationID()] = c
	return nil
}

// Unregister removes c. It only removes the slot when it still holds c, so a
// repeated call cannot evict a newer collector with the same correlation id.
func (m *CollectorManager) Unregister(c *Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.collectors[c.CorrelationID()]
	if !ok || current != c {
		return
	}
	delete(m.collectors, c.CorrelationID())

	if len(m.collectors) == 0 && m.subscribed {
		m.subscribed = false
		if err := m.channels.Unsubscribe(m.topic); err != nil {
			m.logger.Warn("failed to unsubscribe from response topic", "error", err)
		}
	}
}

// ResolveMessageHandler implements MessageHandlerResolver
func (m *CollectorManager) ResolveMessageHandler(msg *contracts.Message) (MessageHandler, bool) {
	m.mu.Lock()
	c, ok := m.collectors[msg.CorrelationID]
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("message handler for correlation id not found",
			"correlationId", msg.CorrelationID, "messageId", msg.ID)
		return nil, false
	}
	return c, true
}

// LoggingName implements MessageHandlerResolver
func (m *CollectorManager) LoggingName() string {
	return "collector manager"
}

// HandleMessage routes msg to its collector. Unknown correlation ids are dropped.
func (m *CollectorManager) HandleMessage(msg *contracts.Message, ack AcknowledgementHandler) {
	handler, ok := m.ResolveMessageHandler(msg)
	if !ok {
		return
	}
	handler.HandleMessage(msg, ack)
}

// Len returns the number of registered collectors
func (m *CollectorManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collectors)
}

// CollectorManagerFactory keeps one CollectorManager per response topic
type CollectorManagerFactory struct {
	channels responseSubscriber
	logger   *slog.Logger

	mu       sync.Mutex
	managers map[string]*CollectorManager
}

// NewCollectorManagerFactory creates a factory
func NewCollectorManagerFactory(channels responseSubscriber, logger *slog.Logger) *CollectorManagerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectorManagerFactory{
		channels: channels,
		logger:   logger,
		managers: make(map[string]*CollectorManager),
	}
}

// FindOrCreate returns the manager for topic
func (f *CollectorManagerFactory) FindOrCreate(topic string) *CollectorManager {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.managers[topic]; ok {
		return m
	}
	m := NewCollectorManager(topic, f.channels, f.logger)
	f.managers[topic] = m
	return m
}
