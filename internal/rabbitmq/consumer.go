package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. It settles the delivery itself.
type DeliveryHandler func(delivery amqp.Delivery)

// Consumer runs one consuming channel per queue
type Consumer struct {
	manager *ConnectionManager
	logger  *slog.Logger

	mu        sync.Mutex
	consumers map[string]*consumerInfo
	closed    bool
	wg        sync.WaitGroup
}

type consumerInfo struct {
	queue   string
	tag     string
	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:   manager,
		logger:    slog.Default(),
		consumers: make(map[string]*consumerInfo),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming queue on a dedicated channel
func (c *Consumer) Subscribe(ctx context.Context, queue, tag string, prefetchCount int, handler DeliveryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConsumerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := c.consumers[queue]; ok {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadyConsuming, Timestamp: time.Now()}
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	info := &consumerInfo{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.consumers[queue] = info

	c.wg.Add(1)
	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "consumerTag", tag, "prefetchCount", prefetchCount)
	return nil
}

func (c *Consumer) processMessages(ctx context.Context, info *consumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		info.channel.Close()
		close(info.done)
		c.wg.Done()
		c.logger.Info("consumer stopped", "queue", info.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.queue)
				c.mu.Lock()
				if c.consumers[info.queue] == info {
					delete(c.consumers, info.queue)
				}
				c.mu.Unlock()
				return
			}
			handler(d)
		}
	}
}

// Unsubscribe stops consuming queue. It does not wait for a running handler,
// so handlers may call it.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.consumers[queue]
	if ok {
		delete(c.consumers, queue)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := info.channel.Cancel(info.tag, true); err != nil {
		c.logger.Debug("consumer cancel failed", "queue", queue, "error", err)
	}
	info.cancel()
	return nil
}

// Queues returns the queues being consumed
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.consumers))
	for q := range c.consumers {
		queues = append(queues, q)
	}
	return queues
}

// Close stops every consumer and waits for their handlers to return
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	queues := make([]string, 0, len(c.consumers))
	for q := range c.consumers {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		c.Unsubscribe(q)
	}
	c.wg.Wait()
	return nil
}
