package rabbitmq

import (
	"context"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds supported for topics
const (
	ExchangeFanout = "fanout"
	ExchangeTopic  = "topic"
)

// MatchAllBindingKey binds a queue to every routing key of a topic exchange
const MatchAllBindingKey = "#"

// QueueDeclaration describes the queue a subscription consumes from
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Subscription describes the exchange, queue and bindings backing one topic subscription
type Subscription struct {
	Exchange    string
	Queue       QueueDeclaration
	BindingKeys []string
}

// QueueName returns the queue of a consumer group on topic. Durable queues end
// in ".d" and temporary ones in ".t", so both can coexist for one group.
func QueueName(topic, groupID string, durable bool) string {
	suffix := "t"
	if durable {
		suffix = "d"
	}
	return strings.Join([]string{topic, groupID, suffix}, ".")
}

// NewSubscription describes the topology of a subscription. Temporary queues are
// deleted by the broker once their last consumer goes away.
func NewSubscription(topic, groupID string, durable bool, bindingKeys ...string) Subscription {
	if len(bindingKeys) == 0 {
		bindingKeys = []string{MatchAllBindingKey}
	}
	return Subscription{
		Exchange: topic,
		Queue: QueueDeclaration{
			Name:       QueueName(topic, groupID, durable),
			Durable:    durable,
			AutoDelete: !durable,
		},
		BindingKeys: bindingKeys,
	}
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool         *ChannelPool
	exchangeKind string
}

// NewTopologyManager creates a topology manager declaring exchanges of kind
func NewTopologyManager(pool *ChannelPool, exchangeKind string) *TopologyManager {
	if exchangeKind == "" {
		exchangeKind = ExchangeTopic
	}
	return &TopologyManager{pool: pool, exchangeKind: exchangeKind}
}

// DeclareExchange declares the exchange of a topic
func (tm *TopologyManager) DeclareExchange(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return tm.declareExchange(ch, name)
	})
}

// DeclareSubscription declares the exchange, queue and bindings of s
func (tm *TopologyManager) DeclareSubscription(ctx context.Context, s Subscription) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := tm.declareExchange(ch, s.Exchange); err != nil {
			return err
		}

		q := s.Queue
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Err: err}
		}

		for _, key := range s.BindingKeys {
			if err := ch.QueueBind(q.Name, key, s.Exchange, false, nil); err != nil {
				return &TopologyError{Component: "binding", Name: q.Name + "->" + s.Exchange, Err: err}
			}
		}
		return nil
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}

func (tm *TopologyManager) declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, tm.exchangeKind, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Err: err}
	}
	return nil
}
