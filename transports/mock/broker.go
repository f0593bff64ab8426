// Package mock provides an in-memory broker and transport for tests and local
// development. Subscriptions sharing a group id compete for messages; every group
// subscribed to a topic receives its own copy.
package mock

import (
	"sync"

	"github.com/glimte/msb-go/messaging"
	"github.com/google/uuid"
)

// Broker routes messages between transports in the same process
type Broker struct {
	mu        sync.Mutex
	subs      map[string][]*subscription
	cursor    map[string]int
	published map[string][][]byte
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		subs:      make(map[string][]*subscription),
		cursor:    make(map[string]int),
		published: make(map[string][][]byte),
	}
}

// Published returns copies of every body published to topic
func (b *Broker) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, len(b.published[topic]))
	for _, body := range b.published[topic] {
		out = append(out, append([]byte(nil), body...))
	}
	return out
}

// Subscribers returns the number of active subscriptions on topic
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Broker) publish(dest messaging.Destination, body []byte) {
	b.mu.Lock()
	b.published[dest.Topic] = append(b.published[dest.Topic], append([]byte(nil), body...))

	targets := make(map[string]*subscription)
	var order []string
	for _, s := range b.subs[dest.Topic] {
		if _, ok := targets[s.group]; ok {
			continue
		}
		order = append(order, s.group)
		targets[s.group] = nil
	}
	for _, group := range order {
		targets[group] = b.pickLocked(dest.Topic, group)
	}
	b.mu.Unlock()

	for _, group := range order {
		if s := targets[group]; s != nil {
			s.enqueue(&delivery{body: append([]byte(nil), body...), sub: s, broker: b})
		}
	}
}

// pickLocked selects the next subscription of group in round robin order
func (b *Broker) pickLocked(topic, group string) *subscription {
	var members []*subscription
	for _, s := range b.subs[topic] {
		if s.group == group {
			members = append(members, s)
		}
	}
	if len(members) == 0 {
		return nil
	}
	key := topic + "|" + group
	idx := b.cursor[key] % len(members)
	b.cursor[key] = idx + 1
	return members[idx]
}

func (b *Broker) requeue(d *delivery) {
	b.mu.Lock()
	target := d.sub
	if !b.activeLocked(target) {
		target = b.pickLocked(d.sub.topic, d.sub.group)
	}
	b.mu.Unlock()

	if target == nil {
		return
	}
	target.enqueue(&delivery{body: d.body, redelivered: true, sub: target, broker: b})
}

func (b *Broker) activeLocked(s *subscription) bool {
	for _, candidate := range b.subs[s.topic] {
		if candidate == s {
			return true
		}
	}
	return false
}

func (b *Broker) add(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.topic] = append(b.subs[s.topic], s)
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.topic]
	for i, candidate := range subs {
		if candidate == s {
			b.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}

func groupKey(opts messaging.SubscriptionOptions) string {
	if opts.ResponseTopic || opts.GroupID == "" {
		return uuid.New().String()
	}
	return opts.GroupID
}
