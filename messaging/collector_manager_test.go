package messaging

import (
	"testing"
	"time"

	"github.com/glimte/msb-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagedCollector(t *testing.T, m *CollectorManager, f *collectorFixture, correlationID string, handlers EventHandlers) *Collector {
	t.Helper()
	options, err := NewRequestOptions(WithWaitForResponses(1), WithResponseTimeout(time.Second))
	require.NoError(t, err)

	c, err := NewCollector(requestMessage(correlationID), options, m, f.timeouts, handlers,
		WithCollectorClock(f.clock), WithCollectorLogger(testLogger))
	require.NoError(t, err)
	return c
}

func TestCollectorManagerRouting(t *testing.T) {
	f := newCollectorFixture()
	subscriber := &spySubscriber{}
	m := NewCollectorManager("test:response:instance", subscriber, testLogger)

	received := map[string][]string{}
	handlersFor := func(id string) EventHandlers {
		return EventHandlers{
			OnRawResponse: func(msg *contracts.Message, _ *MessageContext) {
				received[id] = append(received[id], msg.ID)
			},
		}
	}

	a := newManagedCollector(t, m, f, "corr-a", handlersFor("a"))
	b := newManagedCollector(t, m, f, "corr-b", handlersFor("b"))
	require.NoError(t, a.ListenForResponses())
	require.NoError(t, b.ListenForResponses())
	assert.Equal(t, 2, m.Len())

	subscribes, _ := subscriber.counts()
	assert.Equal(t, 1, subscribes, "topic is subscribed once for all collectors")

	toB := responseMessage("corr-b", `{}`, nil)
	m.HandleMessage(toB, nil)
	assert.Equal(t, []string{toB.ID}, received["b"])
	assert.Empty(t, received["a"])

	t.Run("unknown correlation id is dropped", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.HandleMessage(responseMessage("corr-unknown", `{}`, nil), nil)
		})
		_, ok := m.ResolveMessageHandler(responseMessage("corr-unknown", `{}`, nil))
		assert.False(t, ok)
	})

	t.Run("ended collector is no longer routable", func(t *testing.T) {
		_, ok := m.ResolveMessageHandler(toB)
		assert.False(t, ok)
		assert.Equal(t, 1, m.Len())
	})
}

func TestCollectorManagerSubscriptionLifecycle(t *testing.T) {
	f := newCollectorFixture()
	subscriber := &spySubscriber{}
	m := NewCollectorManager("test:response:instance", subscriber, testLogger)

	a := newManagedCollector(t, m, f, "corr-a", EventHandlers{})
	b := newManagedCollector(t, m, f, "corr-b", EventHandlers{})
	require.NoError(t, a.ListenForResponses())
	require.NoError(t, b.ListenForResponses())

	a.End()
	_, unsubscribes := subscriber.counts()
	assert.Equal(t, 0, unsubscribes, "topic stays subscribed while collectors remain")

	b.End()
	b.End()
	subscribes, unsubscribes := subscriber.counts()
	assert.Equal(t, 1, subscribes)
	assert.Equal(t, 1, unsubscribes, "last collector unsubscribes exactly once")

	c := newManagedCollector(t, m, f, "corr-c", EventHandlers{})
	require.NoError(t, c.ListenForResponses())
	subscribes, _ = subscriber.counts()
	assert.Equal(t, 2, subscribes, "next registration subscribes again")
}

func TestCollectorManagerUnregisterKeepsNewerCollector(t *testing.T) {
	f := newCollectorFixture()
	m := NewCollectorManager("test:response:instance", &spySubscriber{}, testLogger)

	first := newManagedCollector(t, m, f, "corr-1", EventHandlers{})
	require.NoError(t, first.ListenForResponses())
	m.Unregister(first)
	assert.Equal(t, 0, m.Len())

	second := newManagedCollector(t, m, f, "corr-1", EventHandlers{})
	require.NoError(t, second.ListenForResponses())

	// a stale unregister for the same correlation id
	m.Unregister(first)

	handler, ok := m.ResolveMessageHandler(responseMessage("corr-1", `{}`, nil))
	require.True(t, ok)
	assert.Same(t, second, handler)
}

func TestCollectorManagerDuplicateRegistration(t *testing.T) {
	f := newCollectorFixture()
	m := NewCollectorManager("test:response:instance", &spySubscriber{}, testLogger)

	first := newManagedCollector(t, m, f, "corr-1", EventHandlers{})
	duplicate := newManagedCollector(t, m, f, "corr-1", EventHandlers{})
	require.NoError(t, first.ListenForResponses())
	require.NoError(t, duplicate.ListenForResponses())

	handler, ok := m.ResolveMessageHandler(responseMessage("corr-1", `{}`, nil))
	require.True(t, ok)
	assert.Same(t, first, handler)
}

func TestCollectorManagerFactory(t *testing.T) {
	factory := NewCollectorManagerFactory(&spySubscriber{}, testLogger)

	a := factory.FindOrCreate("test:response:one")
	assert.Same(t, a, factory.FindOrCreate("test:response:one"))
	assert.NotSame(t, a, factory.FindOrCreate("test:response:two"))
	assert.Equal(t, "test:response:one", a.Topic())
	assert.Equal(t, "collector manager", a.LoggingName())
}
