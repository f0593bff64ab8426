package messaging_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/internal/scheduler"
	"github.com/glimte/msb-go/internal/workers"
	"github.com/glimte/msb-go/messaging"
	"github.com/glimte/msb-go/transports/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRequest struct {
	Text string `json:"text"`
}

type pongResponse struct {
	Reply string `json:"reply"`
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestBus(t *testing.T, broker *mock.Broker, name string) *messaging.Bus {
	t.Helper()

	pool, err := workers.NewPool(4, workers.WithLogger(discard))
	require.NoError(t, err)
	return newTestBusWithInvoker(t, broker, name, pool)
}

// newTestBusWithInvoker lets tests run handlers in delivery order
func newTestBusWithInvoker(t *testing.T, broker *mock.Broker, name string, invoker workers.Invoker) *messaging.Bus {
	t.Helper()

	timeouts := messaging.NewTimeoutManager(
		messaging.NewWheelScheduler(scheduler.New(scheduler.WithName(name), scheduler.WithLogger(discard))),
		messaging.WithTimeoutLogger(discard),
	)

	bus, err := messaging.NewBus(mock.NewTransport(broker, mock.WithLogger(discard)), timeouts, invoker,
		messaging.WithServiceDetails(contracts.ServiceDetails{Name: name, InstanceID: name + "-1"}),
		messaging.WithBusLogger(discard),
		messaging.WithBusGroupID(name),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, bus.Shutdown(time.Second))
	})
	return bus
}

func startPongServer(t *testing.T, bus *messaging.Bus, handler messaging.RequestHandler[pingRequest]) {
	t.Helper()
	server, err := messaging.NewResponderServer(bus, "test:ping", messaging.ResponderOptions{}, handler, nil)
	require.NoError(t, err)
	require.NoError(t, server.Listen(context.Background()))
}

func TestRequestResponse(t *testing.T) {
	broker := mock.NewBroker()
	server := newTestBus(t, broker, "server")
	client := newTestBus(t, broker, "client")

	startPongServer(t, server, func(req pingRequest, ctx *messaging.ResponderContext) error {
		return ctx.Responder.Send(context.Background(), pongResponse{Reply: "pong:" + req.Text})
	})

	options, err := messaging.NewRequestOptions(
		messaging.WithWaitForResponses(1),
		messaging.WithResponseTimeout(3*time.Second),
	)
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		responses []pongResponse
	)
	ended := make(chan []*contracts.Message, 1)

	requester, err := messaging.NewRequester[pongResponse](client, "test:ping", options)
	require.NoError(t, err)
	requester.
		OnResponse(func(resp pongResponse, _ *messaging.MessageContext) {
			mu.Lock()
			defer mu.Unlock()
			responses = append(responses, resp)
		}).
		OnEnd(func(messages []*contracts.Message) { ended <- messages })

	started := time.Now()
	require.NoError(t, requester.Publish(context.Background(), pingRequest{Text: "hi"}))

	select {
	case messages := <-ended:
		assert.Len(t, messages, 1)
		assert.Less(t, time.Since(started), 3*time.Second, "ended on the response, not the timeout")
	case <-time.After(5 * time.Second):
		t.Fatal("request did not end")
	}

	mu.Lock()
	assert.Equal(t, []pongResponse{{Reply: "pong:hi"}}, responses)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return !client.Channels().IsSubscribed("test:ping:response:client-1")
	}, time.Second, 10*time.Millisecond, "response topic is released after the last collector")
}

func TestRequestBlocking(t *testing.T) {
	broker := mock.NewBroker()
	server := newTestBus(t, broker, "server")
	client := newTestBus(t, broker, "client")

	startPongServer(t, server, func(req pingRequest, ctx *messaging.ResponderContext) error {
		if req.Text == "fail" {
			return errors.New("cannot handle")
		}
		return ctx.Responder.Send(context.Background(), pongResponse{Reply: req.Text})
	})

	options, err := messaging.NewRequestOptions(messaging.WithResponseTimeout(2 * time.Second))
	require.NoError(t, err)
	requester, err := messaging.NewRequester[pongResponse](client, "test:ping", options)
	require.NoError(t, err)

	t.Run("single response", func(t *testing.T) {
		resp, err := requester.Request(context.Background(), pingRequest{Text: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Reply)
	})

	t.Run("failed handler announces no responses", func(t *testing.T) {
		_, err := requester.Request(context.Background(), pingRequest{Text: "fail"})
		assert.ErrorIs(t, err, messaging.ErrUnexpectedResponseCount)
	})

	t.Run("context cancellation", func(t *testing.T) {
		silent, err := messaging.NewRequester[pongResponse](client, "test:silent", options)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = silent.Request(ctx, pingRequest{Text: "anyone"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRequestWithRenegotiation(t *testing.T) {
	broker := mock.NewBroker()
	server := newTestBus(t, broker, "server")
	client := newTestBusWithInvoker(t, broker, "client", workers.NewDirect(discard))

	// announce three responses and a longer window, then stream them
	startPongServer(t, server, func(req pingRequest, ctx *messaging.ResponderContext) error {
		bg := context.Background()
		if err := ctx.Responder.SendAck(bg, 2*time.Second, 3); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if err := ctx.Responder.Send(bg, pongResponse{Reply: req.Text}); err != nil {
				return err
			}
		}
		return nil
	})

	options, err := messaging.NewRequestOptions(
		messaging.WithWaitForResponses(1),
		messaging.WithAckTimeout(100*time.Millisecond),
		messaging.WithResponseTimeout(500*time.Millisecond),
	)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		acks  int
		count int
	)
	ended := make(chan []*contracts.Message, 1)

	requester, err := messaging.NewRequester[pongResponse](client, "test:ping", options)
	require.NoError(t, err)
	requester.
		OnAcknowledge(func(*contracts.Acknowledge, *messaging.MessageContext) {
			mu.Lock()
			defer mu.Unlock()
			acks++
		}).
		OnResponse(func(pongResponse, *messaging.MessageContext) {
			mu.Lock()
			defer mu.Unlock()
			count++
		}).
		OnEnd(func(messages []*contracts.Message) { ended <- messages })

	require.NoError(t, requester.Publish(context.Background(), pingRequest{Text: "stream"}))

	select {
	case messages := <-ended:
		assert.Len(t, messages, 4)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not end")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 3, count)
}

func TestRequestUntilTimeout(t *testing.T) {
	broker := mock.NewBroker()
	client := newTestBus(t, broker, "client")
	for _, name := range []string{"server-a", "server-b"} {
		bus := newTestBus(t, broker, name)
		startPongServer(t, bus, func(_ pingRequest, ctx *messaging.ResponderContext) error {
			return ctx.Responder.Send(context.Background(), pongResponse{Reply: "here"})
		})
	}

	options, err := messaging.NewRequestOptions(
		messaging.WithWaitForResponses(messaging.WaitForResponsesUntilTimeout),
		messaging.WithResponseTimeout(300*time.Millisecond),
	)
	require.NoError(t, err)

	ended := make(chan []*contracts.Message, 1)
	requester, err := messaging.NewRequester[pongResponse](client, "test:ping", options)
	require.NoError(t, err)
	requester.OnEnd(func(messages []*contracts.Message) { ended <- messages })

	started := time.Now()
	require.NoError(t, requester.Publish(context.Background(), pingRequest{}))

	select {
	case messages := <-ended:
		assert.Len(t, messages, 2, "one response per responder group")
		assert.GreaterOrEqual(t, time.Since(started), 290*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not end")
	}
}

func TestConcurrentRequestsEndOnce(t *testing.T) {
	const requests = 60

	broker := mock.NewBroker()
	server := newTestBus(t, broker, "server")
	client := newTestBus(t, broker, "client")

	// staggered replies so some collectors end on the second response
	// and others on the timer while responses are still arriving
	startPongServer(t, server, func(req pingRequest, ctx *messaging.ResponderContext) error {
		bg := context.Background()
		delay := time.Duration(len(req.Text)%4) * 5 * time.Millisecond
		for i := 0; i < 2; i++ {
			time.Sleep(delay)
			if err := ctx.Responder.Send(bg, pongResponse{Reply: req.Text}); err != nil {
				return err
			}
		}
		return nil
	})

	options, err := messaging.NewRequestOptions(
		messaging.WithWaitForResponses(2),
		messaging.WithResponseTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		ends = make([]int, requests)
	)
	for i := 0; i < requests; i++ {
		i := i
		requester, err := messaging.NewRequester[pongResponse](client, "test:ping", options)
		require.NoError(t, err)
		requester.OnEnd(func([]*contracts.Message) {
			mu.Lock()
			defer mu.Unlock()
			ends[i]++
		})
		require.NoError(t, requester.Publish(context.Background(), pingRequest{Text: strings.Repeat("x", i)}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range ends {
			if n == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "every request ends")

	// late responses must not end anything a second time
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	for i, n := range ends {
		assert.Equal(t, 1, n, "request %d", i)
	}
	mu.Unlock()

	topic := "test:ping:response:client-1"
	assert.Equal(t, 0, client.Collectors().FindOrCreate(topic).Len())
	assert.Eventually(t, func() bool {
		return !client.Channels().IsSubscribed(topic)
	}, time.Second, 10*time.Millisecond, "response topic is released after the last collector")
}

func TestFireAndForget(t *testing.T) {
	broker := mock.NewBroker()
	client := newTestBus(t, broker, "client")

	options, err := messaging.NewRequestOptions(messaging.WithRoutingKey("eu"))
	require.NoError(t, err)
	requester, err := messaging.NewRequester[pongResponse](client, "test:events", options)
	require.NoError(t, err)

	require.NoError(t, requester.Publish(context.Background(), pingRequest{Text: "event"}, "tag-1"))
	assert.Len(t, broker.Published("test:events"), 1)
	assert.False(t, client.Channels().IsSubscribed("test:events:response:client-1"), "no collector without expected replies")

	require.NoError(t, client.Broadcast(context.Background(), "test:events", pingRequest{Text: "all"}, messaging.MessageTemplate{}))
	assert.Len(t, broker.Published("test:events"), 2)
}

func TestNewRequesterValidation(t *testing.T) {
	broker := mock.NewBroker()
	client := newTestBus(t, broker, "client")

	_, err := messaging.NewRequester[pongResponse](client, "", messaging.RequestOptions{})
	assert.ErrorIs(t, err, messaging.ErrEmptyNamespace)

	_, err = messaging.NewRequester[pongResponse](client, "Bad Namespace", messaging.RequestOptions{})
	assert.ErrorIs(t, err, messaging.ErrInvalidTopic)
}
