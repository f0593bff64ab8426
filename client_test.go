package msb

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/msb-go/config"
	"github.com/glimte/msb-go/health"
	"github.com/glimte/msb-go/messaging"
	"github.com/glimte/msb-go/serialization"
	"github.com/glimte/msb-go/transports/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type echoRequest struct {
	Text string `json:"text" msgpack:"text"`
}

type echoResponse struct {
	Echo string `json:"echo" msgpack:"echo"`
}

func mockConfig(t *testing.T, name string) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.ServiceDetails.Name = name
	cfg.Broker.Type = config.BrokerMock
	cfg.Broker.GroupID = name
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestNewClient(t *testing.T) {
	t.Run("mock broker", func(t *testing.T) {
		client, err := NewClient(mockConfig(t, "svc"), WithLogger(discard))
		require.NoError(t, err)

		assert.NotNil(t, client.Bus())
		assert.Equal(t, "svc", client.Bus().ServiceDetails().Name)
		assert.NotEmpty(t, client.Bus().ServiceDetails().InstanceID)
		assert.Same(t, discard, client.Logger())

		h := client.Health(context.Background())
		assert.Equal(t, health.StatusHealthy, h.Status)
		assert.Contains(t, h.Checks, "timers")
		assert.Contains(t, h.Checks, "workers")
		assert.NotContains(t, h.Checks, "broker", "the mock transport has no connection")

		require.NoError(t, client.Shutdown())
		require.NoError(t, client.Shutdown())
	})

	t.Run("direct invoker", func(t *testing.T) {
		cfg := mockConfig(t, "svc")
		cfg.ConsumerThreadPoolSize = 0

		client, err := NewClient(cfg, WithLogger(discard))
		require.NoError(t, err)
		require.NoError(t, client.Shutdown())
	})

	t.Run("msgpack codec", func(t *testing.T) {
		cfg := mockConfig(t, "svc")
		cfg.Codec = "msgpack"

		client, err := NewClient(cfg, WithLogger(discard))
		require.NoError(t, err)
		assert.Equal(t, "msgpack", client.Bus().Codec().Name())
		require.NoError(t, client.Shutdown())
	})

	t.Run("unknown codec", func(t *testing.T) {
		cfg := mockConfig(t, "svc")
		cfg.Codec = "xml"

		_, err := NewClient(cfg, WithLogger(discard))
		assert.ErrorIs(t, err, serialization.ErrUnknownCodec)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := mockConfig(t, "svc")
		cfg.Broker.Type = "kafka"

		_, err := NewClient(cfg, WithLogger(discard))
		assert.ErrorIs(t, err, config.ErrUnknownBroker)
	})

	t.Run("injected transport", func(t *testing.T) {
		broker := mock.NewBroker()
		transport := mock.NewTransport(broker, mock.WithLogger(discard))

		client, err := NewClient(mockConfig(t, "svc"), WithLogger(discard), WithTransport(transport))
		require.NoError(t, err)
		require.NoError(t, client.Bus().Broadcast(context.Background(), "test:events", echoRequest{Text: "x"}, messaging.MessageTemplate{}))
		assert.Len(t, broker.Published("test:events"), 1)
		require.NoError(t, client.Shutdown())
	})
}

func TestClientRequestResponse(t *testing.T) {
	broker := mock.NewBroker()

	server, err := NewClient(mockConfig(t, "echo-server"), WithLogger(discard), WithMockBroker(broker))
	require.NoError(t, err)
	defer server.Shutdown()

	caller, err := NewClient(mockConfig(t, "echo-client"), WithLogger(discard), WithMockBroker(broker))
	require.NoError(t, err)
	defer caller.Shutdown()

	responder, err := messaging.NewResponderServer(server.Bus(), "test:echo", messaging.ResponderOptions{},
		func(req echoRequest, ctx *messaging.ResponderContext) error {
			return ctx.Responder.Send(context.Background(), echoResponse{Echo: req.Text})
		}, nil)
	require.NoError(t, err)
	require.NoError(t, responder.Listen(context.Background()))

	options, err := messaging.NewRequestOptions(messaging.WithResponseTimeout(2 * time.Second))
	require.NoError(t, err)
	requester, err := messaging.NewRequester[echoResponse](caller.Bus(), "test:echo", options)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := requester.Request(ctx, echoRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, echoResponse{Echo: "hello"}, resp)
}
