package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	msb "github.com/glimte/msb-go"
	"github.com/glimte/msb-go/config"
	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/messaging"
	"github.com/glimte/msb-go/serialization"
	"github.com/glimte/msb-go/transports/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRender(t *testing.T) {
	t.Run("json payload", func(t *testing.T) {
		msg := &contracts.Message{
			ID:            "m1",
			CorrelationID: "c1",
			Topics:        contracts.Topics{To: "test:events"},
			Payload:       contracts.RawPayload(`{"a":1}`),
		}

		data, err := render(msg, serialization.JSONCodec{}, false)
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "m1", decoded["id"])
		assert.Equal(t, map[string]interface{}{"a": float64(1)}, decoded["payload"])
	})

	t.Run("msgpack payload", func(t *testing.T) {
		raw, err := serialization.MsgpackCodec{}.Marshal(map[string]interface{}{"a": "b"})
		require.NoError(t, err)
		msg := &contracts.Message{ID: "m1", Payload: contracts.RawPayload(raw)}

		data, err := render(msg, serialization.MsgpackCodec{}, true)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"a": "b"`)
		assert.Equal(t, contracts.RawPayload(raw), msg.Payload, "message is not modified")
	})

	t.Run("undecodable payload", func(t *testing.T) {
		msg := &contracts.Message{ID: "m1", Payload: contracts.RawPayload{0xc1}}

		_, err := render(msg, serialization.MsgpackCodec{}, false)
		assert.Error(t, err)
	})
}

func TestListenerFollowsResponses(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := mock.NewBroker()

	newClient := func(name, group string) *msb.Client {
		cfg, err := config.Load("")
		require.NoError(t, err)
		cfg.ServiceDetails.Name = name
		cfg.Broker.Type = config.BrokerMock
		cfg.Broker.GroupID = group
		cfg.ShutdownTimeout = time.Second

		client, err := msb.NewClient(cfg, msb.WithLogger(discard), msb.WithMockBroker(broker))
		require.NoError(t, err)
		t.Cleanup(func() { client.Shutdown() })
		return client
	}
	cli := newClient("msb-cli", "")
	caller := newClient("caller", "caller")

	out := &syncBuffer{}
	l := newListener(context.Background(), cli.Bus(), out, false, true)
	require.NoError(t, l.Listen("test:events"))
	require.NoError(t, l.Listen("test:events"), "listening twice is a no-op")

	options, err := messaging.NewRequestOptions(
		messaging.WithWaitForResponses(1),
		messaging.WithResponseTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)
	requester, err := messaging.NewRequester[interface{}](caller.Bus(), "test:events", options)
	require.NoError(t, err)
	require.NoError(t, requester.Publish(context.Background(), map[string]string{"hello": "world"}))

	responseTopic := "test:events:response:" + caller.Bus().ServiceDetails().InstanceID
	assert.Eventually(t, func() bool {
		return cli.Bus().Channels().IsSubscribed(responseTopic)
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte(`"hello":"world"`))
	}, time.Second, 10*time.Millisecond)
}

func TestContains(t *testing.T) {
	assert.True(t, contains([]string{"response"}, "response"))
	assert.False(t, contains(nil, "response"))
}
