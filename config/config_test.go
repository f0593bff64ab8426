package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "msb-go", cfg.ServiceDetails.Name)
	assert.Equal(t, BrokerAMQP, cfg.Broker.Type)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, time.Millisecond, cfg.Timer.Tick)
	assert.Equal(t, int64(512), cfg.Timer.WheelSize)
	assert.Equal(t, 5, cfg.ConsumerThreadPoolSize)
	assert.True(t, cfg.ValidateMessage)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msb.yaml")
	content := `
serviceDetails:
  name: billing
  version: 2.1.0
broker:
  type: redis
  url: localhost:6379
  groupId: billing-workers
codec: msgpack
timer:
  tick: 5ms
  wheelSize: 64
consumerThreadPoolSize: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.ServiceDetails.Name)
	assert.Equal(t, "2.1.0", cfg.ServiceDetails.Version)
	assert.Equal(t, BrokerRedis, cfg.Broker.Type)
	assert.Equal(t, "localhost:6379", cfg.Broker.URL)
	assert.Equal(t, "billing-workers", cfg.Broker.GroupID)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, 5*time.Millisecond, cfg.Timer.Tick)
	assert.Equal(t, int64(64), cfg.Timer.WheelSize)
	assert.Equal(t, 0, cfg.ConsumerThreadPoolSize)
	// untouched keys keep their defaults
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("MSB_BROKER_TYPE", "mock")
	t.Setenv("MSB_SERVICEDETAILS_NAME", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BrokerMock, cfg.Broker.Type)
	assert.Equal(t, "from-env", cfg.ServiceDetails.Name)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("unknown broker", func(t *testing.T) {
		t.Setenv("MSB_BROKER_TYPE", "kafka")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrUnknownBroker)
	})

	t.Run("invalid override is returned", func(t *testing.T) {
		t.Setenv("MSB_TIMER_WHEELSIZE", "0")
		var err error
		assert.NotPanics(t, func() { _, err = Load("") })
		assert.Error(t, err)
	})
}

func TestDump(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	broker, ok := decoded["broker"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "amqp", broker["type"])
	assert.Equal(t, 5, decoded["consumerThreadPoolSize"])
}
