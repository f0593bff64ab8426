package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() *Message {
	return &Message{
		ID:            "msg-1",
		CorrelationID: "corr-1",
		Topics:        Topics{To: "test:topic", Response: "test:topic:response:1"},
		Meta:          &MetaMessage{CreatedAt: time.Now()},
	}
}

func TestMessageValidate(t *testing.T) {
	t.Run("valid message passes", func(t *testing.T) {
		assert.NoError(t, validMessage().Validate())
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		msg := validMessage()
		msg.ID = ""
		assert.ErrorIs(t, msg.Validate(), ErrMissingID)

		msg = validMessage()
		msg.CorrelationID = ""
		assert.ErrorIs(t, msg.Validate(), ErrMissingCorrelationID)

		msg = validMessage()
		msg.Topics.To = ""
		assert.ErrorIs(t, msg.Validate(), ErrMissingTopics)

		msg = validMessage()
		msg.Meta = nil
		assert.ErrorIs(t, msg.Validate(), ErrMissingMeta)
	})

	t.Run("ack without responder is rejected", func(t *testing.T) {
		msg := validMessage()
		msg.Ack = &Acknowledge{}
		assert.ErrorIs(t, msg.Validate(), ErrMissingResponderID)
	})
}

func TestNewAcknowledge(t *testing.T) {
	t.Run("requires responder id", func(t *testing.T) {
		_, err := NewAcknowledge("")
		assert.ErrorIs(t, err, ErrMissingResponderID)
	})

	t.Run("applies options", func(t *testing.T) {
		ack, err := NewAcknowledge("r1", WithResponsesRemaining(2), WithTimeoutMs(500))
		require.NoError(t, err)
		assert.Equal(t, "r1", ack.ResponderID)
		assert.Equal(t, 2, *ack.ResponsesRemaining)
		assert.Equal(t, 500, *ack.TimeoutMs)
	})

	t.Run("optional fields stay nil", func(t *testing.T) {
		ack, err := NewAcknowledge("r1")
		require.NoError(t, err)
		assert.Nil(t, ack.ResponsesRemaining)
		assert.Nil(t, ack.TimeoutMs)
	})
}

func TestRawPayload(t *testing.T) {
	t.Run("null payload is absent", func(t *testing.T) {
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(`{"id":"1","payload":null}`), &msg))
		assert.False(t, msg.HasPayload())
	})

	t.Run("object payload is kept verbatim", func(t *testing.T) {
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(`{"id":"1","payload":{"body":"hi"}}`), &msg))
		assert.True(t, msg.HasPayload())
		assert.JSONEq(t, `{"body":"hi"}`, string(msg.Payload))
	})

	t.Run("empty payload encodes as null", func(t *testing.T) {
		data, err := json.Marshal(validMessage())
		require.NoError(t, err)
		assert.Contains(t, string(data), `"payload":null`)
	})
}

func TestMetaExpiresAt(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	meta := &MetaMessage{CreatedAt: created}
	_, ok := meta.ExpiresAt()
	assert.False(t, ok)

	ttl := 1500
	meta.TTL = &ttl
	expiresAt, ok := meta.ExpiresAt()
	assert.True(t, ok)
	assert.Equal(t, created.Add(1500*time.Millisecond), expiresAt)
}
