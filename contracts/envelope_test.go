package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("creates envelope with generated id and defaults", func(t *testing.T) {
		env := NewEnvelope("agent-a", "agent-b", MessageTypeTaskRequest)

		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "agent-a", env.Sender)
		assert.Equal(t, "agent-b", env.Recipient)
		assert.Equal(t, MessageTypeTaskRequest, env.Type)
		assert.Equal(t, DefaultDeliveryPolicy(), env.Delivery)
		assert.WithinDuration(t, time.Now().UTC(), env.Timestamp, time.Second)

		_, err := uuid.Parse(env.ID)
		assert.NoError(t, err)
	})

	t.Run("applies options", func(t *testing.T) {
		env := NewEnvelope("a", "b", MessageTypeTaskResponse,
			WithCorrelationID("task-1"),
			WithTrace("trace-1", "span-1"),
			WithBaggage(map[string]string{"tenant": "acme"}),
			WithPermissions("tasks:read"),
		)

		assert.Equal(t, "task-1", env.CorrelationID)
		assert.Equal(t, "trace-1", env.TraceID)
		assert.Equal(t, "span-1", env.SpanID)
		assert.Equal(t, "acme", env.Baggage["tenant"])
		assert.Equal(t, []string{"tasks:read"}, env.Permissions)
	})

	t.Run("WithPayload marshals the value", func(t *testing.T) {
		env := NewEnvelope("a", "b", MessageTypeTaskRequest,
			WithPayload(map[string]string{"key": "value"}),
		)

		var decoded map[string]string
		require.NoError(t, env.UnmarshalPayload(&decoded))
		assert.Equal(t, "value", decoded["key"])
	})

	t.Run("WithDelivery overrides the default policy", func(t *testing.T) {
		policy := DeliveryPolicy{
			Guarantee:    AtLeastOnce,
			RetryCount:   1,
			RetryDelayMs: 50,
			Priority:     9,
		}
		env := NewEnvelope("a", "b", MessageTypeTaskRequest, WithDelivery(policy))

		assert.Equal(t, policy, env.Delivery)
		assert.Equal(t, 50*time.Millisecond, env.Delivery.RetryDelay())
	})
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := NewEnvelope("agent-a", "agent-b", MessageTypeTaskRequest,
		WithCorrelationID("corr-1"),
		WithPayload(map[string]int{"n": 42}),
		WithBaggage(map[string]string{"session": "s-1"}),
	)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, env.Sender, decoded.Sender)
	assert.Equal(t, env.Recipient, decoded.Recipient)
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.Delivery, decoded.Delivery)
	assert.Equal(t, env.Baggage, decoded.Baggage)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
	assert.True(t, env.Timestamp.Equal(decoded.Timestamp))
}

func TestMessageTypeIsControl(t *testing.T) {
	assert.True(t, MessageTypeHello.IsControl())
	assert.True(t, MessageTypeAck.IsControl())
	assert.True(t, MessageTypePing.IsControl())
	assert.True(t, MessageTypePong.IsControl())
	assert.True(t, MessageTypeError.IsControl())
	assert.False(t, MessageTypeTaskRequest.IsControl())
	assert.False(t, MessageTypeTaskResponse.IsControl())
}
