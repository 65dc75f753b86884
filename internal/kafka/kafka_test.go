package kafka

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestWorkerFor_StablePerKey(t *testing.T) {
	for _, key := range []string{"order-1", "order-2", "5f0c6c7e-8f1d-4a57-9d0e-2b8c3f6b1a11", ""} {
		first := workerFor([]byte(key), 8)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, workerFor([]byte(key), 8), key)
		}
	}
	assert.Equal(t, 0, workerFor([]byte("anything"), 1))
}

func TestDecodeEnvelopeAndPayload(t *testing.T) {
	type payload struct {
		OrderID string `json:"order_id"`
		Total   string `json:"total"`
	}
	var env struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}
	raw := []byte(`{"event_type":"OrderCreated","payload":{"order_id":"o-1","total":"200.00"}}`)
	require.NoError(t, DecodeEnvelope(raw, &env))
	assert.Equal(t, "OrderCreated", env.EventType)

	p, err := UnwrapPayload[payload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "o-1", p.OrderID)
	assert.Equal(t, "200.00", p.Total)

	assert.Error(t, DecodeEnvelope([]byte("{"), &env))
	_, err = UnwrapPayload[payload](json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestProducer_PublishAfterCloseIsDropped(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"}, "order.created", 1, nil)
	p.Close()
	p.Close()
	assert.NotPanics(t, func() { p.Publish([]byte("o-1"), []byte("{}")) })
}
