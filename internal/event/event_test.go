package event

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope("evt-1", TypeLimitOrderCreated, Payload{
		OrderID:  "ORD-1",
		UserID:   "u1",
		Symbol:   "BTC-USDT",
		Price:    decimal.RequireFromString("1000.5"),
		Quantity: decimal.RequireFromString("2"),
	})

	data, err := env.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, TypeLimitOrderCreated, got.Type)
	assert.True(t, got.Payload.Price.Equal(env.Payload.Price))
	assert.True(t, got.Payload.Quantity.Equal(env.Payload.Quantity))
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"trade.created","payload":{}}`))
	assert.Error(t, err, "missing event_id")

	_, err = Unmarshal([]byte(`{"event_id":"evt-1","payload":{}}`))
	assert.Error(t, err, "missing type")
}
