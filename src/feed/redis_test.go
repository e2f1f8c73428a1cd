package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/perpstream/feedhub/src/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	payload, err := json.Marshal(envelope{
		Type:      "price.updated",
		MarketID:  "BTC-PERP",
		Data:      map[string]any{"price": 65000.5, "markPrice": 65001.0},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	})
	require.NoError(t, err)

	ev, err := decodeEnvelope(payload)
	require.NoError(t, err)

	assert.Equal(t, types.EventPriceUpdated, ev.Kind)
	assert.Equal(t, "BTC-PERP", ev.MarketID)
	assert.Equal(t, 65000.5, ev.Data["price"])
	assert.Equal(t, 2026, ev.At.UTC().Year())
	assert.Equal(t, types.KindPrice, ev.Channel().Kind)
}

func TestDecodeEnvelopeDefaultsTimestamp(t *testing.T) {
	payload := []byte(`{"type":"trade.executed","marketId":"ETH-PERP","data":{"side":"buy"}}`)

	before := time.Now()
	ev, err := decodeEnvelope(payload)
	require.NoError(t, err)

	assert.Equal(t, types.EventTradeExecuted, ev.Kind)
	assert.False(t, ev.At.Before(before))
}

func TestDecodeEnvelopeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{broken`},
		{"unknown type", `{"type":"order.placed","marketId":"MKT1","data":{}}`},
		{"missing market", `{"type":"price.updated","data":{}}`},
		{"invalid market", `{"type":"price.updated","marketId":"has space","data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodeEnvelopeFundingKind(t *testing.T) {
	payload := []byte(`{"type":"funding.updated","marketId":"SOL-PERP","data":{"rate":0.0001}}`)

	ev, err := decodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, types.KindFunding, ev.Channel().Kind)
	assert.Equal(t, 0.0001, ev.Data["rate"])
}
