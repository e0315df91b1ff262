package codec

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/pairspread/internal/event"
)

func TestSpreadPayload(t *testing.T) {
	obs := event.SpreadObservation{
		ID:         uuid.New(),
		Pair:       [2]string{"GCJ5", "GCM5"},
		Spread:     -4.5,
		LegPrices:  [2]float64{2000, 2004.5},
		TimeDiff:   1500 * time.Millisecond,
		ComputedAt: time.UnixMilli(1700000000123),
	}

	data, err := EncodeSpread(obs)
	require.NoError(t, err)

	got, err := DecodeSpread(data)
	require.NoError(t, err)
	assert.Equal(t, obs.ID, got.ID)
	assert.Equal(t, obs.Pair, got.Pair)
	assert.Equal(t, obs.Spread, got.Spread)
	assert.Equal(t, obs.LegPrices, got.LegPrices)
	assert.Equal(t, obs.TimeDiff, got.TimeDiff)
	assert.True(t, obs.ComputedAt.Equal(got.ComputedAt))
}

func TestMarketPayload(t *testing.T) {
	obs := event.MarketObservation{Symbol: "GCJ5", Price: 2000.25, ServerTimestamp: 1700000000000, TickKind: event.TickDelayedLast}

	data, err := EncodeMarket(obs)
	require.NoError(t, err)

	got, err := DecodeMarket(data)
	require.NoError(t, err)
	assert.Equal(t, obs, got)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	data, err := EncodeMarket(event.MarketObservation{Symbol: "GCJ5", Price: 1, ServerTimestamp: 1})
	require.NoError(t, err)

	_, err = DecodeSpread(data)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodeMarket([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrDecode)
}
