package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/pairspread/internal/event"
)

func TestParser_Frames(t *testing.T) {
	arrival := time.Date(2024, 11, 14, 22, 13, 20, 0, time.UTC)

	tests := []struct {
		name string
		unit TimestampUnit
		raw  string
		want event.Event
	}{
		{
			name: "price",
			unit: UnitSeconds,
			raw:  `{"type":"price","line":1,"tick":68,"price":2000.5}`,
			want: event.PriceTick{Line: 1, Price: 2000.5, TickKind: event.TickDelayedLast, Arrival: arrival},
		},
		{
			name: "quoted price",
			unit: UnitSeconds,
			raw:  `{"type":"price","line":2,"tick":4,"price":"1999.25"}`,
			want: event.PriceTick{Line: 2, Price: 1999.25, TickKind: event.TickLast, Arrival: arrival},
		},
		{
			name: "timestamp in seconds",
			unit: UnitSeconds,
			raw:  `{"type":"timestamp","line":1,"tick":88,"value":"1700000000"}`,
			want: event.TimestampTick{Line: 1, ServerTimestamp: 1700000000000, TickKind: event.TickDelayedLastTimestamp, Arrival: arrival},
		},
		{
			name: "timestamp in milliseconds",
			unit: UnitMilliseconds,
			raw:  `{"type":"timestamp","line":1,"tick":45,"value":1700000000123}`,
			want: event.TimestampTick{Line: 1, ServerTimestamp: 1700000000123, TickKind: event.TickLastTimestamp, Arrival: arrival},
		},
		{
			name: "heartbeat",
			unit: UnitSeconds,
			raw:  `{"type":"heartbeat"}`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewParser(tt.unit).Parse([]byte(tt.raw), arrival)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParser_Malformed(t *testing.T) {
	p := NewParser(UnitSeconds)
	for _, raw := range []string{
		`not json`,
		`{"type":"quote","line":1}`,
		`{"type":"price","line":1,"tick":88,"price":2000}`,
		`{"type":"price","line":1,"tick":68,"price":0}`,
		`{"type":"price","line":1,"tick":68,"price":"abc"}`,
		`{"type":"timestamp","line":1,"tick":68,"value":"1700000000"}`,
		`{"type":"timestamp","line":1,"tick":88,"value":"1.5"}`,
		`{"type":"timestamp","line":1,"tick":88,"value":"-1"}`,
	} {
		_, err := p.Parse([]byte(raw), time.Now())
		assert.ErrorIs(t, err, ErrParse, raw)
	}
}

func TestParseUnit(t *testing.T) {
	u, err := ParseUnit("MS")
	require.NoError(t, err)
	assert.Equal(t, UnitMilliseconds, u)
	assert.Equal(t, int64(5), u.ToMillis(5))

	u, err = ParseUnit("s")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), u.ToMillis(5))

	_, err = ParseUnit("ns")
	assert.Error(t, err)
}
