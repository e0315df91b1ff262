// Package event defines the immutable values exchanged over the bus.
//
// Units are fixed across the whole pipeline: server timestamps are
// milliseconds since the Unix epoch, local arrival times are time.Time
// values carrying the monotonic clock reading, and windows are
// time.Duration. The feed adapter converts raw payloads once on the way in.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every value published on the bus.
type Event interface {
	Kind() Kind
}

// LineID identifies an instrument line, i.e. one subscribed feed.
type LineID int64

// PriceTick is a raw price measurement for one line.
type PriceTick struct {
	Line     LineID
	Price    float64
	TickKind TickKind
	Arrival  time.Time
}

func (PriceTick) Kind() Kind { return KindPriceTick }

// TimestampTick is a raw server-timestamp measurement for one line.
type TimestampTick struct {
	Line            LineID
	ServerTimestamp int64 // ms since epoch
	TickKind        TickKind
	Arrival         time.Time
}

func (TimestampTick) Kind() Kind { return KindTimestampTick }

// MarketObservation is one reconciled (price, server timestamp) pair.
type MarketObservation struct {
	Symbol          string
	Price           float64
	ServerTimestamp int64 // ms since epoch
	TickKind        TickKind
}

func (MarketObservation) Kind() Kind { return KindMarketObservation }

// Time returns the server timestamp as a time.Time.
func (o MarketObservation) Time() time.Time {
	return time.UnixMilli(o.ServerTimestamp)
}

// SpreadObservation is emitted when both legs of the configured pair are
// close enough in server time to be compared. Spread is always
// LegPrices[0] - LegPrices[1] in the configured order.
type SpreadObservation struct {
	ID         uuid.UUID
	Pair       [2]string
	Spread     float64
	LegPrices  [2]float64
	TimeDiff   time.Duration
	ComputedAt time.Time
}

func (SpreadObservation) Kind() Kind { return KindSpreadObservation }

// UnknownLine reports a tick for a line that is not configured.
type UnknownLine struct {
	Line     LineID
	TickKind TickKind
}

func (UnknownLine) Kind() Kind { return KindUnknownLine }

// DroppedTick reports a queue entry evicted because the queue was full.
// Dropped is the running total for that line and stream.
type DroppedTick struct {
	Line    LineID
	Symbol  string
	Stream  Stream
	Dropped uint64
}

func (DroppedTick) Kind() Kind { return KindDroppedTick }

// StaleSpread reports a spread update skipped because the legs were too far
// apart in server time.
type StaleSpread struct {
	Pair        [2]string
	TimeDiff    time.Duration
	MaxTimeDiff time.Duration
}

func (StaleSpread) Kind() Kind { return KindStaleSpread }

// ParseError reports a malformed payload received from the feed.
type ParseError struct {
	Source  string
	Payload []byte
	Cause   error
}

func (ParseError) Kind() Kind { return KindParseError }
