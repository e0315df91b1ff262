// Package feed turns raw tick feed frames into the core's PriceTick and
// TimestampTick events.
//
// The feed reports prices and server timestamps as separate frames:
//
//	{"type":"price","line":1,"tick":68,"price":2000.5}
//	{"type":"timestamp","line":1,"tick":88,"value":"1700000000"}
//
// Server timestamps are converted to milliseconds here, once, according to
// the configured unit. Nothing downstream converts again.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/caesar-terminal/pairspread/internal/event"
)

var ErrParse = errors.New("malformed feed frame")

// TimestampUnit is the unit the feed reports server timestamps in.
type TimestampUnit uint8

const (
	UnitSeconds TimestampUnit = iota + 1
	UnitMilliseconds
)

// ParseUnit maps "s" or "ms" to a TimestampUnit.
func ParseUnit(s string) (TimestampUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "sec", "seconds":
		return UnitSeconds, nil
	case "ms", "millis", "milliseconds":
		return UnitMilliseconds, nil
	default:
		return 0, fmt.Errorf("unknown timestamp unit %q", s)
	}
}

// ToMillis converts v from u to milliseconds since epoch.
func (u TimestampUnit) ToMillis(v int64) int64 {
	if u == UnitSeconds {
		return v * 1000
	}
	return v
}

func (u TimestampUnit) String() string {
	switch u {
	case UnitSeconds:
		return "s"
	case UnitMilliseconds:
		return "ms"
	default:
		return "unknown"
	}
}

const (
	frameTypePrice     = "price"
	frameTypeTimestamp = "timestamp"
	frameTypeAck       = "ack"
	frameTypeHeartbeat = "heartbeat"
)

// frame is the wire form of every feed message.
type frame struct {
	Type  string      `json:"type"`
	Line  int64       `json:"line"`
	Tick  uint16      `json:"tick"`
	Price json.Number `json:"price"`
	Value json.Number `json:"value"`
}

// Parser decodes feed frames.
type Parser struct {
	unit TimestampUnit
}

func NewParser(unit TimestampUnit) Parser {
	return Parser{unit: unit}
}

// Parse decodes one frame stamped with its local arrival time. Control frames
// (acks, heartbeats) return a nil event and nil error.
func (p Parser) Parse(raw []byte, arrival time.Time) (event.Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	kind := event.TickKind(f.Tick)
	switch f.Type {
	case frameTypePrice:
		if !kind.IsPrice() {
			return nil, fmt.Errorf("%w: tick %d is not a recognized price kind", ErrParse, f.Tick)
		}
		px, err := f.Price.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: price %q: %v", ErrParse, f.Price, err)
		}
		if math.IsNaN(px) || math.IsInf(px, 0) || px <= 0 {
			return nil, fmt.Errorf("%w: non-positive price %v", ErrParse, px)
		}
		return event.PriceTick{Line: event.LineID(f.Line), Price: px, TickKind: kind, Arrival: arrival}, nil

	case frameTypeTimestamp:
		if !kind.IsTimestamp() {
			return nil, fmt.Errorf("%w: tick %d is not a recognized timestamp kind", ErrParse, f.Tick)
		}
		v, err := f.Value.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %v", ErrParse, f.Value, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("%w: non-positive timestamp %d", ErrParse, v)
		}
		return event.TimestampTick{
			Line:            event.LineID(f.Line),
			ServerTimestamp: p.unit.ToMillis(v),
			TickKind:        kind,
			Arrival:         arrival,
		}, nil

	case frameTypeAck, frameTypeHeartbeat:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrParse, f.Type)
	}
}
