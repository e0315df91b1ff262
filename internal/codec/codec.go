// Package codec encodes observations as protobuf Struct messages for
// publication to downstream consumers.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/pairspread/internal/event"
)

var ErrDecode = errors.New("decode observation")

// Payload field names.
const (
	fieldType       = "type"
	fieldID         = "id"
	fieldLegA       = "leg_a"
	fieldLegB       = "leg_b"
	fieldSpread     = "spread"
	fieldPriceA     = "price_a"
	fieldPriceB     = "price_b"
	fieldTimeDiffMS = "time_diff_ms"
	fieldComputedAt = "computed_at_ms"
	fieldSymbol     = "symbol"
	fieldPrice      = "price"
	fieldServerTS   = "server_ts_ms"
	fieldTickKind   = "tick_kind"

	typeSpread = "spread"
	typeMarket = "market"
)

// EncodeSpread marshals a SpreadObservation.
func EncodeSpread(obs event.SpreadObservation) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		fieldType:       typeSpread,
		fieldID:         obs.ID.String(),
		fieldLegA:       obs.Pair[0],
		fieldLegB:       obs.Pair[1],
		fieldSpread:     obs.Spread,
		fieldPriceA:     obs.LegPrices[0],
		fieldPriceB:     obs.LegPrices[1],
		fieldTimeDiffMS: float64(obs.TimeDiff.Milliseconds()),
		fieldComputedAt: float64(obs.ComputedAt.UnixMilli()),
	})
	if err != nil {
		return nil, fmt.Errorf("build spread payload: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeSpread is the inverse of EncodeSpread. ComputedAt and TimeDiff come
// back at millisecond resolution.
func DecodeSpread(data []byte) (event.SpreadObservation, error) {
	f, err := fields(data, typeSpread)
	if err != nil {
		return event.SpreadObservation{}, err
	}
	id, err := uuid.Parse(f[fieldID].GetStringValue())
	if err != nil {
		return event.SpreadObservation{}, fmt.Errorf("%w: id: %v", ErrDecode, err)
	}
	return event.SpreadObservation{
		ID:         id,
		Pair:       [2]string{f[fieldLegA].GetStringValue(), f[fieldLegB].GetStringValue()},
		Spread:     f[fieldSpread].GetNumberValue(),
		LegPrices:  [2]float64{f[fieldPriceA].GetNumberValue(), f[fieldPriceB].GetNumberValue()},
		TimeDiff:   time.Duration(int64(f[fieldTimeDiffMS].GetNumberValue())) * time.Millisecond,
		ComputedAt: time.UnixMilli(int64(f[fieldComputedAt].GetNumberValue())),
	}, nil
}

// EncodeMarket marshals a MarketObservation.
func EncodeMarket(obs event.MarketObservation) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		fieldType:     typeMarket,
		fieldSymbol:   obs.Symbol,
		fieldPrice:    obs.Price,
		fieldServerTS: float64(obs.ServerTimestamp),
		fieldTickKind: float64(obs.TickKind),
	})
	if err != nil {
		return nil, fmt.Errorf("build market payload: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeMarket is the inverse of EncodeMarket.
func DecodeMarket(data []byte) (event.MarketObservation, error) {
	f, err := fields(data, typeMarket)
	if err != nil {
		return event.MarketObservation{}, err
	}
	return event.MarketObservation{
		Symbol:          f[fieldSymbol].GetStringValue(),
		Price:           f[fieldPrice].GetNumberValue(),
		ServerTimestamp: int64(f[fieldServerTS].GetNumberValue()),
		TickKind:        event.TickKind(f[fieldTickKind].GetNumberValue()),
	}, nil
}

func fields(data []byte, want string) (map[string]*structpb.Value, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	f := s.GetFields()
	if got := f[fieldType].GetStringValue(); got != want {
		return nil, fmt.Errorf("%w: payload type %q, want %q", ErrDecode, got, want)
	}
	return f, nil
}
