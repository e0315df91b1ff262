package correlator

import (
	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/event"
)

// BusSource hands raw ticks to the bus so that all line state is mutated on
// the single dispatch goroutine.
type BusSource struct {
	pub bus.Publisher
}

var _ TickSource = (*BusSource)(nil)

func NewBusSource(pub bus.Publisher) *BusSource {
	return &BusSource{pub: pub}
}

func (s *BusSource) OnPriceTick(tick event.PriceTick) error {
	return s.pub.Publish(tick)
}

func (s *BusSource) OnTimestampTick(tick event.TimestampTick) error {
	return s.pub.Publish(tick)
}
