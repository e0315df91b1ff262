// Package correlator pairs the independently arriving price and server
// timestamp ticks of each instrument line into MarketObservations.
//
// Every line owns two bounded FIFO queues. On each arrival the heads are
// compared by local arrival time: heads within MatchWindow are emitted as one
// observation and both dequeued; otherwise the older head is evicted as
// stale so a lagging stream cannot block the other forever.
package correlator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/event"
	"github.com/caesar-terminal/pairspread/internal/metrics"
)

var (
	ErrUnknownLine   = errors.New("unknown instrument line")
	ErrInvalidTick   = errors.New("invalid tick")
	ErrInvalidConfig = errors.New("invalid correlator config")
)

// TickSource is the capability a feed adapter drives. The correlator
// implements it directly; BusSource implements it by publishing the raw
// ticks so the correlator consumes them on the dispatch goroutine.
type TickSource interface {
	OnPriceTick(tick event.PriceTick) error
	OnTimestampTick(tick event.TimestampTick) error
}

var _ TickSource = (*Correlator)(nil)

// LineStats is a snapshot of one line's queues and counters.
type LineStats struct {
	Symbol        string
	PendingPrices int
	PendingTimes  int
	Matched       uint64
	StalePrices   uint64
	StaleTimes    uint64
	DroppedPrices uint64
	DroppedTimes  uint64
}

type stamp struct {
	ms   int64
	kind event.TickKind
}

// line holds the queue pair for one instrument line. mu makes direct
// TickSource calls from adapter goroutines safe; on the bus path it is
// uncontended. emitMu is taken before mu is released so a line's output is
// published in the order it was matched. Lock order: mu, then emitMu.
type line struct {
	id     event.LineID
	symbol string

	mu     sync.Mutex
	prices *ring[float64]
	times  *ring[stamp]
	stats  LineStats

	emitMu sync.Mutex
}

// Correlator reconciles raw ticks for a fixed set of lines.
type Correlator struct {
	window time.Duration
	pub    bus.Publisher
	log    zerolog.Logger
	lines  map[event.LineID]*line
}

// New validates cfg and allocates the per-line queues.
func New(cfg Config, pub bus.Publisher, log zerolog.Logger) (*Correlator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: nil publisher", ErrInvalidConfig)
	}

	c := &Correlator{
		window: cfg.MatchWindow,
		pub:    pub,
		log:    log.With().Str("component", "correlator").Logger(),
		lines:  make(map[event.LineID]*line, len(cfg.Lines)),
	}
	for id, symbol := range cfg.Lines {
		c.lines[id] = &line{
			id:     id,
			symbol: symbol,
			prices: newRing[float64](cfg.Capacity),
			times:  newRing[stamp](cfg.Capacity),
			stats:  LineStats{Symbol: symbol},
		}
	}
	return c, nil
}

// Register subscribes the correlator to raw ticks on the bus. Ticks that are
// dropped with a diagnostic are not reported as handler failures.
func (c *Correlator) Register(s bus.Subscriber) {
	s.Subscribe(event.KindPriceTick, func(ev event.Event) error {
		tick, ok := ev.(event.PriceTick)
		if !ok {
			return fmt.Errorf("correlator: unexpected %T on %s", ev, event.KindPriceTick)
		}
		return c.unhandled(c.OnPriceTick(tick))
	})
	s.Subscribe(event.KindTimestampTick, func(ev event.Event) error {
		tick, ok := ev.(event.TimestampTick)
		if !ok {
			return fmt.Errorf("correlator: unexpected %T on %s", ev, event.KindTimestampTick)
		}
		return c.unhandled(c.OnTimestampTick(tick))
	})
}

// OnPriceTick queues a price and emits any observations it completes.
func (c *Correlator) OnPriceTick(tick event.PriceTick) error {
	if !tick.TickKind.IsPrice() {
		return fmt.Errorf("%w: %s is not a price tick kind", ErrInvalidTick, tick.TickKind)
	}
	if math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) || tick.Price <= 0 {
		return fmt.Errorf("%w: price %v on line %d", ErrInvalidTick, tick.Price, tick.Line)
	}
	ln, err := c.lookup(tick.Line, tick.TickKind)
	if err != nil {
		return err
	}

	ln.mu.Lock()
	var drop *event.DroppedTick
	if ln.prices.push(entry[float64]{value: tick.Price, arrival: tick.Arrival}) {
		ln.stats.DroppedPrices++
		drop = &event.DroppedTick{Line: ln.id, Symbol: ln.symbol, Stream: event.StreamPrice, Dropped: ln.stats.DroppedPrices}
	}
	out := c.match(ln)
	return c.release(ln, drop, out)
}

// OnTimestampTick queues a server timestamp and emits any observations it
// completes.
func (c *Correlator) OnTimestampTick(tick event.TimestampTick) error {
	if !tick.TickKind.IsTimestamp() {
		return fmt.Errorf("%w: %s is not a timestamp tick kind", ErrInvalidTick, tick.TickKind)
	}
	if tick.ServerTimestamp <= 0 {
		return fmt.Errorf("%w: server timestamp %d on line %d", ErrInvalidTick, tick.ServerTimestamp, tick.Line)
	}
	ln, err := c.lookup(tick.Line, tick.TickKind)
	if err != nil {
		return err
	}

	ln.mu.Lock()
	var drop *event.DroppedTick
	if ln.times.push(entry[stamp]{value: stamp{ms: tick.ServerTimestamp, kind: tick.TickKind}, arrival: tick.Arrival}) {
		ln.stats.DroppedTimes++
		drop = &event.DroppedTick{Line: ln.id, Symbol: ln.symbol, Stream: event.StreamTimestamp, Dropped: ln.stats.DroppedTimes}
	}
	out := c.match(ln)
	return c.release(ln, drop, out)
}

// Stats returns a snapshot for one line.
func (c *Correlator) Stats(id event.LineID) (LineStats, bool) {
	ln, ok := c.lines[id]
	if !ok {
		return LineStats{}, false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	st := ln.stats
	st.PendingPrices = ln.prices.Len()
	st.PendingTimes = ln.times.Len()
	return st, true
}

// Symbol returns the symbol configured for a line.
func (c *Correlator) Symbol(id event.LineID) (string, bool) {
	ln, ok := c.lines[id]
	if !ok {
		return "", false
	}
	return ln.symbol, true
}

func (c *Correlator) lookup(id event.LineID, kind event.TickKind) (*line, error) {
	ln, ok := c.lines[id]
	if ok {
		return ln, nil
	}
	metrics.UnknownLines.Inc()
	c.log.Warn().Int64("line", int64(id)).Str("tick", kind.String()).Msg("tick for unconfigured line dropped")
	if err := c.pub.Publish(event.UnknownLine{Line: id, TickKind: kind}); err != nil {
		c.log.Warn().Err(err).Msg("unknown line diagnostic not published")
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownLine, id)
}

// match drains every pairing the current heads allow. ln.mu must be held.
func (c *Correlator) match(ln *line) []event.MarketObservation {
	var out []event.MarketObservation
	for {
		p, ok := ln.prices.peek()
		if !ok {
			return out
		}
		ts, ok := ln.times.peek()
		if !ok {
			return out
		}

		diff := p.arrival.Sub(ts.arrival)
		if diff < 0 {
			diff = -diff
		}

		if diff <= c.window {
			out = append(out, event.MarketObservation{
				Symbol:          ln.symbol,
				Price:           p.value,
				ServerTimestamp: ts.value.ms,
				TickKind:        ts.value.kind,
			})
			ln.prices.pop()
			ln.times.pop()
			ln.stats.Matched++
			continue
		}

		if p.arrival.Before(ts.arrival) {
			ln.prices.pop()
			ln.stats.StalePrices++
			metrics.TicksStale.WithLabelValues(ln.symbol, event.StreamPrice.String()).Inc()
		} else {
			ln.times.pop()
			ln.stats.StaleTimes++
			metrics.TicksStale.WithLabelValues(ln.symbol, event.StreamTimestamp.String()).Inc()
		}
		c.log.Debug().Str("symbol", ln.symbol).Dur("gap", diff).Msg("stale head evicted")
	}
}

// release hands ln from the state lock to the publish lock and emits. The
// caller must hold ln.mu.
func (c *Correlator) release(ln *line, drop *event.DroppedTick, out []event.MarketObservation) error {
	ln.emitMu.Lock()
	defer ln.emitMu.Unlock()
	ln.mu.Unlock()
	return c.emit(drop, out)
}

// emit publishes outside the line lock so a handler reached through the bus
// can never wait on a lock this goroutine holds.
func (c *Correlator) emit(drop *event.DroppedTick, out []event.MarketObservation) error {
	var errs []error
	if drop != nil {
		metrics.TicksDropped.WithLabelValues(drop.Symbol, drop.Stream.String()).Inc()
		c.log.Warn().Str("symbol", drop.Symbol).Str("stream", drop.Stream.String()).Uint64("dropped", drop.Dropped).Msg("queue full, oldest tick evicted")
		if err := c.pub.Publish(*drop); err != nil {
			errs = append(errs, err)
		}
	}
	for _, obs := range out {
		metrics.Observations.WithLabelValues(obs.Symbol).Inc()
		if err := c.pub.Publish(obs); err != nil {
			errs = append(errs, fmt.Errorf("publish %s observation: %w", obs.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Correlator) unhandled(err error) error {
	switch {
	case errors.Is(err, ErrUnknownLine):
		return nil
	case errors.Is(err, ErrInvalidTick):
		c.log.Warn().Err(err).Msg("tick rejected")
		return nil
	}
	return err
}
