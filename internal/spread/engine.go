// Package spread computes the time-validated price difference between the
// two legs of a configured instrument pair.
package spread

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/event"
	"github.com/caesar-terminal/pairspread/internal/metrics"
)

var ErrInvalidConfig = errors.New("invalid spread config")

// DefaultMaxTimeDiff is the largest server-time gap between the legs at which
// their prices are still compared.
const DefaultMaxTimeDiff = 2 * time.Second

// Config names the pair in its fixed order: spread = LegA - LegB.
type Config struct {
	LegA        string
	LegB        string
	MaxTimeDiff time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.LegA) == "" || strings.TrimSpace(c.LegB) == "" {
		return fmt.Errorf("%w: both legs must be named", ErrInvalidConfig)
	}
	if c.LegA == c.LegB {
		return fmt.Errorf("%w: legs must differ, got %s twice", ErrInvalidConfig, c.LegA)
	}
	if c.MaxTimeDiff <= 0 {
		return fmt.Errorf("%w: max time diff must be positive, got %s", ErrInvalidConfig, c.MaxTimeDiff)
	}
	return nil
}

// Leg is the latest observation held for one side of the pair.
type Leg struct {
	Price           float64
	ServerTimestamp int64 // ms since epoch
	Set             bool
}

// PairState is a copy of the engine's latest legs.
type PairState struct {
	Pair [2]string
	A    Leg
	B    Leg
}

// Engine tracks the latest observation for each leg and publishes a
// SpreadObservation whenever a fresh one leaves both legs aligned in time.
type Engine struct {
	cfg  Config
	pair [2]string
	pub  bus.Publisher
	log  zerolog.Logger

	mu sync.Mutex
	a  Leg
	b  Leg

	nowFunc func() time.Time // injectable clock for testing
}

// New validates cfg. A zero MaxTimeDiff takes DefaultMaxTimeDiff.
func New(cfg Config, pub bus.Publisher, log zerolog.Logger) (*Engine, error) {
	if cfg.MaxTimeDiff == 0 {
		cfg.MaxTimeDiff = DefaultMaxTimeDiff
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: nil publisher", ErrInvalidConfig)
	}
	return &Engine{
		cfg:     cfg,
		pair:    [2]string{cfg.LegA, cfg.LegB},
		pub:     pub,
		log:     log.With().Str("component", "spread").Str("pair", cfg.LegA+"/"+cfg.LegB).Logger(),
		nowFunc: time.Now,
	}, nil
}

// Register subscribes the engine to market observations on the bus.
func (e *Engine) Register(s bus.Subscriber) {
	s.Subscribe(event.KindMarketObservation, func(ev event.Event) error {
		obs, ok := ev.(event.MarketObservation)
		if !ok {
			return fmt.Errorf("spread: unexpected %T on %s", ev, event.KindMarketObservation)
		}
		return e.OnObservation(obs)
	})
}

// OnObservation updates the matching leg and, when both legs are present,
// either publishes the spread or a StaleSpread diagnostic. Observations for
// other symbols are ignored.
func (e *Engine) OnObservation(obs event.MarketObservation) error {
	var out event.Event

	e.mu.Lock()
	switch obs.Symbol {
	case e.cfg.LegA:
		e.a = Leg{Price: obs.Price, ServerTimestamp: obs.ServerTimestamp, Set: true}
	case e.cfg.LegB:
		e.b = Leg{Price: obs.Price, ServerTimestamp: obs.ServerTimestamp, Set: true}
	default:
		e.mu.Unlock()
		return nil
	}
	if e.a.Set && e.b.Set {
		out = e.evaluate(e.a, e.b)
	}
	e.mu.Unlock()

	if out == nil {
		return nil
	}
	if err := e.pub.Publish(out); err != nil {
		return fmt.Errorf("spread: publish %s: %w", out.Kind(), err)
	}
	return nil
}

// Snapshot returns the latest legs. ok is false until both legs are set.
func (e *Engine) Snapshot() (PairState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PairState{Pair: e.pair, A: e.a, B: e.b}, e.a.Set && e.b.Set
}

func (e *Engine) evaluate(a, b Leg) event.Event {
	diff := a.ServerTimestamp - b.ServerTimestamp
	if diff < 0 {
		diff = -diff
	}
	timeDiff := time.Duration(diff) * time.Millisecond

	if timeDiff > e.cfg.MaxTimeDiff {
		metrics.Spreads.WithLabelValues("stale").Inc()
		e.log.Debug().Dur("time_diff", timeDiff).Dur("max", e.cfg.MaxTimeDiff).Msg("legs too far apart, spread skipped")
		return event.StaleSpread{Pair: e.pair, TimeDiff: timeDiff, MaxTimeDiff: e.cfg.MaxTimeDiff}
	}

	spread := a.Price - b.Price
	metrics.Spreads.WithLabelValues("emitted").Inc()
	metrics.Spread.WithLabelValues(e.pair[0] + "/" + e.pair[1]).Set(spread)

	return event.SpreadObservation{
		ID:         uuid.New(),
		Pair:       e.pair,
		Spread:     spread,
		LegPrices:  [2]float64{a.Price, b.Price},
		TimeDiff:   timeDiff,
		ComputedAt: e.nowFunc(),
	}
}
