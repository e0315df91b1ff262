package adapter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/event"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum age of the last MarketObservation
	// before a symbol is considered stale. Default: 10s.
	StaleThreshold time.Duration

	// CoolOff is how long a symbol must keep producing observations after
	// recovering before it is reported healthy again. Default: 2s.
	CoolOff time.Duration
}

// DefaultCircuitBreakerConfig returns defaults suited to a delayed tick feed.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 10 * time.Second,
		CoolOff:        2 * time.Second,
	}
}

// symbolState tracks freshness for a single symbol.
type symbolState struct {
	LastUpdate time.Time
	// RecoveredAt is set on the unhealthy→healthy transition.
	RecoveredAt time.Time
	Healthy     bool
}

// CircuitBreaker reports whether the pipeline is serving live data. A
// symbol is healthy when its last observation is recent, its cool-off has
// elapsed, the feed connection is up and no manual halt is active.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log zerolog.Logger

	connMu sync.RWMutex
	conn   *WSClient

	mu      sync.RWMutex
	symbols map[string]*symbolState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a breaker that tracks the given symbols. Tracked
// symbols without any observation yet are unhealthy.
func NewCircuitBreaker(cfg CircuitBreakerConfig, log zerolog.Logger, symbols ...string) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:     cfg,
		log:     log.With().Str("component", "breaker").Logger(),
		symbols: make(map[string]*symbolState, len(symbols)),
		nowFunc: time.Now,
	}
	for _, s := range symbols {
		cb.symbols[s] = &symbolState{}
	}
	return cb
}

// WatchConnection registers the feed WSClient so its circuit is consulted.
func (cb *CircuitBreaker) WatchConnection(ws *WSClient) {
	cb.connMu.Lock()
	cb.conn = ws
	cb.connMu.Unlock()
}

// Register subscribes the breaker to market observations.
func (cb *CircuitBreaker) Register(s bus.Subscriber) {
	s.Subscribe(event.KindMarketObservation, func(ev event.Event) error {
		cb.Observe(ev.(event.MarketObservation))
		return nil
	})
}

// Observe records a fresh observation for its symbol.
func (cb *CircuitBreaker) Observe(obs event.MarketObservation) {
	now := cb.nowFunc()

	cb.mu.Lock()
	st, ok := cb.symbols[obs.Symbol]
	if !ok {
		st = &symbolState{}
		cb.symbols[obs.Symbol] = st
	}
	// A symbol that went quiet past the threshold has to sit out the
	// cool-off again.
	if st.Healthy && now.Sub(st.LastUpdate) > cb.cfg.StaleThreshold {
		st.Healthy = false
	}
	if !st.Healthy {
		st.Healthy = true
		st.RecoveredAt = now
		cb.log.Info().Str("symbol", obs.Symbol).Msg("symbol recovering")
	}
	st.LastUpdate = now
	cb.mu.Unlock()
}

// Halt forces every symbol unhealthy until Resume is called.
func (cb *CircuitBreaker) Halt() {
	cb.haltMu.Lock()
	cb.halted = true
	cb.haltMu.Unlock()
	cb.log.Warn().Msg("manual halt")
}

// Resume clears a manual halt. Symbols still need to pass the staleness and
// cool-off checks.
func (cb *CircuitBreaker) Resume() {
	cb.haltMu.Lock()
	cb.halted = false
	cb.haltMu.Unlock()
	cb.log.Info().Msg("manual halt cleared")
}

// MarkStale forces a symbol unhealthy; it recovers on its next observation.
func (cb *CircuitBreaker) MarkStale(symbol string) {
	cb.mu.Lock()
	if st, ok := cb.symbols[symbol]; ok {
		st.Healthy = false
	}
	cb.mu.Unlock()
}

// Healthy reports whether symbol is currently serving live data.
func (cb *CircuitBreaker) Healthy(symbol string) bool {
	if !cb.gateOpen() {
		return false
	}
	return cb.symbolHealthy(symbol, cb.nowFunc())
}

// Serving reports whether every tracked symbol is healthy. A breaker with
// no tracked symbols only reflects the halt flag and connection.
func (cb *CircuitBreaker) Serving() bool {
	if !cb.gateOpen() {
		return false
	}
	now := cb.nowFunc()

	cb.mu.RLock()
	names := make([]string, 0, len(cb.symbols))
	for s := range cb.symbols {
		names = append(names, s)
	}
	cb.mu.RUnlock()

	for _, s := range names {
		if !cb.symbolHealthy(s, now) {
			return false
		}
	}
	return true
}

func (cb *CircuitBreaker) gateOpen() bool {
	cb.haltMu.RLock()
	halted := cb.halted
	cb.haltMu.RUnlock()
	if halted {
		return false
	}

	cb.connMu.RLock()
	ws := cb.conn
	cb.connMu.RUnlock()
	return ws == nil || ws.Circuit() == CircuitClosed
}

func (cb *CircuitBreaker) symbolHealthy(symbol string, now time.Time) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	st, ok := cb.symbols[symbol]
	if !ok || !st.Healthy {
		return false
	}
	if now.Sub(st.LastUpdate) > cb.cfg.StaleThreshold {
		return false
	}
	return now.Sub(st.RecoveredAt) >= cb.cfg.CoolOff
}
