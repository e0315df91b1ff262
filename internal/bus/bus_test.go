package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/pairspread/internal/event"
)

func newTestBus(t *testing.T, mutate func(*Config)) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StopTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func obs(n int) event.MarketObservation {
	return event.MarketObservation{Symbol: "GCJ5", Price: float64(n)}
}

// recorder collects delivered events in order.
type recorder struct {
	mu   sync.Mutex
	seen []event.Event
}

func (r *recorder) handle(ev event.Event) error {
	r.mu.Lock()
	r.seen = append(r.seen, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.seen))
	copy(out, r.seen)
	return out
}

func TestBus_PreservesPublishOrderAcrossKinds(t *testing.T) {
	b := newTestBus(t, nil)

	var rec recorder
	b.Subscribe(event.KindMarketObservation, rec.handle)
	b.Subscribe(event.KindStaleSpread, rec.handle)
	require.NoError(t, b.Start())

	want := []event.Event{
		obs(1),
		event.StaleSpread{Pair: [2]string{"A", "B"}},
		obs(2),
		obs(3),
	}
	for _, ev := range want {
		require.NoError(t, b.Publish(ev))
	}
	require.NoError(t, b.Stop())

	assert.Equal(t, want, rec.events())
}

func TestBus_HandlersRunInRegistrationOrder(t *testing.T) {
	b := newTestBus(t, nil)

	var mu sync.Mutex
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe(event.KindMarketObservation, func(event.Event) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, b.Start())
	require.NoError(t, b.Publish(obs(1)))
	require.NoError(t, b.Stop())

	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestBus_HandlerFailureIsIsolated(t *testing.T) {
	b := newTestBus(t, nil)

	boom := errors.New("boom")
	var rec recorder
	b.Subscribe(event.KindMarketObservation, func(event.Event) error { return boom })
	b.Subscribe(event.KindMarketObservation, func(event.Event) error { panic("kaboom") })
	b.Subscribe(event.KindMarketObservation, rec.handle)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(obs(1)))
	require.NoError(t, b.Publish(obs(2)))
	require.NoError(t, b.Stop())

	assert.Len(t, rec.events(), 2, "later handlers and later events must still run")
	assert.Equal(t, uint64(4), b.Stats().HandlerErrors)

	// Errors is closed after Stop, so ranging over it terminates.
	var reported []*HandlerError
	for herr := range b.Errors() {
		reported = append(reported, herr)
	}
	require.Len(t, reported, 4)
	assert.ErrorIs(t, reported[0], boom)
	assert.ErrorIs(t, reported[1], ErrHandlerPanic)
	assert.Equal(t, event.KindMarketObservation, reported[0].Kind)
	assert.Equal(t, obs(1), reported[0].Event)
}

func TestBus_DropPolicyRejectsWhenFull(t *testing.T) {
	b := newTestBus(t, func(c *Config) {
		c.Capacity = 1
		c.Policy = PolicyDrop
	})

	require.NoError(t, b.Publish(obs(1)))
	err := b.Publish(obs(2))
	assert.ErrorIs(t, err, ErrBusSaturated)
	assert.Equal(t, uint64(1), b.Stats().Saturated)
}

func TestBus_BlockPolicyTimesOut(t *testing.T) {
	b := newTestBus(t, func(c *Config) {
		c.Capacity = 1
		c.Policy = PolicyBlock
		c.PublishTimeout = 20 * time.Millisecond
	})

	require.NoError(t, b.Publish(obs(1)))

	start := time.Now()
	err := b.Publish(obs(2))
	assert.ErrorIs(t, err, ErrBusSaturated)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBus_BlockPolicyProceedsOnceDrained(t *testing.T) {
	b := newTestBus(t, func(c *Config) {
		c.Capacity = 1
		c.PublishTimeout = time.Second
	})

	var rec recorder
	b.Subscribe(event.KindMarketObservation, rec.handle)
	require.NoError(t, b.Publish(obs(1)))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Start()
	}()

	require.NoError(t, b.Publish(obs(2)))
	require.NoError(t, b.Stop())
	assert.Equal(t, []event.Event{obs(1), obs(2)}, rec.events())
}

func TestBus_StopDrainsQueuedAndCascadedEvents(t *testing.T) {
	b := newTestBus(t, nil)

	var rec recorder
	b.Subscribe(event.KindPriceTick, func(ev event.Event) error {
		tick := ev.(event.PriceTick)
		return b.Publish(event.MarketObservation{Symbol: "GCJ5", Price: tick.Price})
	})
	b.Subscribe(event.KindMarketObservation, rec.handle)

	for i := 1; i <= 50; i++ {
		require.NoError(t, b.Publish(event.PriceTick{Line: 1, Price: float64(i)}))
	}
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())

	got := rec.events()
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, float64(i+1), ev.(event.MarketObservation).Price)
	}

	assert.ErrorIs(t, b.Publish(obs(99)), ErrBusClosed)
	select {
	case <-b.Done():
	default:
		t.Fatal("dispatch loop should have exited")
	}
}

func TestBus_StopTimeoutIsForcedHalt(t *testing.T) {
	b := newTestBus(t, func(c *Config) { c.StopTimeout = 30 * time.Millisecond })

	release := make(chan struct{})
	b.Subscribe(event.KindMarketObservation, func(event.Event) error {
		<-release
		return nil
	})
	require.NoError(t, b.Start())
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(obs(i)))
	}

	go func() {
		time.Sleep(45 * time.Millisecond)
		close(release)
	}()

	err := b.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Positive(t, b.Stats().Abandoned)
}

func TestBus_Lifecycle(t *testing.T) {
	b := newTestBus(t, nil)
	assert.ErrorIs(t, b.Publish(nil), ErrNilEvent)

	require.NoError(t, b.Start())
	assert.ErrorIs(t, b.Start(), ErrAlreadyStarted)
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop(), "second stop after a graceful drain is a no-op")

	unstarted := newTestBus(t, nil)
	assert.ErrorIs(t, unstarted.Stop(), ErrNotStarted)
	assert.ErrorIs(t, unstarted.Publish(obs(1)), ErrBusClosed)
}

func TestBus_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	b := newTestBus(t, nil)

	var mu sync.Mutex
	last := map[string]float64{}
	violations := 0
	b.Subscribe(event.KindMarketObservation, func(ev event.Event) error {
		o := ev.(event.MarketObservation)
		mu.Lock()
		if o.Price <= last[o.Symbol] {
			violations++
		}
		last[o.Symbol] = o.Price
		mu.Unlock()
		return nil
	})
	require.NoError(t, b.Start())

	var wg sync.WaitGroup
	for _, sym := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				_ = b.Publish(event.MarketObservation{Symbol: sym, Price: float64(i)})
			}
		}(sym)
	}
	wg.Wait()
	require.NoError(t, b.Stop())

	assert.Zero(t, violations)
	assert.Equal(t, uint64(800), b.Stats().Delivered)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Capacity = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Policy = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	p, err := ParsePolicy("DROP")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, p)
	_, err = ParsePolicy("spill")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
