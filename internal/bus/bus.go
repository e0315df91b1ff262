// Package bus is the ordered in-process event bus every pipeline component
// talks through.
//
// Many producers publish into one bounded channel; a single dispatch
// goroutine drains it and runs the handlers for each event synchronously, in
// registration order. Because there is exactly one consumer, every
// subscriber observes events in global publish order regardless of kind.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/pairspread/internal/event"
	"github.com/caesar-terminal/pairspread/internal/metrics"
)

var (
	ErrBusSaturated   = errors.New("bus saturated")
	ErrBusClosed      = errors.New("bus closed")
	ErrNilEvent       = errors.New("nil event")
	ErrAlreadyStarted = errors.New("bus already started")
	ErrNotStarted     = errors.New("bus not started")
	ErrStopTimeout    = errors.New("bus stop timed out")
	ErrHandlerPanic   = errors.New("handler panicked")
)

// Handler processes one event. A returned error is isolated and reported;
// it never stops dispatch.
type Handler func(event.Event) error

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev event.Event) error
}

// Subscriber is the registration side of the bus.
type Subscriber interface {
	Subscribe(kind event.Kind, h Handler)
}

// HandlerError describes a subscriber failure captured by the bus.
type HandlerError struct {
	Kind  event.Kind
	Event event.Event
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("bus: %s handler: %v", e.Kind, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// Stats is a point-in-time copy of the bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Saturated     uint64
	HandlerErrors uint64
	Abandoned     uint64
}

// Bus is a bounded, single-consumer publish/subscribe queue.
type Bus struct {
	cfg   Config
	log   zerolog.Logger
	queue chan event.Event

	subMu sync.RWMutex
	subs  map[event.Kind][]Handler

	// mu is held shared by every in-flight Publish; taking it exclusively
	// guarantees no send is racing with a close.
	mu     sync.RWMutex
	closed bool

	started   atomic.Bool
	stopping  chan struct{}
	abort     chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	abortOnce sync.Once

	errs chan *HandlerError

	published     atomic.Uint64
	delivered     atomic.Uint64
	saturated     atomic.Uint64
	handlerErrors atomic.Uint64
	abandoned     atomic.Uint64
}

// New creates a stopped bus. Events published before Start are queued and
// dispatched once the loop runs.
func New(cfg Config, log zerolog.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bus{
		cfg:      cfg,
		log:      log.With().Str("component", "bus").Logger(),
		queue:    make(chan event.Event, cfg.Capacity),
		subs:     make(map[event.Kind][]Handler),
		stopping: make(chan struct{}),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
		errs:     make(chan *HandlerError, cfg.ErrorBuffer),
	}, nil
}

// Subscribe registers h for kind. Handlers for the same kind run in the
// order they were registered.
func (b *Bus) Subscribe(kind event.Kind, h Handler) {
	if h == nil {
		return
	}
	b.subMu.Lock()
	b.subs[kind] = append(b.subs[kind], h)
	b.subMu.Unlock()
}

// Errors returns the channel on which handler failures are reported. The
// bus never blocks on it: failures are dropped when the reader lags. The
// channel is closed once the dispatch loop exits.
func (b *Bus) Errors() <-chan *HandlerError {
	return b.errs
}

// Publish enqueues ev and returns without running any handler. When the
// queue is full the configured policy applies: PolicyDrop fails at once,
// PolicyBlock waits up to PublishTimeout. Both surface ErrBusSaturated.
func (b *Bus) Publish(ev event.Event) error {
	if ev == nil {
		return ErrNilEvent
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- ev:
		b.accepted(ev)
		return nil
	default:
	}

	if b.cfg.Policy == PolicyDrop || b.cfg.PublishTimeout <= 0 {
		b.rejected(ev)
		return fmt.Errorf("%w: %s dropped", ErrBusSaturated, ev.Kind())
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case b.queue <- ev:
		b.accepted(ev)
		return nil
	case <-timer.C:
		b.rejected(ev)
		return fmt.Errorf("%w: %s not enqueued within %s", ErrBusSaturated, ev.Kind(), b.cfg.PublishTimeout)
	}
}

// Start launches the dispatch loop.
func (b *Bus) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go b.run()
	b.log.Info().Int("capacity", b.cfg.Capacity).Str("policy", b.cfg.Policy.String()).Msg("dispatch loop started")
	return nil
}

// Stop closes the bus and waits for the loop to drain what is already
// queued, including events handlers publish while draining. If draining
// does not finish within StopTimeout the loop is aborted, remaining events
// are discarded and the returned error wraps ErrStopTimeout. A nil return
// means a graceful drain.
func (b *Bus) Stop() error {
	if !b.started.Load() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		return ErrNotStarted
	}

	b.stopOnce.Do(func() { close(b.stopping) })

	timer := time.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-b.done:
		if b.abandoned.Load() == 0 {
			b.log.Info().Uint64("delivered", b.delivered.Load()).Msg("dispatch loop drained")
			return nil
		}
	case <-timer.C:
		b.abortOnce.Do(func() { close(b.abort) })
		select {
		case <-b.done:
		case <-time.After(b.cfg.StopTimeout):
			b.log.Error().Msg("dispatch loop did not exit after abort")
		}
	}

	n := b.abandoned.Load()
	b.log.Warn().Uint64("abandoned", n).Dur("timeout", b.cfg.StopTimeout).Msg("dispatch loop halted before drain completed")
	return fmt.Errorf("%w: abandoned %d queued events", ErrStopTimeout, n)
}

// Done is closed once the dispatch loop has exited.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Saturated:     b.saturated.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Abandoned:     b.abandoned.Load(),
	}
}

func (b *Bus) run() {
	defer func() {
		// report only runs on this goroutine, so nothing sends after close.
		close(b.errs)
		close(b.done)
	}()
	for {
		select {
		case <-b.abort:
			b.halt()
			return
		default:
		}

		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stopping:
			b.drain()
			return
		case <-b.abort:
			b.halt()
			return
		}
	}
}

// drain dispatches until the queue is observed empty with no publisher in
// flight, then closes the bus.
func (b *Bus) drain() {
	for {
		select {
		case <-b.abort:
			b.halt()
			return
		default:
		}

		select {
		case ev := <-b.queue:
			b.dispatch(ev)
			continue
		default:
		}

		b.mu.Lock()
		if len(b.queue) == 0 {
			b.closed = true
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
}

func (b *Bus) halt() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	for {
		select {
		case ev := <-b.queue:
			b.abandoned.Add(1)
			metrics.BusEvents.WithLabelValues(ev.Kind().String(), "abandoned").Inc()
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ev event.Event) {
	kind := ev.Kind()

	b.subMu.RLock()
	handlers := b.subs[kind]
	b.subMu.RUnlock()

	for _, h := range handlers {
		b.invoke(kind, ev, h)
	}

	b.delivered.Add(1)
	metrics.BusEvents.WithLabelValues(kind.String(), "delivered").Inc()
}

func (b *Bus) invoke(kind event.Kind, ev event.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.report(&HandlerError{Kind: kind, Event: ev, Cause: fmt.Errorf("%w: %v", ErrHandlerPanic, r)})
		}
	}()
	if err := h(ev); err != nil {
		b.report(&HandlerError{Kind: kind, Event: ev, Cause: err})
	}
}

func (b *Bus) report(herr *HandlerError) {
	b.handlerErrors.Add(1)
	metrics.HandlerErrors.WithLabelValues(herr.Kind.String()).Inc()
	b.log.Error().Err(herr.Cause).Str("kind", herr.Kind.String()).Msg("handler failed")

	select {
	case b.errs <- herr:
	default:
	}
}

func (b *Bus) accepted(ev event.Event) {
	b.published.Add(1)
	metrics.BusEvents.WithLabelValues(ev.Kind().String(), "published").Inc()
}

func (b *Bus) rejected(ev event.Event) {
	b.saturated.Add(1)
	metrics.BusEvents.WithLabelValues(ev.Kind().String(), "saturated").Inc()
	b.log.Warn().Str("kind", ev.Kind().String()).Str("policy", b.cfg.Policy.String()).Msg("event rejected, queue full")
}
