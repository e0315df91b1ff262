package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/codec"
	"github.com/caesar-terminal/pairspread/internal/event"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by GoRedis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Publish(ctx context.Context, channel string, message any) error
}

// spreadSnapshot holds the last-written values for a pair so duplicate
// writes can be skipped.
type spreadSnapshot struct {
	Spread string
	A      string
	B      string
}

// RedisWriter persists the latest spread of every pair and fans each new
// spread out on a pub/sub channel:
//
//	Key:     spread:{leg_a}:{leg_b}
//	Fields:  spread, a, b, ts
//	Channel: codec.EncodeSpread payload
//
// The bus handler only enqueues; a dedicated goroutine talks to Redis so a
// slow server never stalls dispatch. Duplicate values are suppressed.
type RedisWriter struct {
	client  RedisClient
	channel string
	log     zerolog.Logger
	buf     chan event.SpreadObservation

	dropped atomic.Uint64

	mu   sync.Mutex
	last map[string]spreadSnapshot // keyed by Redis key
}

// NewRedisWriter creates a writer. An empty channel disables publishing.
func NewRedisWriter(client RedisClient, channel string, log zerolog.Logger) *RedisWriter {
	return &RedisWriter{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "redis").Logger(),
		buf:     make(chan event.SpreadObservation, 1024),
		last:    make(map[string]spreadSnapshot),
	}
}

// Register subscribes the writer to spread observations.
func (rw *RedisWriter) Register(s bus.Subscriber) {
	s.Subscribe(event.KindSpreadObservation, func(ev event.Event) error {
		rw.Enqueue(ev.(event.SpreadObservation))
		return nil
	})
}

// Enqueue buffers an observation without blocking. When the buffer is full
// the observation is dropped and counted.
func (rw *RedisWriter) Enqueue(obs event.SpreadObservation) {
	select {
	case rw.buf <- obs:
	default:
		rw.dropped.Add(1)
	}
}

// Dropped returns how many observations were discarded on a full buffer.
func (rw *RedisWriter) Dropped() uint64 {
	return rw.dropped.Load()
}

// Run flushes buffered observations to Redis until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-rw.buf:
			if err := rw.write(ctx, obs); err != nil {
				rw.log.Warn().Err(err).Msg("spread not persisted")
			}
		}
	}
}

// write issues the HSET and PUBLISH for one observation.
func (rw *RedisWriter) write(ctx context.Context, obs event.SpreadObservation) error {
	key := fmt.Sprintf("spread:%s:%s", obs.Pair[0], obs.Pair[1])
	snap := spreadSnapshot{
		Spread: formatFloat(obs.Spread),
		A:      formatFloat(obs.LegPrices[0]),
		B:      formatFloat(obs.LegPrices[1]),
	}

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev == snap {
		rw.mu.Unlock()
		return nil
	}
	rw.last[key] = snap
	rw.mu.Unlock()

	ts := strconv.FormatInt(obs.ComputedAt.UnixMilli(), 10)
	if err := rw.client.HSet(ctx, key, "spread", snap.Spread, "a", snap.A, "b", snap.B, "ts", ts); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}

	if rw.channel == "" {
		return nil
	}
	payload, err := codec.EncodeSpread(obs)
	if err != nil {
		return err
	}
	if err := rw.client.Publish(ctx, rw.channel, payload); err != nil {
		return fmt.Errorf("publish %s: %w", rw.channel, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
