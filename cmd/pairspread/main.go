package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/pairspread/internal/adapter"
	"github.com/caesar-terminal/pairspread/internal/adapter/feed"
	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/config"
	"github.com/caesar-terminal/pairspread/internal/correlator"
	"github.com/caesar-terminal/pairspread/internal/event"
	"github.com/caesar-terminal/pairspread/internal/health"
	"github.com/caesar-terminal/pairspread/internal/logging"
	"github.com/caesar-terminal/pairspread/internal/metrics"
	"github.com/caesar-terminal/pairspread/internal/secret"
	"github.com/caesar-terminal/pairspread/internal/spread"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := logging.NewLogger(cfg.LogLevel, nil)
	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("pairspread exited with error")
		cancel()
		memguard.Purge()
		os.Exit(1)
	}
}

// run starts the pipeline and blocks until ctx is cancelled, then shuts
// down in order: feed, bus drain, workers, health.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("env", cfg.Env).Msg("pairspread starting")

	metricsSrv := metrics.Serve(cfg.MetricsAddr)
	defer metricsSrv.Close()

	// Core pipeline.
	busCfg, err := cfg.BusOptions()
	if err != nil {
		return err
	}
	b, err := bus.New(busCfg, log)
	if err != nil {
		return err
	}

	corr, err := correlator.New(cfg.CorrelatorOptions(), b, log)
	if err != nil {
		return err
	}
	corr.Register(b)

	engine, err := spread.New(cfg.SpreadOptions(), b, log)
	if err != nil {
		return err
	}
	engine.Register(b)

	display := logging.Component(log, "display")
	b.Subscribe(event.KindSpreadObservation, func(ev event.Event) error {
		obs := ev.(event.SpreadObservation)
		display.Info().
			Str("pair", obs.Pair[0]+"-"+obs.Pair[1]).
			Float64("spread", obs.Spread).
			Float64("a", obs.LegPrices[0]).
			Float64("b", obs.LegPrices[1]).
			Dur("time_diff", obs.TimeDiff).
			Msg("spread")
		return nil
	})
	b.Subscribe(event.KindStaleSpread, func(ev event.Event) error {
		s := ev.(event.StaleSpread)
		display.Debug().Dur("time_diff", s.TimeDiff).Dur("max", s.MaxTimeDiff).Msg("legs too far apart")
		return nil
	})

	symbols := make([]string, 0, len(cfg.Correlator.Lines))
	for _, s := range cfg.Correlator.Lines {
		symbols = append(symbols, s)
	}
	breaker := adapter.NewCircuitBreaker(adapter.DefaultCircuitBreakerConfig(), log, symbols...)
	breaker.Register(b)

	var wg sync.WaitGroup
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	if cfg.Redis.Enabled {
		rdb, err := adapter.NewGoRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		writer := adapter.NewRedisWriter(rdb, cfg.Redis.Channel, log)
		writer.Register(b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			writer.Run(workCtx)
		}()
	}

	// Handler failures are isolated by the bus; surface them here.
	go func() {
		for herr := range b.Errors() {
			log.Warn().Err(herr.Cause).Str("kind", herr.Kind.String()).Msg("handler failed")
		}
	}()

	if err := b.Start(); err != nil {
		return err
	}

	hs, err := health.New(cfg.Health.SocketPath, log)
	if err != nil {
		_ = b.Stop()
		return err
	}
	go func() {
		if err := hs.Serve(); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()
	go hs.Watch(workCtx, breaker, time.Second)

	var ws *adapter.WSClient
	if cfg.Feed.URL != "" {
		ws, err = startFeed(ctx, cfg, log, b, breaker, &wg, workCtx)
		if err != nil {
			hs.GracefulStop()
			_ = b.Stop()
			return err
		}
	} else {
		log.Warn().Msg("feed url not set; pipeline idle")
	}

	<-ctx.Done()
	log.Info().Msg("pairspread shutting down")

	// Producers first so the bus can drain.
	if ws != nil {
		ws.Close()
	}
	if err := b.Stop(); err != nil {
		if errors.Is(err, bus.ErrStopTimeout) {
			log.Error().Err(err).Uint64("abandoned", b.Stats().Abandoned).Msg("bus halted before draining")
		} else {
			log.Error().Err(err).Msg("bus stop")
		}
	}
	stopWork()
	wg.Wait()
	hs.GracefulStop()

	st := b.Stats()
	log.Info().
		Uint64("published", st.Published).
		Uint64("delivered", st.Delivered).
		Uint64("saturated", st.Saturated).
		Uint64("handler_errors", st.HandlerErrors).
		Msg("pairspread stopped")
	return nil
}

// startFeed loads the feed credential, connects and subscribes every line.
func startFeed(
	ctx context.Context,
	cfg *config.Config,
	log zerolog.Logger,
	b *bus.Bus,
	breaker *adapter.CircuitBreaker,
	wg *sync.WaitGroup,
	workCtx context.Context,
) (*adapter.WSClient, error) {
	unit, err := feed.ParseUnit(cfg.Feed.TimestampUnit)
	if err != nil {
		return nil, err
	}

	wsCfg := adapter.DefaultWSConfig(cfg.Feed.URL)
	wsCfg.HeartbeatTimeout = time.Duration(cfg.Feed.HeartbeatTimeoutMS) * time.Millisecond

	if cfg.Feed.TokenCiphertext != "" {
		kms, err := secret.NewKMS(ctx, cfg.Feed.AWSRegion, cfg.Feed.LocalStackEndpoint)
		if err != nil {
			return nil, err
		}
		tok, err := secret.LoadToken(ctx, kms, cfg.Feed.TokenCiphertext)
		if err != nil {
			return nil, fmt.Errorf("load feed token: %w", err)
		}
		wsCfg.HeaderFunc = tok.Header
	}

	ws := adapter.NewWSClient(wsCfg, log)
	breaker.WatchConnection(ws)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ws.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect feed: %w", err)
	}

	fa := feed.New(ws, feed.NewParser(unit), correlator.NewBusSource(b), b, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		fa.Run(workCtx)
	}()
	for line, symbol := range cfg.Correlator.Lines {
		fa.Subscribe(line, symbol)
		log.Info().Int64("line", int64(line)).Str("symbol", symbol).Msg("subscribed")
	}
	return ws, nil
}
