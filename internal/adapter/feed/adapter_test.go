package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/pairspread/internal/adapter"
	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/correlator"
	"github.com/caesar-terminal/pairspread/internal/event"
)

// scriptServer upgrades to WS, captures the first client message and then
// writes the scripted frames.
func scriptServer(t *testing.T, frames []string) (*httptest.Server, <-chan []byte) {
	t.Helper()
	captured := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		captured <- msg
		for _, f := range frames {
			if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep the connection open so the client does not reconnect.
		_, _, _ = c.ReadMessage()
	}))
	return srv, captured
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// recordingSink is a TickSource that keeps what it is given.
type recordingSink struct {
	mu     sync.Mutex
	prices []event.PriceTick
	stamps []event.TimestampTick
}

func (s *recordingSink) OnPriceTick(t event.PriceTick) error {
	s.mu.Lock()
	s.prices = append(s.prices, t)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) OnTimestampTick(t event.TimestampTick) error {
	s.mu.Lock()
	s.stamps = append(s.stamps, t)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prices), len(s.stamps)
}

type diagPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (d *diagPublisher) Publish(ev event.Event) error {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	return nil
}

func (d *diagPublisher) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func connect(t *testing.T, srv *httptest.Server) *adapter.WSClient {
	t.Helper()
	ws := adapter.NewWSClient(adapter.DefaultWSConfig(wsURL(srv)), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, ws.Connect(ctx))
	t.Cleanup(ws.Close)
	return ws
}

func TestAdapter_SubscriptionMessage(t *testing.T) {
	srv, captured := scriptServer(t, nil)
	defer srv.Close()

	ws := connect(t, srv)
	a := New(ws, NewParser(UnitSeconds), &recordingSink{}, &diagPublisher{}, zerolog.Nop())
	a.Subscribe(1, "GCJ5")

	select {
	case raw := <-captured:
		var msg subscribeMsg
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, subscribeMsg{Cmd: "subscribe", Line: 1, Symbol: "GCJ5"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription message")
	}
}

func TestAdapter_DeliversTicksAndReportsMalformed(t *testing.T) {
	srv, _ := scriptServer(t, []string{
		`{"type":"ack"}`,
		`{"type":"price","line":1,"tick":68,"price":2000.0}`,
		`{"type":"timestamp","line":1,"tick":88,"value":"1700000000"}`,
		`{"type":"price","line":1,"tick":68,"price":"oops"}`,
	})
	defer srv.Close()

	ws := connect(t, srv)
	sink := &recordingSink{}
	diag := &diagPublisher{}
	a := New(ws, NewParser(UnitSeconds), sink, diag, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	a.Subscribe(1, "GCJ5")

	require.Eventually(t, func() bool {
		p, s := sink.counts()
		return p == 1 && s == 1 && diag.len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	assert.Equal(t, 2000.0, sink.prices[0].Price)
	assert.Equal(t, int64(1700000000000), sink.stamps[0].ServerTimestamp)
	assert.False(t, sink.stamps[0].Arrival.IsZero())
	sink.mu.Unlock()

	diag.mu.Lock()
	perr, ok := diag.events[0].(event.ParseError)
	diag.mu.Unlock()
	require.True(t, ok)
	assert.ErrorIs(t, perr.Cause, ErrParse)
	assert.Equal(t, "feed", perr.Source)
}

func TestAdapter_EndToEndThroughBus(t *testing.T) {
	srv, _ := scriptServer(t, []string{
		`{"type":"price","line":1,"tick":68,"price":2000.0}`,
		`{"type":"timestamp","line":1,"tick":88,"value":"1700000000"}`,
	})
	defer srv.Close()

	b, err := bus.New(bus.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	c, err := correlator.New(correlator.Config{Lines: map[event.LineID]string{1: "GCJ5"}}, b, zerolog.Nop())
	require.NoError(t, err)
	c.Register(b)

	got := make(chan event.MarketObservation, 1)
	b.Subscribe(event.KindMarketObservation, func(ev event.Event) error {
		got <- ev.(event.MarketObservation)
		return nil
	})
	require.NoError(t, b.Start())
	defer b.Stop()

	ws := connect(t, srv)
	a := New(ws, NewParser(UnitSeconds), correlator.NewBusSource(b), b, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	a.Subscribe(1, "GCJ5")

	select {
	case obs := <-got:
		assert.Equal(t, "GCJ5", obs.Symbol)
		assert.Equal(t, 2000.0, obs.Price)
		assert.Equal(t, int64(1700000000000), obs.ServerTimestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for market observation")
	}
}
