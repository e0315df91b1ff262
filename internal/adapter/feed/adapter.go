package feed

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/pairspread/internal/adapter"
	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/correlator"
	"github.com/caesar-terminal/pairspread/internal/event"
	"github.com/caesar-terminal/pairspread/internal/metrics"
)

const source = "feed"

// subscribeMsg asks the feed for both tick streams of one line.
type subscribeMsg struct {
	Cmd    string `json:"cmd"`
	Line   int64  `json:"line"`
	Symbol string `json:"symbol"`
}

// Adapter reads frames from a WSClient and drives a TickSource.
type Adapter struct {
	ws     *adapter.WSClient
	parser Parser
	sink   correlator.TickSource
	diag   bus.Publisher
	log    zerolog.Logger
}

// New creates an Adapter. diag receives ParseError diagnostics; sink
// receives every well-formed tick.
func New(ws *adapter.WSClient, parser Parser, sink correlator.TickSource, diag bus.Publisher, log zerolog.Logger) *Adapter {
	return &Adapter{
		ws:     ws,
		parser: parser,
		sink:   sink,
		diag:   diag,
		log:    log.With().Str("component", "feed").Logger(),
	}
}

// Subscribe requests both streams for a line. Call after ws.Connect.
func (a *Adapter) Subscribe(line event.LineID, symbol string) {
	msg, _ := json.Marshal(subscribeMsg{Cmd: "subscribe", Line: int64(line), Symbol: symbol})
	a.ws.Send(msg)
}

// Run consumes frames until ctx is cancelled or the client closes.
func (a *Adapter) Run(ctx context.Context) {
	sub := a.ws.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub:
			if !ok {
				return
			}
			a.handleFrame(f)
		}
	}
}

func (a *Adapter) handleFrame(f adapter.Frame) {
	ev, err := a.parser.Parse(f.Data, f.Arrival)
	if err != nil {
		metrics.ParseErrors.WithLabelValues(source).Inc()
		a.log.Warn().Err(err).Msg("dropping malformed frame")
		if perr := a.diag.Publish(event.ParseError{Source: source, Payload: f.Data, Cause: err}); perr != nil {
			a.log.Warn().Err(perr).Msg("parse error diagnostic not published")
		}
		return
	}

	switch tick := ev.(type) {
	case nil:
	case event.PriceTick:
		err = a.sink.OnPriceTick(tick)
	case event.TimestampTick:
		err = a.sink.OnTimestampTick(tick)
	}
	if err != nil {
		a.log.Warn().Err(err).Str("kind", ev.Kind().String()).Msg("tick not delivered")
	}
}
