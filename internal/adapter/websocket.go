package adapter

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CircuitState represents the health of the feed connection. The circuit
// breaker and the health endpoint read it to decide whether the pipeline is
// serving live data.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // disconnected or reconnecting
)

func (s CircuitState) String() string {
	if s == CircuitClosed {
		return "closed"
	}
	return "open"
}

// Frame is one inbound message stamped with its local arrival time. The
// stamp is taken right after the socket read, which is what the tick
// correlator uses as its simultaneity proxy.
type Frame struct {
	Data    []byte
	Arrival time.Time
}

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the client
	// considers the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the WebSocket handshake. HeaderFunc, when set, is
	// called on every dial so credentials are only materialised briefly.
	Headers    http.Header
	HeaderFunc func() (http.Header, error)
}

// DefaultWSConfig returns defaults tuned for a tick feed.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 5 * time.Second,
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient is a reconnecting WebSocket connection that fans stamped frames
// out to subscribers.
type WSClient struct {
	cfg WSConfig
	log zerolog.Logger

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	subMu  sync.RWMutex
	subs   []chan Frame
	closed bool

	outbox chan []byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64

	// onReconnect is called after each successful reconnection (testing hook).
	onReconnect func()
}

// NewWSClient creates a client. Call Connect to start.
func NewWSClient(cfg WSConfig, log zerolog.Logger) *WSClient {
	ws := &WSClient{
		cfg:    cfg,
		log:    log.With().Str("component", "ws").Str("url", cfg.URL).Logger(),
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	ws.circuit.Store(int32(CircuitOpen))
	return ws
}

// Circuit returns the current connection state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// Dropped returns the number of frames dropped for slow subscribers.
func (ws *WSClient) Dropped() uint64 {
	return ws.dropped.Load()
}

// Subscribe returns a channel that receives every inbound frame. The
// caller must drain it; frames are dropped rather than blocking the reader.
func (ws *WSClient) Subscribe() <-chan Frame {
	ch := make(chan Frame, 1024)
	ws.subMu.Lock()
	if ws.closed {
		close(ch)
	} else {
		ws.subs = append(ws.subs, ch)
	}
	ws.subMu.Unlock()
	return ch
}

// Send enqueues a message for delivery over the connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.Warn().Int("bytes", len(data)).Msg("outbox full, dropping message")
	}
}

// Connect dials the endpoint and starts the read and write loops. It blocks
// until the initial connection succeeds or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		ws.cancel()
		return err
	}
	ws.circuit.Store(int32(CircuitClosed))
	ws.log.Info().Msg("connected")

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)

	return nil
}

// Close shuts down the client and closes all subscriber channels. It is
// safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()

		ws.subMu.Lock()
		ws.closed = true
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		ws.circuit.Store(int32(CircuitOpen))
		close(ws.done)
	})
}

// Done returns a channel that is closed when the client has shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

// dial establishes the connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:   ws.cfg.ReadBufferSize,
		WriteBufferSize:  ws.cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	headers := ws.cfg.Headers
	if ws.cfg.HeaderFunc != nil {
		h, err := ws.cfg.HeaderFunc()
		if err != nil {
			return err
		}
		headers = h
	}

	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect retries with exponential backoff until a connection is
// re-established or ctx is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.circuit.Store(int32(CircuitOpen))

	delay := ws.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.log.Warn().Err(err).Dur("retry_in", delay).Msg("reconnect failed")
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.circuit.Store(int32(CircuitClosed))
		ws.log.Info().Msg("reconnected")
		if ws.onReconnect != nil {
			ws.onReconnect()
		}
		return true
	}
}

// readLoop reads frames and fans them out. Silence longer than
// HeartbeatTimeout is treated as a dead connection.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		arrival := time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				ws.log.Warn().Dur("heartbeat", ws.cfg.HeartbeatTimeout).Msg("feed silent, reconnecting")
			} else {
				ws.log.Warn().Err(err).Msg("read error, reconnecting")
			}
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		ws.fanOut(Frame{Data: msg, Arrival: arrival})
	}
}

// writeLoop drains the outbox onto the connection.
func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Warn().Err(err).Msg("write error")
			}
		}
	}
}

// fanOut delivers f to every subscriber without blocking.
func (ws *WSClient) fanOut(f Frame) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	if ws.closed {
		return
	}
	for _, ch := range ws.subs {
		select {
		case ch <- f:
		default:
			ws.dropped.Add(1)
		}
	}
}
