package correlator

import (
	"fmt"
	"strings"
	"time"

	"github.com/caesar-terminal/pairspread/internal/event"
)

const (
	// DefaultMatchWindow is the largest local arrival gap at which a price and
	// a timestamp are taken to describe the same market moment.
	DefaultMatchWindow = 2 * time.Second
	DefaultCapacity    = 100
)

// Config is fixed at construction.
type Config struct {
	// Lines maps each instrument line to its symbol.
	Lines       map[event.LineID]string
	MatchWindow time.Duration
	// Capacity bounds each of a line's two queues.
	Capacity int
}

func (c Config) withDefaults() Config {
	if c.MatchWindow == 0 {
		c.MatchWindow = DefaultMatchWindow
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

func (c Config) Validate() error {
	if len(c.Lines) == 0 {
		return fmt.Errorf("%w: no instrument lines", ErrInvalidConfig)
	}
	seen := make(map[string]event.LineID, len(c.Lines))
	for id, symbol := range c.Lines {
		if strings.TrimSpace(symbol) == "" {
			return fmt.Errorf("%w: line %d has no symbol", ErrInvalidConfig, id)
		}
		if other, dup := seen[symbol]; dup {
			return fmt.Errorf("%w: symbol %s on lines %d and %d", ErrInvalidConfig, symbol, other, id)
		}
		seen[symbol] = id
	}
	if c.MatchWindow <= 0 {
		return fmt.Errorf("%w: match window must be positive, got %s", ErrInvalidConfig, c.MatchWindow)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	return nil
}
