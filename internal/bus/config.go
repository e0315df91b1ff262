package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid bus config")

// Policy selects what Publish does when the queue is full.
type Policy uint8

const (
	// PolicyBlock waits up to PublishTimeout for room in the queue.
	PolicyBlock Policy = iota + 1
	// PolicyDrop rejects the event immediately.
	PolicyDrop
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParsePolicy maps "block" or "drop" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return PolicyBlock, nil
	case "drop":
		return PolicyDrop, nil
	default:
		return 0, fmt.Errorf("%w: unknown backpressure policy %q", ErrInvalidConfig, s)
	}
}

// Config holds the bus tunables. It is fixed at construction.
type Config struct {
	// Capacity bounds the number of queued, undispatched events.
	Capacity int

	// Policy and PublishTimeout control backpressure on a full queue.
	Policy         Policy
	PublishTimeout time.Duration

	// StopTimeout bounds how long Stop waits for the queue to drain.
	StopTimeout time.Duration

	// ErrorBuffer sizes the handler-error observation channel.
	ErrorBuffer int
}

// DefaultConfig returns defaults sized for two instrument lines.
func DefaultConfig() Config {
	return Config{
		Capacity:       4096,
		Policy:         PolicyBlock,
		PublishTimeout: 50 * time.Millisecond,
		StopTimeout:    2 * time.Second,
		ErrorBuffer:    64,
	}
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.Policy != PolicyBlock && c.Policy != PolicyDrop {
		return fmt.Errorf("%w: unknown policy %d", ErrInvalidConfig, c.Policy)
	}
	if c.PublishTimeout < 0 {
		return fmt.Errorf("%w: negative publish timeout", ErrInvalidConfig)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("%w: stop timeout must be positive", ErrInvalidConfig)
	}
	if c.ErrorBuffer < 0 {
		return fmt.Errorf("%w: negative error buffer", ErrInvalidConfig)
	}
	return nil
}
