package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caesar-terminal/pairspread/internal/adapter/feed"
	"github.com/caesar-terminal/pairspread/internal/bus"
	"github.com/caesar-terminal/pairspread/internal/correlator"
	"github.com/caesar-terminal/pairspread/internal/event"
	"github.com/caesar-terminal/pairspread/internal/spread"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	Bus         BusConfig
	Correlator  CorrelatorConfig
	Spread      SpreadConfig
	Feed        FeedConfig
	Redis       RedisConfig
	Health      HealthConfig
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Capacity         int    `mapstructure:"capacity"`
	Policy           string `mapstructure:"policy"`
	PublishTimeoutMS int    `mapstructure:"publish_timeout_ms"`
	StopTimeoutMS    int    `mapstructure:"stop_timeout_ms"`
	ErrorBuffer      int    `mapstructure:"error_buffer"`
}

// CorrelatorConfig holds tick matching settings. Lines is parsed from
// "id=SYMBOL" pairs separated by commas.
type CorrelatorConfig struct {
	Lines         map[event.LineID]string
	MatchWindowMS int `mapstructure:"match_window_ms"`
	Capacity      int `mapstructure:"capacity"`
}

// SpreadConfig holds the configured pair.
type SpreadConfig struct {
	LegA          string `mapstructure:"leg_a"`
	LegB          string `mapstructure:"leg_b"`
	MaxTimeDiffMS int    `mapstructure:"max_time_diff_ms"`
}

// FeedConfig holds the tick feed connection. An empty URL disables the feed.
type FeedConfig struct {
	URL                string `mapstructure:"url"`
	TimestampUnit      string `mapstructure:"timestamp_unit"`
	HeartbeatTimeoutMS int    `mapstructure:"heartbeat_timeout_ms"`
	TokenCiphertext    string `mapstructure:"token_ciphertext"`
	AWSRegion          string `mapstructure:"aws_region"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// HealthConfig holds the gRPC health endpoint socket.
type HealthConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// Load reads configuration from environment variables prefixed with PAIRSPREAD_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAIRSPREAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9102")

	// Bus defaults
	v.SetDefault("bus.capacity", 4096)
	v.SetDefault("bus.policy", "block")
	v.SetDefault("bus.publish_timeout_ms", 50)
	v.SetDefault("bus.stop_timeout_ms", 2000)
	v.SetDefault("bus.error_buffer", 64)

	// Correlator defaults
	v.SetDefault("correlator.lines", "1=GCJ5,2=GCM5")
	v.SetDefault("correlator.match_window_ms", 2000)
	v.SetDefault("correlator.capacity", 100)

	// Spread defaults
	v.SetDefault("spread.leg_a", "GCJ5")
	v.SetDefault("spread.leg_b", "GCM5")
	v.SetDefault("spread.max_time_diff_ms", 2000)

	// Feed defaults
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.timestamp_unit", "s")
	v.SetDefault("feed.heartbeat_timeout_ms", 5000)
	v.SetDefault("feed.aws_region", "us-east-1")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "pairspread:spreads")

	// Health defaults
	v.SetDefault("health.socket_path", "/var/run/pairspread/health.sock")

	lines, err := ParseLines(v.GetString("correlator.lines"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LogLevel = v.GetString("log_level")
	cfg.MetricsAddr = v.GetString("metrics_addr")

	cfg.Bus = BusConfig{
		Capacity:         v.GetInt("bus.capacity"),
		Policy:           v.GetString("bus.policy"),
		PublishTimeoutMS: v.GetInt("bus.publish_timeout_ms"),
		StopTimeoutMS:    v.GetInt("bus.stop_timeout_ms"),
		ErrorBuffer:      v.GetInt("bus.error_buffer"),
	}

	cfg.Correlator = CorrelatorConfig{
		Lines:         lines,
		MatchWindowMS: v.GetInt("correlator.match_window_ms"),
		Capacity:      v.GetInt("correlator.capacity"),
	}

	cfg.Spread = SpreadConfig{
		LegA:          v.GetString("spread.leg_a"),
		LegB:          v.GetString("spread.leg_b"),
		MaxTimeDiffMS: v.GetInt("spread.max_time_diff_ms"),
	}

	cfg.Feed = FeedConfig{
		URL:                v.GetString("feed.url"),
		TimestampUnit:      v.GetString("feed.timestamp_unit"),
		HeartbeatTimeoutMS: v.GetInt("feed.heartbeat_timeout_ms"),
		TokenCiphertext:    v.GetString("feed.token_ciphertext"),
		AWSRegion:          v.GetString("feed.aws_region"),
		LocalStackEndpoint: v.GetString("feed.localstack_endpoint"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
		Channel:  v.GetString("redis.channel"),
	}

	cfg.Health = HealthConfig{
		SocketPath: v.GetString("health.socket_path"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section by building the component configs, so the
// components' own rules apply at load time.
func (c *Config) Validate() error {
	if _, err := c.BusOptions(); err != nil {
		return err
	}
	if err := c.CorrelatorOptions().Validate(); err != nil {
		return err
	}
	if err := c.SpreadOptions().Validate(); err != nil {
		return err
	}
	if _, err := feed.ParseUnit(c.Feed.TimestampUnit); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	symbols := make(map[string]bool, len(c.Correlator.Lines))
	for _, s := range c.Correlator.Lines {
		symbols[s] = true
	}
	for _, leg := range []string{c.Spread.LegA, c.Spread.LegB} {
		if !symbols[leg] {
			return fmt.Errorf("%w: spread leg %s is not a configured line symbol", ErrInvalid, leg)
		}
	}
	return nil
}

// BusOptions converts the bus section into a bus.Config.
func (c *Config) BusOptions() (bus.Config, error) {
	policy, err := bus.ParsePolicy(c.Bus.Policy)
	if err != nil {
		return bus.Config{}, err
	}
	cfg := bus.Config{
		Capacity:       c.Bus.Capacity,
		Policy:         policy,
		PublishTimeout: ms(c.Bus.PublishTimeoutMS),
		StopTimeout:    ms(c.Bus.StopTimeoutMS),
		ErrorBuffer:    c.Bus.ErrorBuffer,
	}
	return cfg, cfg.Validate()
}

// CorrelatorOptions converts the correlator section into a correlator.Config.
func (c *Config) CorrelatorOptions() correlator.Config {
	return correlator.Config{
		Lines:       c.Correlator.Lines,
		MatchWindow: ms(c.Correlator.MatchWindowMS),
		Capacity:    c.Correlator.Capacity,
	}
}

// SpreadOptions converts the spread section into a spread.Config.
func (c *Config) SpreadOptions() spread.Config {
	return spread.Config{
		LegA:        c.Spread.LegA,
		LegB:        c.Spread.LegB,
		MaxTimeDiff: ms(c.Spread.MaxTimeDiffMS),
	}
}

// ParseLines parses "1=GCJ5,2=GCM5" into a line map.
func ParseLines(raw string) (map[event.LineID]string, error) {
	lines := make(map[event.LineID]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, symbol, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %q is not id=symbol", ErrInvalid, part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line id %q: %v", ErrInvalid, id, err)
		}
		if _, dup := lines[event.LineID(n)]; dup {
			return nil, fmt.Errorf("%w: line %d listed twice", ErrInvalid, n)
		}
		lines[event.LineID(n)] = strings.TrimSpace(symbol)
	}
	return lines, nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
