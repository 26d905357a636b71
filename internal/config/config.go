package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/filterstream/rules"
	"github.com/sawpanic/filterstream/stream"
)

// Environment variables that override file values
const (
	EnvToken     = "FILTERSTREAM_TOKEN"
	EnvStreamURL = "FILTERSTREAM_URL"
	EnvRulesURL  = "FILTERSTREAM_RULES_URL"
	EnvRedisAddr = "REDIS_ADDR"
	EnvPostgres  = "PG_DSN"
)

// DefaultStreamURL is the filtered stream endpoint
const DefaultStreamURL = "https://api.twitter.com/2/tweets/search/stream"

// Config is the complete filterstream configuration
type Config struct {
	Stream  StreamConfig  `yaml:"stream"`
	Rules   RulesConfig   `yaml:"rules"`
	Metrics MetricsConfig `yaml:"metrics"`
	Relay   RelayConfig   `yaml:"relay"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Sinks   SinksConfig   `yaml:"sinks"`
}

// StreamConfig configures the stream supervisor
type StreamConfig struct {
	URL           string      `yaml:"url"`
	Token         string      `yaml:"token"`
	TimeoutMS     int         `yaml:"timeout_ms"`     // Idle timeout in milliseconds
	Retry         RetryConfig `yaml:"retry"`          // Reconnect policy
	HandlerPolicy string      `yaml:"handler_policy"` // "continue" or "abort"
	MaxLineBytes  int         `yaml:"max_line_bytes"`
}

// RetryConfig configures reconnects. Growth is "square" (default) or "double".
type RetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseMS  int    `yaml:"base_ms"`
	Growth  string `yaml:"growth"`
}

// RulesConfig configures the rule management client
type RulesConfig struct {
	URL              string  `yaml:"url"`
	DryRun           bool    `yaml:"dry_run"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	MaxTries         uint    `yaml:"max_tries"`
	ListRPS          float64 `yaml:"list_rps"`
	ChangeRPS        float64 `yaml:"change_rps"`
}

// MetricsConfig configures the monitor server (/health, /metrics, /ws)
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RelayConfig configures the WebSocket relay served by the monitor server
type RelayConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxClients     int  `yaml:"max_clients"`
	WriteTimeoutMS int  `yaml:"write_timeout_ms"`
	BufferSize     int  `yaml:"buffer_size"`
}

// DedupConfig configures duplicate suppression across reconnects
type DedupConfig struct {
	Enabled bool `yaml:"enabled"`
	TTLSecs int  `yaml:"ttl_secs"`
}

// SinksConfig selects where delivered posts go
type SinksConfig struct {
	Stdout   bool           `yaml:"stdout"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis publish sink and the dedup cache
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	List     string `yaml:"list"`
	ListMax  int64  `yaml:"list_max"`
}

// PostgresConfig configures the archive sink
type PostgresConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// DefaultConfig returns a configuration that streams to stdout with retries
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			URL:           DefaultStreamURL,
			TimeoutMS:     int(stream.DefaultTimeout / time.Millisecond),
			Retry:         RetryConfig{Enabled: true, BaseMS: int(stream.DefaultRetryBase / time.Millisecond), Growth: "square"},
			HandlerPolicy: "continue",
		},
		Rules: RulesConfig{
			URL:              rules.DefaultURL,
			RequestTimeoutMS: 15000,
			MaxTries:         3,
			ListRPS:          0.5,
			ChangeRPS:        0.5,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9108"},
		Relay:   RelayConfig{MaxClients: 64, WriteTimeoutMS: 5000, BufferSize: 256},
		Dedup:   DedupConfig{Enabled: true, TTLSecs: 3600},
		Sinks: SinksConfig{
			Stdout:   true,
			Redis:    RedisConfig{Addr: "localhost:6379", Channel: "filterstream:posts"},
			Postgres: PostgresConfig{MaxOpenConns: 10, MaxIdleConns: 5},
		},
	}
}

// LoadConfig reads path over the defaults and applies environment overrides.
// An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// ApplyEnv overrides file values with non-empty environment values
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvToken); v != "" {
		c.Stream.Token = v
	}
	if v := getenv(EnvStreamURL); v != "" {
		c.Stream.URL = v
	}
	if v := getenv(EnvRulesURL); v != "" {
		c.Rules.URL = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Sinks.Redis.Addr = v
	}
	if v := getenv(EnvPostgres); v != "" {
		c.Sinks.Postgres.DSN = v
	}
}

// Validate checks every section except the stream credentials, which are
// checked by StreamOptions when a stream is actually started.
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr cannot be empty when enabled")
	}
	if c.Relay.Enabled && !c.Metrics.Enabled {
		return fmt.Errorf("relay: requires metrics.enabled, the relay is served by the monitor server")
	}
	if c.Relay.MaxClients < 0 {
		return fmt.Errorf("relay: max_clients cannot be negative, got %d", c.Relay.MaxClients)
	}
	if c.Dedup.Enabled && c.Dedup.TTLSecs <= 0 {
		return fmt.Errorf("dedup: ttl_secs must be positive, got %d", c.Dedup.TTLSecs)
	}
	if c.Sinks.Redis.Enabled {
		if c.Sinks.Redis.Addr == "" {
			return fmt.Errorf("sinks.redis: addr cannot be empty")
		}
		if c.Sinks.Redis.Channel == "" && c.Sinks.Redis.List == "" {
			return fmt.Errorf("sinks.redis: channel or list is required")
		}
	}
	if c.Sinks.Postgres.Enabled && c.Sinks.Postgres.DSN == "" {
		return fmt.Errorf("sinks.postgres: dsn cannot be empty")
	}
	return nil
}

// Validate checks the stream fields that do not depend on credentials
func (s *StreamConfig) Validate() error {
	if _, err := parsePolicy(s.HandlerPolicy); err != nil {
		return err
	}
	if _, err := growthFunc(s.Retry.Growth); err != nil {
		return err
	}
	if s.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms cannot be negative, got %d", s.TimeoutMS)
	}
	if s.Retry.BaseMS < 0 {
		return fmt.Errorf("retry.base_ms cannot be negative, got %d", s.Retry.BaseMS)
	}
	return nil
}

// Validate ensures the rule client settings are usable
func (r *RulesConfig) Validate() error {
	if r.ListRPS < 0 || r.ChangeRPS < 0 {
		return fmt.Errorf("rps cannot be negative")
	}
	if r.RequestTimeoutMS < 0 {
		return fmt.Errorf("request_timeout_ms cannot be negative, got %d", r.RequestTimeoutMS)
	}
	return nil
}

// StreamOptions converts the stream section through stream.ParseOptions so
// files and library callers share one validation contract.
func (c *Config) StreamOptions() (stream.Options, error) {
	raw := map[string]any{
		"token": c.Stream.Token,
		"url":   c.Stream.URL,
	}
	if c.Stream.TimeoutMS != 0 {
		raw["timeout"] = c.Stream.TimeoutMS
	}
	if c.Stream.Retry.Enabled {
		growth, err := growthFunc(c.Stream.Retry.Growth)
		if err != nil {
			return stream.Options{}, err
		}
		retry := map[string]any{"customBackoff": growth}
		if c.Stream.Retry.BaseMS != 0 {
			retry["base"] = c.Stream.Retry.BaseMS
		}
		raw["retry"] = retry
	}

	opts, err := stream.ParseOptions(raw)
	if err != nil {
		return stream.Options{}, err
	}

	if opts.HandlerPolicy, err = parsePolicy(c.Stream.HandlerPolicy); err != nil {
		return stream.Options{}, err
	}
	opts.MaxLineBytes = c.Stream.MaxLineBytes
	return opts, nil
}

// RulesClientConfig builds the rule client configuration
func (c *Config) RulesClientConfig() rules.Config {
	return rules.Config{
		URL:            c.Rules.URL,
		Token:          c.Stream.Token,
		DryRun:         c.Rules.DryRun,
		RequestTimeout: time.Duration(c.Rules.RequestTimeoutMS) * time.Millisecond,
		MaxTries:       c.Rules.MaxTries,
		ListRPS:        c.Rules.ListRPS,
		ChangeRPS:      c.Rules.ChangeRPS,
	}
}

// GetWriteTimeout returns the relay write timeout as a time.Duration
func (r *RelayConfig) GetWriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

// GetTTL returns the dedup TTL as a time.Duration
func (d *DedupConfig) GetTTL() time.Duration {
	return time.Duration(d.TTLSecs) * time.Second
}

func parsePolicy(name string) (stream.HandlerPolicy, error) {
	switch name {
	case "", "continue":
		return stream.HandlerContinue, nil
	case "abort":
		return stream.HandlerAbort, nil
	default:
		return 0, fmt.Errorf("handler_policy must be \"continue\" or \"abort\", got %q", name)
	}
}

func growthFunc(name string) (stream.BackoffFunc, error) {
	switch name {
	case "", "square":
		return stream.SquareBackoff, nil
	case "double":
		return func(d time.Duration) time.Duration {
			if d > time.Duration(1<<62) {
				return d
			}
			return 2 * d
		}, nil
	default:
		return nil, fmt.Errorf("retry.growth must be \"square\" or \"double\", got %q", name)
	}
}
