package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Server         Server  `toml:"server"`
	Stream         Stream  `toml:"stream"`
	Queue          Queue   `toml:"queue"`
	Tracker        Tracker `toml:"tracker"`
}

// Server configures the request/response send endpoint.
type Server struct {
	BaseURL     string   `toml:"base_url"`
	SendTimeout Duration `toml:"send_timeout"`
}

// Stream configures the push stream connection manager.
type Stream struct {
	URL               string   `toml:"url"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MaxMissedBeats    int      `toml:"max_missed_beats"`

	// Short reconnect tier: capped exponential growth from ShortRetryBase.
	ShortRetryBase     Duration `toml:"short_retry_base"`
	ShortRetryCap      Duration `toml:"short_retry_cap"`
	ShortRetryAttempts int      `toml:"short_retry_attempts"`

	// Retry budget ceilings. Exceeding either is a one-way transition
	// to BANNED.
	MaxConsecutiveFailures int `toml:"max_consecutive_failures"`
	MaxTotalAttempts       int `toml:"max_total_attempts"`

	// RefreshLead is how long before credential expiry the proactive
	// refresh fires.
	RefreshLead Duration `toml:"refresh_lead"`
}

// Queue configures the delivery queue.
type Queue struct {
	PollInterval   Duration `toml:"poll_interval"`
	BackoffBase    Duration `toml:"backoff_base"`
	BackoffCap     Duration `toml:"backoff_cap"`
	MaxAttempts    int      `toml:"max_attempts"`
	MaxPerChat     int      `toml:"max_per_chat"`
	ConfirmTimeout Duration `toml:"confirm_timeout"`
}

// Tracker configures message reconciliation.
type Tracker struct {
	// FallbackWindow bounds the content-fingerprint match used when a
	// push event carries no idempotency key echo.
	FallbackWindow Duration `toml:"fallback_window"`
}

// Default returns a config with every tunable filled in.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Server: Server{
			SendTimeout: Duration{10 * time.Second},
		},
		Stream: Stream{
			HeartbeatInterval:      Duration{15 * time.Second},
			MaxMissedBeats:         2,
			ShortRetryBase:         Duration{5 * time.Second},
			ShortRetryCap:          Duration{30 * time.Second},
			ShortRetryAttempts:     5,
			MaxConsecutiveFailures: 10,
			MaxTotalAttempts:       30,
			RefreshLead:            Duration{2 * time.Minute},
		},
		Queue: Queue{
			PollInterval:   Duration{500 * time.Millisecond},
			BackoffBase:    Duration{time.Second},
			BackoffCap:     Duration{30 * time.Second},
			MaxAttempts:    3,
			MaxPerChat:     200,
			ConfirmTimeout: Duration{time.Minute},
		},
		Tracker: Tracker{
			FallbackWindow: Duration{30 * time.Second},
		},
	}
}

// Load reads config from the given path, layered over Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs whose tunables would break the retry machinery.
func (c *Config) Validate() error {
	if c.Stream.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be positive")
	}
	if c.Stream.MaxMissedBeats < 1 {
		return fmt.Errorf("stream.max_missed_beats must be at least 1")
	}
	if c.Stream.MaxConsecutiveFailures < 1 || c.Stream.MaxTotalAttempts < 1 {
		return fmt.Errorf("stream retry ceilings must be at least 1")
	}
	if c.Stream.ShortRetryBase.Duration <= 0 || c.Stream.ShortRetryCap.Duration < c.Stream.ShortRetryBase.Duration {
		return fmt.Errorf("stream short retry schedule is invalid")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.MaxPerChat < 1 {
		return fmt.Errorf("queue.max_per_chat must be at least 1")
	}
	if c.Queue.BackoffBase.Duration <= 0 || c.Queue.BackoffCap.Duration < c.Queue.BackoffBase.Duration {
		return fmt.Errorf("queue backoff schedule is invalid")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
