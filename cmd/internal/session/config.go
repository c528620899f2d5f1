package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines the verification policy of the session subsystem.
type Config struct {
	// CallTimeout bounds each verify or refresh attempt.
	CallTimeout time.Duration

	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// Freshness is how long a completed verification is reused for the same token.
	Freshness time.Duration

	// ExpiryBuffer is how close to expiry a token must be for startup to refresh it.
	ExpiryBuffer time.Duration

	// RecheckInterval is the period of the background verification loop.
	RecheckInterval time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     10 * time.Second,
		MaxRetries:      2,
		RetryDelay:      time.Second,
		Freshness:       5 * time.Minute,
		ExpiryBuffer:    5 * time.Minute,
		RecheckInterval: 30 * time.Minute,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - CHATSYNC_SESSION_CALL_TIMEOUT
//   - CHATSYNC_SESSION_MAX_RETRIES
//   - CHATSYNC_SESSION_RETRY_DELAY
//   - CHATSYNC_SESSION_FRESHNESS
//   - CHATSYNC_SESSION_EXPIRY_BUFFER
//   - CHATSYNC_SESSION_RECHECK_INTERVAL
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	durations := []struct {
		key      string
		dst      *time.Duration
		allowNil bool
	}{
		{"CHATSYNC_SESSION_CALL_TIMEOUT", &cfg.CallTimeout, false},
		{"CHATSYNC_SESSION_RETRY_DELAY", &cfg.RetryDelay, false},
		{"CHATSYNC_SESSION_FRESHNESS", &cfg.Freshness, true},
		{"CHATSYNC_SESSION_EXPIRY_BUFFER", &cfg.ExpiryBuffer, true},
		{"CHATSYNC_SESSION_RECHECK_INTERVAL", &cfg.RecheckInterval, false},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowNil) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := os.Getenv("CHATSYNC_SESSION_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10 {
			return Config{}, ErrConfig
		}
		cfg.MaxRetries = n
	}

	// Invariants: the retry delay must not exceed the per-attempt timeout.
	if cfg.RetryDelay > cfg.CallTimeout {
		return Config{}, ErrConfig
	}

	return cfg, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Freshness < 0 {
		c.Freshness = 0
	}
	if c.ExpiryBuffer < 0 {
		c.ExpiryBuffer = 0
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = d.RecheckInterval
	}
	return c
}
