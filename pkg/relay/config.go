package relay

import (
	"fmt"
	"time"
)

// Config holds dispatcher settings
type Config struct {
	// CacheCapacity bounds the number of registered sessions. The oldest
	// inserted session is evicted when a new one does not fit.
	CacheCapacity int `yaml:"cache_capacity" json:"cache_capacity"`
	// DefaultTimeout applies when SendOptions.Timeout is zero.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// PollInterval is used when a pending outcome carries no retry hint.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// SweepInterval is how often Run reaps expired requests and idle sessions.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// SessionTTL removes sessions idle for longer than this. Zero disables
	// idle expiry.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		CacheCapacity:  1024,
		DefaultTimeout: 5 * time.Second,
		PollInterval:   100 * time.Millisecond,
		SweepInterval:  time.Second,
		SessionTTL:     30 * time.Minute,
	}
}

// Validate checks the configuration for invalid values
func (c Config) Validate() error {
	if c.CacheCapacity < 1 {
		return fmt.Errorf("cache_capacity must be at least 1, got %d", c.CacheCapacity)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("session_ttl cannot be negative, got %s", c.SessionTTL)
	}
	return nil
}
