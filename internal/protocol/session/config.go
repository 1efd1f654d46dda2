package session

import "time"

// Config defines session teardown and channel limits.
type Config struct {
	// GracePeriod is how long Close waits after SIGTERM before SIGKILL.
	// Sessions whose exchange timed out skip the grace period.
	GracePeriod time.Duration
	// WaitDelay bounds how long a reaped process may hold its stderr open.
	WaitDelay       time.Duration
	DialTimeout     time.Duration
	MaxMessageBytes int
	Username        string
	StderrTailBytes int
}

// DefaultConfig returns harness defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     500 * time.Millisecond,
		WaitDelay:       time.Second,
		DialTimeout:     5 * time.Second,
		MaxMessageBytes: 8 * 1024 * 1024,
		Username:        "kernelctl",
		StderrTailBytes: 4 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	} else if c.GracePeriod == 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = d.WaitDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.StderrTailBytes <= 0 {
		c.StderrTailBytes = d.StderrTailBytes
	}
	return c
}
