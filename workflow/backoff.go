package workflow

import (
	"time"
)

// RetryConfig defines retry behavior for failed step attempts.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (default: 2)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration: two retries
// with exponential backoff 1s/2s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// withPolicy overlays a step policy on the defaults.
func (c RetryConfig) withPolicy(p *RetryPolicy) RetryConfig {
	if p == nil {
		return c
	}
	out := c
	out.MaxRetries = p.MaxRetries
	if p.InitialBackoffMs > 0 {
		out.InitialBackoff = time.Duration(p.InitialBackoffMs) * time.Millisecond
	}
	if p.MaxBackoffMs > 0 {
		out.MaxBackoff = time.Duration(p.MaxBackoffMs) * time.Millisecond
	}
	if p.Multiplier > 0 {
		out.BackoffMultiplier = p.Multiplier
	}
	return out
}
