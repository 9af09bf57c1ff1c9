package session

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy is exponential backoff for background writes.
type RetryPolicy struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the default write-behind policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay is the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return errors.New("max_retries must be non-negative")
	case p.InitialDelay <= 0:
		return errors.New("initial_delay must be positive")
	case p.MaxDelay <= 0:
		return errors.New("max_delay must be positive")
	case p.BackoffMultiplier < 1:
		return errors.New("backoff_multiplier must be at least 1")
	case p.InitialDelay > p.MaxDelay:
		return errors.New("initial_delay cannot be greater than max_delay")
	}
	return nil
}
