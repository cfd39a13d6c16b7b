package models

import "time"

const (
	defaultRetryBaseDelay = 30 * time.Second
	defaultRetryMaxDelay  = 15 * time.Minute
)

// RetryPolicy controls how many execution attempts a step gets and how long
// the scheduler waits between them. The delay grows exponentially with the
// attempt number.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// Exhausted reports whether the given attempt number was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return attempt >= maxAttempts
}

// Delay returns the backoff before re-queueing after the given failed
// attempt: base * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	delay := base

	for range attempt - 1 {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}

	if delay > maxDelay {
		return maxDelay
	}

	return delay
}
