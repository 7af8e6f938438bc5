package email

import "time"

// RetryPolicy computes the next retry time and the terminal-failure
// decision from the attempt count. Backoff is exponential:
// baseDelay * 2^(n-1) after the n-th failed attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// NewRetryPolicy creates a policy. Non-positive baseDelay defaults to one
// second.
func NewRetryPolicy(maxRetries int, baseDelay time.Duration) *RetryPolicy {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}
}

// ShouldRetry reports whether a message with the given attempt count
// (including the attempt that just failed) gets another try.
func (p *RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxRetries
}

// Delay returns the backoff after the n-th failed attempt.
func (p *RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return p.BaseDelay * (1 << (attempts - 1))
}

// NextRetryAt returns the instant of the next attempt after the n-th
// failure.
func (p *RetryPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
