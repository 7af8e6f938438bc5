package email

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoff(t *testing.T) {
	policy := NewRetryPolicy(3, time.Second)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Delay(tt.attempts), "attempt %d", tt.attempts)
	}
}

func TestRetryPolicyExhaustion(t *testing.T) {
	policy := NewRetryPolicy(3, time.Second)

	assert.True(t, policy.ShouldRetry(1))
	assert.True(t, policy.ShouldRetry(2))
	assert.False(t, policy.ShouldRetry(3))
	assert.False(t, policy.ShouldRetry(4))
}

func TestRetryPolicyNextRetryAt(t *testing.T) {
	policy := NewRetryPolicy(5, 500*time.Millisecond)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(500*time.Millisecond), policy.NextRetryAt(now, 1))
	assert.Equal(t, now.Add(2*time.Second), policy.NextRetryAt(now, 3))
}

func TestRetryPolicyDefaultsBaseDelay(t *testing.T) {
	policy := NewRetryPolicy(3, 0)
	assert.Equal(t, time.Second, policy.Delay(1))
}
