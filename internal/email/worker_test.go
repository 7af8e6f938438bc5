package email

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(store MessageStore, adapter ProviderAdapter) *WorkerPool {
	registry := NewProviderRegistry(adapter.Name())
	registry.Register(adapter)
	return NewWorkerPool(store, registry, NewRetryPolicy(3, time.Second), WorkerPoolConfig{
		Workers:      2,
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
	})
}

func pendingMessage(opts ...func(*Message)) *Message {
	m := &Message{
		ID:          uuid.New(),
		To:          []string{"shipper@example.com"},
		FromEmail:   "noreply@cargoline.io",
		Subject:     "Shipment update",
		TextContent: "Departed.",
		Provider:    "fake",
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func TestExecuteNowSendsImmediately(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	pool := newTestPool(store, adapter)

	msg := pendingMessage()
	store.put(msg)

	require.NoError(t, pool.ExecuteNow(context.Background(), msg.ID))

	got := store.get(msg.ID)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.ProviderMessageID)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, 1, adapter.sentCount())
}

func TestExecuteNowNoopWhenNotPending(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	pool := newTestPool(store, adapter)

	msg := pendingMessage(func(m *Message) { m.Status = StatusCancelled })
	store.put(msg)

	require.NoError(t, pool.ExecuteNow(context.Background(), msg.ID))

	assert.Equal(t, StatusCancelled, store.get(msg.ID).Status)
	assert.Zero(t, adapter.sentCount())
}

func TestExecuteNowUnknownProviderFailsWithoutAttempt(t *testing.T) {
	store := newMemStore()
	registry := NewProviderRegistry("fake")
	pool := NewWorkerPool(store, registry, NewRetryPolicy(3, time.Second), WorkerPoolConfig{})

	msg := pendingMessage(func(m *Message) { m.Provider = "ghost" })
	store.put(msg)

	require.NoError(t, pool.ExecuteNow(context.Background(), msg.ID))

	got := store.get(msg.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.Attempts, "no adapter means no send attempt")
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestProcessExpiresPastDeadline(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	pool := newTestPool(store, adapter)

	past := time.Now().Add(-time.Minute)
	msg := pendingMessage(func(m *Message) { m.ExpiresAt = &past })
	store.put(msg)

	require.NoError(t, pool.ExecuteNow(context.Background(), msg.ID))

	assert.Equal(t, StatusExpired, store.get(msg.ID).Status)
	assert.Zero(t, adapter.sentCount())
}

func TestPermanentRejectionSkipsRetry(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	adapter.singleErr = &PermanentError{Provider: "fake", Reason: "invalid recipient"}
	pool := newTestPool(store, adapter)

	msg := pendingMessage()
	store.put(msg)

	require.NoError(t, pool.ExecuteNow(context.Background(), msg.ID))

	got := store.get(msg.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	assert.Contains(t, got.ErrorMessage, "invalid recipient")
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	adapter.singleErr = &ProviderError{Provider: "fake", Err: assert.AnError}
	pool := newTestPool(store, adapter)

	msg := pendingMessage()
	store.put(msg)

	before := time.Now()
	require.NoError(t, pool.ExecuteNow(context.Background(), msg.ID))

	got := store.get(msg.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	// First retry backs off one base delay.
	assert.WithinDuration(t, before.Add(time.Second), *got.NextRetryAt, 500*time.Millisecond)
}

func TestRetryExhaustionFails(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	adapter.singleErr = &ProviderError{Provider: "fake", Err: assert.AnError}
	pool := newTestPool(store, adapter)

	msg := pendingMessage(func(m *Message) { m.Attempts = 2 })
	store.put(msg)

	require.NoError(t, pool.ExecuteNow(context.Background(), msg.ID))

	got := store.get(msg.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
}

func TestWorkerPoolDrainsPending(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	pool := newTestPool(store, adapter)

	for i := 0; i < 5; i++ {
		store.put(pendingMessage())
	}
	future := time.Now().Add(time.Hour)
	delayed := pendingMessage(func(m *Message) { m.ScheduledAt = &future })
	store.put(delayed)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return adapter.sentCount() == 5
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, StatusPending, store.get(delayed.ID).Status, "future message must stay pending")
	assert.Equal(t, int64(5), pool.Stats()["total_sent"])
}
