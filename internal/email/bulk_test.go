package email

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(store MessageStore, adapter ProviderAdapter, perSecond, batchSize int) *BulkDispatcher {
	registry := NewProviderRegistry(adapter.Name())
	registry.Register(adapter)
	return NewBulkDispatcher(store, registry, NewRetryPolicy(3, time.Second), NewRateLimiter(perSecond, nil), batchSize)
}

func TestBulkDispatchChunksBatches(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	dispatcher := newTestDispatcher(store, adapter, 1000, 2)

	var msgs []*Message
	for i := 0; i < 5; i++ {
		m := pendingMessage()
		store.put(m)
		msgs = append(msgs, m)
	}

	dispatcher.Dispatch(context.Background(), msgs)

	assert.Len(t, adapter.batches, 3)
	assert.Equal(t, 5, adapter.sentCount())
	for _, m := range msgs {
		got := store.get(m.ID)
		assert.Equal(t, StatusSent, got.Status)
		assert.NotEmpty(t, got.ProviderMessageID)
	}
}

func TestBulkDispatchHonorsProviderBatchLimit(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	adapter.maxBatch = 2
	dispatcher := newTestDispatcher(store, adapter, 1000, 100)

	var msgs []*Message
	for i := 0; i < 4; i++ {
		m := pendingMessage()
		store.put(m)
		msgs = append(msgs, m)
	}

	dispatcher.Dispatch(context.Background(), msgs)

	require.Len(t, adapter.batches, 2)
	assert.Len(t, adapter.batches[0], 2)
	assert.Len(t, adapter.batches[1], 2)
}

func TestBulkDispatchSpacesBatches(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	dispatcher := newTestDispatcher(store, adapter, 10, 2) // 100ms per batch

	var msgs []*Message
	for i := 0; i < 4; i++ {
		m := pendingMessage()
		store.put(m)
		msgs = append(msgs, m)
	}

	dispatcher.Dispatch(context.Background(), msgs)

	require.Len(t, adapter.batchTimes, 2)
	gap := adapter.batchTimes[1].Sub(adapter.batchTimes[0])
	assert.GreaterOrEqual(t, gap, 90*time.Millisecond)
}

func TestBulkDispatchWholeBatchFailure(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	adapter.bulkErr = &ProviderError{Provider: "fake", Err: assert.AnError}
	dispatcher := newTestDispatcher(store, adapter, 1000, 10)

	var msgs []*Message
	for i := 0; i < 3; i++ {
		m := pendingMessage()
		store.put(m)
		msgs = append(msgs, m)
	}

	dispatcher.Dispatch(context.Background(), msgs)

	for _, m := range msgs {
		got := store.get(m.ID)
		assert.Equal(t, StatusPending, got.Status, "transient batch failure must reschedule")
		assert.Equal(t, 1, got.Attempts)
		assert.NotNil(t, got.NextRetryAt)
	}
}

func TestBulkDispatchPerItemFailure(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	adapter.itemErrs = map[int]error{1: &PermanentError{Provider: "fake", Reason: "mailbox unavailable"}}
	dispatcher := newTestDispatcher(store, adapter, 1000, 10)

	var msgs []*Message
	for i := 0; i < 3; i++ {
		m := pendingMessage()
		store.put(m)
		msgs = append(msgs, m)
	}

	dispatcher.Dispatch(context.Background(), msgs)

	assert.Equal(t, StatusSent, store.get(msgs[0].ID).Status)
	assert.Equal(t, StatusFailed, store.get(msgs[1].ID).Status)
	assert.Equal(t, StatusSent, store.get(msgs[2].ID).Status)
}

func TestBulkDispatchInterruptedReleasesClaims(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	dispatcher := newTestDispatcher(store, adapter, 10, 10)

	msg := pendingMessage()
	store.put(msg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatcher.Dispatch(ctx, []*Message{msg})

	assert.Zero(t, adapter.sentCount())
	got := store.get(msg.ID)
	assert.Equal(t, StatusPending, got.Status, "interrupted dispatch returns the claim")
	assert.Equal(t, 0, got.Attempts, "attempts count provider calls only")
}

func TestBulkDispatchUnknownProviderFailsWithoutAttempt(t *testing.T) {
	store := newMemStore()
	registry := NewProviderRegistry("sendgrid")
	dispatcher := NewBulkDispatcher(store, registry, NewRetryPolicy(3, time.Second), NewRateLimiter(1000, nil), 10)

	msg := pendingMessage(func(m *Message) { m.Provider = "ghost" })
	store.put(msg)

	dispatcher.Dispatch(context.Background(), []*Message{msg})

	got := store.get(msg.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestBulkDispatchSkipsCancelled(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	dispatcher := newTestDispatcher(store, adapter, 1000, 10)

	sendable := pendingMessage()
	cancelled := pendingMessage(func(m *Message) { m.Status = StatusCancelled })
	store.put(sendable)
	store.put(cancelled)

	dispatcher.Dispatch(context.Background(), []*Message{sendable, cancelled})

	assert.Equal(t, StatusSent, store.get(sendable.ID).Status)
	assert.Equal(t, StatusCancelled, store.get(cancelled.ID).Status)
	require.Len(t, adapter.batches, 1)
	assert.Len(t, adapter.batches[0], 1)
}

func TestBulkDispatchExpiresStale(t *testing.T) {
	store := newMemStore()
	adapter := newFakeAdapter("fake")
	dispatcher := newTestDispatcher(store, adapter, 1000, 10)

	past := time.Now().Add(-time.Minute)
	stale := pendingMessage(func(m *Message) { m.ExpiresAt = &past })
	store.put(stale)

	dispatcher.Dispatch(context.Background(), []*Message{stale})

	assert.Equal(t, StatusExpired, store.get(stale.ID).Status)
	assert.Zero(t, adapter.sentCount())
}
