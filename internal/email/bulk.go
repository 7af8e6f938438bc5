package email

import (
	"context"
	"time"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// BulkDispatcher drives a set of composed messages through the provider's
// bulk call: messages are grouped by provider, chunked into batches, and
// each batch is preceded by a rate-limiter throttle. A batch-level
// provider failure counts as a failed attempt for every message in the
// batch, individually subject to the retry policy; retried messages
// return to pending and are picked up by the worker pool.
type BulkDispatcher struct {
	store     MessageStore
	providers *ProviderRegistry
	retry     *RetryPolicy
	limiter   *RateLimiter
	batchSize int
	workerID  string
	log       *logger.Logger
}

// NewBulkDispatcher creates a dispatcher.
func NewBulkDispatcher(store MessageStore, providers *ProviderRegistry, retry *RetryPolicy, limiter *RateLimiter, batchSize int) *BulkDispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BulkDispatcher{
		store:     store,
		providers: providers,
		retry:     retry,
		limiter:   limiter,
		batchSize: batchSize,
		workerID:  "bulk-dispatcher",
		log:       logger.With("bulk"),
	}
}

// Dispatch sends the messages in rate-limited batches. Messages that lost
// their pending status since composition (cancelled, raced) are skipped;
// the per-message store state carries every outcome.
func (d *BulkDispatcher) Dispatch(ctx context.Context, msgs []*Message) {
	byProvider := map[string][]*Message{}
	for _, m := range msgs {
		byProvider[m.Provider] = append(byProvider[m.Provider], m)
	}

	for providerName, group := range byProvider {
		adapter, err := d.providers.Get(providerName)
		if err != nil {
			d.log.Error("no adapter for bulk group", "provider", providerName, "error", err)
			for _, m := range group {
				if d.claim(ctx, m) {
					_ = d.store.MarkUnroutable(ctx, m.ID, err.Error())
				}
			}
			continue
		}

		size := d.batchSize
		if max := adapter.MaxBatchSize(); max > 0 && max < size {
			size = max
		}

		for start := 0; start < len(group); start += size {
			end := start + size
			if end > len(group) {
				end = len(group)
			}
			if err := d.sendBatch(ctx, adapter, group[start:end]); err != nil {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (d *BulkDispatcher) sendBatch(ctx context.Context, adapter ProviderAdapter, batch []*Message) error {
	now := time.Now().UTC()

	// Claim each message; only still-pending ones go to the provider.
	claimed := batch[:0:0]
	for _, m := range batch {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			expiredCounter.Inc()
			_ = d.store.MarkExpired(ctx, m.ID)
			continue
		}
		if d.claim(ctx, m) {
			claimed = append(claimed, m)
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	// Inter-batch rate limit: one provider call per throttle grant.
	if err := d.limiter.Throttle(ctx); err != nil {
		// Shutdown mid-dispatch: no provider call was made, so the claims
		// go back untouched for the pool to pick up.
		for _, m := range claimed {
			_ = d.store.Release(ctx, m.ID)
		}
		return err
	}

	result, err := adapter.SendBulk(ctx, claimed)
	if err != nil {
		// Whole-batch failure: every message records a failed attempt.
		d.log.Warn("batch send failed",
			"provider", adapter.Name(),
			"count", len(claimed),
			"error", err,
		)
		for _, m := range claimed {
			failedCounter.WithLabelValues(adapter.Name()).Inc()
			_ = recordSendFailure(ctx, d.store, d.retry, m, err, now)
		}
		return err
	}

	for i, m := range claimed {
		item := result.Results[i]
		if item.Err != nil {
			failedCounter.WithLabelValues(adapter.Name()).Inc()
			_ = recordSendFailure(ctx, d.store, d.retry, m, item.Err, now)
			continue
		}
		sentCounter.WithLabelValues(adapter.Name()).Inc()
		_ = d.store.MarkSent(ctx, m.ID, item.ProviderMessageID, now)
	}

	d.log.Info("batch dispatched",
		"provider", adapter.Name(),
		"count", len(claimed),
		"accepted", result.Accepted(),
	)
	return nil
}

func (d *BulkDispatcher) claim(ctx context.Context, m *Message) bool {
	ok, err := d.store.Claim(ctx, m.ID, d.workerID)
	if err != nil {
		d.log.Error("bulk claim failed", "message_id", m.ID.String(), "error", err)
		return false
	}
	return ok
}
