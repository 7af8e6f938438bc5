package email

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// Executor runs a single message through the send path immediately. The
// worker pool implements it; the scheduler uses it for the urgent inline
// path.
type Executor interface {
	ExecuteNow(ctx context.Context, id uuid.UUID) error
}

// Scheduler decides the dispatch path for a freshly composed message:
// delayed (future scheduled_at), synchronous inline (urgent), or
// immediate queue pickup. It never moves status off pending; only the
// worker does, at execution time, after re-reading the persisted status.
type Scheduler struct {
	executor Executor
	log      *logger.Logger
}

// NewScheduler creates a scheduler over the given executor.
func NewScheduler(executor Executor) *Scheduler {
	return &Scheduler{executor: executor, log: logger.With("scheduler")}
}

// Schedule routes the message and returns its ID. Delayed and immediate
// messages are picked up by workers through the store's due-claim query;
// urgent messages are sent inline, the caller blocking on the provider
// call. A provider failure on the inline path is recorded on the message
// and never propagates: the message ID is already the caller's handle.
func (s *Scheduler) Schedule(ctx context.Context, m *Message) (uuid.UUID, error) {
	now := time.Now()

	if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
		s.log.Info("dispatch delayed",
			"message_id", m.ID.String(),
			"scheduled_at", m.ScheduledAt.Format(time.RFC3339),
		)
		return m.ID, nil
	}

	if m.Priority == PriorityUrgent {
		s.log.Info("dispatching inline", "message_id", m.ID.String())
		if err := s.executor.ExecuteNow(ctx, m.ID); err != nil {
			s.log.Warn("inline dispatch failed",
				"message_id", m.ID.String(),
				"error", err,
			)
		}
		return m.ID, nil
	}

	s.log.Debug("queued for pickup", "message_id", m.ID.String())
	return m.ID, nil
}
