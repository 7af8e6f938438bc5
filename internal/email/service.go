package email

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// Service is the engine's entry point: other platform services send,
// cancel, and query email through it. It composes the composer,
// scheduler, bulk dispatcher, registry, and aggregator; the worker pool
// drains the store independently.
type Service struct {
	store      MessageStore
	composer   *Composer
	scheduler  *Scheduler
	bulk       *BulkDispatcher
	registry   *UnsubscribeRegistry
	aggregator *Aggregator
	log        *logger.Logger
}

// NewService wires a service from its parts.
func NewService(store MessageStore, composer *Composer, scheduler *Scheduler, bulk *BulkDispatcher, registry *UnsubscribeRegistry) *Service {
	return &Service{
		store:      store,
		composer:   composer,
		scheduler:  scheduler,
		bulk:       bulk,
		registry:   registry,
		aggregator: NewAggregator(store),
		log:        logger.With("email"),
	}
}

// SendEmail accepts a single message for delivery and returns its ID.
// Validation, template, and opt-out failures surface here; send failures
// are asynchronous and visible through GetDeliveryStatus.
func (s *Service) SendEmail(ctx context.Context, req *SendRequest) (uuid.UUID, error) {
	msg, err := s.composer.Compose(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	return s.scheduler.Schedule(ctx, msg)
}

// BulkResultItem is the per-request outcome of SendBulkEmails.
type BulkResultItem struct {
	MessageID uuid.UUID `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SendBulkEmails accepts many requests and returns one result per item in
// input order. Rejected items do not block the rest; accepted items are
// persisted in one batch and handed to the bulk dispatcher.
func (s *Service) SendBulkEmails(ctx context.Context, reqs []*SendRequest) ([]BulkResultItem, error) {
	if len(reqs) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "must not be empty"}
	}

	results := make([]BulkResultItem, len(reqs))
	accepted := make([]*Message, 0, len(reqs))
	for idx, req := range reqs {
		msg, err := s.composer.Prepare(ctx, req)
		if err != nil {
			results[idx] = BulkResultItem{Error: err.Error()}
			continue
		}
		results[idx] = BulkResultItem{MessageID: msg.ID}
		accepted = append(accepted, msg)
	}
	if len(accepted) > 0 {
		if err := s.store.CreateBatch(ctx, accepted); err != nil {
			return nil, fmt.Errorf("persisting bulk messages: %w", err)
		}
	}

	// Future-scheduled items stay with the pollers; the rest dispatch now.
	now := time.Now()
	dispatch := make([]*Message, 0, len(accepted))
	for _, m := range accepted {
		if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
			continue
		}
		dispatch = append(dispatch, m)
	}
	if len(dispatch) > 0 {
		s.bulk.Dispatch(ctx, dispatch)
	}

	s.log.Info("bulk send accepted",
		"requested", len(reqs),
		"accepted", len(accepted),
		"dispatched", len(dispatch),
	)
	return results, nil
}

// CancelScheduledEmail cancels a message that has not been dispatched.
// Messages already claimed, sent, or terminal cannot be cancelled.
func (s *Service) CancelScheduledEmail(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancelling message %s: %w", id, err)
	}
	if !ok {
		m, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("message is %s and cannot be cancelled", m.Status),
		}
	}
	s.log.Info("message cancelled", "message_id", id.String())
	return nil
}

// GetDeliveryStatus returns the current lifecycle snapshot of a message.
func (s *Service) GetDeliveryStatus(ctx context.Context, id uuid.UUID) (*DeliveryStatus, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// GetMetrics aggregates delivery metrics over an optional time window.
func (s *Service) GetMetrics(ctx context.Context, start, end *time.Time) (*Metrics, error) {
	return s.aggregator.Window(ctx, start, end)
}

// Unsubscribe records an opt-out for an address. An empty category is a
// global opt-out.
func (s *Service) Unsubscribe(ctx context.Context, email, category string) error {
	_, err := s.registry.Unsubscribe(ctx, email, category)
	return err
}

// IsUnsubscribed reports whether the address is opted out of the
// category, directly or by a global opt-out.
func (s *Service) IsUnsubscribed(ctx context.Context, email, category string) (bool, error) {
	return s.registry.IsUnsubscribed(ctx, email, category)
}
