package email

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory MessageStore with the same claim and
// idempotence semantics as the Postgres implementation.
type memStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message
	events   []recordedEvent
}

type recordedEvent struct {
	Provider          string
	EventType         string
	ProviderMessageID string
}

func newMemStore() *memStore {
	return &memStore{messages: map[uuid.UUID]*Message{}}
}

func (s *memStore) Create(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *memStore) CreateBatch(ctx context.Context, msgs []*Message) error {
	for _, m := range msgs {
		if err := s.Create(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) GetByProviderMessageID(_ context.Context, providerMessageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ProviderMessageID == providerMessageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) ClaimDue(_ context.Context, workerID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*Message
	for _, m := range s.messages {
		if m.Status != StatusPending {
			continue
		}
		if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Message, 0, len(due))
	for _, m := range due {
		m.Status = StatusQueued
		cp := *m
		out = append(out, &cp)
	}
	_ = workerID
	return out, nil
}

func (s *memStore) Claim(_ context.Context, id uuid.UUID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Status != StatusPending {
		return false, nil
	}
	m.Status = StatusQueued
	return true, nil
}

func (s *memStore) MarkSent(_ context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != StatusQueued {
		return fmt.Errorf("message %s is %s, not queued", id, m.Status)
	}
	m.Status = StatusSent
	m.Attempts++
	m.LastAttemptAt = &at
	m.NextRetryAt = nil
	m.ProviderMessageID = providerMessageID
	m.SentAt = &at
	return nil
}

func (s *memStore) MarkRetry(_ context.Context, id uuid.UUID, errMsg string, at, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != StatusQueued {
		return fmt.Errorf("message %s is %s, not queued", id, m.Status)
	}
	m.Status = StatusPending
	m.Attempts++
	m.LastAttemptAt = &at
	m.NextRetryAt = &nextRetryAt
	m.ErrorMessage = errMsg
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusFailed
	m.Attempts++
	m.LastAttemptAt = &at
	m.NextRetryAt = nil
	m.ErrorMessage = errMsg
	return nil
}

func (s *memStore) MarkUnroutable(_ context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != StatusQueued {
		return fmt.Errorf("message %s is %s, not queued", id, m.Status)
	}
	m.Status = StatusFailed
	m.NextRetryAt = nil
	m.ErrorMessage = errMsg
	return nil
}

func (s *memStore) Release(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != StatusQueued {
		return fmt.Errorf("message %s is %s, not queued", id, m.Status)
	}
	m.Status = StatusPending
	return nil
}

func (s *memStore) MarkExpired(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusExpired
	return nil
}

func (s *memStore) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != StatusPending {
		return false, nil
	}
	m.Status = StatusCancelled
	return true, nil
}

func (s *memStore) ApplyEvent(_ context.Context, id uuid.UUID, update EventUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if update.Status != "" && !m.Status.Terminal() {
		m.Status = update.Status
	}
	setIfUnset := func(dst **time.Time, src *time.Time) {
		if *dst == nil && src != nil {
			*dst = src
		}
	}
	setIfUnset(&m.DeliveredAt, update.DeliveredAt)
	setIfUnset(&m.OpenedAt, update.OpenedAt)
	setIfUnset(&m.ClickedAt, update.ClickedAt)
	setIfUnset(&m.BouncedAt, update.BouncedAt)
	setIfUnset(&m.SpamReportedAt, update.SpamReportedAt)
	setIfUnset(&m.UnsubscribedAt, update.UnsubscribedAt)
	if m.BounceReason == "" {
		m.BounceReason = update.BounceReason
	}
	if update.ErrorMessage != "" && m.ErrorMessage == "" {
		m.ErrorMessage = update.ErrorMessage
	}
	return nil
}

func (s *memStore) RecordWebhookEvent(_ context.Context, provider, eventType, providerMessageID string, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{
		Provider:          provider,
		EventType:         eventType,
		ProviderMessageID: providerMessageID,
	})
	return nil
}

func (s *memStore) ReleaseStuck(_ context.Context, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status == StatusQueued {
			m.Status = StatusPending
			n++
		}
	}
	return n, nil
}

func (s *memStore) Aggregate(_ context.Context, _, _ *time.Time) (*Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics := &Metrics{}
	for _, m := range s.messages {
		if m.SentAt != nil {
			metrics.TotalSent++
		}
		if m.DeliveredAt != nil {
			metrics.TotalDelivered++
		}
		if m.OpenedAt != nil {
			metrics.TotalOpened++
		}
		if m.ClickedAt != nil {
			metrics.TotalClicked++
		}
		if m.BouncedAt != nil {
			metrics.TotalBounced++
		}
	}
	if metrics.TotalSent > 0 {
		metrics.DeliveryRate = float64(metrics.TotalDelivered) / float64(metrics.TotalSent) * 100
		metrics.BounceRate = float64(metrics.TotalBounced) / float64(metrics.TotalSent) * 100
	}
	if metrics.TotalDelivered > 0 {
		metrics.OpenRate = float64(metrics.TotalOpened) / float64(metrics.TotalDelivered) * 100
	}
	return metrics, nil
}

func (s *memStore) get(id uuid.UUID) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *memStore) put(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
}

// fakeAdapter is a scriptable ProviderAdapter.
type fakeAdapter struct {
	name     string
	maxBatch int

	mu         sync.Mutex
	singleErr  error
	bulkErr    error
	itemErrs   map[int]error // keyed by bulk item index
	sent       []*Message
	batches    [][]*Message
	batchTimes []time.Time
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, maxBatch: 1000}
}

func (a *fakeAdapter) Name() string      { return a.name }
func (a *fakeAdapter) MaxBatchSize() int { return a.maxBatch }

func (a *fakeAdapter) SendSingle(_ context.Context, msg *Message) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.singleErr != nil {
		return "", a.singleErr
	}
	a.sent = append(a.sent, msg)
	return fmt.Sprintf("%s-%s", a.name, msg.ID), nil
}

func (a *fakeAdapter) SendBulk(_ context.Context, msgs []*Message) (*BatchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, msgs)
	a.batchTimes = append(a.batchTimes, time.Now())
	if a.bulkErr != nil {
		return nil, a.bulkErr
	}
	result := &BatchResult{Results: make([]SendResult, len(msgs))}
	for i, m := range msgs {
		if err, ok := a.itemErrs[i]; ok {
			result.Results[i] = SendResult{Err: err}
			continue
		}
		a.sent = append(a.sent, m)
		result.Results[i] = SendResult{ProviderMessageID: fmt.Sprintf("%s-%s", a.name, m.ID)}
	}
	return result, nil
}

func (a *fakeAdapter) ValidateWebhookSignature(_ []byte, _ string) bool { return true }

func (a *fakeAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}
