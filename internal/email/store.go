package email

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventUpdate is a narrow, idempotent field update applied by the webhook
// ingester. Timestamps are set only if currently unset; a Status change is
// ignored when the message is already terminal.
type EventUpdate struct {
	Status         Status // empty means no status change
	DeliveredAt    *time.Time
	OpenedAt       *time.Time
	ClickedAt      *time.Time
	BouncedAt      *time.Time
	BounceReason   string
	SpamReportedAt *time.Time
	UnsubscribedAt *time.Time
	ErrorMessage   string
}

// MessageStore is the persisted record of every message and its lifecycle
// state. All components share it through this interface; there is no other
// shared mutable state in the engine.
type MessageStore interface {
	Create(ctx context.Context, m *Message) error
	CreateBatch(ctx context.Context, msgs []*Message) error
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*Message, error)

	// ClaimDue atomically flips due pending messages to queued and returns
	// them, skipping rows claimed by concurrent workers.
	ClaimDue(ctx context.Context, workerID string, limit int) ([]*Message, error)
	// Claim flips a single pending message to queued. Returns false when
	// the message is no longer pending (cancelled, expired, already sent).
	Claim(ctx context.Context, id uuid.UUID, workerID string) (bool, error)

	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, errMsg string, at, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error
	// MarkUnroutable is a terminal failure for a message no registered
	// adapter can carry. No provider call happened, so no attempt counts.
	MarkUnroutable(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkExpired(ctx context.Context, id uuid.UUID) error

	// Release returns a claimed message to pending untouched, for dispatch
	// paths interrupted before the provider call.
	Release(ctx context.Context, id uuid.UUID) error

	// Cancel moves a pending message to cancelled. Returns false otherwise.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)

	ApplyEvent(ctx context.Context, id uuid.UUID, update EventUpdate) error
	RecordWebhookEvent(ctx context.Context, provider, eventType, providerMessageID string, payload []byte, at time.Time) error

	// ReleaseStuck returns messages stuck in queued (claimed by a worker
	// that died) back to pending. Returns the number released.
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	Aggregate(ctx context.Context, start, end *time.Time) (*Metrics, error)
}

// PostgresStore implements MessageStore on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store over the given connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `id, to_addresses, cc_addresses, bcc_addresses,
	from_email, from_name, reply_to, subject, html_content, text_content,
	template_id, template_data, category, priority, provider,
	scheduled_at, expires_at, status, attempts, last_attempt_at,
	next_retry_at, provider_message_id, sent_at, delivered_at, opened_at,
	clicked_at, bounced_at, bounce_reason, spam_reported_at,
	unsubscribed_at, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (*Message, error) {
	m := &Message{}
	var templateData []byte
	err := r.Scan(
		&m.ID, pq.Array(&m.To), pq.Array(&m.Cc), pq.Array(&m.Bcc),
		&m.FromEmail, &m.FromName, &m.ReplyTo, &m.Subject, &m.HTMLContent, &m.TextContent,
		&m.TemplateID, &templateData, &m.Category, &m.Priority, &m.Provider,
		&m.ScheduledAt, &m.ExpiresAt, &m.Status, &m.Attempts, &m.LastAttemptAt,
		&m.NextRetryAt, &m.ProviderMessageID, &m.SentAt, &m.DeliveredAt, &m.OpenedAt,
		&m.ClickedAt, &m.BouncedAt, &m.BounceReason, &m.SpamReportedAt,
		&m.UnsubscribedAt, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(templateData) > 0 {
		if err := json.Unmarshal(templateData, &m.TemplateData); err != nil {
			return nil, fmt.Errorf("parse template_data for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// Create persists a new message.
func (s *PostgresStore) Create(ctx context.Context, m *Message) error {
	templateData, err := marshalTemplateData(m.TemplateData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_messages (
			id, to_addresses, cc_addresses, bcc_addresses,
			from_email, from_name, reply_to, subject, html_content, text_content,
			template_id, template_data, category, priority, provider,
			scheduled_at, expires_at, status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
	`,
		m.ID, pq.Array(m.To), pq.Array(m.Cc), pq.Array(m.Bcc),
		m.FromEmail, m.FromName, m.ReplyTo, m.Subject, m.HTMLContent, m.TextContent,
		m.TemplateID, templateData, m.Category, m.Priority, m.Provider,
		m.ScheduledAt, m.ExpiresAt, m.Status, m.Attempts, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// CreateBatch persists many messages in one COPY transaction.
func (s *PostgresStore) CreateBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.Prepare(pq.CopyIn(
		"email_messages",
		"id", "to_addresses", "cc_addresses", "bcc_addresses",
		"from_email", "from_name", "reply_to", "subject", "html_content", "text_content",
		"template_id", "template_data", "category", "priority", "provider",
		"scheduled_at", "expires_at", "status", "attempts", "created_at", "updated_at",
	))
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}

	for _, m := range msgs {
		templateData, err := marshalTemplateData(m.TemplateData)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(
			m.ID, pq.Array(m.To), pq.Array(m.Cc), pq.Array(m.Bcc),
			m.FromEmail, m.FromName, m.ReplyTo, m.Subject, m.HTMLContent, m.TextContent,
			m.TemplateID, templateData, m.Category, m.Priority, m.Provider,
			m.ScheduledAt, m.ExpiresAt, m.Status, m.Attempts, m.CreatedAt, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("batch insert %s: %w", m.ID, err)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		return fmt.Errorf("flush batch insert: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close batch insert: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit batch insert: %w", err)
	}
	return nil
}

func marshalTemplateData(data map[string]interface{}) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal template data: %w", err)
	}
	return string(raw), nil
}

// Get loads a message by ID. Returns ErrNotFound for unknown IDs.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return m, nil
}

// GetByProviderMessageID loads a message by the vendor-assigned ID.
func (s *PostgresStore) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE provider_message_id = $1`, providerMessageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message by provider id: %w", err)
	}
	return m, nil
}

// ClaimDue claims due pending messages for a worker. The CAS to queued is
// the at-most-one-sender guard: a message lost to a concurrent claim is
// simply absent from the result.
func (s *PostgresStore) ClaimDue(ctx context.Context, workerID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_messages
		SET status = 'queued', worker_id = $1, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_messages
			WHERE status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Claim flips one pending message to queued.
func (s *PostgresStore) Claim(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'queued', worker_id = $2, locked_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, workerID)
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSent records a successful provider handoff. The attempt counts.
func (s *PostgresStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'sent', provider_message_id = $2, sent_at = $3,
		    attempts = attempts + 1, last_attempt_at = $3,
		    next_retry_at = NULL, worker_id = '', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, providerMessageID, at)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return nil
}

// MarkRetry records a failed attempt and reschedules the message.
func (s *PostgresStore) MarkRetry(ctx context.Context, id uuid.UUID, errMsg string, at, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'pending', attempts = attempts + 1, last_attempt_at = $3,
		    next_retry_at = $4, error_message = $2,
		    worker_id = '', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, errMsg, at, nextRetryAt)
	if err != nil {
		return fmt.Errorf("mark retry %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a terminal failure (retries exhausted or permanent
// vendor rejection).
func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'failed', attempts = attempts + 1, last_attempt_at = $3,
		    error_message = $2, next_retry_at = NULL,
		    worker_id = '', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, errMsg, at)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// MarkUnroutable fails a message without counting an attempt. Attempts
// track actual provider calls only; a missing adapter never made one.
func (s *PostgresStore) MarkUnroutable(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'failed', error_message = $2, next_retry_at = NULL,
		    worker_id = '', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark unroutable %s: %w", id, err)
	}
	return nil
}

// Release undoes a claim without attempt bookkeeping. The message becomes
// claimable again exactly as it was before the claim.
func (s *PostgresStore) Release(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'pending', worker_id = '', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id)
	if err != nil {
		return fmt.Errorf("release message %s: %w", id, err)
	}
	return nil
}

// MarkExpired abandons a message whose deadline passed before dispatch.
func (s *PostgresStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'expired', worker_id = '', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, id)
	if err != nil {
		return fmt.Errorf("mark expired %s: %w", id, err)
	}
	return nil
}

// Cancel moves a pending message to cancelled. A message a worker already
// claimed is past cancellation; the worker's status re-check is
// authoritative.
func (s *PostgresStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApplyEvent applies a webhook-driven update in a single guarded
// statement: terminal statuses are never overwritten and timestamps are
// first-occurrence-only, so replays and conflicting late events are
// no-ops.
func (s *PostgresStore) ApplyEvent(ctx context.Context, id uuid.UUID, u EventUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET
			status = CASE
				WHEN $2 = '' THEN status
				WHEN status IN ('delivered','bounced','failed','spam_reported','unsubscribed','cancelled','expired') THEN status
				ELSE $2
			END,
			delivered_at     = COALESCE(delivered_at, $3),
			opened_at        = COALESCE(opened_at, $4),
			clicked_at       = COALESCE(clicked_at, $5),
			bounced_at       = COALESCE(bounced_at, $6),
			bounce_reason    = CASE WHEN bounce_reason = '' THEN $7 ELSE bounce_reason END,
			spam_reported_at = COALESCE(spam_reported_at, $8),
			unsubscribed_at  = COALESCE(unsubscribed_at, $9),
			error_message    = CASE WHEN error_message = '' THEN $10 ELSE error_message END,
			updated_at       = NOW()
		WHERE id = $1
	`, id, string(u.Status), u.DeliveredAt, u.OpenedAt, u.ClickedAt,
		u.BouncedAt, u.BounceReason, u.SpamReportedAt, u.UnsubscribedAt, u.ErrorMessage)
	if err != nil {
		return fmt.Errorf("apply event to %s: %w", id, err)
	}
	return nil
}

// RecordWebhookEvent appends a raw vendor event to the audit table before
// canonical processing, for replay and debugging.
func (s *PostgresStore) RecordWebhookEvent(ctx context.Context, provider, eventType, providerMessageID string, payload []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_webhook_events (provider, event_type, provider_message_id, payload, event_at)
		VALUES ($1, $2, $3, $4, $5)
	`, provider, eventType, providerMessageID, payload, at)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

// ReleaseStuck reclaims messages stuck in queued past the lock timeout,
// typically after a worker crash mid-send.
func (s *PostgresStore) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET status = 'pending', worker_id = '', locked_at = NULL, updated_at = NOW()
		WHERE status = 'queued' AND locked_at < NOW() - ($1 * INTERVAL '1 second')
	`, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("release stuck messages: %w", err)
	}
	return res.RowsAffected()
}

// Aggregate computes delivery metrics over the window. Nil bounds are
// open-ended.
func (s *PostgresStore) Aggregate(ctx context.Context, start, end *time.Time) (*Metrics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE sent_at IS NOT NULL),
			COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
			COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
			COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
			COUNT(*) FILTER (WHERE bounced_at IS NOT NULL),
			COUNT(*) FILTER (WHERE spam_reported_at IS NOT NULL),
			COUNT(*) FILTER (WHERE unsubscribed_at IS NOT NULL),
			COALESCE(EXTRACT(EPOCH FROM AVG(delivered_at - sent_at)), 0)
		FROM email_messages
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
	`, start, end)

	m := &Metrics{}
	var avgSeconds float64
	if err := row.Scan(
		&m.TotalSent, &m.TotalDelivered, &m.TotalOpened, &m.TotalClicked,
		&m.TotalBounced, &m.TotalSpam, &m.TotalUnsub, &avgSeconds,
	); err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}

	m.AverageDeliveryTime = time.Duration(avgSeconds * float64(time.Second))
	m.DeliveryRate = rate(m.TotalDelivered, m.TotalSent)
	m.OpenRate = rate(m.TotalOpened, m.TotalDelivered)
	m.ClickRate = rate(m.TotalClicked, m.TotalDelivered)
	m.BounceRate = rate(m.TotalBounced, m.TotalSent)
	m.SpamRate = rate(m.TotalSpam, m.TotalSent)
	m.UnsubscribeRate = rate(m.TotalUnsub, m.TotalSent)
	return m, nil
}

func rate(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den) * 100
}
