// Package email implements the asynchronous email delivery engine:
// message lifecycle, provider adapters, queued and scheduled dispatch,
// retry with exponential backoff, rate-limited bulk sending, and
// webhook-driven delivery-status reconciliation.
package email

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a message.
//
// pending → queued → sent → {delivered, bounced, spam_reported, unsubscribed}
//
// A failed attempt routes queued back to pending with a retry schedule;
// retry exhaustion or a permanent provider rejection lands in failed.
// pending can also move to cancelled (explicit) or expired (deadline
// passed before dispatch). Opens and clicks are timestamps on the
// message, not states.
type Status string

const (
	StatusPending      Status = "pending"
	StatusQueued       Status = "queued"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusBounced      Status = "bounced"
	StatusFailed       Status = "failed"
	StatusSpamReported Status = "spam_reported"
	StatusUnsubscribed Status = "unsubscribed"
	StatusCancelled    Status = "cancelled"
	StatusExpired      Status = "expired"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusFailed, StatusSpamReported,
		StatusUnsubscribed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Priority orders dispatch. Urgent messages are sent synchronously,
// bypassing the queue.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// ParsePriority maps a priority name to its value. Unknown names map to
// normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Message is the persisted record of an outbound email and its lifecycle.
// Created by the Composer; mutated by the worker (send outcome) and the
// webhook ingester (delivery events); never deleted by this subsystem.
type Message struct {
	ID uuid.UUID

	To  []string
	Cc  []string
	Bcc []string

	FromEmail string
	FromName  string
	ReplyTo   string

	Subject      string
	HTMLContent  string
	TextContent  string
	TemplateID   string
	TemplateData map[string]interface{}

	Category string
	Priority Priority
	Provider string

	ScheduledAt *time.Time
	ExpiresAt   *time.Time

	Status            Status
	Attempts          int
	LastAttemptAt     *time.Time
	NextRetryAt       *time.Time
	ProviderMessageID string

	SentAt         *time.Time
	DeliveredAt    *time.Time
	OpenedAt       *time.Time
	ClickedAt      *time.Time
	BouncedAt      *time.Time
	BounceReason   string
	SpamReportedAt *time.Time
	UnsubscribedAt *time.Time
	ErrorMessage   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SendRequest is the input to Composer.Compose. Exactly one content
// source must resolve: html/text body, or a template reference.
type SendRequest struct {
	To  []string `json:"to"`
	Cc  []string `json:"cc,omitempty"`
	Bcc []string `json:"bcc,omitempty"`

	FromEmail string `json:"from_email,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`

	Subject      string                 `json:"subject"`
	HTMLContent  string                 `json:"html_content,omitempty"`
	TextContent  string                 `json:"text_content,omitempty"`
	TemplateID   string                 `json:"template_id,omitempty"`
	TemplateData map[string]interface{} `json:"template_data,omitempty"`

	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`
	Provider string `json:"provider,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// DeliveryStatus is the read-side snapshot returned to callers.
type DeliveryStatus struct {
	ID                uuid.UUID  `json:"id"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	ClickedAt         *time.Time `json:"clicked_at,omitempty"`
	BouncedAt         *time.Time `json:"bounced_at,omitempty"`
	BounceReason      string     `json:"bounce_reason,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

// Snapshot builds the delivery status view of a message.
func (m *Message) Snapshot() *DeliveryStatus {
	return &DeliveryStatus{
		ID:                m.ID,
		Status:            m.Status,
		Attempts:          m.Attempts,
		ProviderMessageID: m.ProviderMessageID,
		NextRetryAt:       m.NextRetryAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		OpenedAt:          m.OpenedAt,
		ClickedAt:         m.ClickedAt,
		BouncedAt:         m.BouncedAt,
		BounceReason:      m.BounceReason,
		ErrorMessage:      m.ErrorMessage,
	}
}

// Metrics summarizes delivery outcomes over a window. Rates are
// percentages; a rate is 0 when its denominator is 0.
type Metrics struct {
	TotalSent       int64   `json:"total_sent"`
	TotalDelivered  int64   `json:"total_delivered"`
	TotalOpened     int64   `json:"total_opened"`
	TotalClicked    int64   `json:"total_clicked"`
	TotalBounced    int64   `json:"total_bounced"`
	TotalSpam       int64   `json:"total_spam_reports"`
	TotalUnsub      int64   `json:"total_unsubscribes"`
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	SpamRate        float64 `json:"spam_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`

	// AverageDeliveryTime is the mean sent→delivered latency.
	AverageDeliveryTime time.Duration `json:"average_delivery_time"`
}

// UnsubscribeRecord is an immutable opt-out. An empty Category means a
// global opt-out for the address.
type UnsubscribeRecord struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
