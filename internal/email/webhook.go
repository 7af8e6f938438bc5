package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// WebhookEvent is a single provider callback normalized to the engine's
// vocabulary before it touches the store. MessageID is the engine's own
// ID echoed back through the vendor's custom variables; bulk sends share
// one vendor transmission ID across the batch, so it is the only
// per-recipient correlation key on those paths.
type WebhookEvent struct {
	Provider          string
	Type              string
	MessageID         string
	ProviderMessageID string
	Recipient         string
	Reason            string
	Timestamp         time.Time
	Raw               json.RawMessage
}

// Ingester turns raw provider webhook payloads into message state updates.
// Every payload is recorded to the audit table before matching; events for
// unknown provider message IDs are logged and dropped.
type Ingester struct {
	store    MessageStore
	registry *UnsubscribeRegistry
	log      *logger.Logger
}

// NewIngester creates a webhook ingester. registry may be nil; unsubscribe
// events then only update the message record.
func NewIngester(store MessageStore, registry *UnsubscribeRegistry) *Ingester {
	return &Ingester{
		store:    store,
		registry: registry,
		log:      logger.With("webhook"),
	}
}

// Ingest parses and applies a provider payload. Parse errors are returned;
// unmatched or unrecognized events are not errors.
func (i *Ingester) Ingest(ctx context.Context, provider string, payload []byte) error {
	events, err := parseWebhookPayload(provider, payload)
	if err != nil {
		// Keep the raw body for debugging even when it cannot be parsed.
		if rerr := i.store.RecordWebhookEvent(ctx, provider, "unparsed", "", payload, time.Now().UTC()); rerr != nil {
			i.log.Error("recording unparsed webhook payload", "provider", provider, "error", rerr)
		}
		return fmt.Errorf("parsing %s webhook payload: %w", provider, err)
	}
	for _, ev := range events {
		i.apply(ctx, ev)
	}
	return nil
}

func (i *Ingester) apply(ctx context.Context, ev WebhookEvent) {
	if err := i.store.RecordWebhookEvent(ctx, ev.Provider, ev.Type, ev.ProviderMessageID, ev.Raw, ev.Timestamp); err != nil {
		i.log.Error("recording webhook event", "provider", ev.Provider, "error", err)
	}

	update, known := canonicalUpdate(ev)
	if !known {
		i.log.Debug("ignoring unrecognized webhook event",
			"provider", ev.Provider,
			"event_type", ev.Type,
		)
		return
	}
	if ev.MessageID == "" && ev.ProviderMessageID == "" {
		i.log.Warn("webhook event without any message id",
			"provider", ev.Provider,
			"event_type", ev.Type,
		)
		return
	}

	m, err := i.lookup(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			i.log.Warn("webhook event for unknown message",
				"provider", ev.Provider,
				"event_type", ev.Type,
				"provider_message_id", ev.ProviderMessageID,
			)
			return
		}
		i.log.Error("looking up webhook message", "provider", ev.Provider, "error", err)
		return
	}

	if err := i.store.ApplyEvent(ctx, m.ID, update); err != nil {
		i.log.Error("applying webhook event",
			"message_id", m.ID.String(),
			"event_type", ev.Type,
			"error", err,
		)
		return
	}

	if ev.Type == "unsubscribed" && i.registry != nil {
		recipient := ev.Recipient
		if recipient == "" && len(m.To) > 0 {
			recipient = m.To[0]
		}
		if recipient != "" {
			if _, err := i.registry.Unsubscribe(ctx, recipient, m.Category); err != nil {
				i.log.Error("recording webhook unsubscribe", "error", err)
			}
		}
	}

	i.log.Info("webhook event applied",
		"message_id", m.ID.String(),
		"provider", ev.Provider,
		"event_type", ev.Type,
	)
}

// lookup resolves the event's message. The engine's own ID takes
// precedence: within a bulk transmission it is the only key that is
// unique per recipient. The vendor-assigned ID serves single sends and
// vendors without custom-variable echo.
func (i *Ingester) lookup(ctx context.Context, ev WebhookEvent) (*Message, error) {
	if ev.MessageID != "" {
		if id, perr := uuid.Parse(ev.MessageID); perr == nil {
			m, err := i.store.Get(ctx, id)
			if err == nil {
				return m, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
	}
	if ev.ProviderMessageID == "" {
		return nil, ErrNotFound
	}
	return i.store.GetByProviderMessageID(ctx, ev.ProviderMessageID)
}

// canonicalUpdate maps a normalized event to the field update it implies.
// The second return is false for event types the engine does not track.
func canonicalUpdate(ev WebhookEvent) (EventUpdate, bool) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch ev.Type {
	case "delivered":
		return EventUpdate{Status: StatusDelivered, DeliveredAt: &at}, true
	case "opened":
		return EventUpdate{OpenedAt: &at}, true
	case "clicked":
		return EventUpdate{ClickedAt: &at}, true
	case "bounced":
		return EventUpdate{Status: StatusBounced, BouncedAt: &at, BounceReason: ev.Reason}, true
	case "failed":
		return EventUpdate{Status: StatusFailed, ErrorMessage: ev.Reason}, true
	case "spam_reported":
		return EventUpdate{Status: StatusSpamReported, SpamReportedAt: &at}, true
	case "unsubscribed":
		return EventUpdate{Status: StatusUnsubscribed, UnsubscribedAt: &at}, true
	}
	return EventUpdate{}, false
}

// normalizeEventType folds the providers' event vocabularies into one.
func normalizeEventType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered", "delivery":
		return "delivered"
	case "open", "opened":
		return "opened"
	case "click", "clicked":
		return "clicked"
	case "bounce", "bounced", "hardbounce", "permanent_fail":
		return "bounced"
	case "dropped", "failed", "temporary_fail", "renderingfailure":
		return "failed"
	case "spam", "spamreport", "spam_report", "complained", "complaint":
		return "spam_reported"
	case "unsubscribe", "unsubscribed", "group_unsubscribe":
		return "unsubscribed"
	}
	return raw
}

func parseWebhookPayload(provider string, payload []byte) ([]WebhookEvent, error) {
	switch provider {
	case "sendgrid":
		return parseSendGridEvents(payload)
	case "mailgun":
		return parseMailgunEvent(payload)
	case "ses":
		return parseSESNotification(payload)
	}
	return nil, fmt.Errorf("unknown webhook provider %q", provider)
}

// SendGrid posts a JSON array of flat event objects.
func parseSendGridEvents(payload []byte) ([]WebhookEvent, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	events := make([]WebhookEvent, 0, len(raw))
	for _, item := range raw {
		var ev struct {
			Event       string `json:"event"`
			Email       string `json:"email"`
			Timestamp   int64  `json:"timestamp"`
			SGMessageID string `json:"sg_message_id"`
			// custom_args are flattened into the event object; message_id
			// is the engine's ID set at send time.
			MessageID string `json:"message_id"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(item, &ev); err != nil {
			return nil, err
		}
		// sg_message_id carries a routing suffix after the first dot.
		id := ev.SGMessageID
		if dot := strings.IndexByte(id, '.'); dot > 0 {
			id = id[:dot]
		}
		events = append(events, WebhookEvent{
			Provider:          "sendgrid",
			Type:              normalizeEventType(ev.Event),
			MessageID:         ev.MessageID,
			ProviderMessageID: id,
			Recipient:         ev.Email,
			Reason:            ev.Reason,
			Timestamp:         time.Unix(ev.Timestamp, 0).UTC(),
			Raw:               item,
		})
	}
	return events, nil
}

// Mailgun posts one event per request under "event-data".
func parseMailgunEvent(payload []byte) ([]WebhookEvent, error) {
	var body struct {
		EventData struct {
			Event     string  `json:"event"`
			Timestamp float64 `json:"timestamp"`
			Recipient string  `json:"recipient"`
			Message   struct {
				Headers struct {
					MessageID string `json:"message-id"`
				} `json:"headers"`
			} `json:"message"`
			DeliveryStatus struct {
				Message     string `json:"message"`
				Description string `json:"description"`
			} `json:"delivery-status"`
			UserVariables struct {
				MessageID string `json:"message_id"`
			} `json:"user-variables"`
			Reason string `json:"reason"`
		} `json:"event-data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	ed := body.EventData
	if ed.Event == "" {
		return nil, fmt.Errorf("missing event-data")
	}
	reason := ed.Reason
	if reason == "" {
		reason = ed.DeliveryStatus.Description
	}
	if reason == "" {
		reason = ed.DeliveryStatus.Message
	}
	return []WebhookEvent{{
		Provider:          "mailgun",
		Type:              normalizeEventType(ed.Event),
		MessageID:         ed.UserVariables.MessageID,
		ProviderMessageID: ed.Message.Headers.MessageID,
		Recipient:         ed.Recipient,
		Reason:            reason,
		Timestamp:         time.Unix(int64(ed.Timestamp), 0).UTC(),
		Raw:               payload,
	}}, nil
}

// SES events arrive wrapped in an SNS notification envelope; the event
// JSON is the string Message field. A bare event body is also accepted
// for direct delivery configurations.
func parseSESNotification(payload []byte) ([]WebhookEvent, error) {
	var envelope struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	body := payload
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Message != "" {
		body = []byte(envelope.Message)
	}

	var ev struct {
		EventType        string `json:"eventType"`
		NotificationType string `json:"notificationType"`
		Mail             struct {
			MessageID   string   `json:"messageId"`
			Timestamp   string   `json:"timestamp"`
			Destination []string `json:"destination"`
		} `json:"mail"`
		Bounce struct {
			BounceType string `json:"bounceType"`
			Timestamp  string `json:"timestamp"`
		} `json:"bounce"`
		Complaint struct {
			Timestamp string `json:"timestamp"`
		} `json:"complaint"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	eventType := ev.EventType
	if eventType == "" {
		eventType = ev.NotificationType
	}
	if eventType == "" {
		return nil, fmt.Errorf("missing eventType")
	}

	ts := ev.Mail.Timestamp
	switch normalizeEventType(eventType) {
	case "bounced":
		if ev.Bounce.Timestamp != "" {
			ts = ev.Bounce.Timestamp
		}
	case "spam_reported":
		if ev.Complaint.Timestamp != "" {
			ts = ev.Complaint.Timestamp
		}
	}
	at, _ := time.Parse(time.RFC3339, ts)

	reason := ""
	if ev.Bounce.BounceType != "" {
		reason = "bounce type " + ev.Bounce.BounceType
	}
	recipient := ""
	if len(ev.Mail.Destination) > 0 {
		recipient = ev.Mail.Destination[0]
	}
	return []WebhookEvent{{
		Provider:          "ses",
		Type:              normalizeEventType(eventType),
		ProviderMessageID: ev.Mail.MessageID,
		Recipient:         recipient,
		Reason:            reason,
		Timestamp:         at.UTC(),
		Raw:               body,
	}}, nil
}
