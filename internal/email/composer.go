package email

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// Composer validates and normalizes an outbound request into a persisted
// message. Validation and opt-out failures surface synchronously; nothing
// is persisted when a request is rejected.
type Composer struct {
	store    MessageStore
	registry *UnsubscribeRegistry
	renderer TemplateRenderer

	defaultFromEmail string
	defaultFromName  string
	defaultProvider  string

	log *logger.Logger
}

// NewComposer creates a composer. renderer may be nil when template
// content sources are not configured; requests referencing a template are
// then rejected.
func NewComposer(store MessageStore, registry *UnsubscribeRegistry, renderer TemplateRenderer, fromEmail, fromName, provider string) *Composer {
	return &Composer{
		store:            store,
		registry:         registry,
		renderer:         renderer,
		defaultFromEmail: fromEmail,
		defaultFromName:  fromName,
		defaultProvider:  provider,
		log:              logger.With("composer"),
	}
}

// Compose validates the request, resolves its content source, checks every
// recipient against the unsubscribe registry, and persists the message as
// pending with zero attempts.
func (c *Composer) Compose(ctx context.Context, req *SendRequest) (*Message, error) {
	msg, err := c.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.store.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	c.log.Info("message composed",
		"message_id", msg.ID.String(),
		"recipients", len(msg.To),
		"category", msg.Category,
		"priority", msg.Priority.String(),
	)
	return msg, nil
}

// Prepare runs validation, content resolution, and opt-out checks without
// persisting. Bulk callers persist prepared messages in one batch.
func (c *Composer) Prepare(ctx context.Context, req *SendRequest) (*Message, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:           uuid.New(),
		To:           req.To,
		Cc:           req.Cc,
		Bcc:          req.Bcc,
		FromEmail:    req.FromEmail,
		FromName:     req.FromName,
		ReplyTo:      req.ReplyTo,
		Subject:      req.Subject,
		HTMLContent:  req.HTMLContent,
		TextContent:  req.TextContent,
		TemplateID:   req.TemplateID,
		TemplateData: req.TemplateData,
		Category:     req.Category,
		Priority:     ParsePriority(req.Priority),
		Provider:     req.Provider,
		ScheduledAt:  req.ScheduledAt,
		ExpiresAt:    req.ExpiresAt,
		Status:       StatusPending,
		Attempts:     0,
		CreatedAt:    time.Now().UTC(),
	}
	if msg.FromEmail == "" {
		msg.FromEmail = c.defaultFromEmail
	}
	if msg.FromName == "" {
		msg.FromName = c.defaultFromName
	}
	if msg.Provider == "" {
		msg.Provider = c.defaultProvider
	}

	if err := c.resolveContent(ctx, msg); err != nil {
		return nil, err
	}

	if err := c.checkOptOuts(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Composer) validate(req *SendRequest) error {
	if len(req.To) == 0 {
		return &ValidationError{Field: "to", Reason: "must not be empty"}
	}
	for _, addr := range allRecipients(req) {
		if _, err := mail.ParseAddress(addr); err != nil {
			return &ValidationError{Field: "to", Reason: fmt.Sprintf("invalid address %q", addr)}
		}
	}

	hasBody := req.HTMLContent != "" || req.TextContent != ""
	hasTemplate := req.TemplateID != ""
	if !hasBody && !hasTemplate {
		return &ValidationError{Field: "content", Reason: "either html/text content or template_id is required"}
	}
	if hasBody && hasTemplate {
		return &ValidationError{Field: "content", Reason: "html/text content and template_id are mutually exclusive"}
	}
	if !hasTemplate && req.Subject == "" {
		return &ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	if req.ScheduledAt != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.ScheduledAt) {
		return &ValidationError{Field: "expires_at", Reason: "must be after scheduled_at"}
	}
	return nil
}

// resolveContent renders the template content source when one is
// referenced. Exactly one content source resolves before send.
func (c *Composer) resolveContent(ctx context.Context, msg *Message) error {
	if msg.TemplateID == "" {
		return nil
	}
	if c.renderer == nil {
		return &ValidationError{Field: "template_id", Reason: "template rendering is not configured"}
	}

	content, err := c.renderer.Render(ctx, msg.TemplateID, msg.TemplateData)
	if err != nil {
		return err
	}
	msg.HTMLContent = content.HTMLContent
	msg.TextContent = content.TextContent
	if msg.Subject == "" {
		msg.Subject = content.Subject
	}
	if msg.Subject == "" {
		return &ValidationError{Field: "subject", Reason: "must not be empty (template has no subject)"}
	}
	if msg.HTMLContent == "" && msg.TextContent == "" {
		return &ValidationError{Field: "template_id", Reason: fmt.Sprintf("template %q rendered no content", msg.TemplateID)}
	}
	return nil
}

// checkOptOuts rejects the whole message when any recipient is opted out
// of its category. Rejection is atomic; there is no partial send to the
// remaining recipients.
func (c *Composer) checkOptOuts(ctx context.Context, msg *Message) error {
	var blocked []string
	for _, addr := range allRecipientsOf(msg) {
		optedOut, err := c.registry.IsUnsubscribed(ctx, addr, msg.Category)
		if err != nil {
			return fmt.Errorf("opt-out check for %s: %w", logger.RedactEmail(addr), err)
		}
		if optedOut {
			blocked = append(blocked, fmt.Sprintf("%s opted out of %q", logger.RedactEmail(addr), msg.Category))
		}
	}
	if len(blocked) > 0 {
		return &UnsubscribedError{Recipients: blocked}
	}
	return nil
}

func allRecipients(req *SendRequest) []string {
	out := make([]string, 0, len(req.To)+len(req.Cc)+len(req.Bcc))
	out = append(out, req.To...)
	out = append(out, req.Cc...)
	out = append(out, req.Bcc...)
	return out
}

func allRecipientsOf(m *Message) []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}
