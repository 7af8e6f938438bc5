package email

import (
	"context"
	"fmt"

	mail "github.com/go-mail/mail"
	"github.com/google/uuid"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// SMTPAdapter sends through a plain SMTP relay. It exists for
// environments without a transactional vendor; there are no delivery
// webhooks on this path, so messages settle at sent.
type SMTPAdapter struct {
	dialer    *mail.Dialer
	fromEmail string
	log       *logger.Logger
}

// NewSMTPAdapter creates an SMTP adapter for the given relay.
func NewSMTPAdapter(host string, port int, username, password string) *SMTPAdapter {
	return &SMTPAdapter{
		dialer: mail.NewDialer(host, port, username, password),
		log:    logger.With("smtp"),
	}
}

// Name implements ProviderAdapter.
func (s *SMTPAdapter) Name() string { return "smtp" }

// MaxBatchSize implements ProviderAdapter. Relays have no bulk call;
// batches are kept small to bound connection hold time.
func (s *SMTPAdapter) MaxBatchSize() int { return 50 }

// SendSingle implements ProviderAdapter. The relay assigns no message ID,
// so one is generated locally for correlation.
func (s *SMTPAdapter) SendSingle(ctx context.Context, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m := mail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.TextContent != "" && msg.HTMLContent != "":
		m.SetBody("text/plain", msg.TextContent)
		m.AddAlternative("text/html", msg.HTMLContent)
	case msg.HTMLContent != "":
		m.SetBody("text/html", msg.HTMLContent)
	default:
		m.SetBody("text/plain", msg.TextContent)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		// SMTP errors are not classified; the relay may recover.
		return "", &ProviderError{Provider: s.Name(), Err: fmt.Errorf("relay send: %w", err)}
	}

	providerMessageID := uuid.New().String()
	s.log.Info("sent", "message_id", msg.ID.String(), "provider_message_id", providerMessageID)
	return providerMessageID, nil
}

// SendBulk implements ProviderAdapter by sending sequentially over one
// logical relay session.
func (s *SMTPAdapter) SendBulk(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	result := &BatchResult{Results: make([]SendResult, len(msgs))}
	for i, msg := range msgs {
		id, err := s.SendSingle(ctx, msg)
		if err != nil {
			result.Results[i] = SendResult{Err: err}
			continue
		}
		result.Results[i] = SendResult{ProviderMessageID: id}
	}
	return result, nil
}

// ValidateWebhookSignature implements ProviderAdapter. SMTP relays push
// no webhooks; every signature is invalid.
func (s *SMTPAdapter) ValidateWebhookSignature([]byte, string) bool { return false }
