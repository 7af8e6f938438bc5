package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cargoline/logistics-backend/internal/pkg/httpretry"
	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// SendGridAdapter sends through the SendGrid v3 Mail Send API. Bulk sends
// use one personalization per message, up to 1000 per call.
type SendGridAdapter struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	client        httpretry.HTTPDoer
	log           *logger.Logger
}

// NewSendGridAdapter creates a SendGrid adapter.
func NewSendGridAdapter(apiKey, webhookSecret string) *SendGridAdapter {
	return &SendGridAdapter{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		baseURL:       "https://api.sendgrid.com/v3",
		client:        httpretry.New(&http.Client{Timeout: 60 * time.Second}, 2),
		log:           logger.With("sendgrid"),
	}
}

// Name implements ProviderAdapter.
func (s *SendGridAdapter) Name() string { return "sendgrid" }

// MaxBatchSize implements ProviderAdapter.
func (s *SendGridAdapter) MaxBatchSize() int { return 1000 }

// SetBaseURL overrides the API endpoint, used by tests.
func (s *SendGridAdapter) SetBaseURL(u string) { s.baseURL = u }

func (s *SendGridAdapter) personalization(msg *Message) map[string]interface{} {
	p := map[string]interface{}{
		"to":          addressList(msg.To),
		"custom_args": map[string]string{"message_id": msg.ID.String()},
	}
	if len(msg.Cc) > 0 {
		p["cc"] = addressList(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		p["bcc"] = addressList(msg.Bcc)
	}
	return p
}

func addressList(addrs []string) []map[string]string {
	out := make([]map[string]string, len(addrs))
	for i, a := range addrs {
		out[i] = map[string]string{"email": a}
	}
	return out
}

func (s *SendGridAdapter) payload(personalizations []map[string]interface{}, tpl *Message) map[string]interface{} {
	content := []map[string]string{}
	if tpl.TextContent != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": tpl.TextContent})
	}
	if tpl.HTMLContent != "" {
		content = append(content, map[string]string{"type": "text/html", "value": tpl.HTMLContent})
	}

	payload := map[string]interface{}{
		"personalizations": personalizations,
		"from":             map[string]string{"email": tpl.FromEmail, "name": tpl.FromName},
		"subject":          tpl.Subject,
		"content":          content,
		"tracking_settings": map[string]interface{}{
			"click_tracking": map[string]bool{"enable": true},
			"open_tracking":  map[string]bool{"enable": true},
		},
	}
	if tpl.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": tpl.ReplyTo}
	}
	return payload
}

func (s *SendGridAdapter) post(ctx context.Context, payload map[string]interface{}) (string, error) {
	if s.apiKey == "" {
		return "", &ProviderError{Provider: s.Name(), Err: fmt.Errorf("api key not configured")}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mail/send", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return "", classifyHTTPError(s.Name(), resp.StatusCode, string(body))
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}
	return messageID, nil
}

// SendSingle implements ProviderAdapter.
func (s *SendGridAdapter) SendSingle(ctx context.Context, msg *Message) (string, error) {
	id, err := s.post(ctx, s.payload([]map[string]interface{}{s.personalization(msg)}, msg))
	if err != nil {
		return "", err
	}
	s.log.Info("sent", "message_id", msg.ID.String(), "provider_message_id", id)
	return id, nil
}

// SendBulk implements ProviderAdapter. SendGrid accepts a whole batch or
// rejects it; every message shares the transmission ID. Webhook events
// echo the message_id custom arg, which correlates individual recipients.
func (s *SendGridAdapter) SendBulk(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	if len(msgs) == 0 {
		return &BatchResult{}, nil
	}
	if len(msgs) > s.MaxBatchSize() {
		return nil, &PermanentError{Provider: s.Name(), Reason: fmt.Sprintf("batch size %d exceeds max %d", len(msgs), s.MaxBatchSize())}
	}

	personalizations := make([]map[string]interface{}, len(msgs))
	for i, msg := range msgs {
		personalizations[i] = s.personalization(msg)
	}

	transmissionID, err := s.post(ctx, s.payload(personalizations, msgs[0]))
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Results: make([]SendResult, len(msgs))}
	for i := range msgs {
		result.Results[i] = SendResult{ProviderMessageID: transmissionID}
	}
	s.log.Info("batch sent", "count", len(msgs), "transmission_id", transmissionID)
	return result, nil
}

// ValidateWebhookSignature implements ProviderAdapter. The event webhook
// is signed with a shared secret as a hex HMAC-SHA256 of the raw body.
func (s *SendGridAdapter) ValidateWebhookSignature(payload []byte, signature string) bool {
	return hmacSignatureValid(s.webhookSecret, payload, signature)
}
