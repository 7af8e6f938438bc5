package email

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cargoline/logistics-backend/internal/pkg/httpretry"
	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// MailgunAdapter sends through the Mailgun Messages API for a single
// sending domain. Bulk sends address up to 1000 recipients per call via
// recipient variables.
type MailgunAdapter struct {
	apiKey        string
	domain        string
	webhookSecret string
	baseURL       string
	client        httpretry.HTTPDoer
	log           *logger.Logger
}

// NewMailgunAdapter creates a Mailgun adapter for the given domain.
func NewMailgunAdapter(apiKey, domain, webhookSecret string) *MailgunAdapter {
	return &MailgunAdapter{
		apiKey:        apiKey,
		domain:        domain,
		webhookSecret: webhookSecret,
		baseURL:       "https://api.mailgun.net/v3",
		client:        httpretry.New(&http.Client{Timeout: 60 * time.Second}, 2),
		log:           logger.With("mailgun"),
	}
}

// Name implements ProviderAdapter.
func (m *MailgunAdapter) Name() string { return "mailgun" }

// MaxBatchSize implements ProviderAdapter.
func (m *MailgunAdapter) MaxBatchSize() int { return 1000 }

// SetBaseURL overrides the API endpoint, used by tests.
func (m *MailgunAdapter) SetBaseURL(u string) { m.baseURL = u }

func (m *MailgunAdapter) post(ctx context.Context, form url.Values) (string, error) {
	if m.apiKey == "" {
		return "", &ProviderError{Provider: m.Name(), Err: fmt.Errorf("api key not configured")}
	}

	endpoint := fmt.Sprintf("%s/%s/messages", m.baseURL, m.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: m.Name(), Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return "", classifyHTTPError(m.Name(), resp.StatusCode, string(body))
	}

	var result struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &result)
	return strings.Trim(result.ID, "<>"), nil
}

func (m *MailgunAdapter) form(msg *Message) url.Values {
	form := url.Values{}
	form.Set("from", fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail))
	for _, to := range msg.To {
		form.Add("to", to)
	}
	for _, cc := range msg.Cc {
		form.Add("cc", cc)
	}
	for _, bcc := range msg.Bcc {
		form.Add("bcc", bcc)
	}
	form.Set("subject", msg.Subject)
	if msg.HTMLContent != "" {
		form.Set("html", msg.HTMLContent)
	}
	if msg.TextContent != "" {
		form.Set("text", msg.TextContent)
	}
	if msg.ReplyTo != "" {
		form.Set("h:Reply-To", msg.ReplyTo)
	}
	form.Set("v:message_id", msg.ID.String())
	return form
}

// SendSingle implements ProviderAdapter.
func (m *MailgunAdapter) SendSingle(ctx context.Context, msg *Message) (string, error) {
	id, err := m.post(ctx, m.form(msg))
	if err != nil {
		return "", err
	}
	m.log.Info("sent", "message_id", msg.ID.String(), "provider_message_id", id)
	return id, nil
}

// SendBulk implements ProviderAdapter. Mailgun has no per-item accept /
// reject in its response; a call either takes the whole batch or fails,
// so per-item results mirror the call outcome. Every message shares the
// batch's Message-Id; webhook events carry the message_id recipient
// variable, which correlates individual recipients.
func (m *MailgunAdapter) SendBulk(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	if len(msgs) == 0 {
		return &BatchResult{}, nil
	}
	if len(msgs) > m.MaxBatchSize() {
		return nil, &PermanentError{Provider: m.Name(), Reason: fmt.Sprintf("batch size %d exceeds max %d", len(msgs), m.MaxBatchSize())}
	}

	tpl := msgs[0]
	form := url.Values{}
	form.Set("from", fmt.Sprintf("%s <%s>", tpl.FromName, tpl.FromEmail))
	form.Set("subject", tpl.Subject)
	if tpl.HTMLContent != "" {
		form.Set("html", tpl.HTMLContent)
	}
	if tpl.TextContent != "" {
		form.Set("text", tpl.TextContent)
	}

	recipientVars := make(map[string]map[string]string, len(msgs))
	for _, msg := range msgs {
		for _, to := range msg.To {
			form.Add("to", to)
			recipientVars[to] = map[string]string{"message_id": msg.ID.String()}
		}
	}
	varsJSON, err := json.Marshal(recipientVars)
	if err != nil {
		return nil, fmt.Errorf("marshal recipient variables: %w", err)
	}
	form.Set("recipient-variables", string(varsJSON))

	transmissionID, err := m.post(ctx, form)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Results: make([]SendResult, len(msgs))}
	for i := range msgs {
		result.Results[i] = SendResult{ProviderMessageID: transmissionID}
	}
	m.log.Info("batch sent", "count", len(msgs), "transmission_id", transmissionID)
	return result, nil
}

// mailgunSignature is the signature block Mailgun embeds in webhook
// payloads: the signing key HMACs timestamp+token.
type mailgunSignature struct {
	Signature struct {
		Timestamp string `json:"timestamp"`
		Token     string `json:"token"`
		Signature string `json:"signature"`
	} `json:"signature"`
}

// ValidateWebhookSignature implements ProviderAdapter. Mailgun signs
// timestamp+token inside the payload rather than the raw body; the header
// signature argument is unused for this vendor.
func (m *MailgunAdapter) ValidateWebhookSignature(payload []byte, _ string) bool {
	if m.webhookSecret == "" {
		return false
	}
	var sig mailgunSignature
	if err := json.Unmarshal(payload, &sig); err != nil {
		return false
	}
	if sig.Signature.Timestamp == "" || sig.Signature.Token == "" || sig.Signature.Signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(m.webhookSecret))
	mac.Write([]byte(sig.Signature.Timestamp + sig.Signature.Token))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig.Signature.Signature))
}
