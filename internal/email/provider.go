package email

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SendResult is one item of a bulk send, positionally matching the input.
// Exactly one of ProviderMessageID and Err is set.
type SendResult struct {
	ProviderMessageID string
	Err               error
}

// BatchResult carries per-item outcomes of a provider bulk call, in input
// order. A whole-batch failure is returned as an error from SendBulk
// instead, so the two cases stay distinguishable.
type BatchResult struct {
	Results []SendResult
}

// Accepted counts items the provider accepted.
func (b *BatchResult) Accepted() int {
	n := 0
	for _, r := range b.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// ProviderAdapter abstracts a transactional-email vendor. Vendor
// differences in bulk semantics, scheduling support, and webhook signing
// are absorbed here and never leak into the worker or composer.
//
// SendSingle and per-item bulk failures distinguish transient trouble
// (*ProviderError, retried) from outright rejection (*PermanentError, no
// retry).
type ProviderAdapter interface {
	Name() string
	MaxBatchSize() int
	SendSingle(ctx context.Context, msg *Message) (string, error)
	SendBulk(ctx context.Context, msgs []*Message) (*BatchResult, error)
	ValidateWebhookSignature(payload []byte, signature string) bool
}

// ProviderRegistry holds the configured adapters, keyed by name.
type ProviderRegistry struct {
	adapters    map[string]ProviderAdapter
	defaultName string
}

// NewProviderRegistry creates a registry with a default adapter name.
func NewProviderRegistry(defaultName string) *ProviderRegistry {
	return &ProviderRegistry{adapters: map[string]ProviderAdapter{}, defaultName: defaultName}
}

// Register adds an adapter under its name.
func (r *ProviderRegistry) Register(adapter ProviderAdapter) {
	r.adapters[adapter.Name()] = adapter
}

// Get returns the adapter for name, falling back to the default when name
// is empty.
func (r *ProviderRegistry) Get(name string) (ProviderAdapter, error) {
	if name == "" {
		name = r.defaultName
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no provider adapter configured for %q", name)
	}
	return adapter, nil
}

// hmacSignatureValid checks a hex HMAC-SHA256 of payload against the
// shared secret, in constant time.
func hmacSignatureValid(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// classifyHTTPError maps a vendor HTTP status to the retry taxonomy.
// Client errors are permanent rejections except timeouts and throttling.
func classifyHTTPError(provider string, status int, body string) error {
	if status == 408 || status == 429 || status >= 500 {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("http %d: %s", status, body)}
	}
	return &PermanentError{Provider: provider, Reason: fmt.Sprintf("http %d: %s", status, body)}
}
