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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendGridSendSingle(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.Header().Set("X-Message-Id", "sg-msg-42")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	adapter := NewSendGridAdapter("sg-key", "")
	adapter.SetBaseURL(srv.URL)

	msg := pendingMessage()
	id, err := adapter.SendSingle(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "sg-msg-42", id)
	assert.Equal(t, "Bearer sg-key", gotAuth)
	assert.Equal(t, msg.Subject, gotBody["subject"])
	assert.Len(t, gotBody["personalizations"], 1)
}

func TestSendGridBulkOnePersonalizationPerMessage(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.Header().Set("X-Message-Id", "sg-batch-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	adapter := NewSendGridAdapter("sg-key", "")
	adapter.SetBaseURL(srv.URL)

	msgs := []*Message{pendingMessage(), pendingMessage(), pendingMessage()}
	result, err := adapter.SendBulk(context.Background(), msgs)
	require.NoError(t, err)

	assert.Len(t, gotBody["personalizations"], 3)
	require.Len(t, result.Results, 3)
	// The transmission ID is shared; recipients are told apart by the
	// message_id custom arg echoed in webhook events.
	assert.Equal(t, "sg-batch-1", result.Results[0].ProviderMessageID)
	assert.Equal(t, "sg-batch-1", result.Results[2].ProviderMessageID)
	assert.Equal(t, 3, result.Accepted())
}

func TestSendGridErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			adapter := NewSendGridAdapter("sg-key", "")
			adapter.SetBaseURL(srv.URL)
			adapter.client = srv.Client()

			_, err := adapter.SendSingle(context.Background(), pendingMessage())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestSendGridWebhookSignature(t *testing.T) {
	adapter := NewSendGridAdapter("sg-key", "hook-secret")
	payload := []byte(`[{"event":"delivered"}]`)

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(payload)
	good := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, adapter.ValidateWebhookSignature(payload, good))
	assert.False(t, adapter.ValidateWebhookSignature(payload, "deadbeef"))
	assert.False(t, adapter.ValidateWebhookSignature(payload, ""))
}

func TestMailgunSendSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "mg-key", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "shipper@example.com", r.PostForm.Get("to"))
		assert.NotEmpty(t, r.PostForm.Get("v:message_id"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"<20260901.mg-77@mg.cargoline.io>","message":"Queued."}`)
	}))
	defer srv.Close()

	adapter := NewMailgunAdapter("mg-key", "mg.cargoline.io", "")
	adapter.SetBaseURL(srv.URL)

	id, err := adapter.SendSingle(context.Background(), pendingMessage())
	require.NoError(t, err)
	assert.Equal(t, "20260901.mg-77@mg.cargoline.io", id, "angle brackets are stripped")
}

func TestMailgunBulkRecipientVariables(t *testing.T) {
	var gotVars map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("recipient-variables")), &gotVars))
		fmt.Fprint(w, `{"id":"<batch@mg.cargoline.io>"}`)
	}))
	defer srv.Close()

	adapter := NewMailgunAdapter("mg-key", "mg.cargoline.io", "")
	adapter.SetBaseURL(srv.URL)

	a := pendingMessage(func(m *Message) { m.To = []string{"a@example.com"} })
	b := pendingMessage(func(m *Message) { m.To = []string{"b@example.com"} })
	result, err := adapter.SendBulk(context.Background(), []*Message{a, b})
	require.NoError(t, err)

	require.Len(t, result.Results, 2)
	assert.Equal(t, a.ID.String(), gotVars["a@example.com"]["message_id"])
	assert.Equal(t, b.ID.String(), gotVars["b@example.com"]["message_id"])
}

func TestMailgunWebhookSignature(t *testing.T) {
	adapter := NewMailgunAdapter("mg-key", "mg.cargoline.io", "signing-key")

	mac := hmac.New(sha256.New, []byte("signing-key"))
	mac.Write([]byte("1756720000" + "token-1"))
	good := hex.EncodeToString(mac.Sum(nil))

	payload := []byte(fmt.Sprintf(
		`{"signature":{"timestamp":"1756720000","token":"token-1","signature":%q},"event-data":{"event":"delivered"}}`,
		good,
	))
	assert.True(t, adapter.ValidateWebhookSignature(payload, ""))

	tampered := []byte(`{"signature":{"timestamp":"1756720001","token":"token-1","signature":"` + good + `"},"event-data":{}}`)
	assert.False(t, adapter.ValidateWebhookSignature(tampered, ""))
}

func TestProviderRegistryFallback(t *testing.T) {
	registry := NewProviderRegistry("sendgrid")
	sg := NewSendGridAdapter("k", "")
	registry.Register(sg)

	got, err := registry.Get("")
	require.NoError(t, err)
	assert.Same(t, sg, got)

	got, err = registry.Get("sendgrid")
	require.NoError(t, err)
	assert.Same(t, sg, got)

	_, err = registry.Get("mailgun")
	assert.Error(t, err)
}

func TestBatchSizeCap(t *testing.T) {
	adapter := NewSendGridAdapter("k", "")
	msgs := make([]*Message, adapter.MaxBatchSize()+1)
	for i := range msgs {
		msgs[i] = pendingMessage()
	}
	_, err := adapter.SendBulk(context.Background(), msgs)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
