// Package httpretry wraps an http.Client with retry and backoff for
// calls to external vendor APIs.
package httpretry

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// HTTPDoer is the subset of http.Client the adapters depend on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures: network errors, 429 and 5xx
// responses. Requests with a body must carry GetBody so it can be replayed.
type RetryClient struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        *logger.Logger
}

// New builds a RetryClient around client. A nil client uses a 30 second
// timeout default. maxRetries below 1 is coerced to 3.
func New(client *http.Client, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
		log:        logger.With("httpretry"),
	}
}

// Do issues the request, retrying transient failures up to maxRetries
// times. The last response or error is returned.
func (c *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					return nil, fmt.Errorf("reset request body: %w", berr)
				}
				req.Body = body
			}
			delay := c.backoff(attempt)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
			c.log.Warn("retrying request", "method", req.Method, "url", req.URL.String(), "attempt", attempt)
		}

		resp, err = c.client.Do(req)
		if err != nil {
			continue
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}
		if attempt < c.maxRetries {
			resp.Body.Close()
		}
	}
	return resp, err
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backoff returns an exponential delay with full jitter, floored at 100ms.
func (c *RetryClient) backoff(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	jittered := time.Duration(rand.Int63n(int64(d)))
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}
