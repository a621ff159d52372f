// Package upstream forwards envelopes to the next relay in the chain, used
// when this instance proxies rather than stores. Upstream 429 responses are
// translated into rate limits for the quota ledger.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nightjar-systems/relay/internal/envelope"
)

// Client sends envelopes to the upstream relay over the same protocol the
// inbound edge speaks.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an upstream client. The timeout bounds each forward,
// including connection setup and response read.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RateLimitedError is returned when upstream answers 429. It carries the
// limits the caller must record before surfacing the rejection.
type RateLimitedError struct {
	RetryAfter time.Duration
	Limits     []RateLimit
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter)
}

// SendEnvelope forwards the envelope for the given project. A 429 response
// yields a *RateLimitedError; other non-2xx statuses yield a plain error.
func (c *Client) SendEnvelope(ctx context.Context, projectID int64, publicKey string, env *envelope.Envelope) error {
	body, err := env.Serialize()
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	url := fmt.Sprintf("%s/api/%d/envelope/", c.baseURL, projectID)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-relay-envelope")
	if publicKey != "" {
		request.Header.Set("X-Relay-Auth", "relay_key="+publicKey)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("forward envelope: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Limits:     ParseRateLimits(resp.Header.Get(RateLimitsHeader)),
		}
	default:
		return fmt.Errorf("forward envelope: unexpected status %d", resp.StatusCode)
	}
}

// parseRetryAfter reads a Retry-After header in delay-seconds form. Missing
// or malformed headers fall back to a minute.
func parseRetryAfter(header string) time.Duration {
	seconds, err := strconv.ParseInt(header, 10, 64)
	if err != nil || seconds < 0 {
		return time.Minute
	}
	return time.Duration(seconds) * time.Second
}
