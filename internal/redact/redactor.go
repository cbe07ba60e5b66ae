// Package redact wraps an external PII-redaction service. The gateway treats
// redaction as a supplied capability: it never inspects text itself.
package redact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Redactor masks sensitive content in text before it reaches any backend.
type Redactor interface {
	// Redact returns the redacted text and whether anything was replaced.
	Redact(ctx context.Context, text string) (string, bool, error)
}

// Client calls an external redaction service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client targeting the given redaction service base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// redactRequest is the JSON body for POST /redact.
type redactRequest struct {
	Text string `json:"text"`
}

// redactResponse is the JSON returned by POST /redact.
type redactResponse struct {
	Text  string `json:"text"`
	Found bool   `json:"found"`
}

// Redact sends the text to the redaction service and returns the masked
// result. The caller decides what to do when the service is unreachable.
func (c *Client) Redact(ctx context.Context, text string) (string, bool, error) {
	body, err := json.Marshal(redactRequest{Text: text})
	if err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/redact", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("creating redact request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("redact request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("redact: unexpected status %d", resp.StatusCode)
	}

	var result redactResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("decoding redact response: %w", err)
	}
	return result.Text, result.Found, nil
}

// Passthrough is a no-op Redactor used when no redaction service is configured.
type Passthrough struct{}

// Redact returns the text unchanged.
func (Passthrough) Redact(_ context.Context, text string) (string, bool, error) {
	return text, false, nil
}
