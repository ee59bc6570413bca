package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a JSON batch endpoint (POST /emails/batch) in the
// style of Resend and Sendry
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a new batch endpoint client
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type batchItem struct {
	From        string   `json:"from"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	HTML        string   `json:"html"`
	ReplyTo     string   `json:"reply_to,omitempty"`
	ScheduledAt string   `json:"scheduled_at,omitempty"`
}

type batchResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SendBatch posts the batch and returns the provider ids
func (c *HTTPClient) SendBatch(ctx context.Context, idempotencyKey string, emails []Email) ([]string, error) {
	items := make([]batchItem, len(emails))
	for i, e := range emails {
		items[i] = batchItem{
			From:    formatAddress(e.FromName, e.From),
			To:      []string{e.To},
			Subject: e.Subject,
			HTML:    e.HTML,
			ReplyTo: e.ReplyTo,
		}
		if !e.ScheduledAt.IsZero() {
			items[i].ScheduledAt = e.ScheduledAt.UTC().Format(time.RFC3339)
		}
	}

	var resp batchResponse
	if err := c.request(ctx, http.MethodPost, "/emails/batch", idempotencyKey, items, &resp); err != nil {
		return nil, err
	}

	if len(resp.Data) != len(emails) {
		return nil, &Error{StatusCode: http.StatusOK,
			Message: fmt.Sprintf("got %d ids for %d emails", len(resp.Data), len(emails))}
	}
	ids := make([]string, len(resp.Data))
	for i, d := range resp.Data {
		ids[i] = d.ID
	}
	return ids, nil
}

// request performs an HTTP request against the provider API
func (c *HTTPClient) request(ctx context.Context, method, path, idempotencyKey string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp errorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &errResp) == nil {
			if errResp.Message != "" {
				msg = errResp.Message
			} else if errResp.Error != "" {
				msg = errResp.Error
			}
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &Error{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
		}
	}

	return nil
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}
