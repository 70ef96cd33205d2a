// Package notify delivers outbound webhook notifications as background jobs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Handler struct {
	client *http.Client
}

func New() *Handler {
	return &Handler{client: &http.Client{}}
}

type Notification struct {
	URL     string            `json:"url"`
	Event   string            `json:"event"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout int               `json:"timeout"` // seconds
}

func (h *Handler) Name() string { return "notify" }

func (h *Handler) ProcessJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("invalid notification payload: %w", err)
	}
	if n.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if n.Timeout <= 0 {
		n.Timeout = 30
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(n.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(n.Body) > 0 {
		body = bytes.NewReader(n.Body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Event != "" {
		req.Header.Set("X-Rhythm-Event", n.Event)
	}
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return json.Marshal(map[string]any{"status_code": resp.StatusCode})
}
