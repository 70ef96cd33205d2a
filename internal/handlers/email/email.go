// Package email sends notification emails as background jobs. Rendering
// and SMTP delivery live behind the Sender; the default sender just logs,
// which is what local development wants.
package email

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Handler struct {
	sender Sender
}

func New(sender Sender) *Handler {
	return &Handler{sender: sender}
}

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (h *Handler) Name() string { return "email" }

func (h *Handler) ProcessJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("invalid email payload: %w", err)
	}
	if m.To == "" {
		return nil, fmt.Errorf("to is required")
	}
	if err := h.sender.Send(ctx, m.To, m.Subject, m.Body); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return json.Marshal(map[string]any{"sent": true, "to": m.To})
}

// LogSender logs outgoing mail instead of delivering it.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, to, subject, _ string) error {
	s.Log.Info().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}
