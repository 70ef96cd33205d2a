// Package retrain runs the external model trainer as a background job. The
// training detail lives in the trainer binary; this handler only launches
// it and captures the outcome.
package retrain

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

type Handler struct {
	trainerCmd string
}

func New(trainerCmd string) *Handler {
	return &Handler{trainerCmd: trainerCmd}
}

type Request struct {
	Model string   `json:"model"`
	Args  []string `json:"args,omitempty"`
}

func (h *Handler) Name() string { return "retrain" }

func (h *Handler) ProcessJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("invalid retrain payload: %w", err)
	}
	if r.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	args := append([]string{r.Model}, r.Args...)
	cmd := exec.CommandContext(ctx, h.trainerCmd, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("trainer error: %v; out=%s", err, tail(out, 1024))
	}

	return json.Marshal(map[string]any{"model": r.Model, "output": tail(out, 1024)})
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
