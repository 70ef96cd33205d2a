// Package rollup computes periodic calendar usage aggregates. Usually fed
// by a recurring trigger rather than ad-hoc enqueues.
package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rhythm/internal/agenda"
)

type Handler struct {
	store agenda.Store
}

func New(store agenda.Store) *Handler {
	return &Handler{store: store}
}

type Request struct {
	UserID string `json:"user_id"`
	Days   int    `json:"days,omitempty"`
}

func (h *Handler) Name() string { return "rollup" }

func (h *Handler) ProcessJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("invalid rollup payload: %w", err)
	}
	if r.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if r.Days <= 0 {
		r.Days = 7
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -r.Days)
	agg, err := h.store.UsageRollup(ctx, r.UserID, from, to)
	if err != nil {
		return nil, fmt.Errorf("compute rollup: %w", err)
	}
	id, err := h.store.SaveRollup(ctx, agg)
	if err != nil {
		return nil, fmt.Errorf("save rollup: %w", err)
	}
	agg.ID = id

	return json.Marshal(agg)
}
