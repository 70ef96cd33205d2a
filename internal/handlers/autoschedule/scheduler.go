// Package autoschedule places schedulable tasks into free calendar slots.
// It is the most involved job handler: greedy first-fit packing against
// working hours, a transactional commit per placement, and a cascade that
// re-flags previously placed tasks.
package autoschedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"rhythm/internal/agenda"
	"rhythm/internal/domain"
)

const (
	// Placement search horizon: today plus fourteen days.
	horizonDays = 14

	defaultDurationMinutes = 60

	// How long one scheduling run may hold the per-user lock before a
	// crashed run's lock expires on its own.
	lockTTL = 5 * time.Minute
)

const (
	ModeUnified    = "unified"
	ModePerCompany = "per-company"
)

// Request is the payload of an autoschedule job.
type Request struct {
	UserID    string   `json:"user_id"`
	CompanyID *string  `json:"company_id,omitempty"`
	TaskIDs   []string `json:"task_ids,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

type TaskError struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type Placement struct {
	TaskID string    `json:"task_id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Result is stored as the job result. Per-task failures live here, not in
// the job's error field; only a whole-run failure fails the job.
type Result struct {
	Scheduled  int         `json:"scheduled"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Errors     []TaskError `json:"errors,omitempty"`
	Placements []Placement `json:"placements,omitempty"`
}

type Handler struct {
	store agenda.Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store agenda.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		log:   logger.With().Str("component", "autoschedule").Logger(),
		now:   time.Now,
	}
}

func (h *Handler) Name() string { return "autoschedule" }

func (h *Handler) ProcessJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid autoschedule payload: %w", err)
	}
	if req.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if req.Mode == "" {
		req.Mode = ModeUnified
	}
	if req.Mode == ModeUnified {
		// Unified runs place across all companies regardless of filter.
		req.CompanyID = nil
	}

	if !req.DryRun {
		token, err := h.store.AcquireRunLock(ctx, req.UserID, lockTTL)
		if err != nil {
			if errors.Is(err, agenda.ErrLockHeld) {
				return nil, fmt.Errorf("scheduling run already in progress for user %s: %w", req.UserID, err)
			}
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		defer func() {
			if rerr := h.store.ReleaseRunLock(ctx, req.UserID, token); rerr != nil {
				h.log.Error().Err(rerr).Str("user_id", req.UserID).Msg("release run lock")
			}
		}()
	}

	res, err := h.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (h *Handler) run(ctx context.Context, req Request) (Result, error) {
	now := h.now()
	var res Result

	// Any fetch failure here fails the whole job; the engine retries it.
	tasks, err := h.store.SchedulableTasks(ctx, req.UserID, req.CompanyID, req.TaskIDs)
	if err != nil {
		return res, fmt.Errorf("fetch schedulable tasks: %w", err)
	}
	events, err := h.store.UpcomingEvents(ctx, req.UserID, now)
	if err != nil {
		return res, fmt.Errorf("fetch calendar events: %w", err)
	}
	policy, err := h.store.WorkingHours(ctx, req.UserID)
	if err != nil {
		return res, fmt.Errorf("fetch working hours: %w", err)
	}
	blocks, err := h.store.PreferredBlockSizes(ctx, req.UserID)
	if err != nil {
		return res, fmt.Errorf("fetch block preferences: %w", err)
	}

	var placed []string
	for _, t := range tasks {
		slot, ok := findSlot(now, taskDuration(t, blocks), events, policy, horizonDays)
		if !ok {
			// Not an error: the calendar simply has no room in the window.
			res.Skipped++
			h.log.Debug().Str("task_id", t.ID).Msg("no free slot in horizon")
			continue
		}

		if !req.DryRun {
			if _, err := h.store.CommitPlacement(ctx, t.ID, slot, now); err != nil {
				res.Failed++
				res.Errors = append(res.Errors, TaskError{TaskID: t.ID, Error: err.Error()})
				h.log.Error().Err(err).Str("task_id", t.ID).Msg("commit placement")
				continue
			}
			placed = append(placed, t.ID)
		}

		res.Scheduled++
		res.Placements = append(res.Placements, Placement{TaskID: t.ID, Start: slot.Start, End: slot.End})
		// Later tasks in this run must see the slot as taken even though
		// the calendar fetch happened before any commit.
		events = insertSorted(events, domain.CalendarEvent{
			OwnerID:   req.UserID,
			TaskID:    &t.ID,
			Title:     t.Title,
			StartTime: slot.Start,
			EndTime:   slot.End,
			Kind:      domain.EventTask,
		})

		h.log.Info().
			Str("task_id", t.ID).
			Time("start", slot.Start).
			Time("end", slot.End).
			Bool("dry_run", req.DryRun).
			Msg("task placed")
	}

	if len(placed) > 0 {
		n, err := h.store.CascadeReschedule(ctx, req.UserID, req.CompanyID, placed)
		if err != nil {
			// Placements are committed and idempotent, so failing the job
			// here retries only the cascade.
			return res, fmt.Errorf("cascade reschedule: %w", err)
		}
		h.log.Info().Int("flagged", n).Str("user_id", req.UserID).Msg("cascade flagged placed tasks")
	}

	return res, nil
}

// taskDuration resolves a task's placement duration: its own estimate, the
// user's smallest preferred block, or an hour.
func taskDuration(t domain.SchedulableTask, blocks []int) time.Duration {
	if t.EstimatedMinutes > 0 {
		return time.Duration(t.EstimatedMinutes) * time.Minute
	}
	if len(blocks) > 0 && blocks[0] > 0 {
		return time.Duration(blocks[0]) * time.Minute
	}
	return defaultDurationMinutes * time.Minute
}

func insertSorted(events []domain.CalendarEvent, e domain.CalendarEvent) []domain.CalendarEvent {
	i := sort.Search(len(events), func(i int) bool { return events[i].StartTime.After(e.StartTime) })
	events = append(events, domain.CalendarEvent{})
	copy(events[i+1:], events[i:])
	events[i] = e
	return events
}
