package agenda

import (
	"context"
	"time"

	"github.com/google/uuid"
	"rhythm/internal/domain"
)

// Rollup aggregates a user's calendar usage over a window: event counts by
// kind and the total minutes of task placements.
type Rollup struct {
	ID               string    `json:"id,omitempty"`
	OwnerID          string    `json:"owner_id"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	TaskEvents       int       `json:"task_events"`
	MeetingEvents    int       `json:"meeting_events"`
	OtherEvents      int       `json:"other_events"`
	ScheduledMinutes int       `json:"scheduled_minutes"`
}

func (s *sqliteStore) UsageRollup(ctx context.Context, ownerID string, from, to time.Time) (Rollup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventCols+` FROM calendar_events
WHERE owner_id=? AND start_time >= ? AND start_time < ?
`, ownerID, from.UTC(), to.UTC())
	if err != nil {
		return Rollup{}, err
	}
	defer rows.Close()

	r := Rollup{OwnerID: ownerID, WindowStart: from.UTC(), WindowEnd: to.UTC()}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return Rollup{}, err
		}
		switch e.Kind {
		case domain.EventTask:
			r.TaskEvents++
			r.ScheduledMinutes += int(e.EndTime.Sub(e.StartTime).Minutes())
		case domain.EventMeeting:
			r.MeetingEvents++
		default:
			r.OtherEvents++
		}
	}
	return r, rows.Err()
}

func (s *sqliteStore) SaveRollup(ctx context.Context, r Rollup) (string, error) {
	id := r.ID
	if id == "" {
		id = "rlp_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_rollups (id,owner_id,window_start,window_end,task_events,meeting_events,other_events,scheduled_minutes,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, r.OwnerID, r.WindowStart.UTC(), r.WindowEnd.UTC(), r.TaskEvents, r.MeetingEvents, r.OtherEvents, r.ScheduledMinutes, time.Now().UTC())
	return id, err
}
