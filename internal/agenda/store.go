// Package agenda owns the task/calendar side of the system: schedulable
// tasks, calendar events, working-hours policies, the per-user scheduling
// run lock, and usage rollups.
package agenda

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"rhythm/internal/domain"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrLockHeld     = errors.New("scheduling run lock held")
)

// Slot is a contiguous free interval chosen for a task placement.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EnsureSchema creates the agenda tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  company_id TEXT,
  title TEXT NOT NULL DEFAULT '',
  estimated_minutes INTEGER NOT NULL DEFAULT 0,
  priority_score INTEGER NOT NULL DEFAULT 0,
  due_date DATETIME,
  start_at DATETIME,
  is_schedule_locked INTEGER NOT NULL DEFAULT 0,
  needs_rescheduling INTEGER NOT NULL DEFAULT 0,
  last_scheduled_at DATETIME,
  status TEXT NOT NULL CHECK(status IN ('open','done')) DEFAULT 'open',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, status, is_schedule_locked);
CREATE TABLE IF NOT EXISTS calendar_events (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  task_id TEXT,
  title TEXT NOT NULL DEFAULT '',
  start_time DATETIME NOT NULL,
  end_time DATETIME NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('task','meeting','other')) DEFAULT 'other',
  is_locked INTEGER NOT NULL DEFAULT 0,
  CHECK(end_time > start_time)
);
CREATE INDEX IF NOT EXISTS idx_events_owner_start ON calendar_events(owner_id, start_time);
CREATE TABLE IF NOT EXISTS working_hours (
  owner_id TEXT NOT NULL,
  weekday INTEGER NOT NULL CHECK(weekday BETWEEN 0 AND 6),
  is_working_day INTEGER NOT NULL DEFAULT 0,
  start_hour INTEGER NOT NULL DEFAULT 9,
  start_minute INTEGER NOT NULL DEFAULT 0,
  end_hour INTEGER NOT NULL DEFAULT 17,
  end_minute INTEGER NOT NULL DEFAULT 0,
  break_hour INTEGER NOT NULL DEFAULT 0,
  break_minute INTEGER NOT NULL DEFAULT 0,
  break_minutes INTEGER NOT NULL DEFAULT 0,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  PRIMARY KEY(owner_id, weekday)
);
CREATE TABLE IF NOT EXISTS block_preferences (
  owner_id TEXT NOT NULL,
  minutes INTEGER NOT NULL,
  PRIMARY KEY(owner_id, minutes)
);
CREATE TABLE IF NOT EXISTS run_locks (
  owner_id TEXT PRIMARY KEY,
  token TEXT NOT NULL,
  acquired_at DATETIME NOT NULL,
  expires_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_rollups (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  window_start DATETIME NOT NULL,
  window_end DATETIME NOT NULL,
  task_events INTEGER NOT NULL DEFAULT 0,
  meeting_events INTEGER NOT NULL DEFAULT 0,
  other_events INTEGER NOT NULL DEFAULT 0,
  scheduled_minutes INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	CreateTask(ctx context.Context, t domain.SchedulableTask) (string, error)
	GetTask(ctx context.Context, id string) (domain.SchedulableTask, error)
	// SchedulableTasks returns the owner's open, unlocked tasks that are
	// unplaced or flagged for rescheduling, ordered by priority score
	// descending then due date ascending (no due date sorts last).
	SchedulableTasks(ctx context.Context, ownerID string, companyID *string, taskIDs []string) ([]domain.SchedulableTask, error)

	CreateEvent(ctx context.Context, e domain.CalendarEvent) (string, error)
	UpcomingEvents(ctx context.Context, ownerID string, from time.Time) ([]domain.CalendarEvent, error)

	WorkingHours(ctx context.Context, ownerID string) (domain.WorkingHoursPolicy, error)
	SaveWorkingHours(ctx context.Context, ownerID string, p domain.WorkingHoursPolicy) error
	PreferredBlockSizes(ctx context.Context, ownerID string) ([]int, error)

	// CommitPlacement writes the task's placement fields and the backing
	// calendar event in a single transaction.
	CommitPlacement(ctx context.Context, taskID string, slot Slot, now time.Time) (string, error)
	// CascadeReschedule flags the owner's other placed, unlocked, open
	// tasks for re-evaluation. Returns the number of tasks flagged.
	CascadeReschedule(ctx context.Context, ownerID string, companyID *string, exclude []string) (int, error)

	AcquireRunLock(ctx context.Context, ownerID string, ttl time.Duration) (string, error)
	ReleaseRunLock(ctx context.Context, ownerID, token string) error

	UsageRollup(ctx context.Context, ownerID string, from, to time.Time) (Rollup, error)
	SaveRollup(ctx context.Context, r Rollup) (string, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) CreateTask(ctx context.Context, t domain.SchedulableTask) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TaskOpen
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,owner_id,company_id,title,estimated_minutes,priority_score,due_date,start_at,
  is_schedule_locked,needs_rescheduling,last_scheduled_at,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, t.OwnerID, t.CompanyID, t.Title, t.EstimatedMinutes, t.PriorityScore,
		utcOrNil(t.DueDate), utcOrNil(t.StartAt), t.IsScheduleLocked, t.NeedsRescheduling,
		utcOrNil(t.LastScheduledAt), string(t.Status), now, now)
	return id, err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.SchedulableTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.SchedulableTask{}, ErrTaskNotFound
	}
	return t, err
}

func (s *sqliteStore) SchedulableTasks(ctx context.Context, ownerID string, companyID *string, taskIDs []string) ([]domain.SchedulableTask, error) {
	q := `SELECT ` + taskCols + ` FROM tasks
WHERE owner_id=? AND status='open' AND is_schedule_locked=0
  AND (start_at IS NULL OR needs_rescheduling=1)`
	args := []any{ownerID}
	if companyID != nil {
		q += ` AND company_id=?`
		args = append(args, *companyID)
	}
	if len(taskIDs) > 0 {
		q += ` AND id IN (?` + strings.Repeat(",?", len(taskIDs)-1) + `)`
		for _, id := range taskIDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY priority_score DESC, due_date IS NULL, due_date ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SchedulableTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateEvent(ctx context.Context, e domain.CalendarEvent) (string, error) {
	id := e.ID
	if id == "" {
		id = "evt_" + uuid.NewString()
	}
	if e.Kind == "" {
		e.Kind = domain.EventOther
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calendar_events (id,owner_id,task_id,title,start_time,end_time,kind,is_locked)
VALUES (?,?,?,?,?,?,?,?)
`, id, e.OwnerID, e.TaskID, e.Title, e.StartTime.UTC(), e.EndTime.UTC(), string(e.Kind), e.IsLocked)
	return id, err
}

func (s *sqliteStore) UpcomingEvents(ctx context.Context, ownerID string, from time.Time) ([]domain.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventCols+` FROM calendar_events
WHERE owner_id=? AND end_time > ?
ORDER BY start_time ASC
`, ownerID, from.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) WorkingHours(ctx context.Context, ownerID string) (domain.WorkingHoursPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT weekday,is_working_day,start_hour,start_minute,end_hour,end_minute,
  break_hour,break_minute,break_minutes,timezone
FROM working_hours WHERE owner_id=?
`, ownerID)
	if err != nil {
		return domain.WorkingHoursPolicy{}, err
	}
	defer rows.Close()

	var p domain.WorkingHoursPolicy
	found := false
	for rows.Next() {
		var wd int
		var d domain.DayPolicy
		var tz string
		if err := rows.Scan(&wd, &d.Working, &d.StartHour, &d.StartMinute, &d.EndHour, &d.EndMinute,
			&d.BreakHour, &d.BreakMinute, &d.BreakMinutes, &tz); err != nil {
			return domain.WorkingHoursPolicy{}, err
		}
		if wd < 0 || wd > 6 {
			return domain.WorkingHoursPolicy{}, fmt.Errorf("working_hours: weekday %d out of range", wd)
		}
		p.Days[wd] = d
		p.Timezone = tz
		found = true
	}
	if err := rows.Err(); err != nil {
		return domain.WorkingHoursPolicy{}, err
	}
	if !found {
		return domain.DefaultWorkingHours(), nil
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	return p, nil
}

func (s *sqliteStore) SaveWorkingHours(ctx context.Context, ownerID string, p domain.WorkingHoursPolicy) error {
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for wd, d := range p.Days {
		_, err := tx.ExecContext(ctx, `
INSERT INTO working_hours (owner_id,weekday,is_working_day,start_hour,start_minute,end_hour,end_minute,
  break_hour,break_minute,break_minutes,timezone)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(owner_id,weekday) DO UPDATE SET
  is_working_day=excluded.is_working_day, start_hour=excluded.start_hour, start_minute=excluded.start_minute,
  end_hour=excluded.end_hour, end_minute=excluded.end_minute, break_hour=excluded.break_hour,
  break_minute=excluded.break_minute, break_minutes=excluded.break_minutes, timezone=excluded.timezone
`, ownerID, wd, d.Working, d.StartHour, d.StartMinute, d.EndHour, d.EndMinute,
			d.BreakHour, d.BreakMinute, d.BreakMinutes, tz)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PreferredBlockSizes(ctx context.Context, ownerID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT minutes FROM block_preferences WHERE owner_id=? ORDER BY minutes`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var m int
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CommitPlacement(ctx context.Context, taskID string, slot Slot, now time.Time) (string, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var ownerID, title string
	err = tx.QueryRowContext(ctx, `SELECT owner_id,title FROM tasks WHERE id=?`, taskID).Scan(&ownerID, &title)
	if err == sql.ErrNoRows {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE tasks SET start_at=?, due_date=?, needs_rescheduling=0, last_scheduled_at=?, updated_at=?
WHERE id=?
`, slot.Start.UTC(), slot.End.UTC(), now, now, taskID)
	if err != nil {
		return "", err
	}

	eventID := "evt_" + uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO calendar_events (id,owner_id,task_id,title,start_time,end_time,kind,is_locked)
VALUES (?,?,?,?,?,?,'task',0)
`, eventID, ownerID, taskID, title, slot.Start.UTC(), slot.End.UTC())
	if err != nil {
		return "", fmt.Errorf("insert placement event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return eventID, nil
}

func (s *sqliteStore) CascadeReschedule(ctx context.Context, ownerID string, companyID *string, exclude []string) (int, error) {
	q := `UPDATE tasks SET needs_rescheduling=1, updated_at=?
WHERE owner_id=? AND status='open' AND is_schedule_locked=0 AND start_at IS NOT NULL`
	args := []any{time.Now().UTC(), ownerID}
	if companyID != nil {
		q += ` AND company_id=?`
		args = append(args, *companyID)
	}
	if len(exclude) > 0 {
		q += ` AND id NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AcquireRunLock takes the per-user advisory scheduling lock via a
// single-row compare-and-swap. An unexpired lock belonging to another run
// yields ErrLockHeld.
func (s *sqliteStore) AcquireRunLock(ctx context.Context, ownerID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO run_locks (owner_id,token,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(owner_id) DO UPDATE SET
  token=excluded.token, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE run_locks.expires_at <= excluded.acquired_at
`, ownerID, token, now, now.Add(ttl))
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrLockHeld
	}
	return token, nil
}

func (s *sqliteStore) ReleaseRunLock(ctx context.Context, ownerID, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE owner_id=? AND token=?`, ownerID, token)
	return err
}

const taskCols = `id,owner_id,company_id,title,estimated_minutes,priority_score,due_date,start_at,
is_schedule_locked,needs_rescheduling,last_scheduled_at,status,created_at,updated_at`

const eventCols = `id,owner_id,task_id,title,start_time,end_time,kind,is_locked`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.SchedulableTask, error) {
	var t domain.SchedulableTask
	var companyID, status sql.NullString
	var due, start, lastSched sql.NullTime
	err := row.Scan(&t.ID, &t.OwnerID, &companyID, &t.Title, &t.EstimatedMinutes, &t.PriorityScore,
		&due, &start, &t.IsScheduleLocked, &t.NeedsRescheduling, &lastSched, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.SchedulableTask{}, err
	}
	if companyID.Valid {
		c := companyID.String
		t.CompanyID = &c
	}
	t.Status = domain.TaskStatus(status.String)
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	if start.Valid {
		st := start.Time
		t.StartAt = &st
	}
	if lastSched.Valid {
		ls := lastSched.Time
		t.LastScheduledAt = &ls
	}
	return t, nil
}

func scanEvent(row rowScanner) (domain.CalendarEvent, error) {
	var e domain.CalendarEvent
	var taskID sql.NullString
	var kind string
	err := row.Scan(&e.ID, &e.OwnerID, &taskID, &e.Title, &e.StartTime, &e.EndTime, &kind, &e.IsLocked)
	if err != nil {
		return domain.CalendarEvent{}, err
	}
	if taskID.Valid {
		id := taskID.String
		e.TaskID = &id
	}
	e.Kind = domain.EventKind(kind)
	return e, nil
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
