package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"rhythm/internal/domain"
)

var (
	ErrNotFound = errors.New("job not found")
)

// EnsureSchema creates the job store tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  priority INTEGER NOT NULL DEFAULT 5,
  scheduled_for DATETIME NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  result BLOB,
  error TEXT NOT NULL DEFAULT '',
  started_at DATETIME,
  completed_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(type, status, scheduled_for, priority);
CREATE TABLE IF NOT EXISTS recurring_triggers (
  name TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  schedule TEXT NOT NULL,
  payload BLOB NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run_at DATETIME,
  next_run_at DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triggers_type ON recurring_triggers(type, enabled);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	Enqueue(ctx context.Context, j domain.Job) (string, error)
	// ClaimBatch atomically transitions up to limit ready jobs of the given
	// type from pending to processing and returns them.
	ClaimBatch(ctx context.Context, typ string, limit int, now time.Time) ([]domain.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	// RetryOrFail re-queues the job after delay, or marks it failed when its
	// attempts are exhausted. The error message is stored either way.
	RetryOrFail(ctx context.Context, id, errMsg string, delay time.Duration) error
	Get(ctx context.Context, id string) (domain.Job, error)
	CountByStatus(ctx context.Context, typ string, status domain.JobStatus, since time.Time) (int, error)
	ListRecentJobs(ctx context.Context, limit int) ([]domain.Job, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)

	ListRecurring(ctx context.Context, typ string, enabledOnly bool) ([]domain.RecurringTrigger, error)
	GetRecurring(ctx context.Context, name string) (domain.RecurringTrigger, error)
	UpsertRecurring(ctx context.Context, t domain.RecurringTrigger) error
	DeleteRecurring(ctx context.Context, name string) error
	// MarkTriggerRun records a successful firing and the next scheduled one.
	MarkTriggerRun(ctx context.Context, name string, lastRun, nextRun time.Time) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Enqueue(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if j.Priority == 0 {
		j.Priority = 5
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	now := time.Now().UTC()
	scheduledFor := j.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id,type,payload,status,priority,scheduled_for,attempts,max_attempts,created_at,updated_at)
VALUES (?,?,?,'pending',?,?,0,?,?,?)
`, id, j.Type, []byte(j.Payload), j.Priority, scheduledFor.UTC(), j.MaxAttempts, now, now)
	return id, err
}

func (s *sqliteStore) ClaimBatch(ctx context.Context, typ string, limit int, now time.Time) ([]domain.Job, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT `+jobCols+`
FROM jobs
WHERE type=? AND status='pending' AND scheduled_for <= ? AND attempts < max_attempts
ORDER BY priority ASC, created_at ASC
LIMIT ?
`, typ, now, limit)
	if err != nil {
		return nil, err
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	// Optimistic re-check: the update predicate repeats status='pending' so
	// a row claimed by a concurrent processor between select and update is
	// dropped from the batch instead of being claimed twice.
	claimed := make([]domain.Job, 0, len(candidates))
	for _, j := range candidates {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
UPDATE jobs SET status='processing', attempts=attempts+1, started_at=?, updated_at=?
WHERE id=? AND status='pending'
`, now, now, j.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		j.Status = domain.JobProcessing
		j.Attempts++
		started := now
		j.StartedAt = &started
		claimed = append(claimed, j)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *sqliteStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='completed', result=?, error='', completed_at=?, updated_at=?
WHERE id=? AND status='processing'
`, []byte(result), now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RetryOrFail(ctx context.Context, id, errMsg string, delay time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status        = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
    completed_at  = CASE WHEN attempts >= max_attempts THEN ? ELSE completed_at END,
    scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for ELSE ? END,
    error         = ?,
    updated_at    = ?
WHERE id=? AND status='processing'
`, now, now.Add(delay), errMsg, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) CountByStatus(ctx context.Context, typ string, status domain.JobStatus, since time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM jobs WHERE type=? AND status=?`
	args := []any{typ, string(status)}
	if !since.IsZero() {
		// Terminal statuses are windowed on completion time.
		if status == domain.JobCompleted || status == domain.JobFailed {
			q += ` AND completed_at >= ?`
		} else {
			q += ` AND created_at >= ?`
		}
		args = append(args, since.UTC())
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListRecentJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// RecoverStale re-queues jobs stuck in processing longer than olderThan.
// Meant as a startup sweep after an unclean shutdown; a live reaper for
// crashed peers is out of scope.
func (s *sqliteStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='pending', scheduled_for=?, updated_at=?
WHERE status='processing' AND started_at <= ?
`, now, now, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListRecurring(ctx context.Context, typ string, enabledOnly bool) ([]domain.RecurringTrigger, error) {
	q := `SELECT ` + triggerCols + ` FROM recurring_triggers WHERE type=?`
	if enabledOnly {
		q += ` AND enabled=1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY name`, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RecurringTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRecurring(ctx context.Context, name string) (domain.RecurringTrigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM recurring_triggers WHERE name=?`, name)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return domain.RecurringTrigger{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) UpsertRecurring(ctx context.Context, t domain.RecurringTrigger) error {
	now := time.Now().UTC()
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recurring_triggers (name,type,schedule,payload,enabled,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET
  type=excluded.type, schedule=excluded.schedule, payload=excluded.payload,
  enabled=excluded.enabled, next_run_at=excluded.next_run_at, updated_at=excluded.updated_at
`, t.Name, t.Type, t.Schedule, []byte(t.Payload), t.Enabled, t.NextRunAt.UTC(), now, now)
	return err
}

func (s *sqliteStore) DeleteRecurring(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recurring_triggers WHERE name=?`, name)
	return err
}

func (s *sqliteStore) MarkTriggerRun(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE recurring_triggers SET last_run_at=?, next_run_at=?, updated_at=? WHERE name=?
`, lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), name)
	return err
}

const jobCols = `id,type,payload,status,priority,scheduled_for,attempts,max_attempts,result,error,started_at,completed_at,created_at,updated_at`

const triggerCols = `name,type,schedule,payload,enabled,last_run_at,next_run_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var payload, result []byte
	var started, completed sql.NullTime
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Priority, &j.ScheduledFor,
		&j.Attempts, &j.MaxAttempts, &result, &j.Error, &started, &completed, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Payload = json.RawMessage(payload)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanTrigger(row rowScanner) (domain.RecurringTrigger, error) {
	var t domain.RecurringTrigger
	var payload []byte
	var lastRun sql.NullTime
	err := row.Scan(&t.Name, &t.Type, &t.Schedule, &payload, &t.Enabled, &lastRun, &t.NextRunAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.RecurringTrigger{}, err
	}
	t.Payload = json.RawMessage(payload)
	if lastRun.Valid {
		lr := lastRun.Time
		t.LastRunAt = &lr
	}
	return t, nil
}
