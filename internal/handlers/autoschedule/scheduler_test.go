package autoschedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"rhythm/internal/agenda"
	"rhythm/internal/domain"
)

// Monday 08:00 UTC, before the working window opens.
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Handler, agenda.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, agenda.EnsureSchema(db))
	store := agenda.NewSQLiteStore(db)

	// Every day working 09:00-17:00 so tests don't depend on the weekday.
	policy := domain.WorkingHoursPolicy{Timezone: "UTC"}
	for wd := range policy.Days {
		policy.Days[wd] = domain.DayPolicy{Working: true, StartHour: 9, EndHour: 17}
	}
	require.NoError(t, store.SaveWorkingHours(context.Background(), "u1", policy))

	h := New(store, zerolog.Nop())
	h.now = func() time.Time { return testNow }
	return h, store, db
}

func runJob(t *testing.T, h *Handler, req Request) Result {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	out, err := h.ProcessJob(context.Background(), payload)
	require.NoError(t, err)
	var res Result
	require.NoError(t, json.Unmarshal(out, &res))
	return res
}

func at(h, m int) time.Time {
	return time.Date(testNow.Year(), testNow.Month(), testNow.Day(), h, m, 0, 0, time.UTC)
}

func TestPlacesTaskInFirstSufficientGap(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)

	_, err := store.CreateEvent(ctx, domain.CalendarEvent{
		OwnerID: "u1", StartTime: at(10, 30), EndTime: at(11, 30), Kind: domain.EventMeeting,
	})
	require.NoError(t, err)
	id, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 90})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Equal(t, 1, res.Scheduled)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)

	// The 09:00-10:30 gap holds exactly 90 minutes, so the task lands
	// there instead of after the meeting.
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task.StartAt)
	assert.True(t, task.StartAt.Equal(at(9, 0)), "got %v", task.StartAt)
	require.NotNil(t, task.DueDate)
	assert.True(t, task.DueDate.Equal(at(10, 30)), "got %v", task.DueDate)
	assert.False(t, task.NeedsRescheduling)
}

func TestSkipsPastTooSmallGap(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)

	// 09:00-10:00 is only 60 minutes, too small for 90: the task goes
	// after the meeting.
	_, err := store.CreateEvent(ctx, domain.CalendarEvent{
		OwnerID: "u1", StartTime: at(10, 0), EndTime: at(11, 0), Kind: domain.EventMeeting,
	})
	require.NoError(t, err)
	id, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 90})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Equal(t, 1, res.Scheduled)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task.StartAt)
	assert.True(t, task.StartAt.Equal(at(11, 0)), "got %v", task.StartAt)
}

func TestOversizedTaskIsSkippedNotFailed(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)

	// 600 minutes never fits an 8-hour window, on any of the 15 days.
	id, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 600})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Zero(t, res.Scheduled)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Errors)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, task.StartAt, "a skipped task stays unplaced")
}

func TestFullyBookedHorizonSkips(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)

	for day := 0; day <= horizonDays; day++ {
		d := testNow.AddDate(0, 0, day)
		_, err := store.CreateEvent(ctx, domain.CalendarEvent{
			OwnerID:   "u1",
			StartTime: time.Date(d.Year(), d.Month(), d.Day(), 9, 0, 0, 0, time.UTC),
			EndTime:   time.Date(d.Year(), d.Month(), d.Day(), 17, 0, 0, 0, time.UTC),
			Kind:      domain.EventMeeting,
		})
		require.NoError(t, err)
	}
	_, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 30})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Zero(t, res.Scheduled)
	assert.Equal(t, 1, res.Skipped)
}

func TestLaterTasksSeeEarlierPlacements(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)

	first, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 60, PriorityScore: 20})
	require.NoError(t, err)
	second, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 60, PriorityScore: 10})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Equal(t, 2, res.Scheduled)

	t1, err := store.GetTask(ctx, first)
	require.NoError(t, err)
	t2, err := store.GetTask(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, t1.StartAt)
	require.NotNil(t, t2.StartAt)
	assert.True(t, t1.StartAt.Equal(at(9, 0)), "got %v", t1.StartAt)
	assert.True(t, t2.StartAt.Equal(at(10, 0)),
		"second task must not double-book the first placement, got %v", t2.StartAt)
}

func TestCascadeFlagsOtherPlacedTasks(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)
	placed := at(13, 0)

	newTask, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 60})
	require.NoError(t, err)
	already, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", StartAt: &placed})
	require.NoError(t, err)
	locked, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", StartAt: &placed, IsScheduleLocked: true})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Equal(t, 1, res.Scheduled)

	got, err := store.GetTask(ctx, already)
	require.NoError(t, err)
	assert.True(t, got.NeedsRescheduling, "placed task must be re-flagged after a new placement")

	got, err = store.GetTask(ctx, locked)
	require.NoError(t, err)
	assert.False(t, got.NeedsRescheduling, "locked task is untouched by the cascade")

	got, err = store.GetTask(ctx, newTask)
	require.NoError(t, err)
	assert.False(t, got.NeedsRescheduling, "the task placed in this run is not re-flagged")
}

func TestNoCascadeWhenNothingScheduled(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)
	placed := at(13, 0)

	already, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", StartAt: &placed})
	require.NoError(t, err)
	_, err = store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 600})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Zero(t, res.Scheduled)

	got, err := store.GetTask(ctx, already)
	require.NoError(t, err)
	assert.False(t, got.NeedsRescheduling)
}

func TestRerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, store, db := newFixture(t)

	id, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 60})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1"})
	assert.Equal(t, 1, res.Scheduled)

	// Same payload again, as a retried job would deliver it.
	res = runJob(t, h, Request{UserID: "u1"})
	assert.Zero(t, res.Scheduled, "placed tasks are excluded from selection")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM calendar_events WHERE task_id=?`, id).Scan(&n))
	assert.Equal(t, 1, n, "re-running must not duplicate the placement event")
}

func TestDryRunCommitsNothing(t *testing.T) {
	ctx := context.Background()
	h, store, db := newFixture(t)

	id, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", EstimatedMinutes: 60})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1", DryRun: true})
	assert.Equal(t, 1, res.Scheduled)
	require.Len(t, res.Placements, 1)
	assert.Equal(t, id, res.Placements[0].TaskID)
	assert.True(t, res.Placements[0].Start.Equal(at(9, 0)))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, task.StartAt)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM calendar_events`).Scan(&n))
	assert.Zero(t, n)
}

func TestHeldLockFailsTheRun(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)

	_, err := store.AcquireRunLock(ctx, "u1", time.Minute)
	require.NoError(t, err)

	payload, err := json.Marshal(Request{UserID: "u1"})
	require.NoError(t, err)
	_, err = h.ProcessJob(ctx, payload)
	assert.ErrorIs(t, err, agenda.ErrLockHeld)
}

func TestLockReleasedAfterRun(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)

	runJob(t, h, Request{UserID: "u1"})

	_, err := store.AcquireRunLock(ctx, "u1", time.Minute)
	assert.NoError(t, err, "the run must release its lock on the way out")
}

func TestMissingUserIDFailsJob(t *testing.T) {
	h, _, _ := newFixture(t)
	_, err := h.ProcessJob(context.Background(), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestUnifiedModeIgnoresCompanyFilter(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)
	acme := "acme"

	_, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", CompanyID: &acme, EstimatedMinutes: 60})
	require.NoError(t, err)
	other := "globex"
	_, err = store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", CompanyID: &other, EstimatedMinutes: 60})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1", CompanyID: &acme, Mode: ModeUnified})
	assert.Equal(t, 2, res.Scheduled, "unified runs place across companies")
}

func TestPerCompanyModeHonorsFilter(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newFixture(t)
	acme, globex := "acme", "globex"

	inAcme, err := store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", CompanyID: &acme, EstimatedMinutes: 60})
	require.NoError(t, err)
	_, err = store.CreateTask(ctx, domain.SchedulableTask{OwnerID: "u1", CompanyID: &globex, EstimatedMinutes: 60})
	require.NoError(t, err)

	res := runJob(t, h, Request{UserID: "u1", CompanyID: &acme, Mode: ModePerCompany})
	assert.Equal(t, 1, res.Scheduled)

	task, err := store.GetTask(ctx, inAcme)
	require.NoError(t, err)
	assert.NotNil(t, task.StartAt)
}

func TestTaskDurationFallbacks(t *testing.T) {
	withEstimate := domain.SchedulableTask{EstimatedMinutes: 45}
	assert.Equal(t, 45*time.Minute, taskDuration(withEstimate, []int{30}))

	noEstimate := domain.SchedulableTask{}
	assert.Equal(t, 30*time.Minute, taskDuration(noEstimate, []int{30, 60}))
	assert.Equal(t, 60*time.Minute, taskDuration(noEstimate, nil))
}
