package queue_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"rhythm/internal/domain"
	"rhythm/internal/queue"
)

func newTestStore(t *testing.T) queue.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteStore(db)
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, domain.Job{Type: "email"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
	assert.Equal(t, 5, j.Priority)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Equal(t, 0, j.Attempts)
	assert.False(t, j.ScheduledFor.After(time.Now().UTC()))
}

func TestClaimBatchOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []string
	for _, prio := range []int{5, 1, 3} {
		id, err := store.Enqueue(ctx, domain.Job{Type: "email", Priority: prio})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	jobs, err := store.ClaimBatch(ctx, "email", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	// Lower priority value is more urgent.
	assert.Equal(t, ids[1], jobs[0].ID)
	assert.Equal(t, ids[2], jobs[1].ID)
	assert.Equal(t, ids[0], jobs[2].ID)
	for _, j := range jobs {
		assert.Equal(t, domain.JobProcessing, j.Status)
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.StartedAt)
	}
}

func TestClaimBatchIgnoresOtherTypesAndFuture(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Enqueue(ctx, domain.Job{Type: "notify"})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, domain.Job{Type: "email", ScheduledFor: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	jobs, err := store.ClaimBatch(ctx, "email", 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, domain.Job{Type: "email"})
	require.NoError(t, err)

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := store.ClaimBatch(ctx, "email", 1, time.Now())
			if err == nil {
				claimed.Add(int32(len(jobs)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load(), "exactly one claimant may win")

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestRetryThenFailAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, domain.Job{Type: "email", MaxAttempts: 2})
	require.NoError(t, err)

	// First attempt: retried with a delay.
	jobs, err := store.ClaimBatch(ctx, "email", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, store.RetryOrFail(ctx, id, "boom", time.Second))

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "boom", j.Error)
	assert.True(t, j.ScheduledFor.After(time.Now().UTC().Add(500*time.Millisecond)),
		"retry must be pushed into the future")

	// Second attempt exhausts max_attempts.
	jobs, err = store.ClaimBatch(ctx, "email", 1, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, store.RetryOrFail(ctx, id, "boom again", time.Second))

	j, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, j.MaxAttempts, j.Attempts)
	require.NotNil(t, j.CompletedAt)

	// A failed job is terminal: no further claims.
	jobs, err = store.ClaimBatch(ctx, "email", 1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCompleteStoresResult(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, domain.Job{Type: "email"})
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, "email", 1, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, id, json.RawMessage(`{"sent":true}`)))

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.JSONEq(t, `{"sent":true}`, string(j.Result))
	assert.Empty(t, j.Error)
	require.NotNil(t, j.CompletedAt)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, domain.Job{Type: "email"})
	require.NoError(t, err)
	assert.ErrorIs(t, store.Complete(ctx, id, nil), queue.ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, domain.Job{Type: "email"})
		require.NoError(t, err)
	}
	jobs, err := store.ClaimBatch(ctx, "email", 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, jobs[0].ID, nil))

	n, err := store.CountByStatus(ctx, "email", domain.JobPending, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.CountByStatus(ctx, "email", domain.JobCompleted, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountByStatus(ctx, "email", domain.JobCompleted, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, domain.Job{Type: "email"})
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, "email", 1, time.Now())
	require.NoError(t, err)

	n, err := store.RecoverStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
}

func TestRecurringTriggerCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	trg := domain.RecurringTrigger{
		Name:      "nightly-rollup",
		Type:      "rollup",
		Schedule:  "0 2 * * *",
		Payload:   json.RawMessage(`{"user_id":"u1"}`),
		Enabled:   true,
		NextRunAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.UpsertRecurring(ctx, trg))

	got, err := store.GetRecurring(ctx, "nightly-rollup")
	require.NoError(t, err)
	assert.Equal(t, "rollup", got.Type)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastRunAt)

	// Upsert with the same name replaces, not duplicates.
	trg.Schedule = "30 2 * * *"
	require.NoError(t, store.UpsertRecurring(ctx, trg))
	list, err := store.ListRecurring(ctx, "rollup", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "30 2 * * *", list[0].Schedule)

	lastRun := time.Now()
	nextRun := lastRun.Add(24 * time.Hour)
	require.NoError(t, store.MarkTriggerRun(ctx, "nightly-rollup", lastRun, nextRun))
	got, err = store.GetRecurring(ctx, "nightly-rollup")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)

	require.NoError(t, store.DeleteRecurring(ctx, "nightly-rollup"))
	_, err = store.GetRecurring(ctx, "nightly-rollup")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestListRecurringFiltersDisabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertRecurring(ctx, domain.RecurringTrigger{
		Name: "on", Type: "email", Schedule: "* * * * *", Enabled: true, NextRunAt: time.Now(),
	}))
	require.NoError(t, store.UpsertRecurring(ctx, domain.RecurringTrigger{
		Name: "off", Type: "email", Schedule: "* * * * *", Enabled: false, NextRunAt: time.Now(),
	}))

	enabled, err := store.ListRecurring(ctx, "email", true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Name)

	all, err := store.ListRecurring(ctx, "email", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
