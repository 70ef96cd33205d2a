package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rhythm/internal/domain"
	"rhythm/internal/queue"
)

// triggerManager owns the cron runner for one processor. Each enabled
// RecurringTrigger row gets exactly one cron entry; the entry map lives on
// the instance, not in a process-wide registry, so Stop tears everything
// down cleanly.
type triggerManager struct {
	store queue.Store
	proc  *Processor

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

func newTriggerManager(store queue.Store, p *Processor) *triggerManager {
	return &triggerManager{
		store:   store,
		proc:    p,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

func (m *triggerManager) start(ctx context.Context) error {
	triggers, err := m.store.ListRecurring(ctx, m.proc.Type(), true)
	if err != nil {
		return fmt.Errorf("list recurring triggers: %w", err)
	}
	for _, t := range triggers {
		if err := m.register(t); err != nil {
			return err
		}
	}
	m.cron.Start()
	return nil
}

func (m *triggerManager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Stop returns once scheduling halts; running fire callbacks are tiny
	// (a single enqueue) and finish on their own.
	m.cron.Stop()
	m.entries = make(map[string]cron.EntryID)
}

// register replaces any existing cron entry for the trigger's name.
func (m *triggerManager) register(t domain.RecurringTrigger) error {
	sched, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return fmt.Errorf("trigger %s: invalid cron expression %q: %w", t.Name, t.Schedule, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.entries[t.Name]; ok {
		m.cron.Remove(id)
		delete(m.entries, t.Name)
	}
	name := t.Name
	payload := t.Payload
	id := m.cron.Schedule(sched, cron.FuncJob(func() {
		m.fire(context.Background(), name, payload, sched)
	}))
	m.entries[t.Name] = id
	return nil
}

// fire materializes one job from the trigger template. The run times only
// advance after a successful enqueue; on failure the next cron tick simply
// retries, which is the trigger's backoff.
func (m *triggerManager) fire(ctx context.Context, name string, payload []byte, sched cron.Schedule) {
	now := time.Now()
	jobID, err := m.proc.Enqueue(ctx, payload, EnqueueOptions{Priority: 1})
	if err != nil {
		m.proc.log.Error().Err(err).Str("trigger", name).Msg("trigger enqueue failed")
		return
	}
	next := sched.Next(now)
	if err := m.store.MarkTriggerRun(ctx, name, now, next); err != nil {
		m.proc.log.Error().Err(err).Str("trigger", name).Msg("update trigger run times")
		return
	}
	m.proc.log.Info().
		Str("trigger", name).
		Str("job_id", jobID).
		Time("next_run", next).
		Msg("recurring job enqueued")
}

func (m *triggerManager) add(ctx context.Context, t domain.RecurringTrigger) error {
	sched, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", t.Schedule, err)
	}
	t.Type = m.proc.Type()
	if t.NextRunAt.IsZero() {
		t.NextRunAt = sched.Next(time.Now())
	}
	if err := m.store.UpsertRecurring(ctx, t); err != nil {
		return err
	}
	if !t.Enabled {
		m.unregister(t.Name)
		return nil
	}
	return m.register(t)
}

func (m *triggerManager) remove(ctx context.Context, name string) error {
	if err := m.store.DeleteRecurring(ctx, name); err != nil {
		return err
	}
	m.unregister(name)
	return nil
}

func (m *triggerManager) unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.entries[name]; ok {
		m.cron.Remove(id)
		delete(m.entries, name)
	}
}

// ValidateSpec reports whether expr is a parseable standard cron expression.
func ValidateSpec(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRun computes the next firing time of a cron expression after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
