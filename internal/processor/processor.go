// Package processor runs the polling job engine: one Processor per job
// type, each with its own poll interval, concurrency bound and recurring
// cron triggers.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rhythm/internal/domain"
	"rhythm/internal/queue"
)

// Handler executes jobs of a single type. Name reports the job type the
// processor claims; ProcessJob returns the result stored on the job row,
// or an error to trigger the retry path.
type Handler interface {
	Name() string
	ProcessJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

type Options struct {
	PollInterval time.Duration
	Concurrency  int
	MaxAttempts  int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

type Processor struct {
	store    queue.Store
	handler  Handler
	opts     Options
	log      zerolog.Logger
	triggers *triggerManager

	cycleBusy atomic.Bool
	stopped   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func New(store queue.Store, h Handler, opts Options, logger zerolog.Logger) *Processor {
	p := &Processor{
		store:   store,
		handler: h,
		opts:    opts.withDefaults(),
		log:     logger.With().Str("processor", h.Name()).Logger(),
		stop:    make(chan struct{}),
	}
	p.triggers = newTriggerManager(store, p)
	return p
}

func (p *Processor) Type() string { return p.handler.Name() }

// Start registers this type's enabled recurring triggers and begins the
// poll loop in the background.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.triggers.start(ctx); err != nil {
		return fmt.Errorf("start triggers for %s: %w", p.Type(), err)
	}
	p.wg.Add(1)
	go p.loop(ctx)
	p.log.Info().
		Dur("poll_interval", p.opts.PollInterval).
		Int("concurrency", p.opts.Concurrency).
		Msg("processor started")
	return nil
}

// Stop halts polling and cron firings and waits for in-flight jobs to
// finish. Jobs left in processing by a crash are handled by the startup
// stale sweep, not here.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.triggers.stopAll()
		close(p.stop)
	})
	p.wg.Wait()
	p.log.Info().Msg("processor stopped")
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.runCycle(ctx, now)
			}()
		}
	}
}

// runCycle claims one batch and executes it. A cycle is skipped when the
// previous one is still running or the processor is stopping.
func (p *Processor) runCycle(ctx context.Context, now time.Time) {
	if p.stopped.Load() {
		return
	}
	if !p.cycleBusy.CompareAndSwap(false, true) {
		return
	}
	defer p.cycleBusy.Store(false)

	pollCycles.WithLabelValues(p.Type()).Inc()

	jobs, err := p.store.ClaimBatch(ctx, p.Type(), p.opts.Concurrency, now)
	if err != nil {
		// Cycle aborted with no job state changed; the next tick retries.
		p.log.Error().Err(err).Msg("claim batch failed")
		return
	}
	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(job domain.Job) {
			defer wg.Done()
			p.execute(ctx, job)
		}(j)
	}
	wg.Wait()
}

func (p *Processor) execute(ctx context.Context, job domain.Job) {
	start := time.Now()
	result, err := p.safeProcess(ctx, job.Payload)
	jobDuration.WithLabelValues(p.Type()).Observe(time.Since(start).Seconds())

	if err != nil {
		delay := backoffExp(job.Attempts)
		if rerr := p.store.RetryOrFail(ctx, job.ID, err.Error(), delay); rerr != nil {
			p.log.Error().Err(rerr).Str("job_id", job.ID).Msg("record failure")
			return
		}
		if job.Attempts >= job.MaxAttempts {
			jobsProcessed.WithLabelValues(p.Type(), "failed").Inc()
			p.log.Error().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("job failed permanently")
		} else {
			jobsProcessed.WithLabelValues(p.Type(), "retried").Inc()
			p.log.Warn().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Dur("retry_in", delay).Msg("job retrying")
		}
		return
	}

	if cerr := p.store.Complete(ctx, job.ID, result); cerr != nil {
		p.log.Error().Err(cerr).Str("job_id", job.ID).Msg("record success")
		return
	}
	jobsProcessed.WithLabelValues(p.Type(), "completed").Inc()
	p.log.Info().Str("job_id", job.ID).Dur("took", time.Since(start)).Msg("job completed")
}

// safeProcess wraps the handler so a panicking job fails like any other
// instead of taking its siblings or the process down.
func (p *Processor) safeProcess(ctx context.Context, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return p.handler.ProcessJob(ctx, payload)
}

type EnqueueOptions struct {
	Priority     int
	ScheduledFor time.Time
	MaxAttempts  int
}

func (p *Processor) Enqueue(ctx context.Context, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = p.opts.MaxAttempts
	}
	return p.store.Enqueue(ctx, domain.Job{
		Type:         p.Type(),
		Payload:      payload,
		Priority:     opts.Priority,
		ScheduledFor: opts.ScheduledFor,
		MaxAttempts:  opts.MaxAttempts,
	})
}

func (p *Processor) Status(ctx context.Context, id string) (domain.Job, error) {
	return p.store.Get(ctx, id)
}

type Stats struct {
	Pending          int `json:"pending"`
	Processing       int `json:"processing"`
	CompletedLast24h int `json:"completed_last_24h"`
	FailedLast24h    int `json:"failed_last_24h"`
}

func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	dayAgo := time.Now().Add(-24 * time.Hour)
	if st.Pending, err = p.store.CountByStatus(ctx, p.Type(), domain.JobPending, time.Time{}); err != nil {
		return st, err
	}
	if st.Processing, err = p.store.CountByStatus(ctx, p.Type(), domain.JobProcessing, time.Time{}); err != nil {
		return st, err
	}
	if st.CompletedLast24h, err = p.store.CountByStatus(ctx, p.Type(), domain.JobCompleted, dayAgo); err != nil {
		return st, err
	}
	if st.FailedLast24h, err = p.store.CountByStatus(ctx, p.Type(), domain.JobFailed, dayAgo); err != nil {
		return st, err
	}
	return st, nil
}

// AddTrigger persists the trigger and (re)registers its cron watcher.
func (p *Processor) AddTrigger(ctx context.Context, t domain.RecurringTrigger) error {
	return p.triggers.add(ctx, t)
}

// RemoveTrigger deletes the trigger and cancels its cron watcher.
func (p *Processor) RemoveTrigger(ctx context.Context, name string) error {
	return p.triggers.remove(ctx, name)
}

func (p *Processor) ListTriggers(ctx context.Context) ([]domain.RecurringTrigger, error) {
	return p.store.ListRecurring(ctx, p.Type(), false)
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
