// Package jobs runs deferred handler calls at or after their scheduled time.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pgostovic/platform/pkg/db"
)

const logPrefix = "jobs:scheduler"

// Store persists jobs. ClaimJob must set the run time atomically so a job runs once even
// when several scheduler instances share the store.
type Store interface {
	CreateJob(ctx context.Context, job *db.Job) error
	JobsReadyToRun(ctx context.Context, domain string, now time.Time) ([]db.Job, error)
	NextJob(ctx context.Context, domain string) (*db.Job, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (bool, error)
	RecordJobError(ctx context.Context, id, message string) error
}

// RunFunc executes one job. A returned error is recorded on the job.
type RunFunc func(ctx context.Context, job db.Job) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns one single-shot timer armed for the earliest pending job of its domain.
type Scheduler struct {
	domain string
	store  Store
	run    RunFunc
	now    func() time.Time

	timerMu sync.Mutex
	timer   *time.Timer
	due     time.Time
	gen     uint64
	stopped bool

	passMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for domain. It does nothing until Start.
func NewScheduler(domain string, store Store, run RunFunc, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		domain: domain,
		store:  store,
		run:    run,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a pass for jobs that became due while no scheduler was running, then arms
// the timer for the next one.
func (s *Scheduler) Start() {
	slog.Info(fmt.Sprintf("%s - Starting scheduler for %s", logPrefix, s.domain))
	s.trigger()
}

// Stop clears the timer and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.timerMu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()
	s.wg.Wait()
}

// Schedule persists a job for handler. A zero runAt means now; a due job triggers an
// immediate pass, otherwise the timer is re-armed if this job is the earliest.
func (s *Scheduler) Schedule(ctx context.Context, runAt time.Time, handler string, info json.RawMessage, accountID string) (*db.Job, error) {
	now := s.now()
	if runAt.IsZero() {
		runAt = now
	}
	job := &db.Job{
		Domain:      s.domain,
		Handler:     handler,
		Info:        info,
		AccountID:   accountID,
		NextRunTime: runAt.UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("%s - failed to create job: %w", logPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - Scheduled %s.%s (%s) for %s", logPrefix, s.domain, handler, job.ID, runAt.Format(time.RFC3339)))

	if !runAt.After(now) {
		s.trigger()
	} else {
		s.arm(runAt)
	}
	return job, nil
}

// RunPass executes every due, unclaimed job, then re-arms the timer. Passes never overlap.
func (s *Scheduler) RunPass(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	ready, err := s.store.JobsReadyToRun(ctx, s.domain, s.now())
	if err != nil {
		return fmt.Errorf("%s - failed to list due jobs: %w", logPrefix, err)
	}

	for _, job := range ready {
		claimed, err := s.store.ClaimJob(ctx, job.ID, s.now())
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to claim job %s: %v", logPrefix, job.ID, err))
			continue
		}
		if !claimed {
			continue
		}
		s.execute(ctx, job)
	}

	return s.rearm(ctx)
}

func (s *Scheduler) execute(ctx context.Context, job db.Job) {
	ctx, span := otel.Tracer("platform/jobs").Start(ctx, "job.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.domain", job.Domain),
		attribute.String("job.handler", job.Handler),
	)

	err := s.run(ctx, job)
	if err == nil {
		jobRuns.WithLabelValues(s.domain, "ok").Inc()
		return
	}

	jobRuns.WithLabelValues(s.domain, "error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Warn(fmt.Sprintf("%s - job %s (%s) failed: %v", logPrefix, job.ID, job.Handler, err))
	if recErr := s.store.RecordJobError(ctx, job.ID, err.Error()); recErr != nil {
		slog.Error(fmt.Sprintf("%s - failed to record error for job %s: %v", logPrefix, job.ID, recErr))
	}
}

// rearm points the timer at the earliest pending job. A Schedule that armed the timer
// while NextJob was in flight wins unless the stored job is earlier.
func (s *Scheduler) rearm(ctx context.Context) error {
	s.timerMu.Lock()
	gen := s.gen
	s.timerMu.Unlock()

	next, err := s.store.NextJob(ctx, s.domain)
	if err != nil {
		return fmt.Errorf("%s - failed to find next job: %w", logPrefix, err)
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopped {
		return nil
	}
	changed := s.gen != gen
	if next == nil {
		if !changed {
			s.clearLocked()
		}
		return nil
	}
	if changed && s.timer != nil && !s.due.After(next.NextRunTime) {
		return nil
	}
	s.armLocked(next.NextRunTime)
	return nil
}

// arm sets the timer for at unless an earlier time is already armed.
func (s *Scheduler) arm(at time.Time) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil && !s.due.After(at) {
		return
	}
	s.armLocked(at)
}

func (s *Scheduler) armLocked(at time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.due = at
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) clearLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.timerMu.Lock()
	if gen != s.gen {
		// superseded by a later arm or clear
		s.timerMu.Unlock()
		return
	}
	s.timer = nil
	s.timerMu.Unlock()
	s.trigger()
}

func (s *Scheduler) trigger() {
	s.timerMu.Lock()
	if s.stopped {
		s.timerMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.timerMu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.RunPass(s.ctx); err != nil {
			slog.Error(fmt.Sprintf("%s - run pass failed: %v", logPrefix, err))
		}
	}()
}
