// Package jobs runs the background work that sits beside the request path: the daily CSV
// archive and the critical alert email digest. Jobs are registered on a cron Scheduler whose
// expressions are evaluated in UTC; a run that is still in progress when its next tick fires is
// skipped rather than overlapped.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/recordkeeper/recordkeeper/internal/safego"
	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

// Job is a unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs registered jobs on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[string]cron.EntryID
	jobs    map[string]Job
}

// NewScheduler creates a scheduler. ctx is the parent of every job run's
// context and is cancelled by Stop.
func NewScheduler(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	logger := slogCronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]Job),
	}
}

// Add registers job on a standard 5-field cron expression. Job names must be
// unique.
func (s *Scheduler) Add(spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}

	id, err := s.cron.AddFunc(spec, func() { _ = s.execute(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", spec, name, err)
	}
	s.entries[name] = id
	s.jobs[name] = job
	slog.Info("scheduled job", "job", name, "schedule", spec)
	return nil
}

// RunNow executes the named job immediately on the calling goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(job)
}

// Next returns the next scheduled run time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins dispatching jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels the jobs' context and waits for running
// jobs to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs one job with panic recovery, logging and metrics.
func (s *Scheduler) execute(job Job) error {
	name := job.Name()
	start := time.Now()

	var err error
	if panicErr := safego.Run(func() { err = job.Run(s.ctx) }); panicErr != nil {
		err = panicErr
	}

	elapsed := time.Since(start)
	telemetry.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	switch {
	case err == nil:
		telemetry.JobRunsTotal.WithLabelValues(name, "success").Inc()
		slog.Debug("scheduled job finished", "job", name, "duration", elapsed)
	case errors.Is(err, context.Canceled):
		telemetry.JobRunsTotal.WithLabelValues(name, "canceled").Inc()
		slog.Info("scheduled job canceled", "job", name, "duration", elapsed)
	default:
		telemetry.JobRunsTotal.WithLabelValues(name, "error").Inc()
		slog.Error("scheduled job failed", "job", name, "duration", elapsed, "error", err)
	}
	return err
}

// slogCronLogger adapts cron's logger interface to slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
