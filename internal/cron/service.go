package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/metrics"
)

const defaultTick = time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Tick     time.Duration
}

// Service wakes every tick and runs the jobs whose schedule matches the
// current minute.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	tick     time.Duration
	now      func() time.Time
	lastSlot time.Time
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	tick := params.Tick
	if tick <= 0 || tick > time.Minute {
		tick = defaultTick
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		tick:     tick,
		now:      time.Now,
	}, nil
}

// Run starts the cron loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, next := range NextRuns(s.registry.Scheduled(), s.now()) {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"job":      next.Name,
			"schedule": next.Schedule,
			"next_run": next.NextRun,
		}), "job scheduled")
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx, s.now())
		}
	}
}

// runDue runs each job scheduled for the minute containing now. A minute is
// only processed once per worker and once per slot across workers.
func (s *Service) runDue(ctx context.Context, now time.Time) int {
	slot := now.UTC().Truncate(time.Minute)
	if !slot.After(s.lastSlot) {
		return 0
	}
	s.lastSlot = slot

	ran := 0
	for _, entry := range s.registry.Entries() {
		if !entry.Schedule.Matches(slot) {
			continue
		}
		key := entry.Job.Name() + ":" + slot.Format("200601021504")
		locked, err := s.lock.Acquire(ctx, key)
		if err != nil {
			s.logg.Error(s.logg.WithField(ctx, "job", entry.Job.Name()), "cron lock acquire failed", err)
			continue
		}
		if !locked {
			s.logg.Info(s.logg.WithField(ctx, "job", entry.Job.Name()), "slot claimed by another worker; skipping")
			continue
		}
		s.runJob(ctx, entry.Job)
		ran++
	}
	return ran
}

// RunNow executes a registered job outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	job, ok := s.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	slot := "manual:" + name
	locked, err := s.lock.Acquire(ctx, slot)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		return fmt.Errorf("job %s is already running", name)
	}
	defer func() {
		if relErr := s.lock.Release(ctx, slot); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()
	return s.runJob(ctx, job)
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	jobCtx := s.logg.WithJob(ctx, job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")
	s.logg.Info(jobCtx, "job start")
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return err
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
	return nil
}
