package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/rideline/internal/relay"
	"github.com/user/rideline/internal/state"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Enabled  bool
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler fires jobs on their cron schedules.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like
// "@every 1m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler for the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers enabled jobs that have a schedule as cron entries and
// starts the cron ticker. Jobs with an invalid schedule are logged and
// skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		if job.Schedule == "" || !job.Enabled || job.Run == nil {
			continue
		}

		// Capture loop variables for the closure.
		job := job

		_, err := s.cron.AddFunc(job.Schedule, func() { s.fire(job) })
		if err != nil {
			slog.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) fire(job Job) {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	slog.Debug("cron firing job", "name", job.Name)
	if err := job.Run(ctx); err != nil {
		slog.Warn("scheduled job failed", "name", job.Name, "error", err)
	}
}

// Reload stops the existing cron, creates a new one with jobs, and starts
// it again.
func (s *Scheduler) Reload(ctx context.Context, jobs ...Job) error {
	s.Stop()
	s.jobs = jobs
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start(ctx)
}

// Stop stops the cron ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// Reconciler is the part of relay.Pool the reconcile job needs.
type Reconciler interface {
	Reconcile(ctx context.Context) (relay.ReconcileReport, error)
	Relays() []string
}

// ReconcileJob periodically prunes stale subscriptions and brings
// disconnected relays back.
func ReconcileJob(pool Reconciler, schedule string) Job {
	return Job{
		Name:     "reconcile",
		Schedule: schedule,
		Enabled:  true,
		Timeout:  30 * time.Second,
		Run: func(ctx context.Context) error {
			report, err := pool.Reconcile(ctx)
			if err != nil {
				return err
			}
			if len(report.Pruned) > 0 || len(report.Reconnected) > 0 {
				slog.Info("reconcile", "pruned", len(report.Pruned), "reconnected", len(report.Reconnected), "replayed", report.Replayed)
			}
			return nil
		},
	}
}

// PersistRelaysJob saves the pool's current relay set so the next start
// can restore it.
func PersistRelaysJob(pool Reconciler, list *state.RelayList, schedule string) Job {
	return Job{
		Name:     "persist-relays",
		Schedule: schedule,
		Enabled:  true,
		Timeout:  10 * time.Second,
		Run: func(ctx context.Context) error {
			return list.Save(ctx, pool.Relays())
		},
	}
}
