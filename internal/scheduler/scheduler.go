// Package scheduler runs periodic housekeeping jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/calclaw/internal/logging"
	"github.com/user/calclaw/internal/types"
)

// Job is a named function fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler fires jobs on their schedules until stopped.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler for the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers every job and starts the cron ticker. An invalid schedule
// is an error and nothing is started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() {
			start := time.Now()
			if err := job.Run(s.ctx); err != nil {
				slog.Error("scheduled job failed", "job", job.Name, logging.KeyError, err)
				return
			}
			slog.Debug("scheduled job finished", "job", job.Name, "duration", time.Since(start))
		})
		if err != nil {
			s.cancel()
			return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
		}
		slog.Info("scheduled job", "job", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// Sweeper is the part of a session store the sweep job needs.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// SweepJob removes sessions idle for longer than ttl.
func SweepJob(store Sweeper, schedule string, ttl time.Duration) Job {
	return Job{
		Name:     "session-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := store.Sweep(ctx, time.Now().Add(-ttl))
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("swept idle sessions", "count", n, "ttl", ttl)
			}
			return nil
		},
	}
}

var _ Sweeper = types.SessionStore(nil)
