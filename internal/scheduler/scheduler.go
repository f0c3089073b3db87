// Package scheduler wires up the cron ticker that periodically runs
// every scheduled job whose next_run has come due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"crashwatch/ingest-service/internal/model"
)

// JobService is the slice of the jobs layer the scheduler drives.
type JobService interface {
	JobsDue(ctx context.Context, now time.Time) ([]model.ScheduledJob, error)
	RunJob(ctx context.Context, job model.ScheduledJob, trigger model.TriggerKind) (*model.JobExecution, error)
}

// Scheduler wraps robfig/cron and manages the due-job poll loop.
type Scheduler struct {
	cron *cron.Cron
	jobs JobService
	log  *slog.Logger
	spec string // cron spec, e.g. "@every 1m"
}

// New creates a Scheduler that checks for due jobs every interval.
func New(jobs JobService, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		jobs: jobs,
		log:  logger,
		spec: fmt.Sprintf("@every %s", interval),
	}
}

// Start registers the poll and starts the ticker. Also runs one check
// immediately so overdue jobs do not wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	// A tick that fires while a long poll (a full refresh) is still
	// mid-run would mint a duplicate execution that only fails against
	// the sync guard, so overlapping polls are skipped instead. The
	// immediate check shares the same chain.
	poll := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).
		Then(cron.FuncJob(func() { s.RunDue(ctx) }))

	if _, err := s.cron.AddJob(s.spec, poll); err != nil {
		return fmt.Errorf("cron.AddJob: %w", err)
	}

	s.cron.Start()
	s.log.Info("[scheduler] started", "spec", s.spec)

	go poll.Run()
	return nil
}

// cronLogger adapts slog to the cron logging contract so skipped
// overlapping polls show up in the service log.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Info("[scheduler] "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("[scheduler] "+msg, append(keysAndValues, "error", err)...)
}

// Stop halts the ticker. In-flight job runs finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("[scheduler] stopped")
}

// RunDue runs every job due at the time of the call, sequentially in
// due order. Syncs are globally exclusive, so parallel runs would only
// fail against the engine guard anyway.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.jobs.JobsDue(ctx, now)
	if err != nil {
		s.log.Error("[scheduler] list due jobs", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.log.Info("[scheduler] running due jobs", "count", len(due))
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		exec, err := s.jobs.RunJob(ctx, job, model.TriggerScheduled)
		if err != nil {
			s.log.Error("[scheduler] job run failed to start",
				"job_id", job.ID, "name", job.Name, "error", err)
			continue
		}
		s.log.Info("[scheduler] job run finished",
			"job_id", job.ID, "name", job.Name,
			"execution_id", exec.ExecutionID, "status", exec.Status)
	}
}
