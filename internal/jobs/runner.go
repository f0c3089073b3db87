package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crashwatch/ingest-service/internal/model"
)

// RunJob executes one occurrence of a job: it records a pending
// execution, drives the sync with the job's window, retries per the
// job's policy, and finalizes the execution in a terminal state. The
// job's schedule is advanced whether or not the run succeeded, so a
// failing job cannot wedge the scheduler into a hot loop.
func (s *Service) RunJob(ctx context.Context, job model.ScheduledJob, trigger model.TriggerKind) (*model.JobExecution, error) {
	exec, err := s.createExecution(ctx, job.ID, trigger)
	if err != nil {
		return nil, err
	}

	// The occurrence this run satisfies is the base for the next_run
	// recompute, so a daily job due at T comes due again at T+24h no
	// matter when the poll picked it up. A manual run uses now.
	startedAt := time.Now().UTC()
	occurrence := startedAt
	if trigger == model.TriggerScheduled && job.NextRun != nil {
		occurrence = *job.NextRun
	}
	defer func() {
		// Advance even when the surrounding ctx was cancelled.
		if err := s.advanceSchedule(context.WithoutCancel(ctx), job, occurrence, startedAt); err != nil {
			s.log.Error("[jobs] advance schedule", "job_id", job.ID, "error", err)
		}
	}()

	endpoints, startDate, endDate := buildSyncWindow(job, time.Now().UTC())

	for attempt := 0; ; attempt++ {
		if err := s.markRunning(ctx, exec.ExecutionID, attempt); err != nil {
			return nil, err
		}
		s.appendLog(ctx, exec.ExecutionID, "info", fmt.Sprintf(
			"attempt %d/%d: syncing %v window [%s, %s]",
			attempt+1, job.MaxRetries+1, endpoints, startDate, endDate))

		runCtx := ctx
		var cancel context.CancelFunc
		if job.TimeoutMinutes > 0 {
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMinutes)*time.Minute)
		}
		res, err := s.syncs.Sync(runCtx, endpoints, startDate, endDate, nil)
		timedOut := cancel != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
		if cancel != nil {
			cancel()
		}

		switch {
		case err == nil && (res.Status == model.SyncCompleted || res.Status == model.SyncPartial):
			msg := "sync completed"
			if res.Status == model.SyncPartial {
				msg = fmt.Sprintf("sync partially completed: %v", endpointErrors(res))
			}
			s.appendLog(ctx, exec.ExecutionID, "info", msg)
			return s.finalizeExecution(ctx, exec.ExecutionID, model.JobCompleted, res, "")

		case ctx.Err() != nil:
			bg := context.WithoutCancel(ctx)
			s.appendLog(bg, exec.ExecutionID, "warn", "run cancelled")
			return s.finalizeExecution(bg, exec.ExecutionID, model.JobCancelled, res, "cancelled")

		default:
			reason := failureReason(job, timedOut, err, res)
			s.appendLog(ctx, exec.ExecutionID, "error", reason)

			if attempt >= job.MaxRetries {
				return s.finalizeExecution(ctx, exec.ExecutionID, model.JobFailed, res, reason)
			}
			delay := time.Duration(job.RetryDelayMinutes) * time.Minute
			s.appendLog(ctx, exec.ExecutionID, "info",
				fmt.Sprintf("retrying in %s", delay))
			if err := sleep(ctx, delay); err != nil {
				return s.finalizeExecution(context.WithoutCancel(ctx), exec.ExecutionID,
					model.JobCancelled, res, "cancelled during retry wait")
			}
		}
	}
}

// buildSyncWindow derives the endpoint list and date window a job's
// occurrence should sync. Dates are inclusive YYYY-MM-DD; empty strings
// mean unbounded.
func buildSyncWindow(job model.ScheduledJob, now time.Time) (endpoints []string, startDate, endDate string) {
	window := func(days int) (string, string) {
		return now.AddDate(0, 0, -days).Format("2006-01-02"), now.Format("2006-01-02")
	}

	switch job.Kind {
	case model.KindFullRefresh:
		return job.Config.Endpoints, "", ""
	case model.KindLast30DaysCrashes:
		s, e := window(rangeDays(job, 30))
		return []string{"crashes"}, s, e
	case model.KindLast30DaysPeople:
		s, e := window(rangeDays(job, 30))
		return []string{"people"}, s, e
	case model.KindLast30DaysVehicles:
		s, e := window(rangeDays(job, 30))
		return []string{"vehicles"}, s, e
	case model.KindLast6MonthsFatalities:
		s, e := window(rangeDays(job, 180))
		return []string{"fatalities"}, s, e
	default: // custom
		if job.Config.StartDate != "" || job.Config.EndDate != "" {
			return job.Config.Endpoints, job.Config.StartDate, job.Config.EndDate
		}
		if job.Config.DateRangeDays > 0 {
			s, e := window(job.Config.DateRangeDays)
			return job.Config.Endpoints, s, e
		}
		return job.Config.Endpoints, "", ""
	}
}

func rangeDays(job model.ScheduledJob, fallback int) int {
	if job.Config.DateRangeDays > 0 {
		return job.Config.DateRangeDays
	}
	return fallback
}

// failureReason summarizes why an attempt failed. The per-job timeout
// takes precedence: a timed-out sync reports its endpoints as cancelled
// without errors of their own, so nothing downstream names the cause.
func failureReason(job model.ScheduledJob, timedOut bool, err error, res *model.SyncResult) string {
	switch {
	case timedOut:
		return fmt.Sprintf("timeout after %dm", job.TimeoutMinutes)
	case err != nil:
		return err.Error()
	}
	if errs := endpointErrors(res); len(errs) > 0 {
		return fmt.Sprintf("sync failed: %v", errs)
	}
	return "sync failed"
}

func endpointErrors(res *model.SyncResult) []string {
	if res == nil {
		return nil
	}
	var out []string
	for _, ep := range res.Endpoints {
		out = append(out, ep.Errors...)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ─── Execution persistence ───────────────────────────────────────────────────

func (s *Service) createExecution(ctx context.Context, jobID int64, trigger model.TriggerKind) (*model.JobExecution, error) {
	exec := &model.JobExecution{
		ExecutionID: uuid.NewString(),
		JobID:       jobID,
		Status:      model.JobPending,
		Trigger:     trigger,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_executions (execution_id, job_id, status, trigger_kind, logs)
		VALUES ($1, $2, $3, $4, '[]'::jsonb)
		RETURNING id, created_at`,
		exec.ExecutionID, exec.JobID, exec.Status, exec.Trigger,
	).Scan(&exec.ID, &exec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create execution for job %d: %w", jobID, err)
	}
	return exec, nil
}

// markRunning transitions an execution to running, setting started_at on
// the first attempt only. Terminal rows are never touched.
func (s *Service) markRunning(ctx context.Context, executionID string, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = 'running',
		    started_at = COALESCE(started_at, NOW()),
		    retry_count = $1
		WHERE execution_id = $2 AND status IN ('pending', 'running')`,
		attempt, executionID)
	if err != nil {
		return fmt.Errorf("mark execution %s running: %w", executionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s is already terminal", executionID)
	}
	return nil
}

// finalizeExecution moves an execution into a terminal state exactly
// once, recording counters from the sync result.
func (s *Service) finalizeExecution(ctx context.Context, executionID string, status model.JobStatus, res *model.SyncResult, errMsg string) (*model.JobExecution, error) {
	var fetched, inserted, updated, skipped int
	if res != nil {
		fetched = res.TotalFetched()
		inserted = res.TotalInserted()
		updated = res.TotalUpdated()
		skipped = res.TotalSkipped()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = $1,
		    completed_at = NOW(),
		    duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - started_at)))::int,
		    records_processed = $2,
		    records_inserted = $3,
		    records_updated = $4,
		    records_skipped = $5,
		    error_message = $6
		WHERE execution_id = $7 AND status IN ('pending', 'running')`,
		status, fetched, inserted, updated, skipped, errMsg, executionID)
	if err != nil {
		return nil, fmt.Errorf("finalize execution %s: %w", executionID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("execution %s is already terminal", executionID)
	}

	s.log.Info("[jobs] execution finished",
		"execution_id", executionID, "status", status,
		"processed", fetched, "inserted", inserted,
		"updated", updated, "skipped", skipped)

	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	s.publishFinished(ctx, exec)
	return exec, nil
}

// publishFinished announces a terminal execution on the jobs event
// channel. Publish failures never affect the run outcome.
func (s *Service) publishFinished(ctx context.Context, exec *model.JobExecution) {
	if s.rdb == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"executionId": exec.ExecutionID,
		"jobId":       exec.JobID,
		"status":      exec.Status,
		"processed":   exec.RecordsProcessed,
		"error":       exec.ErrorMessage,
	})
	if err != nil {
		s.log.Error("[jobs] encode execution event", "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		s.log.Error("[jobs] publish execution event",
			"execution_id", exec.ExecutionID, "error", err)
	}
}

// appendLog appends one structured entry to the execution's JSONB log.
// Logging failures are reported but never abort the run.
func (s *Service) appendLog(ctx context.Context, executionID, level, message string) {
	entry, err := json.Marshal([]model.ExecutionLogEntry{{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}})
	if err != nil {
		s.log.Error("[jobs] encode log entry", "error", err)
		return
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE job_executions SET logs = logs || $1::jsonb
		WHERE execution_id = $2`, entry, executionID)
	if err != nil {
		s.log.Error("[jobs] append execution log",
			"execution_id", executionID, "error", err)
	}
}

// advanceSchedule records the run's start time as last_run and
// recomputes next_run from the satisfied occurrence. One-shot jobs
// disable themselves.
func (s *Service) advanceSchedule(ctx context.Context, job model.ScheduledJob, occurrence, startedAt time.Time) error {
	next, err := model.NextRun(job.Recurrence, job.CronExpr, occurrence)
	if err != nil {
		return err
	}

	enabled := job.Enabled
	if job.Recurrence == model.RecurrenceOnce {
		enabled = false
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET last_run = $1, next_run = $2, enabled = $3, updated_at = NOW()
		WHERE id = $4`,
		startedAt, next, enabled, job.ID)
	if err != nil {
		return fmt.Errorf("advance schedule of job %d: %w", job.ID, err)
	}
	return nil
}
