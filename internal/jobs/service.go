// Package jobs manages the scheduled job catalog and the execution
// records produced by running them.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"crashwatch/ingest-service/internal/model"
	"crashwatch/ingest-service/internal/syncer"
)

// eventsChannel receives a publish per finished job execution.
const eventsChannel = "jobs:events"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// SyncRunner is the slice of the sync engine a job run needs.
type SyncRunner interface {
	Sync(ctx context.Context, endpoints []string, startDate, endDate string, onProgress syncer.ProgressFunc) (*model.SyncResult, error)
}

// Service owns the scheduled_jobs and job_executions tables.
type Service struct {
	pool  *pgxpool.Pool
	syncs SyncRunner
	rdb   *redis.Client
	log   *slog.Logger
}

// NewService constructs a job Service. rdb may be nil, in which case no
// execution events are published.
func NewService(pool *pgxpool.Pool, syncs SyncRunner, rdb *redis.Client, logger *slog.Logger) *Service {
	return &Service{pool: pool, syncs: syncs, rdb: rdb, log: logger}
}

const jobColumns = `id, name, description, kind, enabled, config,
	recurrence, cron_expr, next_run, last_run,
	timeout_minutes, max_retries, retry_delay_minutes,
	created_by, created_at, updated_at`

// CreateJob inserts a new job. When NextRun is unset it is derived from
// the recurrence with the current time as base; one-shot jobs default to
// running at the next scheduler pass.
func (s *Service) CreateJob(ctx context.Context, job *model.ScheduledJob) error {
	if job.NextRun == nil {
		now := time.Now().UTC()
		if job.Recurrence == model.RecurrenceOnce {
			job.NextRun = &now
		} else {
			next, err := model.NextRun(job.Recurrence, job.CronExpr, now)
			if err != nil {
				return err
			}
			job.NextRun = next
		}
	}

	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_jobs
			(name, description, kind, enabled, config, recurrence, cron_expr,
			 next_run, timeout_minutes, max_retries, retry_delay_minutes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		job.Name, job.Description, job.Kind, job.Enabled, cfg,
		job.Recurrence, job.CronExpr, job.NextRun,
		job.TimeoutMinutes, job.MaxRetries, job.RetryDelayMinutes, job.CreatedBy,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job %q: %w", job.Name, err)
	}
	s.log.Info("[jobs] job created", "job_id", job.ID, "name", job.Name, "kind", job.Kind)
	return nil
}

// UpdateJob rewrites a job's mutable fields.
func (s *Service) UpdateJob(ctx context.Context, job *model.ScheduledJob) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET
			name = $1, description = $2, kind = $3, enabled = $4, config = $5,
			recurrence = $6, cron_expr = $7, next_run = $8,
			timeout_minutes = $9, max_retries = $10, retry_delay_minutes = $11,
			updated_at = NOW()
		WHERE id = $12`,
		job.Name, job.Description, job.Kind, job.Enabled, cfg,
		job.Recurrence, job.CronExpr, job.NextRun,
		job.TimeoutMinutes, job.MaxRetries, job.RetryDelayMinutes, job.ID)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job and its execution history.
func (s *Service) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM job_executions WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("delete executions of job %d: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	s.log.Info("[jobs] job deleted", "job_id", id)
	return nil
}

// GetJob loads one job by id.
func (s *Service) GetJob(ctx context.Context, id int64) (*model.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns all jobs ordered by id.
func (s *Service) ListJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobsDue returns the enabled jobs whose next_run is at or before now,
// earliest first.
func (s *Service) JobsDue(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// SeedDefaults inserts the default job catalog, skipping kinds that
// already have a job. Safe to run on every startup.
func (s *Service) SeedDefaults(ctx context.Context) error {
	for _, job := range model.DefaultJobs() {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM scheduled_jobs WHERE kind = $1)`,
			job.Kind).Scan(&exists)
		if err != nil {
			return fmt.Errorf("seed defaults: %w", err)
		}
		if exists {
			continue
		}
		if err := s.CreateJob(ctx, &job); err != nil {
			return fmt.Errorf("seed defaults: %w", err)
		}
	}
	return nil
}

// GetExecution loads one execution by its opaque execution id.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*model.JobExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM job_executions WHERE execution_id = $1`,
		executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return exec, nil
}

// ListExecutions returns a job's most recent executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, jobID int64, limit int) ([]model.JobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM job_executions
		WHERE job_id = $1 ORDER BY created_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions of job %d: %w", jobID, err)
	}
	defer rows.Close()

	var out []model.JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions of job %d: %w", jobID, err)
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

// Summary aggregates catalog and recent execution statistics.
type Summary struct {
	TotalJobs          int            `json:"totalJobs"`
	EnabledJobs        int            `json:"enabledJobs"`
	ExecutionsByStatus map[string]int `json:"executionsByStatus"`
	NextRun            *time.Time     `json:"nextRun,omitempty"`
}

// GetSummary reports the job catalog totals, execution counts by status
// over the last 24 hours, and the soonest upcoming run.
func (s *Service) GetSummary(ctx context.Context) (*Summary, error) {
	sum := &Summary{ExecutionsByStatus: make(map[string]int)}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE enabled), MIN(next_run) FILTER (WHERE enabled)
		FROM scheduled_jobs`).Scan(&sum.TotalJobs, &sum.EnabledJobs, &sum.NextRun)
	if err != nil {
		return nil, fmt.Errorf("job summary: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM job_executions
		WHERE created_at >= NOW() - INTERVAL '24 hours'
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("job summary: %w", err)
		}
		sum.ExecutionsByStatus[status] = n
	}
	return sum, rows.Err()
}

// ─── Row scanning ────────────────────────────────────────────────────────────

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.ScheduledJob, error) {
	var job model.ScheduledJob
	var cfg []byte
	err := row.Scan(
		&job.ID, &job.Name, &job.Description, &job.Kind, &job.Enabled, &cfg,
		&job.Recurrence, &job.CronExpr, &job.NextRun, &job.LastRun,
		&job.TimeoutMinutes, &job.MaxRetries, &job.RetryDelayMinutes,
		&job.CreatedBy, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &job.Config); err != nil {
			return nil, fmt.Errorf("decode config of job %d: %w", job.ID, err)
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]model.ScheduledJob, error) {
	var out []model.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

const executionColumns = `id, execution_id, job_id, status, trigger_kind,
	started_at, completed_at, duration_seconds,
	records_processed, records_inserted, records_updated, records_skipped,
	error_message, retry_count, logs, created_at`

func scanExecution(row scannable) (*model.JobExecution, error) {
	var exec model.JobExecution
	var logs []byte
	err := row.Scan(
		&exec.ID, &exec.ExecutionID, &exec.JobID, &exec.Status, &exec.Trigger,
		&exec.StartedAt, &exec.CompletedAt, &exec.DurationSeconds,
		&exec.RecordsProcessed, &exec.RecordsInserted, &exec.RecordsUpdated,
		&exec.RecordsSkipped, &exec.ErrorMessage, &exec.RetryCount,
		&logs, &exec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &exec.Logs); err != nil {
			return nil, fmt.Errorf("decode logs of execution %s: %w", exec.ExecutionID, err)
		}
	}
	return &exec, nil
}
