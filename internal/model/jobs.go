package model

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ─── Enumerations ────────────────────────────────────────────────────────────

// JobStatus is the lifecycle state of one JobExecution.
// Transitions: pending → running → {completed, failed, cancelled}.
// Terminal states are final.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TriggerKind records what started an execution.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
)

// JobKind selects how a job's sync window and endpoints are derived.
type JobKind string

const (
	KindFullRefresh           JobKind = "full_refresh"
	KindLast30DaysCrashes     JobKind = "last_30_days_crashes"
	KindLast30DaysPeople      JobKind = "last_30_days_people"
	KindLast30DaysVehicles    JobKind = "last_30_days_vehicles"
	KindLast6MonthsFatalities JobKind = "last_6_months_fatalities"
	KindCustom                JobKind = "custom"
)

// Recurrence is the rule governing when a job's next run is computed.
type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
	RecurrenceCron    Recurrence = "cron"
)

// ─── Jobs ────────────────────────────────────────────────────────────────────

// JobConfig is the free-form per-job configuration, stored as JSONB.
type JobConfig struct {
	Endpoints     []string `json:"endpoints,omitempty"`
	StartDate     string   `json:"startDate,omitempty"`     // YYYY-MM-DD
	EndDate       string   `json:"endDate,omitempty"`       // YYYY-MM-DD
	DateRangeDays int      `json:"dateRangeDays,omitempty"` // rolling window
}

// ScheduledJob mirrors a scheduled_jobs table row.
type ScheduledJob struct {
	ID                int64
	Name              string
	Description       string
	Kind              JobKind
	Enabled           bool
	Config            JobConfig
	Recurrence        Recurrence
	CronExpr          string // only for Recurrence == cron
	NextRun           *time.Time
	LastRun           *time.Time
	TimeoutMinutes    int
	MaxRetries        int
	RetryDelayMinutes int
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionLogEntry is one structured line in an execution's append-only
// log, persisted as a JSONB array element.
type ExecutionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// JobExecution mirrors a job_executions table row. Rows are append-only
// while running and immutable once Status is terminal.
type JobExecution struct {
	ID               int64
	ExecutionID      string // opaque correlation id handed to API callers
	JobID            int64
	Status           JobStatus
	Trigger          TriggerKind
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DurationSeconds  int
	RecordsProcessed int
	RecordsInserted  int
	RecordsUpdated   int
	RecordsSkipped   int
	ErrorMessage     string
	RetryCount       int
	Logs             []ExecutionLogEntry
	CreatedAt        time.Time
}

// ─── Recurrence arithmetic ───────────────────────────────────────────────────

// NextRun computes the next run time after base for the given recurrence.
// Returns nil for one-shot jobs (they disable themselves after running).
// base is the occurrence the job just ran for, so a daily job due at T
// comes due again at exactly T+24h regardless of how long the run took.
func NextRun(rec Recurrence, cronExpr string, base time.Time) (*time.Time, error) {
	switch rec {
	case RecurrenceOnce:
		return nil, nil
	case RecurrenceDaily:
		t := base.Add(24 * time.Hour)
		return &t, nil
	case RecurrenceWeekly:
		t := base.Add(7 * 24 * time.Hour)
		return &t, nil
	case RecurrenceMonthly:
		t := base.AddDate(0, 1, 0)
		return &t, nil
	case RecurrenceCron:
		sched, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
		}
		t := sched.Next(base)
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown recurrence %q", rec)
	}
}

// ─── Default catalog ─────────────────────────────────────────────────────────

// DefaultJobs returns the job templates seeded at startup when a job of
// the same kind does not already exist.
func DefaultJobs() []ScheduledJob {
	return []ScheduledJob{
		{
			Name:        "Full Data Refresh",
			Description: "Complete refresh of all datasets from the Chicago Open Data Portal",
			Kind:        KindFullRefresh,
			Enabled:     false, // heavyweight; operator opt-in
			Recurrence:  RecurrenceOnce,
			Config: JobConfig{
				Endpoints: []string{"crashes", "people", "vehicles", "fatalities"},
			},
			TimeoutMinutes: 300,
			MaxRetries:     1,
			CreatedBy:      "system",
		},
		{
			Name:              "Last 30 Days - Crash Data",
			Description:       "Refresh crash data from the last 30 days",
			Kind:              KindLast30DaysCrashes,
			Enabled:           true,
			Recurrence:        RecurrenceDaily,
			Config:            JobConfig{Endpoints: []string{"crashes"}, DateRangeDays: 30},
			TimeoutMinutes:    60,
			MaxRetries:        3,
			RetryDelayMinutes: 5,
			CreatedBy:         "system",
		},
		{
			Name:              "Last 30 Days - People Data",
			Description:       "Refresh people data from the last 30 days",
			Kind:              KindLast30DaysPeople,
			Enabled:           true,
			Recurrence:        RecurrenceDaily,
			Config:            JobConfig{Endpoints: []string{"people"}, DateRangeDays: 30},
			TimeoutMinutes:    60,
			MaxRetries:        3,
			RetryDelayMinutes: 5,
			CreatedBy:         "system",
		},
		{
			Name:              "Last 30 Days - Vehicle Data",
			Description:       "Refresh vehicle data from the last 30 days",
			Kind:              KindLast30DaysVehicles,
			Enabled:           true,
			Recurrence:        RecurrenceDaily,
			Config:            JobConfig{Endpoints: []string{"vehicles"}, DateRangeDays: 30},
			TimeoutMinutes:    60,
			MaxRetries:        3,
			RetryDelayMinutes: 5,
			CreatedBy:         "system",
		},
		{
			Name:              "Last 6 Months - Vision Zero Fatalities",
			Description:       "Refresh Vision Zero fatality data from the last 6 months",
			Kind:              KindLast6MonthsFatalities,
			Enabled:           true,
			Recurrence:        RecurrenceWeekly,
			Config:            JobConfig{Endpoints: []string{"fatalities"}, DateRangeDays: 180},
			TimeoutMinutes:    30,
			MaxRetries:        3,
			RetryDelayMinutes: 5,
			CreatedBy:         "system",
		},
	}
}
