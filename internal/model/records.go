// Package model defines shared data structures for the ingest service.
package model

import "time"

// RawRecord is one record exactly as decoded from the SODA API: stringly
// typed, endpoint-specific keys. It is discarded after sanitization.
type RawRecord map[string]any

// CleanRecord is a sanitized record restricted to persistable columns.
// Values are nil, string, int, float64 or time.Time, nothing else.
// Absent or invalid source values are stored as explicit nils so the
// store can distinguish "nulled" from "never looked at".
type CleanRecord map[string]any

// SyncStatus is the terminal (or in-flight) state of a sync or of one
// endpoint within a sync.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncPartial   SyncStatus = "partial"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

// EndpointSyncResult accumulates counters for a single endpoint while it
// is being synced. Snapshots of it are handed to the progress observer
// after every batch; once Status is terminal it is no longer mutated.
type EndpointSyncResult struct {
	Endpoint         string     `json:"endpoint"`
	BatchesProcessed int        `json:"batchesProcessed"`
	RecordsFetched   int        `json:"recordsFetched"`
	RecordsSanitized int        `json:"recordsSanitized"`
	RecordsInserted  int        `json:"recordsInserted"`
	RecordsUpdated   int        `json:"recordsUpdated"`
	RecordsSkipped   int        `json:"recordsSkipped"`
	Errors           []string   `json:"errors,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Status           SyncStatus `json:"status"`
}

// SyncResult aggregates one EndpointSyncResult per requested endpoint,
// in the caller-specified endpoint order. It is owned by exactly one
// orchestrator invocation and never shared across concurrent syncs.
type SyncResult struct {
	Handle      string               `json:"handle,omitempty"`
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
	Status      SyncStatus           `json:"status"`
	Endpoints   []EndpointSyncResult `json:"endpoints"`
}

// TotalFetched sums records fetched across all endpoints.
func (r *SyncResult) TotalFetched() int {
	n := 0
	for i := range r.Endpoints {
		n += r.Endpoints[i].RecordsFetched
	}
	return n
}

// TotalInserted sums inserted rows across all endpoints.
func (r *SyncResult) TotalInserted() int {
	n := 0
	for i := range r.Endpoints {
		n += r.Endpoints[i].RecordsInserted
	}
	return n
}

// TotalUpdated sums updated rows across all endpoints.
func (r *SyncResult) TotalUpdated() int {
	n := 0
	for i := range r.Endpoints {
		n += r.Endpoints[i].RecordsUpdated
	}
	return n
}

// TotalSkipped sums skipped records across all endpoints.
func (r *SyncResult) TotalSkipped() int {
	n := 0
	for i := range r.Endpoints {
		n += r.Endpoints[i].RecordsSkipped
	}
	return n
}

// OverallStatus derives the terminal status of a whole sync:
// completed only if every endpoint completed, failed if none did,
// partial otherwise.
func (r *SyncResult) OverallStatus() SyncStatus {
	if len(r.Endpoints) == 0 {
		return SyncCompleted
	}
	completed := 0
	for i := range r.Endpoints {
		if r.Endpoints[i].Status == SyncCompleted {
			completed++
		}
	}
	switch completed {
	case len(r.Endpoints):
		return SyncCompleted
	case 0:
		return SyncFailed
	default:
		return SyncPartial
	}
}
