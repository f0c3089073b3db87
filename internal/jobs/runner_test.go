package jobs

import (
	"errors"
	"strings"
	"testing"

	"crashwatch/ingest-service/internal/model"
)

// ── Attempt failure reasons ──────────────────────────────────────────────────

func TestFailureReason_TimeoutNamesTheTimeout(t *testing.T) {
	job := model.ScheduledJob{TimeoutMinutes: 45}
	// A timed-out sync typically returns cancelled endpoints without
	// errors of their own; the reason must still name the timeout.
	res := &model.SyncResult{
		Status: model.SyncCancelled,
		Endpoints: []model.EndpointSyncResult{
			{Endpoint: "crashes", Status: model.SyncCancelled},
		},
	}
	got := failureReason(job, true, nil, res)
	if got != "timeout after 45m" {
		t.Errorf("reason = %q, want %q", got, "timeout after 45m")
	}
}

func TestFailureReason_TimeoutBeatsOtherCauses(t *testing.T) {
	job := model.ScheduledJob{TimeoutMinutes: 10}
	res := &model.SyncResult{
		Status: model.SyncFailed,
		Endpoints: []model.EndpointSyncResult{
			{Endpoint: "people", Status: model.SyncFailed, Errors: []string{"fetch: boom"}},
		},
	}
	got := failureReason(job, true, errors.New("context deadline exceeded"), res)
	if got != "timeout after 10m" {
		t.Errorf("reason = %q, want timeout to take precedence", got)
	}
}

func TestFailureReason_SyncErrorWins(t *testing.T) {
	got := failureReason(model.ScheduledJob{}, false, errors.New("a sync is already in progress"), nil)
	if got != "a sync is already in progress" {
		t.Errorf("reason = %q, want the sync error verbatim", got)
	}
}

func TestFailureReason_EndpointErrorsCollected(t *testing.T) {
	res := &model.SyncResult{
		Status: model.SyncFailed,
		Endpoints: []model.EndpointSyncResult{
			{Endpoint: "crashes", Status: model.SyncFailed, Errors: []string{"persist batch 3: broken"}},
			{Endpoint: "people", Status: model.SyncCancelled},
		},
	}
	got := failureReason(model.ScheduledJob{}, false, nil, res)
	if !strings.Contains(got, "persist batch 3: broken") {
		t.Errorf("reason = %q, want it to carry the endpoint error", got)
	}
}

func TestFailureReason_Fallback(t *testing.T) {
	got := failureReason(model.ScheduledJob{}, false, nil, &model.SyncResult{Status: model.SyncFailed})
	if got != "sync failed" {
		t.Errorf("reason = %q, want %q", got, "sync failed")
	}
}
