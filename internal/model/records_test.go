package model_test

import (
	"testing"

	"crashwatch/ingest-service/internal/model"
)

func resultWith(statuses ...model.SyncStatus) *model.SyncResult {
	res := &model.SyncResult{}
	for i, s := range statuses {
		res.Endpoints = append(res.Endpoints, model.EndpointSyncResult{
			Endpoint: string(rune('a' + i)),
			Status:   s,
		})
	}
	return res
}

func TestOverallStatus(t *testing.T) {
	cases := []struct {
		name string
		res  *model.SyncResult
		want model.SyncStatus
	}{
		{"all completed", resultWith(model.SyncCompleted, model.SyncCompleted), model.SyncCompleted},
		{"all failed", resultWith(model.SyncFailed, model.SyncFailed), model.SyncFailed},
		{"mixed", resultWith(model.SyncCompleted, model.SyncFailed), model.SyncPartial},
		{"no endpoints", resultWith(), model.SyncCompleted},
	}
	for _, c := range cases {
		if got := c.res.OverallStatus(); got != c.want {
			t.Errorf("%s: OverallStatus() = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestSyncResult_Totals(t *testing.T) {
	res := &model.SyncResult{Endpoints: []model.EndpointSyncResult{
		{RecordsFetched: 10, RecordsInserted: 6, RecordsUpdated: 3, RecordsSkipped: 1},
		{RecordsFetched: 5, RecordsInserted: 5},
	}}
	if res.TotalFetched() != 15 || res.TotalInserted() != 11 ||
		res.TotalUpdated() != 3 || res.TotalSkipped() != 1 {
		t.Errorf("totals = %d/%d/%d/%d, want 15/11/3/1",
			res.TotalFetched(), res.TotalInserted(), res.TotalUpdated(), res.TotalSkipped())
	}
}
