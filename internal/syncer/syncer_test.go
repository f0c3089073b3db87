package syncer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"crashwatch/ingest-service/internal/config"
	"crashwatch/ingest-service/internal/model"
	"crashwatch/ingest-service/internal/sanitize"
	"crashwatch/ingest-service/internal/soda"
	"crashwatch/ingest-service/internal/store"
	"crashwatch/ingest-service/internal/syncer"
)

func testConfig() *config.Config {
	return &config.Config{
		Endpoints: map[string]string{
			"crashes":    "http://test/crashes",
			"people":     "http://test/people",
			"vehicles":   "http://test/vehicles",
			"fatalities": "http://test/fatalities",
		},
		Bounds: config.Bounds{
			MinLatitude: 41.6, MaxLatitude: 42.1,
			MinLongitude: -87.95, MaxLongitude: -87.5,
		},
		AgeRange:         config.IntRange{Min: 0, Max: 120},
		VehicleYearRange: config.IntRange{Min: 1900, Max: 2025},
		MaxFieldLength:   255,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Fakes ───────────────────────────────────────────────────────────────────

// step is one Next() outcome of a scripted batch sequence.
type step struct {
	batch []model.RawRecord
	err   error
}

type scriptedBatches struct {
	steps   []step
	i       int
	gate    chan struct{} // when set, Next blocks until the gate closes
	started chan struct{} // when set, closed on the first Next call
	once    sync.Once
}

func (s *scriptedBatches) Next(ctx context.Context) ([]model.RawRecord, error) {
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.i >= len(s.steps) {
		return nil, nil
	}
	st := s.steps[s.i]
	s.i++
	return st.batch, st.err
}

type scriptedFetcher struct {
	sequences map[string]*scriptedBatches
	requests  []soda.Request
}

func (f *scriptedFetcher) Batches(req soda.Request) syncer.BatchSource {
	f.requests = append(f.requests, req)
	if seq, ok := f.sequences[req.Endpoint]; ok {
		return seq
	}
	return &scriptedBatches{}
}

type fakeStore struct {
	mu      sync.Mutex
	calls   [][]model.CleanRecord
	schemas []store.Schema
	fail    bool
}

func (s *fakeStore) Upsert(ctx context.Context, schema store.Schema, records []model.CleanRecord) (store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, records)
	s.schemas = append(s.schemas, schema)
	if s.fail {
		return store.Result{}, errors.New("database unavailable")
	}
	return store.Result{Inserted: len(records)}, nil
}

func newSyncer(fetcher syncer.Fetcher, st syncer.Upserter) *syncer.Syncer {
	cfg := testConfig()
	reg := syncer.NewRegistry(cfg, sanitize.New(cfg, nil))
	return syncer.New(fetcher, st, reg, nil, 1000, discardLogger())
}

// ── Sync ────────────────────────────────────────────────────────────────────

func TestSync_SanitizesAndPersistsBatches(t *testing.T) {
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"crashes": {steps: []step{{batch: []model.RawRecord{
			{"crash_record_id": "A", "latitude": "41.88", "longitude": "-87.62"},
			{"crash_record_id": "B", "latitude": "999.0", "longitude": "-87.62"},
		}}}},
	}}
	st := &fakeStore{}

	res, err := newSyncer(fetcher, st).Sync(context.Background(), []string{"crashes"}, "", "", nil)
	if err != nil {
		t.Fatalf("Sync returned unexpected error: %v", err)
	}

	if res.Status != model.SyncCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	ep := res.Endpoints[0]
	if ep.RecordsFetched != 2 || ep.RecordsSanitized != 2 {
		t.Errorf("fetched/sanitized = %d/%d, want 2/2", ep.RecordsFetched, ep.RecordsSanitized)
	}
	if ep.RecordsInserted != 2 || ep.RecordsSkipped != 0 {
		t.Errorf("inserted/skipped = %d/%d, want 2/0", ep.RecordsInserted, ep.RecordsSkipped)
	}

	if len(st.calls) != 1 || len(st.calls[0]) != 2 {
		t.Fatalf("store calls = %v, want one call with 2 records", st.calls)
	}
	b := st.calls[0][1]
	if b["crash_record_id"] != "B" || b["latitude"] != nil || b["longitude"] != nil {
		t.Errorf("out-of-box record must keep its key with nulled coordinates, got %v", b)
	}
	if st.schemas[0].Table != "crashes" {
		t.Errorf("schema table = %s, want crashes", st.schemas[0].Table)
	}
}

func TestSync_RejectedRecordsCountAsSkipped(t *testing.T) {
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"crashes": {steps: []step{{batch: []model.RawRecord{
			{"crash_record_id": "A"},
			{"latitude": "41.88"}, // no primary key
		}}}},
	}}
	st := &fakeStore{}

	res, err := newSyncer(fetcher, st).Sync(context.Background(), []string{"crashes"}, "", "", nil)
	if err != nil {
		t.Fatalf("Sync returned unexpected error: %v", err)
	}

	ep := res.Endpoints[0]
	if ep.RecordsFetched != 2 || ep.RecordsSanitized != 1 || ep.RecordsSkipped != 1 {
		t.Errorf("fetched/sanitized/skipped = %d/%d/%d, want 2/1/1",
			ep.RecordsFetched, ep.RecordsSanitized, ep.RecordsSkipped)
	}
}

func TestSync_DefaultsToAllEndpoints(t *testing.T) {
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{}}
	st := &fakeStore{}

	res, err := newSyncer(fetcher, st).Sync(context.Background(), nil, "2024-01-01", "2024-01-31", nil)
	if err != nil {
		t.Fatalf("Sync returned unexpected error: %v", err)
	}
	if len(res.Endpoints) != 4 {
		t.Fatalf("len(endpoints) = %d, want 4", len(res.Endpoints))
	}
	if res.Status != model.SyncCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	for _, req := range fetcher.requests {
		if req.StartDate != "2024-01-01" || req.EndDate != "2024-01-31" {
			t.Errorf("request window = [%s, %s], want [2024-01-01, 2024-01-31]",
				req.StartDate, req.EndDate)
		}
	}
}

func TestSync_UnknownEndpoint(t *testing.T) {
	s := newSyncer(&scriptedFetcher{}, &fakeStore{})
	if _, err := s.Sync(context.Background(), []string{"nonsense"}, "", "", nil); err == nil {
		t.Error("Sync with unknown endpoint expected error, got nil")
	}
}

func TestSync_FetchFailureMakesSyncPartial(t *testing.T) {
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"crashes": {steps: []step{{err: errors.New("portal down")}}},
		// people succeeds with no data
	}}
	st := &fakeStore{}

	res, err := newSyncer(fetcher, st).Sync(context.Background(),
		[]string{"crashes", "people"}, "", "", nil)
	if err != nil {
		t.Fatalf("Sync returned unexpected error: %v", err)
	}

	if res.Status != model.SyncPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	if res.Endpoints[0].Status != model.SyncFailed || len(res.Endpoints[0].Errors) == 0 {
		t.Errorf("crashes endpoint = %+v, want failed with recorded error", res.Endpoints[0])
	}
	if res.Endpoints[1].Status != model.SyncCompleted {
		t.Errorf("people endpoint status = %s, want completed", res.Endpoints[1].Status)
	}
}

func TestSync_AbandonsEndpointAfterConsecutivePersistFailures(t *testing.T) {
	batch := []model.RawRecord{{"crash_record_id": "A"}}
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"crashes": {steps: []step{
			{batch: batch}, {batch: batch}, {batch: batch}, {batch: batch}, {batch: batch},
		}},
	}}
	st := &fakeStore{fail: true}

	res, err := newSyncer(fetcher, st).Sync(context.Background(), []string{"crashes"}, "", "", nil)
	if err != nil {
		t.Fatalf("Sync returned unexpected error: %v", err)
	}

	if res.Endpoints[0].Status != model.SyncFailed {
		t.Errorf("endpoint status = %s, want failed", res.Endpoints[0].Status)
	}
	if len(st.calls) != 3 {
		t.Errorf("store calls = %d, want 3 before abandoning", len(st.calls))
	}
	if res.Status != model.SyncFailed {
		t.Errorf("overall status = %s, want failed", res.Status)
	}
}

func TestSync_FatalityDuplicatesDropped(t *testing.T) {
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"fatalities": {steps: []step{{batch: []model.RawRecord{
			{"person_id": "P1", "victim": "PEDESTRIAN"},
			{"person_id": "P1", "victim": "PEDESTRIAN"},
			{"person_id": "P2"},
		}}}},
	}}
	st := &fakeStore{}

	res, err := newSyncer(fetcher, st).Sync(context.Background(), []string{"fatalities"}, "", "", nil)
	if err != nil {
		t.Fatalf("Sync returned unexpected error: %v", err)
	}

	ep := res.Endpoints[0]
	if ep.RecordsInserted != 2 || ep.RecordsSkipped != 1 {
		t.Errorf("inserted/skipped = %d/%d, want 2/1", ep.RecordsInserted, ep.RecordsSkipped)
	}
	if len(st.calls) != 1 || len(st.calls[0]) != 2 {
		t.Errorf("store received %v, want 2 deduplicated records", st.calls)
	}
}

func TestSync_ProgressObserverSeesBatches(t *testing.T) {
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"crashes": {steps: []step{
			{batch: []model.RawRecord{{"crash_record_id": "A"}}},
			{batch: []model.RawRecord{{"crash_record_id": "B"}}},
		}},
	}}
	st := &fakeStore{}

	var snapshots []model.SyncResult
	_, err := newSyncer(fetcher, st).Sync(context.Background(), []string{"crashes"}, "", "",
		func(res model.SyncResult) { snapshots = append(snapshots, res) })
	if err != nil {
		t.Fatalf("Sync returned unexpected error: %v", err)
	}

	if len(snapshots) < 3 {
		t.Fatalf("observer called %d times, want at least 3", len(snapshots))
	}
	last := snapshots[len(snapshots)-1]
	if last.Status != model.SyncCompleted || last.Endpoints[0].BatchesProcessed != 2 {
		t.Errorf("final snapshot = %+v, want completed with 2 batches", last)
	}
}

// ── Exclusivity ─────────────────────────────────────────────────────────────

func TestSync_RejectsConcurrentSyncs(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"crashes": {gate: gate, started: started},
	}}
	s := newSyncer(fetcher, &fakeStore{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Sync(context.Background(), []string{"crashes"}, "", "", nil)
	}()

	// Wait until the first sync is inside its fetch, holding the engine.
	<-started
	if _, err := s.Sync(context.Background(), []string{"people"}, "", "", nil); !errors.Is(err, syncer.ErrSyncInProgress) {
		t.Fatalf("error = %v, want ErrSyncInProgress", err)
	}

	close(gate)
	<-done

	// Guard must be released afterwards.
	if _, err := s.Sync(context.Background(), []string{"people"}, "", "", nil); err != nil {
		t.Errorf("Sync after release returned unexpected error: %v", err)
	}
}

func TestStartSync_ReturnsHandleAndHoldsGuard(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &scriptedFetcher{sequences: map[string]*scriptedBatches{
		"crashes": {gate: gate},
	}}
	s := newSyncer(fetcher, &fakeStore{})

	handle, err := s.StartSync(context.Background(), []string{"crashes"}, "", "")
	if err != nil {
		t.Fatalf("StartSync returned unexpected error: %v", err)
	}
	if handle == "" {
		t.Fatal("StartSync returned an empty handle")
	}

	if _, err := s.StartSync(context.Background(), []string{"crashes"}, "", ""); !errors.Is(err, syncer.ErrSyncInProgress) {
		t.Errorf("second StartSync error = %v, want ErrSyncInProgress", err)
	}

	// Without Redis there is nothing to poll.
	if _, err := s.GetSyncStatus(context.Background(), handle); !errors.Is(err, syncer.ErrUnknownSync) {
		t.Errorf("GetSyncStatus error = %v, want ErrUnknownSync", err)
	}

	close(gate)
	// The guard is released once the background sync drains.
	for {
		if _, err := s.Sync(context.Background(), []string{"people"}, "", "", nil); err == nil {
			break
		}
	}
}

func TestStartSync_UnknownEndpointFailsBeforeStarting(t *testing.T) {
	s := newSyncer(&scriptedFetcher{}, &fakeStore{})
	if _, err := s.StartSync(context.Background(), []string{"nope"}, "", ""); err == nil {
		t.Error("StartSync with unknown endpoint expected error, got nil")
	}
	// The guard must not be held after a validation failure.
	if _, err := s.Sync(context.Background(), []string{"people"}, "", "", nil); err != nil {
		t.Errorf("Sync after failed StartSync returned unexpected error: %v", err)
	}
}
