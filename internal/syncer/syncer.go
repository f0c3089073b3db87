package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crashwatch/ingest-service/internal/model"
	"crashwatch/ingest-service/internal/sanitize"
	"crashwatch/ingest-service/internal/soda"
	"crashwatch/ingest-service/internal/store"
)

// Consecutive persistence failures tolerated per endpoint before the
// endpoint is abandoned. A single bad batch should not kill a
// multi-hour full refresh, but a down database should.
const maxConsecutiveFailures = 3

// statusTTL bounds how long finished sync snapshots stay queryable.
const statusTTL = 24 * time.Hour

// eventsChannel receives a publish per status snapshot.
const eventsChannel = "sync:events"

var (
	// ErrSyncInProgress is returned when a sync is requested while
	// another one holds the engine. Syncs never run concurrently.
	ErrSyncInProgress = errors.New("a sync is already in progress")

	// ErrUnknownSync is returned when no status exists for a handle.
	ErrUnknownSync = errors.New("unknown sync handle")
)

// BatchSource yields raw record batches in order. A nil batch with a
// nil error marks exhaustion.
type BatchSource interface {
	Next(ctx context.Context) ([]model.RawRecord, error)
}

// Fetcher opens a batch sequence for one endpoint request.
type Fetcher interface {
	Batches(req soda.Request) BatchSource
}

// Upserter persists one sanitized batch idempotently.
type Upserter interface {
	Upsert(ctx context.Context, schema store.Schema, records []model.CleanRecord) (store.Result, error)
}

// ProgressFunc observes the live result after every processed batch and
// at endpoint boundaries. The snapshot passed in is a copy; observers
// may retain it.
type ProgressFunc func(res model.SyncResult)

// NewSodaFetcher adapts a soda.Client to the Fetcher interface.
func NewSodaFetcher(c *soda.Client) Fetcher {
	return sodaFetcher{c: c}
}

type sodaFetcher struct{ c *soda.Client }

func (f sodaFetcher) Batches(req soda.Request) BatchSource { return f.c.Batches(req) }

// Syncer runs at most one sync at a time across all callers.
type Syncer struct {
	fetcher   Fetcher
	store     Upserter
	registry  *Registry
	rdb       *redis.Client
	batchSize int
	log       *slog.Logger

	// guard is the exclusivity token. Buffered with capacity one; a
	// non-blocking send acquires, receive releases.
	guard chan struct{}
}

// New constructs a Syncer. rdb may be nil, in which case background
// syncs run without queryable status snapshots.
func New(fetcher Fetcher, up Upserter, reg *Registry, rdb *redis.Client, batchSize int, logger *slog.Logger) *Syncer {
	return &Syncer{
		fetcher:   fetcher,
		store:     up,
		registry:  reg,
		rdb:       rdb,
		batchSize: batchSize,
		log:       logger,
		guard:     make(chan struct{}, 1),
	}
}

func (s *Syncer) acquire() error {
	select {
	case s.guard <- struct{}{}:
		return nil
	default:
		return ErrSyncInProgress
	}
}

func (s *Syncer) release() { <-s.guard }

// resolve expands an empty endpoint list to all registered endpoints
// and validates every name.
func (s *Syncer) resolve(endpoints []string) ([]Endpoint, error) {
	if len(endpoints) == 0 {
		endpoints = s.registry.Names()
	}
	out := make([]Endpoint, 0, len(endpoints))
	for _, name := range endpoints {
		ep, ok := s.registry.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown endpoint %q", name)
		}
		out = append(out, ep)
	}
	return out, nil
}

// Sync runs a synchronous sync over the named endpoints (all endpoints
// when the list is empty), restricted to the optional inclusive
// YYYY-MM-DD date window. Endpoint-level failures are recorded in the
// result rather than returned; the error return covers only requests
// that never started.
func (s *Syncer) Sync(ctx context.Context, endpoints []string, startDate, endDate string, onProgress ProgressFunc) (*model.SyncResult, error) {
	eps, err := s.resolve(endpoints)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()
	return s.run(ctx, "", eps, startDate, endDate, onProgress), nil
}

// StartSync launches a sync in the background and returns a handle for
// status polling. The sync outlives the caller's context.
func (s *Syncer) StartSync(ctx context.Context, endpoints []string, startDate, endDate string) (string, error) {
	eps, err := s.resolve(endpoints)
	if err != nil {
		return "", err
	}
	if err := s.acquire(); err != nil {
		return "", err
	}

	handle := uuid.NewString()
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.release()
		s.run(bg, handle, eps, startDate, endDate, nil)
	}()
	return handle, nil
}

// GetSyncStatus returns the last recorded snapshot for a handle.
func (s *Syncer) GetSyncStatus(ctx context.Context, handle string) (*model.SyncResult, error) {
	if s.rdb == nil {
		return nil, ErrUnknownSync
	}
	raw, err := s.rdb.Get(ctx, statusKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownSync
	}
	if err != nil {
		return nil, fmt.Errorf("load sync status: %w", err)
	}
	var res model.SyncResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode sync status: %w", err)
	}
	return &res, nil
}

// run executes a sync the caller has already acquired the guard for.
func (s *Syncer) run(ctx context.Context, handle string, eps []Endpoint, startDate, endDate string, onProgress ProgressFunc) *model.SyncResult {
	res := &model.SyncResult{
		Handle:    handle,
		StartedAt: time.Now().UTC(),
		Status:    model.SyncRunning,
		Endpoints: make([]model.EndpointSyncResult, len(eps)),
	}
	report := func() {
		if onProgress != nil {
			onProgress(*res)
		}
		if handle != "" {
			s.snapshot(ctx, *res)
		}
	}

	s.log.Info("[syncer] sync started",
		"handle", handle, "endpoints", len(eps),
		"start_date", startDate, "end_date", endDate)
	report()

	cancelled := false
	for i, ep := range eps {
		es := &res.Endpoints[i]
		es.Endpoint = ep.Name
		es.StartedAt = time.Now().UTC()
		es.Status = model.SyncRunning

		if cancelled {
			finishEndpoint(es, model.SyncCancelled)
			continue
		}

		s.syncEndpoint(ctx, ep, es, startDate, endDate, report)
		if es.Status == model.SyncCancelled {
			cancelled = true
		}
		report()
	}

	now := time.Now().UTC()
	res.CompletedAt = &now
	if cancelled {
		res.Status = model.SyncCancelled
	} else {
		res.Status = res.OverallStatus()
	}
	s.log.Info("[syncer] sync finished",
		"handle", handle, "status", res.Status,
		"fetched", res.TotalFetched(), "inserted", res.TotalInserted(),
		"updated", res.TotalUpdated(), "skipped", res.TotalSkipped())
	report()
	return res
}

// syncEndpoint drains one endpoint's batch sequence into the store.
func (s *Syncer) syncEndpoint(ctx context.Context, ep Endpoint, es *model.EndpointSyncResult, startDate, endDate string, report func()) {
	batches := s.fetcher.Batches(soda.Request{
		Endpoint:  ep.Name,
		URL:       ep.URL,
		BatchSize: s.batchSize,
		StartDate: startDate,
		EndDate:   endDate,
		DateField: ep.DateField,
	})

	failures := 0
	for {
		batch, err := batches.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				finishEndpoint(es, model.SyncCancelled)
				return
			}
			es.Errors = append(es.Errors, fmt.Sprintf("fetch: %v", err))
			s.log.Error("[syncer] fetch failed", "endpoint", ep.Name, "error", err)
			finishEndpoint(es, model.SyncFailed)
			return
		}
		if batch == nil {
			finishEndpoint(es, model.SyncCompleted)
			return
		}

		es.BatchesProcessed++
		es.RecordsFetched += len(batch)

		clean := make([]model.CleanRecord, 0, len(batch))
		for _, raw := range batch {
			rec, err := ep.Sanitize(raw)
			if err != nil {
				var rej *sanitize.RejectedError
				if errors.As(err, &rej) {
					es.RecordsSkipped++
					continue
				}
				es.Errors = append(es.Errors, fmt.Sprintf("sanitize: %v", err))
				es.RecordsSkipped++
				continue
			}
			clean = append(clean, rec)
		}
		es.RecordsSanitized += len(clean)

		if ep.DedupeKey != "" {
			var dupes int
			clean, dupes = sanitize.RemoveDuplicates(clean, ep.DedupeKey)
			es.RecordsSkipped += dupes
		}

		result, err := s.store.Upsert(ctx, ep.Schema, clean)
		if err != nil {
			if ctx.Err() != nil {
				finishEndpoint(es, model.SyncCancelled)
				return
			}
			failures++
			es.Errors = append(es.Errors, fmt.Sprintf("persist batch %d: %v", es.BatchesProcessed, err))
			s.log.Error("[syncer] persist failed",
				"endpoint", ep.Name, "batch", es.BatchesProcessed,
				"consecutive_failures", failures, "error", err)
			if failures >= maxConsecutiveFailures {
				finishEndpoint(es, model.SyncFailed)
				return
			}
			report()
			continue
		}
		failures = 0

		es.RecordsInserted += result.Inserted
		es.RecordsUpdated += result.Updated
		es.RecordsSkipped += result.Skipped

		s.log.Info("[syncer] batch persisted",
			"endpoint", ep.Name, "batch", es.BatchesProcessed,
			"inserted", result.Inserted, "updated", result.Updated,
			"skipped", result.Skipped)
		report()
	}
}

func finishEndpoint(es *model.EndpointSyncResult, status model.SyncStatus) {
	now := time.Now().UTC()
	es.CompletedAt = &now
	es.Status = status
}

// snapshot stores the current result under the handle key and announces
// the change. Snapshot failures are logged, never fatal to the sync.
func (s *Syncer) snapshot(ctx context.Context, res model.SyncResult) {
	if s.rdb == nil || res.Handle == "" {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		s.log.Error("[syncer] encode status snapshot", "error", err)
		return
	}
	if err := s.rdb.Set(ctx, statusKey(res.Handle), raw, statusTTL).Err(); err != nil {
		s.log.Error("[syncer] store status snapshot", "handle", res.Handle, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		s.log.Error("[syncer] publish status event", "handle", res.Handle, "error", err)
	}
}

func statusKey(handle string) string { return "sync:status:" + handle }
