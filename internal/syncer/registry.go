// Package syncer orchestrates end-to-end syncs: paging raw batches from
// the portal, sanitizing them, and persisting them endpoint by endpoint
// while reporting progress after every batch.
package syncer

import (
	"crashwatch/ingest-service/internal/config"
	"crashwatch/ingest-service/internal/sanitize"
	"crashwatch/ingest-service/internal/store"
)

// Endpoint binds one logical dataset to everything a sync needs for it:
// the resource URL, the date column used for range filters and stable
// ordering, the sanitizer for its record kind and the target schema.
type Endpoint struct {
	Name      string
	URL       string
	DateField string
	Sanitize  sanitize.Func
	Schema    store.Schema

	// DedupeKey, when set, drops within-sync duplicates on that field
	// before persistence. The fatality feed republishes records, so the
	// same person can appear more than once in a single pull.
	DedupeKey string
}

// Registry maps endpoint names to their bindings, preserving a stable
// default order for "sync everything" requests.
type Registry struct {
	order     []string
	endpoints map[string]Endpoint
}

// NewRegistry builds the standard endpoint set from configured dataset
// URLs and the given sanitizer.
func NewRegistry(cfg *config.Config, s *sanitize.Sanitizer) *Registry {
	r := &Registry{endpoints: make(map[string]Endpoint)}
	r.register(Endpoint{
		Name:      "crashes",
		URL:       cfg.Endpoints["crashes"],
		DateField: "crash_date",
		Sanitize:  s.Crash,
		Schema:    store.Crashes,
	})
	r.register(Endpoint{
		Name:      "people",
		URL:       cfg.Endpoints["people"],
		DateField: "crash_date",
		Sanitize:  s.Person,
		Schema:    store.People,
	})
	r.register(Endpoint{
		Name:      "vehicles",
		URL:       cfg.Endpoints["vehicles"],
		DateField: "crash_date",
		Sanitize:  s.Vehicle,
		Schema:    store.Vehicles,
	})
	r.register(Endpoint{
		Name:      "fatalities",
		URL:       cfg.Endpoints["fatalities"],
		DateField: "crash_date",
		Sanitize:  s.Fatality,
		Schema:    store.Fatalities,
		DedupeKey: "person_id",
	})
	return r
}

func (r *Registry) register(ep Endpoint) {
	r.order = append(r.order, ep.Name)
	r.endpoints[ep.Name] = ep
}

// Lookup returns the binding for name.
func (r *Registry) Lookup(name string) (Endpoint, bool) {
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Names returns all endpoint names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns the target schema of every registered endpoint, for
// record-count reporting.
func (r *Registry) Schemas() []store.Schema {
	out := make([]store.Schema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.endpoints[name].Schema)
	}
	return out
}
