// Package sanitize implements pure per-record cleaning and validation
// for raw portal records. Sanitizers hold only read-only configuration
// (bounding box, numeric ranges); no state is shared across calls.
package sanitize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"crashwatch/ingest-service/internal/config"
	"crashwatch/ingest-service/internal/model"
)

// Diagnostic describes one field-level coercion that discarded
// information (invalid number, out-of-range value, unparsable timestamp,
// out-of-box coordinate, truncation). Emitted for audit, never raised.
type Diagnostic struct {
	Endpoint string
	Field    string
	Value    string
	Reason   string
}

// DiagnosticFunc receives diagnostics. May be nil.
type DiagnosticFunc func(Diagnostic)

// RejectedError signals that a whole record must not be persisted
// (missing/empty primary key). The caller counts it as skipped.
type RejectedError struct {
	Endpoint string
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("record rejected (%s): %s", e.Endpoint, e.Reason)
}

// Func is the per-record sanitizer contract used by the endpoint
// registry: a clean record, or a *RejectedError.
type Func func(model.RawRecord) (model.CleanRecord, error)

// Sanitizer holds the injected validation configuration and exposes one
// method per record kind.
type Sanitizer struct {
	bounds           config.Bounds
	ageRange         config.IntRange
	vehicleYearRange config.IntRange
	maxFieldLength   int
	onDiscard        DiagnosticFunc
}

// New constructs a Sanitizer. onDiscard may be nil.
func New(cfg *config.Config, onDiscard DiagnosticFunc) *Sanitizer {
	return &Sanitizer{
		bounds:           cfg.Bounds,
		ageRange:         cfg.AgeRange,
		vehicleYearRange: cfg.VehicleYearRange,
		maxFieldLength:   cfg.MaxFieldLength,
		onDiscard:        onDiscard,
	}
}

func (s *Sanitizer) discard(endpoint, field, value, reason string) {
	if s.onDiscard != nil {
		s.onDiscard(Diagnostic{Endpoint: endpoint, Field: field, Value: value, Reason: reason})
	}
}

// ─── Value cleaning ──────────────────────────────────────────────────────────

// timestampFormats are the known upstream datetime layouts, most
// specific first.
var timestampFormats = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 03:04:05 PM",
	"01/02/2006",
}

// sentinels are upstream markers that mean "no value".
var sentinels = map[string]bool{
	"NULL": true, "N/A": true, "UNKNOWN": true, "UNK": true,
}

// cleanString trims, Unicode-normalizes and collapses whitespace, maps
// sentinel markers to nil, and truncates over-long values on a rune
// boundary rather than dropping the record.
func (s *Sanitizer) cleanString(endpoint, field string, v any) any {
	if v == nil {
		return nil
	}
	cleaned := strings.TrimSpace(asString(v))
	if cleaned == "" {
		return nil
	}
	if sentinels[strings.ToUpper(cleaned)] {
		return nil
	}
	cleaned = norm.NFC.String(cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if s.maxFieldLength > 0 && len(cleaned) > s.maxFieldLength {
		s.discard(endpoint, field, cleaned[:32], "truncated to max field length")
		cut := s.maxFieldLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}

// cleanInt parses with tolerance for stray formatting ("1.0" counts).
func (s *Sanitizer) cleanInt(endpoint, field string, v any) any {
	f := s.cleanFloat(endpoint, field, v)
	if f == nil {
		return nil
	}
	return int(f.(float64))
}

// cleanIntRange nulls values outside the inclusive range. The record
// itself is kept; only the field is discarded.
func (s *Sanitizer) cleanIntRange(endpoint, field string, v any, r config.IntRange) any {
	n := s.cleanInt(endpoint, field, v)
	if n == nil {
		return nil
	}
	if n.(int) < r.Min || n.(int) > r.Max {
		s.discard(endpoint, field, strconv.Itoa(n.(int)),
			fmt.Sprintf("outside valid range [%d, %d]", r.Min, r.Max))
		return nil
	}
	return n
}

func (s *Sanitizer) cleanFloat(endpoint, field string, v any) any {
	if v == nil {
		return nil
	}
	str := strings.TrimSpace(asString(v))
	if str == "" || sentinels[strings.ToUpper(str)] {
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		s.discard(endpoint, field, str, "not a number")
		return nil
	}
	return f
}

// cleanTimestamp tries each known upstream layout; unparsable values
// become nil.
func (s *Sanitizer) cleanTimestamp(endpoint, field string, v any) any {
	if v == nil {
		return nil
	}
	str := strings.TrimSpace(asString(v))
	if str == "" {
		return nil
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, str); err == nil {
			return t
		}
	}
	s.discard(endpoint, field, str, "unparsable timestamp")
	return nil
}

// cleanCoordinates validates a latitude/longitude pair against the
// bounding box. If either half is missing, malformed or out of box,
// BOTH are nulled (geometry derivation needs the pair), but the record
// is kept so its non-spatial fields survive.
func (s *Sanitizer) cleanCoordinates(endpoint string, rawLat, rawLon any) (any, any) {
	lat := s.cleanFloat(endpoint, "latitude", rawLat)
	lon := s.cleanFloat(endpoint, "longitude", rawLon)
	if lat == nil || lon == nil {
		return nil, nil
	}
	latF, lonF := lat.(float64), lon.(float64)
	if latF < s.bounds.MinLatitude || latF > s.bounds.MaxLatitude ||
		lonF < s.bounds.MinLongitude || lonF > s.bounds.MaxLongitude {
		s.discard(endpoint, "latitude,longitude",
			fmt.Sprintf("%v,%v", latF, lonF), "outside bounding box")
		return nil, nil
	}
	return latF, lonF
}

// requireKey extracts a primary-key component as a cleaned string, or
// rejects the record.
func (s *Sanitizer) requireKey(endpoint, field string, v any) (string, error) {
	cleaned := s.cleanString(endpoint, field, v)
	if cleaned == nil {
		return "", &RejectedError{Endpoint: endpoint, Reason: "missing " + field}
	}
	return cleaned.(string), nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ─── Batch helpers ───────────────────────────────────────────────────────────

// RemoveDuplicates drops records whose keyField value was already seen,
// preserving first occurrence and input order. Returns the survivors and
// the number dropped.
func RemoveDuplicates(records []model.CleanRecord, keyField string) ([]model.CleanRecord, int) {
	seen := make(map[string]bool, len(records))
	unique := records[:0:0]
	dropped := 0
	for _, rec := range records {
		key, _ := rec[keyField].(string)
		if key == "" || seen[key] {
			dropped++
			continue
		}
		seen[key] = true
		unique = append(unique, rec)
	}
	return unique, dropped
}
