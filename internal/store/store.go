package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashwatch/ingest-service/internal/model"
)

// insertChunkSize bounds the number of rows per multi-row INSERT so the
// statement stays well under the wire-protocol placeholder limit. All
// chunks of one batch still share a single transaction.
const insertChunkSize = 500

// keySep joins composite key values into one map key. ASCII unit
// separator, which cannot appear in portal identifiers.
const keySep = "\x1f"

// Result reports what one Upsert call did. The invariant
// Inserted+Updated+Skipped == records submitted always holds.
type Result struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Total returns the number of records accounted for.
func (r Result) Total() int { return r.Inserted + r.Updated + r.Skipped }

// Add accumulates another result into r.
func (r *Result) Add(other Result) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

// Store performs idempotent batch persistence against a fixed pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Upsert persists one batch of clean records into the schema's table.
//
// Records missing a primary key (and within-batch duplicates of an
// earlier key) are counted as skipped. One existence query for the whole
// batch decides insert vs. update; both sets are applied as bulk
// operations inside a single transaction, committed per batch. On error
// the batch's transaction is rolled back and nothing is counted as
// persisted; the caller decides whether to continue with later batches.
func (st *Store) Upsert(ctx context.Context, schema Schema, records []model.CleanRecord) (Result, error) {
	var res Result
	if len(records) == 0 {
		return res, nil
	}

	keyed, skipped := partition(schema, records)
	res.Skipped = skipped
	if len(keyed) == 0 {
		return res, nil
	}

	existing, err := st.existingKeys(ctx, schema, keyed)
	if err != nil {
		return res, fmt.Errorf("existence check %s: %w", schema.Table, err)
	}

	var toInsert, toUpdate []model.CleanRecord
	for _, rec := range keyed {
		if existing[keyOf(schema, rec)] {
			toUpdate = append(toUpdate, rec)
		} else {
			toInsert = append(toInsert, rec)
		}
	}

	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin %s batch: %w", schema.Table, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for start := 0; start < len(toInsert); start += insertChunkSize {
		end := min(start+insertChunkSize, len(toInsert))
		chunk := toInsert[start:end]
		args := make([]any, 0, len(chunk)*len(schema.AllColumns()))
		for _, rec := range chunk {
			args = append(args, rowArgs(schema, rec)...)
		}
		if _, err := tx.Exec(ctx, buildInsertSQL(schema, len(chunk)), args...); err != nil {
			return res, fmt.Errorf("insert %s chunk: %w", schema.Table, err)
		}
	}

	if len(toUpdate) > 0 {
		batch := &pgx.Batch{}
		updateSQL := buildUpdateSQL(schema)
		for _, rec := range toUpdate {
			batch.Queue(updateSQL, updateArgs(schema, rec)...)
		}
		br := tx.SendBatch(ctx, batch)
		for range toUpdate {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return res, fmt.Errorf("update %s batch: %w", schema.Table, err)
			}
		}
		if err := br.Close(); err != nil {
			return res, fmt.Errorf("close %s update batch: %w", schema.Table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit %s batch: %w", schema.Table, err)
	}

	res.Inserted = len(toInsert)
	res.Updated = len(toUpdate)
	return res, nil
}

// RecordCounts returns current row counts per table, keyed by table
// name, for dashboard consumers.
func (st *Store) RecordCounts(ctx context.Context, schemas []Schema) (map[string]int64, error) {
	counts := make(map[string]int64, len(schemas))
	for _, s := range schemas {
		var n int64
		if err := st.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.Table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", s.Table, err)
		}
		counts[s.Table] = n
	}
	return counts, nil
}

// existingKeys runs the single per-batch existence query and returns the
// set of keys already present in the table.
func (st *Store) existingKeys(ctx context.Context, schema Schema, records []model.CleanRecord) (map[string]bool, error) {
	existing := make(map[string]bool, len(records))

	var rows pgx.Rows
	var err error
	if len(schema.Key) == 1 {
		keys := make([]string, 0, len(records))
		for _, rec := range records {
			keys = append(keys, keyPart(rec[schema.Key[0]]))
		}
		rows, err = st.pool.Query(ctx, fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s = ANY($1)",
			schema.Key[0], schema.Table, schema.Key[0]), keys)
	} else {
		sql, args := buildCompositeExistenceSQL(schema, records)
		rows, err = st.pool.Query(ctx, sql, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parts := make([]string, len(schema.Key))
	dests := make([]any, len(schema.Key))
	for i := range parts {
		dests[i] = &parts[i]
	}
	for rows.Next() {
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		existing[strings.Join(parts, keySep)] = true
	}
	return existing, rows.Err()
}

// partition splits out records with a complete primary key, dropping
// within-batch duplicates (first occurrence wins). Dropped records are
// counted as skipped.
func partition(schema Schema, records []model.CleanRecord) ([]model.CleanRecord, int) {
	keyed := make([]model.CleanRecord, 0, len(records))
	seen := make(map[string]bool, len(records))
	skipped := 0
	for _, rec := range records {
		if !hasKey(schema, rec) {
			skipped++
			continue
		}
		k := keyOf(schema, rec)
		if seen[k] {
			skipped++
			continue
		}
		seen[k] = true
		keyed = append(keyed, rec)
	}
	return keyed, skipped
}

func hasKey(schema Schema, rec model.CleanRecord) bool {
	for _, k := range schema.Key {
		if keyPart(rec[k]) == "" {
			return false
		}
	}
	return true
}

func keyOf(schema Schema, rec model.CleanRecord) string {
	parts := make([]string, len(schema.Key))
	for i, k := range schema.Key {
		parts[i] = keyPart(rec[k])
	}
	return strings.Join(parts, keySep)
}

func keyPart(v any) string {
	s, _ := v.(string)
	return s
}

// ─── SQL construction ────────────────────────────────────────────────────────

// geometryExpr derives a PostGIS point from the latitude/longitude
// placeholders of one row, or NULL when either is null.
func geometryExpr(latPlaceholder, lonPlaceholder int) string {
	return fmt.Sprintf(
		"CASE WHEN $%d::float8 IS NOT NULL AND $%d::float8 IS NOT NULL"+
			" THEN ST_SetSRID(ST_MakePoint($%d::float8, $%d::float8), %d) END",
		latPlaceholder, lonPlaceholder, lonPlaceholder, latPlaceholder, SRID)
}

// buildInsertSQL produces a multi-row INSERT for n records. When the
// schema carries geometry, each row's geometry is derived from that
// row's latitude/longitude placeholders.
func buildInsertSQL(schema Schema, n int) string {
	cols := schema.AllColumns()
	width := len(cols)

	colList := strings.Join(cols, ", ")
	if schema.HasGeometry {
		colList += ", geometry"
	}
	latIdx, lonIdx := columnIndex(cols, "latitude"), columnIndex(cols, "longitude")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", schema.Table, colList)
	for row := 0; row < n; row++ {
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		base := row * width
		for i := 0; i < width; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", base+i+1)
		}
		if schema.HasGeometry {
			b.WriteString(", ")
			b.WriteString(geometryExpr(base+latIdx+1, base+lonIdx+1))
		}
		b.WriteString(")")
	}
	return b.String()
}

// buildUpdateSQL produces the single-row UPDATE statement queued per
// existing record.
func buildUpdateSQL(schema Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET ", schema.Table)

	for i, col := range schema.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = $%d", col, i+1)
	}
	if schema.HasGeometry {
		latIdx := columnIndex(schema.Columns, "latitude")
		lonIdx := columnIndex(schema.Columns, "longitude")
		fmt.Fprintf(&b, ", geometry = %s", geometryExpr(latIdx+1, lonIdx+1))
	}
	b.WriteString(", updated_at = NOW() WHERE ")

	for i, k := range schema.Key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = $%d", k, len(schema.Columns)+i+1)
	}
	return b.String()
}

// buildCompositeExistenceSQL builds the existence query for composite
// keys: SELECT k1, k2 FROM t WHERE (k1, k2) IN (($1,$2), ($3,$4), ...).
func buildCompositeExistenceSQL(schema Schema, records []model.CleanRecord) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE (%s) IN (",
		strings.Join(schema.Key, ", "), schema.Table, strings.Join(schema.Key, ", "))

	args := make([]any, 0, len(records)*len(schema.Key))
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, k := range schema.Key {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+1)
			args = append(args, rec[k])
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String(), args
}

// rowArgs flattens a record's values in AllColumns order for INSERT.
func rowArgs(schema Schema, rec model.CleanRecord) []any {
	cols := schema.AllColumns()
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = rec[col]
	}
	return args
}

// updateArgs flattens data columns followed by key values for UPDATE.
func updateArgs(schema Schema, rec model.CleanRecord) []any {
	args := make([]any, 0, len(schema.Columns)+len(schema.Key))
	for _, col := range schema.Columns {
		args = append(args, rec[col])
	}
	for _, k := range schema.Key {
		args = append(args, rec[k])
	}
	return args
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
