package sequence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresAllocator keeps counters in the sequence_counters table. The upsert
// takes a row lock on a single (prefix, year) row only, so unrelated scopes
// never wait on each other.
type PostgresAllocator struct {
	db queryRower
}

// NewPostgresAllocator expects a pool (not a transaction): allocations commit
// immediately and are never rolled back together with business writes.
func NewPostgresAllocator(db queryRower) *PostgresAllocator {
	return &PostgresAllocator{db: db}
}

const nextCounterSQL = `
INSERT INTO sequence_counters (prefix, year, last_number, updated_at)
VALUES ($1, $2, 1, now())
ON CONFLICT (prefix, year)
DO UPDATE SET last_number = sequence_counters.last_number + 1, updated_at = now()
RETURNING last_number`

// Next atomically increments and returns the scope counter.
func (a *PostgresAllocator) Next(ctx context.Context, prefix Prefix, year int) (int64, error) {
	var last int64
	if err := a.db.QueryRow(ctx, nextCounterSQL, string(prefix), year).Scan(&last); err != nil {
		return 0, fmt.Errorf("sequence: upsert counter: %w", err)
	}
	return last, nil
}

// documentColumns maps each series to the column its numbers are stored in.
var documentColumns = map[Prefix]struct{ table, column string }{
	PrefixLead:      {"leads", "lead_no"},
	PrefixQuotation: {"quotations", "quotation_no"},
	PrefixOrder:     {"orders", "order_no"},
}

const counterOnlySQL = `
SELECT COALESCE((SELECT last_number FROM sequence_counters WHERE prefix = $1 AND year = $2), 0)`

const highWaterSQL = `
SELECT GREATEST(
    COALESCE((SELECT last_number FROM sequence_counters WHERE prefix = $1 AND year = $2), 0),
    COALESCE((SELECT MAX(split_part(%[2]s, '-', 3)::bigint) FROM %[1]s WHERE %[2]s LIKE $3), 0))`

// HighWater reports the highest ordinal known for a scope: the larger of the
// counter row and the largest number actually stored on a document. It is 0
// for an unused scope.
func (a *PostgresAllocator) HighWater(ctx context.Context, prefix Prefix, year int) (int64, error) {
	var last int64
	doc, ok := documentColumns[prefix]
	var err error
	if ok {
		sql := fmt.Sprintf(highWaterSQL, doc.table, doc.column)
		pattern := fmt.Sprintf("%s-%d-%%", prefix, year)
		err = a.db.QueryRow(ctx, sql, string(prefix), year, pattern).Scan(&last)
	} else {
		err = a.db.QueryRow(ctx, counterOnlySQL, string(prefix), year).Scan(&last)
	}
	if err != nil {
		return 0, fmt.Errorf("sequence: read high water: %w", err)
	}
	return last, nil
}

const recordCounterSQL = `
INSERT INTO sequence_counters (prefix, year, last_number, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (prefix, year)
DO UPDATE SET last_number = GREATEST(sequence_counters.last_number, EXCLUDED.last_number), updated_at = now()
RETURNING last_number`

// Record raises the scope counter to n when it is behind. Numbers handed out
// by another allocator are written through here so the counter row stays a
// valid high-water mark.
func (a *PostgresAllocator) Record(ctx context.Context, prefix Prefix, year int, n int64) error {
	var last int64
	if err := a.db.QueryRow(ctx, recordCounterSQL, string(prefix), year, n).Scan(&last); err != nil {
		return fmt.Errorf("sequence: record counter: %w", err)
	}
	return nil
}
