package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository reads audit_logs through pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository membuat repository audit baru.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const timelineColumns = `id, occurred_at, actor_id, action, entity, entity_id, meta`

func whereClause(f TimelineFilters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", pgtype.Timestamptz{Time: f.From, Valid: true})
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", pgtype.Timestamptz{Time: f.To, Valid: true})
	}
	if f.ActorID != uuid.Nil {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Entity != "" {
		add("entity = $%d", f.Entity)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// TimelineWindow returns one page, newest first.
func (r *PostgresRepository) TimelineWindow(ctx context.Context, p WindowParams) ([]TimelineRow, error) {
	where, args := whereClause(p.TimelineFilters)
	args = append(args, p.Limit, p.Offset)
	query := `SELECT ` + timelineColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	return collect(rows)
}

// TimelineAll returns up to limit rows, oldest first.
func (r *PostgresRepository) TimelineAll(ctx context.Context, f TimelineFilters, limit int) ([]TimelineRow, error) {
	where, args := whereClause(f)
	args = append(args, limit)
	query := `SELECT ` + timelineColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY occurred_at, id LIMIT $%d`, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: export: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]TimelineRow, error) {
	defer rows.Close()
	out := make([]TimelineRow, 0)
	for rows.Next() {
		var (
			row  TimelineRow
			at   pgtype.Timestamptz
			meta []byte
		)
		if err := rows.Scan(&row.ID, &at, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if at.Valid {
			row.At = at.Time
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, fmt.Errorf("audit: decode meta of %d: %w", row.ID, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
