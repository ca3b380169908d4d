package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists and reads audit entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores one entry. Idempotent on the entry id so task retries do
// not duplicate rows.
func (r *Repository) Insert(ctx context.Context, entry Entry) error {
	beforeJSON, err := json.Marshal(entry.Before)
	if err != nil {
		return err
	}
	afterJSON, err := json.Marshal(entry.After)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO audit_entries (id, tenant_id, actor_id, action, target_id, before, after, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.TenantID, entry.ActorID, entry.Action, entry.TargetID, beforeJSON, afterJSON, entry.At)
	return err
}

// TimelineWindowParams filters one page of the timeline.
type TimelineWindowParams struct {
	TenantID   int64
	ActorID    pgtype.Int8
	Action     pgtype.Text
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	OffsetRows int32
	LimitRows  int32
}

// TimelineRow is one stored entry as read back for display.
type TimelineRow struct {
	ID       string
	TenantID int64
	ActorID  int64
	Action   string
	TargetID string
	Before   map[string]any
	After    map[string]any
	At       time.Time
}

// TimelineWindow returns entries for a tenant, newest first.
func (r *Repository) TimelineWindow(ctx context.Context, arg TimelineWindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, actor_id, action, target_id, before, after, occurred_at
FROM audit_entries
WHERE tenant_id = $1
  AND ($2::bigint IS NULL OR actor_id = $2)
  AND ($3::text IS NULL OR action = $3)
  AND ($4::timestamptz IS NULL OR occurred_at >= $4)
  AND ($5::timestamptz IS NULL OR occurred_at < $5)
ORDER BY occurred_at DESC, id DESC
OFFSET $6 LIMIT $7`,
		arg.TenantID, arg.ActorID, arg.Action, arg.FromAt, arg.ToAt, arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var before, after []byte
		var at pgtype.Timestamptz
		if err := rows.Scan(&row.ID, &row.TenantID, &row.ActorID, &row.Action, &row.TargetID, &before, &after, &at); err != nil {
			return nil, err
		}
		if at.Valid {
			row.At = at.Time
		}
		if len(before) > 0 {
			_ = json.Unmarshal(before, &row.Before)
		}
		if len(after) > 0 {
			_ = json.Unmarshal(after, &row.After)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// OptionalText wraps a filter string, empty meaning no filter.
func OptionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

// OptionalInt8 wraps a filter id, zero meaning no filter.
func OptionalInt8(value int64) pgtype.Int8 {
	if value == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: value, Valid: true}
}

// OptionalTime wraps a filter time, zero meaning no filter.
func OptionalTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
