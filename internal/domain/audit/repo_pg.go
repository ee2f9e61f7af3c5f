package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/db"
)

type AccessEventRepoPG struct {
	pool *pgxpool.Pool
}

func NewAccessEventRepoPG(pool *pgxpool.Pool) *AccessEventRepoPG {
	return &AccessEventRepoPG{pool: pool}
}

const eventCols = `id, actor_id, actor_role, target_patient_id, resource, action, outcome, reason, request_id, occurred_at`

func (r *AccessEventRepoPG) Append(ctx context.Context, evs ...AccessEvent) error {
	if len(evs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range evs {
		batch.Queue(`INSERT INTO access_event (`+eventCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.ActorID, ev.ActorRole, ev.TargetPatientID, ev.Resource, ev.Action,
			ev.Outcome, ev.Reason, ev.RequestID, ev.OccurredAt)
	}
	br := db.Conn(ctx, r.pool).SendBatch(ctx, batch)
	defer br.Close()
	for range evs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert access event: %w", err)
		}
	}
	return nil
}

func (r *AccessEventRepoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]AccessEvent, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	add := func(col, v string) {
		if v == "" {
			return
		}
		where = append(where, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, v)
		idx++
	}
	add("actor_id", f.ActorID)
	add("target_patient_id", f.PatientID)
	add("outcome", string(f.Outcome))
	add("resource", f.Resource)

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM access_event "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count access events: %w", err)
	}

	q := fmt.Sprintf("SELECT %s FROM access_event %s ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d",
		eventCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search access events: %w", err)
	}
	defer rows.Close()

	var items []AccessEvent
	for rows.Next() {
		var ev AccessEvent
		if err := rows.Scan(&ev.ID, &ev.ActorID, &ev.ActorRole, &ev.TargetPatientID, &ev.Resource,
			&ev.Action, &ev.Outcome, &ev.Reason, &ev.RequestID, &ev.OccurredAt); err != nil {
			return nil, 0, fmt.Errorf("scan access event: %w", err)
		}
		items = append(items, ev)
	}
	return items, total, rows.Err()
}
