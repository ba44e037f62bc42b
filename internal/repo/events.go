package repo

import (
	"context"

	"privrelay/internal/domain"
)

type EventFilters struct {
	AfterID    int64
	Type       string
	EntityKind string
	Limit      int
}

// ListEvents returns events in id order.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ?`
	args := []any{f.AfterID}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
