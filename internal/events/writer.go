// Package events appends audit rows for node operations.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ResendCompleted      = "resend.completed"
	PushBatchStored      = "staging.batch_stored"
	ResolutionPass       = "staging.resolution_pass"
	TransactionsPromoted = "staging.promoted"
	PrivacyGroupCreated  = "privacy_group.created"
	PrivacyGroupUpdated  = "privacy_group.updated"
	PrivacyGroupDeleted  = "privacy_group.deleted"
	PrivacyGroupStored   = "privacy_group.stored"
	RecoveryCompleted    = "recovery.completed"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type Event struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes e using tx when given, otherwise the writer's database.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Event) error {
	if tx == nil && w.DB == nil {
		return nil
	}
	var c execer = w.DB
	if tx != nil {
		c = tx
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if e.ActorID == "" {
		e.ActorID = "node"
	}
	_, err = c.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
