package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Krestall88/cleaning-control/internal/domain"
)

// Writer appends lifecycle events inside the caller's transaction so an event
// is durable exactly when the transition it describes is.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records a lifecycle event for an occurrence key. oldStatus/newStatus
// may be empty for non-transition events (catalog changes, overrides).
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, key domain.OccurrenceKey, actorID string, oldStatus, newStatus domain.Status, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,definition_id,due_date,actor_id,old_status,new_status,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(key.DefinitionID), nullable(key.DueDate), actorID, nullable(string(oldStatus)), nullable(string(newStatus)), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
