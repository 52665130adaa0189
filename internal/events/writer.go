package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"renderq/internal/domain"
)

// Writer appends task events inside the caller's transaction. Every status
// transition appends exactly one row before the task's status field is
// updated; the two must commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventData map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID string, status domain.Status, detail string, data EventData) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	var payload any
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		payload = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO task_events(task_id,status,detail,data,ts) VALUES (?,?,?,?,?)`,
		taskID, string(status), nullable(detail), payload, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
