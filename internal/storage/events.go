package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendEvent adds one entry to the audit log.
func (r repo) AppendEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if ev.PayloadJSON == "" {
		ev.PayloadJSON = "{}"
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO agentic_events (id, item_id, type, actor, message, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ItemID, ev.Type, ev.Actor, ev.Message, ev.PayloadJSON, formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", ev.Type, ev.ItemID, err)
	}
	return nil
}

// ListEvents returns the most recent events for itemID, newest first.
func (r repo) ListEvents(ctx context.Context, itemID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, item_id, type, actor, message, payload_json, created_at
		FROM agentic_events WHERE item_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.ItemID, &ev.Type, &ev.Actor, &ev.Message, &ev.PayloadJSON, &createdAt); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents counts events of the given type for itemID. An empty itemID
// counts across all items.
func (r repo) CountEvents(ctx context.Context, itemID, eventType string) (int, error) {
	var n int
	var err error
	if itemID == "" {
		err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM agentic_events WHERE type = ?`, eventType).Scan(&n)
	} else {
		err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM agentic_events WHERE item_id = ? AND type = ?`, itemID, eventType).Scan(&n)
	}
	return n, err
}
