package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartRequest opens (or restarts) the log entry for invocation id. A restart
// supersedes the previous attempt: error, notification state and payload are
// cleared and both timestamps refreshed.
func (r repo) StartRequest(ctx context.Context, id, itemID, search string) error {
	now := formatTime(time.Now())
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO agentic_requests (id, item_id, search, status, error, created_at, updated_at,
			notified_at, last_notification_error, payload)
		VALUES (?, ?, ?, ?, NULL, ?, ?, NULL, NULL, NULL)
		ON CONFLICT(id) DO UPDATE SET
			item_id = excluded.item_id,
			search = excluded.search,
			status = excluded.status,
			error = NULL,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			notified_at = NULL,
			last_notification_error = NULL,
			payload = NULL`,
		id, itemID, search, RequestRunning, now, now,
	)
	if err != nil {
		return fmt.Errorf("start request %s: %w", id, err)
	}
	return nil
}

// FinishRequest records the outcome and final payload of an invocation.
func (r repo) FinishRequest(ctx context.Context, id, status, errMsg, payload string) error {
	return r.updateRequest(ctx, id,
		`UPDATE agentic_requests SET status = ?, error = ?, payload = ?, updated_at = ? WHERE id = ?`,
		status, nullableString(errMsg), nullableString(payload), formatTime(time.Now()), id,
	)
}

// MarkNotified records a successful notification delivery.
func (r repo) MarkNotified(ctx context.Context, id string, at time.Time) error {
	return r.updateRequest(ctx, id,
		`UPDATE agentic_requests SET notified_at = ?, last_notification_error = NULL, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id,
	)
}

// MarkNotificationFailed records a delivery failure without touching the
// request's status.
func (r repo) MarkNotificationFailed(ctx context.Context, id, msg string) error {
	return r.updateRequest(ctx, id,
		`UPDATE agentic_requests SET last_notification_error = ?, updated_at = ? WHERE id = ?`,
		msg, formatTime(time.Now()), id,
	)
}

func (r repo) updateRequest(ctx context.Context, id, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRequest loads one request log entry.
func (r repo) GetRequest(ctx context.Context, id string) (Request, error) {
	var req Request
	var errMsg, notifiedAt, notifyErr, payload sql.NullString
	var createdAt, updatedAt string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, item_id, search, status, error, created_at, updated_at,
			notified_at, last_notification_error, payload
		FROM agentic_requests WHERE id = ?`, id,
	).Scan(&req.ID, &req.ItemID, &req.Search, &req.Status, &errMsg, &createdAt, &updatedAt,
		&notifiedAt, &notifyErr, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("get request %s: %w", id, err)
	}
	req.Error = errMsg.String
	req.LastNotificationError = notifyErr.String
	req.Payload = payload.String
	if req.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Request{}, err
	}
	if req.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Request{}, err
	}
	if req.NotifiedAt, err = parseNullTime("notified_at", notifiedAt); err != nil {
		return Request{}, err
	}
	return req, nil
}
