// Package dispatch persists a finished run's payload to the request log and
// hands the same bytes to the external notifier.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/invenrich/internal/extraction"
	"github.com/kalambet/invenrich/internal/search"
)

// Payload is the record sent to the callback once a flow finishes.
type Payload struct {
	RequestID   string                `json:"requestId"`
	ItemID      string                `json:"itemId"`
	Status      string                `json:"status"`
	Success     bool                  `json:"success"`
	NeedsReview bool                  `json:"needsReview"`
	Shortcut    bool                  `json:"shortcut,omitempty"`
	SearchQuery string                `json:"searchQuery,omitempty"`
	Summary     string                `json:"summary,omitempty"`
	Error       string                `json:"error,omitempty"`
	Verdict     string                `json:"verdict,omitempty"`
	Attempts    int                   `json:"attempts"`
	Item        *extraction.Candidate `json:"item,omitempty"`
	Locked      []string              `json:"lockedFields,omitempty"`
	Queries     []string              `json:"queries,omitempty"`
	Sources     []search.Source       `json:"sources,omitempty"`
	CompletedAt time.Time             `json:"completedAt"`
}

// NotificationError reports that a finished run's payload could not be
// persisted or delivered. It never says anything about the run's outcome.
type NotificationError struct {
	RequestID string
	Stage     string // persist | notify
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("dispatch %s: %s failed: %v", e.RequestID, e.Stage, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// RequestLog is the part of the store the dispatcher writes to.
type RequestLog interface {
	FinishRequest(ctx context.Context, id, status, errMsg, payload string) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id, msg string) error
}

type Dispatcher struct {
	log      RequestLog
	notifier Notifier
	logger   *slog.Logger
}

func New(log RequestLog, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{log: log, notifier: notifier, logger: logger.With("component", "dispatch")}
}

// Dispatch stores p as the request's final payload with requestStatus and
// errMsg, then notifies the callback with the identical bytes. A failure in
// either step is recorded as the request's last notification error and
// returned as *NotificationError. The run row is never touched here.
func (d *Dispatcher) Dispatch(ctx context.Context, requestStatus, errMsg string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return d.fail(ctx, p.RequestID, "persist", fmt.Errorf("encoding payload: %w", err))
	}
	if err := d.log.FinishRequest(ctx, p.RequestID, requestStatus, errMsg, string(body)); err != nil {
		return d.fail(ctx, p.RequestID, "persist", err)
	}
	if err := d.notifier.Notify(ctx, body); err != nil {
		return d.fail(ctx, p.RequestID, "notify", err)
	}
	if err := d.log.MarkNotified(ctx, p.RequestID, time.Now()); err != nil {
		return d.fail(ctx, p.RequestID, "persist", err)
	}
	d.logger.Debug("payload dispatched", "request_id", p.RequestID, "item_id", p.ItemID, "status", p.Status)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, requestID, stage string, err error) error {
	nerr := &NotificationError{RequestID: requestID, Stage: stage, Err: err}
	if merr := d.log.MarkNotificationFailed(context.WithoutCancel(ctx), requestID, nerr.Error()); merr != nil {
		d.logger.Error("recording notification failure", "request_id", requestID, "error", merr)
	}
	d.logger.Warn("dispatch failed", "request_id", requestID, "stage", stage, "error", err)
	return nerr
}
