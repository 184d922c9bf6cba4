package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/invenrich/internal/runstate"
)

const runColumns = `item_id, status, search_query, review_state, reviewed_by, reviewed_at,
	last_review_decision, last_review_notes, review_signal, retry_count, next_retry_at,
	last_error, last_attempt_at, started_at, completed_at, last_modified, claim_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var status string
	var searchQuery, reviewState, reviewedBy, reviewedAt, decision, notes, signal sql.NullString
	var nextRetryAt, lastError, lastAttemptAt, startedAt, completedAt, claimID sql.NullString
	var lastModified string
	err := row.Scan(&r.ItemID, &status, &searchQuery, &reviewState, &reviewedBy, &reviewedAt,
		&decision, &notes, &signal, &r.RetryCount, &nextRetryAt,
		&lastError, &lastAttemptAt, &startedAt, &completedAt, &lastModified, &claimID)
	if err != nil {
		return Run{}, err
	}

	r.Status = runstate.Normalize(status)
	r.SearchQuery = searchQuery.String
	r.ReviewState = reviewState.String
	r.ReviewedBy = reviewedBy.String
	r.LastReviewDecision = decision.String
	r.LastReviewNotes = notes.String
	r.LastError = lastError.String
	r.ClaimID = claimID.String
	if signal.Valid && signal.String != "" {
		s := runstate.NormalizeReviewSignal(json.RawMessage(signal.String))
		r.ReviewSignal = &s
	}
	if r.ReviewedAt, err = parseNullTime("reviewed_at", reviewedAt); err != nil {
		return Run{}, err
	}
	if r.NextRetryAt, err = parseNullTime("next_retry_at", nextRetryAt); err != nil {
		return Run{}, err
	}
	if r.LastAttemptAt, err = parseNullTime("last_attempt_at", lastAttemptAt); err != nil {
		return Run{}, err
	}
	if r.StartedAt, err = parseNullTime("started_at", startedAt); err != nil {
		return Run{}, err
	}
	if r.CompletedAt, err = parseNullTime("completed_at", completedAt); err != nil {
		return Run{}, err
	}
	if r.LastModified, err = parseTime("last_modified", lastModified); err != nil {
		return Run{}, err
	}
	return r, nil
}

func encodeSignal(s *runstate.ReviewSignal) any {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return string(b)
}

// GetRun returns the run for itemID or ErrNotFound.
func (r repo) GetRun(ctx context.Context, itemID string) (Run, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agentic_runs WHERE item_id = ?`, itemID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", itemID, err)
	}
	return run, nil
}

// UpsertRun writes the full run row, replacing any existing row for the same
// item. The status is normalized before it is stored. The row's claim is
// replaced too, so a flow still holding the previous claim can no longer
// progress the run.
func (r repo) UpsertRun(ctx context.Context, run Run) error {
	if strings.TrimSpace(run.ItemID) == "" {
		return errors.New("run item id is required")
	}
	status := run.Status
	if !status.Valid() {
		status = runstate.Normalize(string(status))
	}
	modified := run.LastModified
	if modified.IsZero() {
		modified = time.Now()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO agentic_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			status = excluded.status,
			search_query = excluded.search_query,
			review_state = excluded.review_state,
			reviewed_by = excluded.reviewed_by,
			reviewed_at = excluded.reviewed_at,
			last_review_decision = excluded.last_review_decision,
			last_review_notes = excluded.last_review_notes,
			review_signal = excluded.review_signal,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			last_modified = excluded.last_modified,
			claim_id = excluded.claim_id`,
		run.ItemID, string(status), nullableString(run.SearchQuery), nullableString(run.ReviewState),
		nullableString(run.ReviewedBy), nullableTime(run.ReviewedAt),
		nullableString(run.LastReviewDecision), nullableString(run.LastReviewNotes),
		encodeSignal(run.ReviewSignal), run.RetryCount, nullableTime(run.NextRetryAt),
		nullableString(run.LastError), nullableTime(run.LastAttemptAt),
		nullableTime(run.StartedAt), nullableTime(run.CompletedAt), formatTime(modified),
		nullableString(run.ClaimID),
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ItemID, err)
	}
	return nil
}

// TransitionRun moves a run to status to, applying mutate to the loaded row
// first. The write only succeeds if the row still holds the status and claim
// it was read with; otherwise ErrStaleState is returned. Illegal transitions
// return ErrInvalidTransition without writing.
func (r repo) TransitionRun(ctx context.Context, itemID string, to runstate.Status, mutate func(*Run)) (Run, error) {
	return r.transitionRun(ctx, itemID, nil, to, mutate)
}

// TransitionClaimedRun is TransitionRun on behalf of the flow holding
// claimID. It returns ErrStaleState when the run has since been re-queued or
// claimed by another flow.
func (r repo) TransitionClaimedRun(ctx context.Context, itemID, claimID string, to runstate.Status, mutate func(*Run)) (Run, error) {
	return r.transitionRun(ctx, itemID, &claimID, to, mutate)
}

func (r repo) transitionRun(ctx context.Context, itemID string, claimID *string, to runstate.Status, mutate func(*Run)) (Run, error) {
	run, err := r.GetRun(ctx, itemID)
	if err != nil {
		return Run{}, err
	}
	if claimID != nil && run.ClaimID != *claimID {
		return Run{}, fmt.Errorf("%w: %s is held by claim %q, not %q", ErrStaleState, itemID, run.ClaimID, *claimID)
	}
	from := run.Status
	fromClaim := run.ClaimID
	if !runstate.CanTransition(from, to) {
		return Run{}, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, itemID)
	}
	if mutate != nil {
		mutate(&run)
	}
	run.Status = to
	run.LastModified = time.Now()

	res, err := r.q.ExecContext(ctx, `
		UPDATE agentic_runs SET
			status = ?, search_query = ?, review_state = ?, reviewed_by = ?, reviewed_at = ?,
			last_review_decision = ?, last_review_notes = ?, review_signal = ?, retry_count = ?,
			next_retry_at = ?, last_error = ?, last_attempt_at = ?, started_at = ?,
			completed_at = ?, last_modified = ?, claim_id = ?
		WHERE item_id = ? AND status = ? AND COALESCE(claim_id, '') = ?`,
		string(run.Status), nullableString(run.SearchQuery), nullableString(run.ReviewState),
		nullableString(run.ReviewedBy), nullableTime(run.ReviewedAt),
		nullableString(run.LastReviewDecision), nullableString(run.LastReviewNotes),
		encodeSignal(run.ReviewSignal), run.RetryCount, nullableTime(run.NextRetryAt),
		nullableString(run.LastError), nullableTime(run.LastAttemptAt),
		nullableTime(run.StartedAt), nullableTime(run.CompletedAt), formatTime(run.LastModified),
		nullableString(run.ClaimID), itemID, string(from), fromClaim,
	)
	if err != nil {
		return Run{}, fmt.Errorf("transition run %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Run{}, fmt.Errorf("transition run %s: %w", itemID, err)
	}
	if n != 1 {
		return Run{}, fmt.Errorf("%w: %s no longer %s", ErrStaleState, itemID, from)
	}
	return run, nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Statuses []runstate.Status
	Limit    int
}

// ListRuns returns runs ordered oldest-modified first.
func (r repo) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM agentic_runs`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(f.Statuses)-1) + `)`
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY last_modified ASC, item_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryRuns(ctx, query, args...)
}

// NextQueuedRun returns the oldest queued run, or ErrNotFound when the queue
// is empty.
func (r repo) NextQueuedRun(ctx context.Context) (Run, error) {
	runs, err := r.ListRuns(ctx, RunFilter{Statuses: []runstate.Status{runstate.StatusQueued}, Limit: 1})
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNotFound
	}
	return runs[0], nil
}

// DueRetries returns failed runs whose scheduled retry time has passed and
// whose retry budget is not exhausted.
func (r repo) DueRetries(ctx context.Context, now time.Time, maxRetries int) ([]Run, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM agentic_runs
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count <= ?
		ORDER BY next_retry_at ASC`,
		string(runstate.StatusFailed), formatTime(now), maxRetries,
	)
}

// CountRuns returns the number of run rows for itemID (0 or 1).
func (r repo) CountRuns(ctx context.Context, itemID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM agentic_runs WHERE item_id = ?`, itemID).Scan(&n)
	return n, err
}

func (r repo) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
