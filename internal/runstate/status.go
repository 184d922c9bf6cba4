package runstate

import (
	"strings"
	"unicode"
)

// Status is the lifecycle state of an enrichment run.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusReview     Status = "review"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusNotStarted Status = "notStarted"
)

// All lists every canonical status.
var All = []Status{
	StatusQueued,
	StatusRunning,
	StatusReview,
	StatusApproved,
	StatusRejected,
	StatusFailed,
	StatusCancelled,
	StatusNotStarted,
}

// synonyms maps folded free-form spellings onto canonical statuses.
// Keys are produced by foldKey so lookups ignore case and separators.
var synonyms = func() map[string]Status {
	table := map[Status][]string{
		StatusQueued: {
			"queued", "queue", "pending", "waiting", "todo", "scheduled",
			"enqueued", "requested", "retry", "retrying", "open",
		},
		StatusRunning: {
			"running", "run", "in_progress", "inprogress", "processing",
			"started", "working", "active", "executing", "searching",
		},
		StatusReview: {
			"review", "needs_review", "pending_review", "awaiting_review",
			"in_review", "review_required", "requires_review", "manual_review",
		},
		StatusApproved: {
			"approved", "approve", "accepted", "succeeded", "success",
			"successful", "completed", "complete", "done", "finished", "ok",
		},
		StatusRejected: {
			"rejected", "reject", "declined", "denied", "refused",
		},
		StatusFailed: {
			"failed", "fail", "failure", "error", "errored", "timed_out",
			"timedout", "timeout", "crashed", "broken",
		},
		StatusCancelled: {
			"cancelled", "canceled", "cancel", "aborted", "abort",
			"stopped", "terminated", "killed",
		},
		StatusNotStarted: {
			"notstarted", "not_started", "idle", "none", "new", "unstarted",
			"never_run", "inactive",
		},
	}
	m := make(map[string]Status)
	for status, words := range table {
		m[foldKey(string(status))] = status
		for _, w := range words {
			m[foldKey(w)] = status
		}
	}
	return m
}()

// foldKey lower-cases s and drops separators so that "In Progress",
// "in-progress", "IN_PROGRESS" and "inProgress" share one key.
func foldKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Normalize maps a free-form status onto one of the canonical statuses.
// Empty or unrecognized input yields StatusQueued.
func Normalize(raw string) Status {
	if s, ok := synonyms[foldKey(raw)]; ok {
		return s
	}
	return StatusQueued
}

// Lookup is like Normalize but reports whether raw was recognized.
func Lookup(raw string) (Status, bool) {
	s, ok := synonyms[foldKey(raw)]
	return s, ok
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	for _, c := range All {
		if c == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// IsActive reports whether a run is waiting for or holding a worker.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// IsRestartable reports whether a run may be re-triggered into the queue.
func (s Status) IsRestartable() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusFailed, StatusCancelled, StatusNotStarted:
		return true
	}
	return false
}

// NeedsReview reports whether an operator decision is pending.
func (s Status) NeedsReview() bool {
	return s == StatusReview
}

// IsTerminalLike reports whether the run has produced an outcome, which is
// when a completion timestamp is recorded.
func (s Status) IsTerminalLike() bool {
	switch s {
	case StatusReview, StatusApproved, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving a run from one status to another is legal.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusQueued:
		return from.IsRestartable()
	case StatusRunning:
		return from == StatusQueued
	case StatusReview, StatusApproved, StatusRejected, StatusFailed:
		return from == StatusRunning
	case StatusCancelled:
		return from.IsActive()
	}
	return false
}

// Sources returns every status from which to is reachable.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range All {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
