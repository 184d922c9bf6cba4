package storage

import (
	"errors"
	"time"

	"github.com/kalambet/invenrich/internal/runstate"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleState is returned when a compare-and-set update finds the row in a
// different state than the caller expected.
var ErrStaleState = errors.New("stale run state")

// ErrInvalidTransition is returned when a run cannot legally move to the
// requested status from its current one.
var ErrInvalidTransition = errors.New("invalid run transition")

// Item is the enrichment target: the reference record the agent fills in.
type Item struct {
	ItemID       string
	Description  string
	ShortText    string
	LongText     string
	Manufacturer string
	Price        *float64
	LengthMM     *float64
	WidthMM      *float64
	HeightMM     *float64
	WeightKG     *float64
	LockedFields []string
	UpdatedAt    time.Time
}

// Instance is one physical inventory instance of an item.
type Instance struct {
	InstanceID string
	ItemID     string
	Location   string
	CreatedAt  time.Time
}

// Run is the persisted state of one item's enrichment. There is at most one
// row per ItemID.
type Run struct {
	ItemID             string
	Status             runstate.Status
	SearchQuery        string
	ReviewState        string
	ReviewedBy         string
	ReviewedAt         *time.Time
	LastReviewDecision string
	LastReviewNotes    string
	ReviewSignal       *runstate.ReviewSignal
	RetryCount         int
	NextRetryAt        *time.Time
	LastError          string
	LastAttemptAt      *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	LastModified       time.Time

	// ClaimID names the worker claim of the flow allowed to progress a
	// running run. Empty until the first claim.
	ClaimID string
}

// Event is one entry in the append-only audit log.
type Event struct {
	ID          string
	ItemID      string
	Type        string
	Actor       string
	Message     string
	PayloadJSON string
	CreatedAt   time.Time
}

// Audit event types.
const (
	EventSearchQueued   = "AgenticSearchQueued"
	EventRunStarted     = "AgenticRunStarted"
	EventRunCompleted   = "AgenticRunCompleted"
	EventRunFailed      = "AgenticRunFailed"
	EventRunCancelled   = "AgenticRunCancelled"
	EventRetryScheduled = "AgenticRetryScheduled"
	EventRunRecovered   = "AgenticRunRecovered"
	EventResultReceived = "AgenticResultReceived"
)

// Request is the log entry for one orchestrator invocation.
type Request struct {
	ID                    string
	ItemID                string
	Search                string
	Status                string
	Error                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	NotifiedAt            *time.Time
	LastNotificationError string
	Payload               string // JSON, empty until dispatched
}

// Request statuses.
const (
	RequestRunning   = "RUNNING"
	RequestSuccess   = "SUCCESS"
	RequestFailed    = "FAILED"
	RequestCancelled = "CANCELLED"
)
