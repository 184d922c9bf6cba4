// Package orchestrator drives the per-item enrichment flow: claiming queued
// runs, preparing the item, loading prompts, trying the catalog shortcut,
// running the search and extraction loop and dispatching the outcome. It
// owns run cancellation, retry scheduling and recovery after a restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/invenrich/internal/dispatch"
	"github.com/kalambet/invenrich/internal/extraction"
	"github.com/kalambet/invenrich/internal/prompts"
	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/shortcut"
	"github.com/kalambet/invenrich/internal/storage"
)

// ErrRunCancelled is the cancellation cause of a run stopped by an operator.
var ErrRunCancelled = errors.New("run cancelled")

// ErrRunActive is returned when triggering an item whose run is already
// queued or running.
var ErrRunActive = errors.New("run already active")

// errSuperseded is the cancellation cause of a flow whose run was re-queued
// and claimed again while it was still executing.
var errSuperseded = errors.New("run claimed by a newer flow")

const systemActor = "system"

// PromptSource loads the prompt set for one run.
type PromptSource interface {
	Load() (*prompts.Set, error)
}

// Extractor runs the search and extraction loop.
type Extractor interface {
	Run(ctx context.Context, req extraction.Request) (extraction.Result, error)
}

// Dispatcher persists and delivers a finished run's payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestStatus, errMsg string, p dispatch.Payload) error
}

type Deps struct {
	Store       *storage.Store
	Prompts     PromptSource
	Extractor   Extractor
	Shortcut    shortcut.Resolver // optional
	Dispatcher  Dispatcher
	AutoApprove bool
	Retry       RetryPolicy
	Logger      *slog.Logger
}

type Orchestrator struct {
	store       *storage.Store
	prompts     PromptSource
	extractor   Extractor
	shortcut    shortcut.Resolver
	dispatcher  Dispatcher
	autoApprove bool
	retry       RetryPolicy
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]*flowHandle
	wake     chan struct{}
}

// flowHandle is the registry entry of one executing flow.
type flowHandle struct {
	claim  string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Retry == (RetryPolicy{}) {
		deps.Retry = DefaultRetryPolicy
	}
	return &Orchestrator{
		store:       deps.Store,
		prompts:     deps.Prompts,
		extractor:   deps.Extractor,
		shortcut:    deps.Shortcut,
		dispatcher:  deps.Dispatcher,
		autoApprove: deps.AutoApprove,
		retry:       deps.Retry,
		logger:      logger.With("component", "orchestrator"),
		now:         time.Now,
		inFlight:    make(map[string]*flowHandle),
		wake:        make(chan struct{}, 1),
	}
}

// Wakeups fires after a trigger so the worker can look for work at once.
func (o *Orchestrator) Wakeups() <-chan struct{} { return o.wake }

// Wake tells the worker new runs were queued outside Trigger.
func (o *Orchestrator) Wake() { o.signal() }

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// TriggerOptions carry the optional parts of a trigger.
type TriggerOptions struct {
	Search string
	Actor  string
}

// Trigger queues itemID. A new item gets a fresh run; an existing run must
// be restartable. The caller never waits for the flow itself.
func (o *Orchestrator) Trigger(ctx context.Context, itemID string, opts TriggerOptions) (storage.Run, error) {
	if _, err := o.store.GetItem(ctx, itemID); err != nil {
		return storage.Run{}, err
	}
	actor := opts.Actor
	if actor == "" {
		actor = systemActor
	}
	search := collapse(opts.Search)

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return storage.Run{}, err
	}
	defer tx.Rollback()

	ev := storage.Event{ItemID: itemID, Type: storage.EventSearchQueued, Actor: actor, Message: "queued"}
	if search != "" {
		ev.Message = fmt.Sprintf("queued search=%q", search)
	}

	existing, err := tx.GetRun(ctx, itemID)
	var run storage.Run
	switch {
	case errors.Is(err, storage.ErrNotFound):
		run = storage.Run{ItemID: itemID, Status: runstate.StatusQueued, SearchQuery: search, LastModified: o.now()}
		if err := tx.UpsertRun(ctx, run); err != nil {
			return storage.Run{}, err
		}
	case err != nil:
		return storage.Run{}, err
	case existing.Status.IsActive():
		return existing, fmt.Errorf("%w: %s is %s", ErrRunActive, itemID, existing.Status)
	default:
		run, err = tx.TransitionRun(ctx, itemID, runstate.StatusQueued, func(r *storage.Run) {
			if search != "" {
				r.SearchQuery = search
			}
			r.RetryCount = 0
			r.NextRetryAt = nil
			r.LastError = ""
			r.CompletedAt = nil
		})
		if err != nil {
			return storage.Run{}, err
		}
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return storage.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.Run{}, err
	}

	o.logger.Info("run queued", "item_id", itemID, "actor", actor)
	o.signal()
	return run, nil
}

// Cancel moves an active run to cancelled and stops its flow at the next
// checkpoint. Work already committed stays as it is.
func (o *Orchestrator) Cancel(ctx context.Context, itemID, actor string) (storage.Run, error) {
	if actor == "" {
		actor = systemActor
	}
	run, err := o.transition(ctx, itemID, runstate.StatusCancelled,
		storage.Event{Type: storage.EventRunCancelled, Actor: actor, Message: "cancelled by operator"},
		func(r *storage.Run) {
			now := o.now()
			r.CompletedAt = &now
			r.NextRetryAt = nil
		})
	if err != nil {
		return storage.Run{}, err
	}

	o.mu.Lock()
	h, ok := o.inFlight[itemID]
	o.mu.Unlock()
	if ok {
		h.cancel(ErrRunCancelled)
	}
	o.logger.Info("run cancelled", "item_id", itemID, "actor", actor, "in_flight", ok)
	return run, nil
}

// Claim moves a queued run to running under a fresh claim id. Only the flow
// holding that claim may progress the run. ErrStaleState means another
// worker got there first.
func (o *Orchestrator) Claim(ctx context.Context, itemID string) (storage.Run, error) {
	claim := uuid.New().String()
	return o.transition(ctx, itemID, runstate.StatusRunning,
		storage.Event{Type: storage.EventRunStarted, Actor: systemActor, Message: "claimed by worker"},
		func(r *storage.Run) {
			now := o.now()
			r.StartedAt = &now
			r.LastAttemptAt = &now
			r.CompletedAt = nil
			r.NextRetryAt = nil
			r.ClaimID = claim
		})
}

// transition applies a compare-and-set status change and its audit event as
// one unit of work.
func (o *Orchestrator) transition(ctx context.Context, itemID string, to runstate.Status, ev storage.Event, mutate func(*storage.Run)) (storage.Run, error) {
	return o.applyTransition(ctx, itemID, nil, to, ev, mutate)
}

// transitionClaimed is transition for the flow holding claim.
func (o *Orchestrator) transitionClaimed(ctx context.Context, itemID, claim string, to runstate.Status, ev storage.Event, mutate func(*storage.Run)) (storage.Run, error) {
	return o.applyTransition(ctx, itemID, &claim, to, ev, mutate)
}

func (o *Orchestrator) applyTransition(ctx context.Context, itemID string, claim *string, to runstate.Status, ev storage.Event, mutate func(*storage.Run)) (storage.Run, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return storage.Run{}, err
	}
	defer tx.Rollback()

	var run storage.Run
	if claim != nil {
		run, err = tx.TransitionClaimedRun(ctx, itemID, *claim, to, mutate)
	} else {
		run, err = tx.TransitionRun(ctx, itemID, to, mutate)
	}
	if err != nil {
		return storage.Run{}, err
	}
	ev.ItemID = itemID
	if ev.Actor == "" {
		ev.Actor = systemActor
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return storage.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.Run{}, err
	}
	return run, nil
}

// register makes h the flow of record for itemID and returns the flow it
// replaced, if any.
func (o *Orchestrator) register(itemID string, h *flowHandle) *flowHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.inFlight[itemID]
	o.inFlight[itemID] = h
	return prev
}

// unregister drops h from the registry unless a newer flow has taken its
// place, then releases anyone waiting for h to finish.
func (o *Orchestrator) unregister(itemID string, h *flowHandle) {
	o.mu.Lock()
	if o.inFlight[itemID] == h {
		delete(o.inFlight, itemID)
	}
	o.mu.Unlock()
	close(h.done)
}

// InFlight returns the number of flows currently executing.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}
