package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/invenrich/internal/dispatch"
	"github.com/kalambet/invenrich/internal/extraction"
	"github.com/kalambet/invenrich/internal/observability"
	"github.com/kalambet/invenrich/internal/prompts"
	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/shortcut"
	"github.com/kalambet/invenrich/internal/storage"
)

// errNotRunning is wrapped into ErrRunCancelled when a checkpoint finds the
// persisted run no longer running.
var errNotRunning = errors.New("run no longer running")

// Process executes the flow for a run the caller has claimed. It returns nil
// when the run reached an outcome, was cancelled or failed on its own terms;
// an error means the flow could not record what happened (or ctx ended),
// leaving the run for startup recovery.
//
// A flow still executing for the same item under an older claim is stopped
// first, and Process waits for it to return before doing any work, so an
// item never has two flows past that point.
func (o *Orchestrator) Process(ctx context.Context, run storage.Run) (err error) {
	itemID := run.ItemID
	runCtx, cancel := context.WithCancelCause(ctx)
	h := &flowHandle{claim: run.ClaimID, cancel: cancel, done: make(chan struct{})}
	prev := o.register(itemID, h)
	defer func() {
		o.unregister(itemID, h)
		cancel(nil)
	}()

	if prev != nil {
		o.logger.Warn("stopping superseded flow", "item_id", itemID, "old_claim", prev.claim, "claim", run.ClaimID)
		prev.cancel(fmt.Errorf("%w: %w", ErrRunCancelled, errSuperseded))
		select {
		case <-prev.done:
		case <-runCtx.Done():
			if cause := context.Cause(runCtx); !errors.Is(cause, ErrRunCancelled) {
				return cause
			}
			return nil
		}
	}

	runCtx, span := observability.StartSpan(runCtx, "orchestrator.process", attribute.String("item.id", itemID))
	defer func() { observability.EndSpan(span, err) }()

	f := &flow{o: o, ctx: runCtx, run: run, requestID: uuid.New().String(),
		logger: o.logger.With("item_id", itemID)}

	err = f.execute()
	if errors.Is(err, ErrRunCancelled) {
		f.logger.Info("flow stopped at checkpoint", "reason", err)
		f.finishRequest(storage.RequestCancelled, err.Error())
		return nil
	}
	return err
}

type flow struct {
	o         *Orchestrator
	ctx       context.Context
	run       storage.Run
	requestID string
	logger    *slog.Logger

	item   storage.Item
	target extraction.Target
	search string
	locks  []string
}

// checkpoint stops the flow when the run was cancelled, either through its
// context or by a status or claim change persisted by another writer.
func (f *flow) checkpoint(stage string) error {
	if f.ctx.Err() != nil {
		if cause := context.Cause(f.ctx); errors.Is(cause, ErrRunCancelled) {
			return fmt.Errorf("%w at %s", ErrRunCancelled, stage)
		}
		return context.Cause(f.ctx)
	}
	current, err := f.o.store.GetRun(f.ctx, f.run.ItemID)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", stage, err)
	}
	if current.Status != runstate.StatusRunning {
		return fmt.Errorf("%w at %s: %w (%s)", ErrRunCancelled, stage, errNotRunning, current.Status)
	}
	if current.ClaimID != f.run.ClaimID {
		return fmt.Errorf("%w at %s: %w", ErrRunCancelled, stage, errSuperseded)
	}
	return nil
}

func (f *flow) execute() error {
	if err := f.prepare(); err != nil {
		return err
	}
	if err := f.o.store.StartRequest(f.ctx, f.requestID, f.run.ItemID, f.search); err != nil {
		return err
	}

	if err := f.checkpoint("prompts"); err != nil {
		return err
	}
	set, err := f.o.prompts.Load()
	if err != nil {
		return f.failWithoutRetry(err, "prompt load failed")
	}

	if err := f.checkpoint("shortcut"); err != nil {
		return err
	}
	if cand, ok := f.tryShortcut(); ok {
		f.locks = StripLocked(&cand, f.locks)
		return f.complete(extraction.Result{Success: true, Candidate: cand, Verdict: "PASS (catalog match)"}, true)
	}

	if err := f.checkpoint("search"); err != nil {
		return err
	}
	res, err := f.o.extractor.Run(f.ctx, extraction.Request{
		Target:      f.target,
		SearchQuery: f.search,
		Locked:      f.locks,
		Prompts:     set,
		Checkpoint:  func(context.Context) error { return f.checkpoint("extraction round") },
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrRunCancelled):
		return err
	case f.ctx.Err() != nil:
		return f.checkpoint("extraction")
	case errors.Is(err, prompts.ErrPromptLoadFailed):
		return f.failWithoutRetry(err, "prompt render failed")
	default:
		return f.failWithRetry(err)
	}

	if err := f.checkpoint("dispatch"); err != nil {
		return err
	}
	f.locks = StripLocked(&res.Candidate, f.locks)
	return f.complete(res, false)
}

// prepare loads the item and settles the search term and locks.
func (f *flow) prepare() error {
	if err := f.checkpoint("prepare"); err != nil {
		return err
	}
	item, err := f.o.store.GetItem(f.ctx, f.run.ItemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return f.failWithoutRetry(err, "item not found")
		}
		return err
	}
	f.item = item
	f.target = extraction.Target{
		ItemID:       item.ItemID,
		Description:  item.Description,
		Manufacturer: item.Manufacturer,
		ShortText:    item.ShortText,
		LongText:     item.LongText,
	}
	f.search = collapse(f.run.SearchQuery)
	if f.search == "" {
		f.search = collapse(item.Description)
	}
	if f.search == "" {
		f.search = item.ItemID
	}
	f.locks = StripLocked(nil, item.LockedFields)
	return nil
}

func (f *flow) tryShortcut() (extraction.Candidate, bool) {
	if !shortcut.Enabled(f.o.shortcut) {
		return extraction.Candidate{}, false
	}
	cand, ok, err := f.o.shortcut.Resolve(f.ctx, f.target)
	if err != nil {
		f.logger.Warn("catalog shortcut failed, continuing with search", "error", err)
		return extraction.Candidate{}, false
	}
	if ok {
		f.logger.Info("catalog shortcut matched")
	}
	return cand, ok
}

// complete records the outcome and dispatches the payload. A supervisor PASS
// goes to review (or straight to approved), exhaustion is a local failure
// with no retry.
func (f *flow) complete(res extraction.Result, viaShortcut bool) error {
	to := runstate.StatusFailed
	evType := storage.EventRunFailed
	requestStatus := storage.RequestFailed
	errMsg := ""
	if res.Success {
		to = runstate.StatusReview
		if f.o.autoApprove {
			to = runstate.StatusApproved
		}
		evType = storage.EventRunCompleted
		requestStatus = storage.RequestSuccess
	} else {
		errMsg = res.Verdict
		if errMsg == "" {
			errMsg = "supervisor rejected every attempt"
		}
	}

	now := f.o.now()
	run, err := f.o.transitionClaimed(context.WithoutCancel(f.ctx), f.run.ItemID, f.run.ClaimID, to,
		storage.Event{Type: evType, Message: fmt.Sprintf("status=%s attempts=%d shortcut=%t", to, res.Attempts, viaShortcut)},
		func(r *storage.Run) {
			r.CompletedAt = &now
			r.LastError = errMsg
			r.NextRetryAt = nil
			if to == runstate.StatusReview {
				r.ReviewState = "pending"
				r.ReviewedBy = ""
				r.ReviewedAt = nil
			}
			if r.SearchQuery == "" {
				r.SearchQuery = f.search
			}
		})
	if errors.Is(err, storage.ErrStaleState) || errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("%w before completion: %w", ErrRunCancelled, err)
	}
	if err != nil {
		return err
	}
	f.logger.Info("run completed", "status", run.Status, "attempts", res.Attempts, "shortcut", viaShortcut)

	cand := res.Candidate
	p := dispatch.Payload{
		RequestID:   f.requestID,
		ItemID:      f.run.ItemID,
		Status:      string(run.Status),
		Success:     res.Success,
		NeedsReview: run.Status.NeedsReview(),
		Shortcut:    viaShortcut,
		SearchQuery: f.search,
		Error:       errMsg,
		Verdict:     res.Verdict,
		Attempts:    res.Attempts,
		Locked:      f.locks,
		Queries:     res.Queries,
		Sources:     res.Sources,
		CompletedAt: now,
	}
	if !cand.Empty() {
		p.Item = &cand
	}
	if res.Success {
		p.Summary = fmt.Sprintf("candidate accepted after %d attempt(s)", res.Attempts)
	}
	if err := f.o.dispatcher.Dispatch(context.WithoutCancel(f.ctx), requestStatus, errMsg, p); err != nil {
		f.logger.Warn("result dispatch failed; run outcome unchanged", "error", err)
	}
	return nil
}

// failWithRetry records a model or search invocation failure and schedules
// the next attempt per the retry policy.
func (f *flow) failWithRetry(cause error) error {
	now := f.o.now()
	var next string
	run, err := f.o.transitionClaimed(context.WithoutCancel(f.ctx), f.run.ItemID, f.run.ClaimID, runstate.StatusFailed,
		storage.Event{Type: storage.EventRunFailed, Message: "invocation failed: " + cause.Error()},
		func(r *storage.Run) {
			r.RetryCount++
			r.NextRetryAt = f.o.retry.Next(now, r.RetryCount)
			r.LastError = cause.Error()
			r.CompletedAt = &now
			if r.NextRetryAt != nil {
				next = r.NextRetryAt.Format(time.RFC3339)
			}
		})
	if errors.Is(err, storage.ErrStaleState) || errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("%w before failure was recorded: %w", ErrRunCancelled, err)
	}
	if err != nil {
		return err
	}
	f.logger.Warn("invocation failed", "error", cause, "retry_count", run.RetryCount, "next_retry_at", next)
	f.finishRequest(storage.RequestFailed, cause.Error())
	return nil
}

// failWithoutRetry fails the run for a reason retrying cannot fix.
func (f *flow) failWithoutRetry(cause error, summary string) error {
	now := f.o.now()
	msg := fmt.Sprintf("%s: %v", summary, cause)
	_, err := f.o.transitionClaimed(context.WithoutCancel(f.ctx), f.run.ItemID, f.run.ClaimID, runstate.StatusFailed,
		storage.Event{Type: storage.EventRunFailed, Message: msg},
		func(r *storage.Run) {
			r.LastError = msg
			r.NextRetryAt = nil
			r.CompletedAt = &now
		})
	if errors.Is(err, storage.ErrStaleState) || errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("%w before failure was recorded: %w", ErrRunCancelled, err)
	}
	if err != nil {
		return err
	}
	f.logger.Error("run failed", "reason", msg)
	f.finishRequest(storage.RequestFailed, msg)
	return nil
}

func (f *flow) finishRequest(status, msg string) {
	err := f.o.store.FinishRequest(context.WithoutCancel(f.ctx), f.requestID, status, msg, "")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		f.logger.Warn("updating request log", "request_id", f.requestID, "error", err)
	}
}
