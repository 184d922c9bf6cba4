package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/invenrich/internal/bulk"
	"github.com/kalambet/invenrich/internal/dispatch"
	"github.com/kalambet/invenrich/internal/extraction"
	"github.com/kalambet/invenrich/internal/prompts"
	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/search"
	"github.com/kalambet/invenrich/internal/storage"
)

type extractorFunc func(ctx context.Context, req extraction.Request) (extraction.Result, error)

func (f extractorFunc) Run(ctx context.Context, req extraction.Request) (extraction.Result, error) {
	return f(ctx, req)
}

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []dispatch.Payload
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _, _ string, p dispatch.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

type fakeShortcut struct {
	cand extraction.Candidate
}

func (f fakeShortcut) Resolve(context.Context, extraction.Target) (extraction.Candidate, bool, error) {
	return f.cand, true, nil
}

type harness struct {
	store *storage.Store
	orch  *Orchestrator
	disp  *recordingDispatcher
	calls atomic.Int32
}

func newHarness(t *testing.T, ext Extractor, mutate func(*Deps)) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	if _, err := prompts.InstallDefaults(dir, false); err != nil {
		t.Fatal(err)
	}
	h := &harness{store: s, disp: &recordingDispatcher{}}
	if ext == nil {
		ext = extractorFunc(func(context.Context, extraction.Request) (extraction.Result, error) {
			return extraction.Result{Success: true, Attempts: 1, Verdict: "PASS"}, nil
		})
	}
	counted := extractorFunc(func(ctx context.Context, req extraction.Request) (extraction.Result, error) {
		h.calls.Add(1)
		return ext.Run(ctx, req)
	})
	deps := Deps{
		Store:      s,
		Prompts:    prompts.Loader{Dir: dir},
		Extractor:  counted,
		Dispatcher: h.disp,
		Retry:      RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxRetries: 2},
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.orch = New(deps)

	if err := s.SaveItem(context.Background(), storage.Item{
		ItemID: "A-1", Description: "Acme  cordless drill", LockedFields: []string{"description"},
	}); err != nil {
		t.Fatal(err)
	}
	return h
}

// claimed triggers and claims A-1, returning the running run.
func (h *harness) claimed(t *testing.T) storage.Run {
	t.Helper()
	ctx := context.Background()
	if _, err := h.orch.Trigger(ctx, "A-1", TriggerOptions{Actor: "ops"}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	run, err := h.orch.Claim(ctx, "A-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return run
}

func (h *harness) run(t *testing.T) storage.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), "A-1")
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestTrigger(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	run, err := h.orch.Trigger(ctx, "A-1", TriggerOptions{Search: " acme  drill ", Actor: "ops"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if run.Status != runstate.StatusQueued || run.SearchQuery != "acme drill" {
		t.Errorf("run = %+v", run)
	}
	if n, _ := h.store.CountEvents(ctx, "A-1", storage.EventSearchQueued); n != 1 {
		t.Errorf("queued events = %d", n)
	}

	if _, err := h.orch.Trigger(ctx, "A-1", TriggerOptions{}); !errors.Is(err, ErrRunActive) {
		t.Errorf("second trigger err = %v, want ErrRunActive", err)
	}
	if _, err := h.orch.Trigger(ctx, "nope", TriggerOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown item err = %v, want ErrNotFound", err)
	}
	select {
	case <-h.orch.Wakeups():
	default:
		t.Error("trigger did not wake the worker")
	}
}

func TestTrigger_RestartResetsRetries(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	h.store.UpsertRun(ctx, storage.Run{ItemID: "A-1", Status: runstate.StatusFailed, RetryCount: 2, NextRetryAt: &next, LastError: "x"})

	run, err := h.orch.Trigger(ctx, "A-1", TriggerOptions{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if run.Status != runstate.StatusQueued || run.RetryCount != 0 || run.NextRetryAt != nil || run.LastError != "" {
		t.Errorf("run = %+v", run)
	}
}

func TestProcess_PassGoesToReview(t *testing.T) {
	var got extraction.Request
	h := newHarness(t, extractorFunc(func(_ context.Context, req extraction.Request) (extraction.Result, error) {
		got = req
		return extraction.Result{
			Success:   true,
			Attempts:  2,
			Verdict:   "PASS",
			Candidate: extraction.Candidate{Description: "overwrite attempt", ShortText: "18V drill"},
			Sources:   []search.Source{{Title: "t", URL: "u"}},
		}, nil
	}), nil)

	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got.SearchQuery != "Acme cordless drill" {
		t.Errorf("search query = %q, want item description", got.SearchQuery)
	}
	if len(got.Locked) != 1 || got.Locked[0] != "description" {
		t.Errorf("locked = %v", got.Locked)
	}

	run := h.run(t)
	if run.Status != runstate.StatusReview || run.CompletedAt == nil || run.ReviewState != "pending" {
		t.Errorf("run = %+v", run)
	}
	if h.disp.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", h.disp.count())
	}
	p := h.disp.payloads[0]
	if !p.Success || !p.NeedsReview || p.Item == nil {
		t.Fatalf("payload = %+v", p)
	}
	if p.Item.Description != "" || p.Item.ShortText != "18V drill" {
		t.Errorf("locked field leaked into payload: %+v", p.Item)
	}
	if n, _ := h.store.CountEvents(context.Background(), "A-1", storage.EventRunCompleted); n != 1 {
		t.Errorf("completed events = %d", n)
	}
}

func TestProcess_AutoApprove(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps) { d.AutoApprove = true })
	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatal(err)
	}
	if run := h.run(t); run.Status != runstate.StatusApproved {
		t.Errorf("status = %s, want approved", run.Status)
	}
}

func TestProcess_LocalFailureNoRetry(t *testing.T) {
	h := newHarness(t, extractorFunc(func(context.Context, extraction.Request) (extraction.Result, error) {
		return extraction.Result{Success: false, Attempts: 3, Verdict: "FAIL: no weight"}, nil
	}), nil)

	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatal(err)
	}
	run := h.run(t)
	if run.Status != runstate.StatusFailed || run.LastError != "FAIL: no weight" || run.NextRetryAt != nil || run.RetryCount != 0 {
		t.Errorf("run = %+v", run)
	}
	if h.disp.count() != 1 || h.disp.payloads[0].Success {
		t.Errorf("dispatch = %+v", h.disp.payloads)
	}
}

func TestProcess_InvocationErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t, extractorFunc(func(context.Context, extraction.Request) (extraction.Result, error) {
		return extraction.Result{}, &extraction.InvocationError{Stage: "extract", Err: errors.New("connection refused")}
	}), nil)
	before := time.Now()

	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatal(err)
	}
	run := h.run(t)
	if run.Status != runstate.StatusFailed || run.RetryCount != 1 || run.NextRetryAt == nil {
		t.Fatalf("run = %+v", run)
	}
	if run.NextRetryAt.Before(before.Add(time.Minute - time.Second)) {
		t.Errorf("NextRetryAt = %s, want about a minute out", run.NextRetryAt)
	}
	if !strings.Contains(run.LastError, "connection refused") {
		t.Errorf("LastError = %q", run.LastError)
	}
	if h.disp.count() != 0 {
		t.Error("invocation failure was dispatched")
	}
}

func TestProcess_PromptLoadFailure(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps) { d.Prompts = prompts.Loader{Dir: t.TempDir()} })

	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatal(err)
	}
	if n := h.calls.Load(); n != 0 {
		t.Errorf("extractor called %d times after prompt failure", n)
	}
	run := h.run(t)
	if run.Status != runstate.StatusFailed || run.NextRetryAt != nil || !strings.Contains(run.LastError, "prompt load failed") {
		t.Errorf("run = %+v", run)
	}
}

func TestProcess_ShortcutSkipsExtraction(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps) {
		d.Shortcut = fakeShortcut{cand: extraction.Candidate{Description: "Catalog Drill", Manufacturer: "Acme"}}
	})

	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatal(err)
	}
	if n := h.calls.Load(); n != 0 {
		t.Errorf("extractor called %d times despite shortcut", n)
	}
	if h.disp.count() != 1 || !h.disp.payloads[0].Shortcut {
		t.Fatalf("payloads = %+v", h.disp.payloads)
	}
	if p := h.disp.payloads[0]; p.Item.Description != "" || p.Item.Manufacturer != "Acme" {
		t.Errorf("item = %+v", p.Item)
	}
}

func TestProcess_CancelStopsFlow(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, extractorFunc(func(ctx context.Context, req extraction.Request) (extraction.Result, error) {
		close(started)
		<-ctx.Done()
		return extraction.Result{}, context.Cause(ctx)
	}), nil)
	run := h.claimed(t)

	errc := make(chan error, 1)
	go func() { errc <- h.orch.Process(context.Background(), run) }()
	<-started

	if _, err := h.orch.Cancel(context.Background(), "A-1", "ops"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not stop after cancel")
	}

	if got := h.run(t); got.Status != runstate.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if h.disp.count() != 0 {
		t.Error("cancelled flow dispatched")
	}
	if h.orch.InFlight() != 0 {
		t.Errorf("in flight = %d after flow returned", h.orch.InFlight())
	}
}

func TestProcess_PersistedStatusCheckpoint(t *testing.T) {
	var h *harness
	h = newHarness(t, extractorFunc(func(ctx context.Context, req extraction.Request) (extraction.Result, error) {
		// Another writer moves the run on between rounds.
		if err := h.store.UpsertRun(ctx, storage.Run{ItemID: "A-1", Status: runstate.StatusCancelled}); err != nil {
			return extraction.Result{}, err
		}
		return extraction.Result{}, req.Checkpoint(ctx)
	}), nil)

	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := h.run(t); got.Status != runstate.StatusCancelled {
		t.Errorf("status = %s, want cancelled left alone", got.Status)
	}
	if h.disp.count() != 0 {
		t.Error("flow dispatched after cancellation")
	}
}

func TestCancel_InactiveRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.UpsertRun(context.Background(), storage.Run{ItemID: "A-1", Status: runstate.StatusApproved})
	if _, err := h.orch.Cancel(context.Background(), "A-1", "ops"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestResume(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.store.UpsertRun(ctx, storage.Run{ItemID: "A-1", Status: runstate.StatusRunning})
	h.store.UpsertRun(ctx, storage.Run{ItemID: "B-2", Status: runstate.StatusRunning, RetryCount: 2})

	n, err := h.orch.Resume(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	a := h.run(t)
	if a.Status != runstate.StatusFailed || a.LastError != restartReason || a.NextRetryAt == nil {
		t.Errorf("A-1 = %+v", a)
	}
	b, _ := h.store.GetRun(ctx, "B-2")
	if b.Status != runstate.StatusFailed || b.NextRetryAt != nil {
		t.Errorf("B-2 past its budget = %+v", b)
	}
	if c, _ := h.store.CountEvents(ctx, "", storage.EventRunRecovered); c != 2 {
		t.Errorf("recovered events = %d", c)
	}

	w := NewWorker(h.orch, 1, time.Hour)
	if q, err := w.RequeueDue(ctx); err != nil || q != 1 {
		t.Fatalf("RequeueDue = %d, %v", q, err)
	}
	if a := h.run(t); a.Status != runstate.StatusQueued || a.NextRetryAt != nil {
		t.Errorf("A-1 after requeue = %+v", a)
	}
}

func TestWorker_RunsQueuedItems(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := h.orch.Trigger(ctx, "A-1", TriggerOptions{Actor: "ops"}); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(h.orch, 2, 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := h.store.GetRun(context.Background(), "A-1")
		if err == nil && run.Status == runstate.StatusReview {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached review: %+v", run)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if h.disp.count() != 1 {
		t.Errorf("dispatches = %d, want 1", h.disp.count())
	}
	if n, _ := h.store.CountEvents(context.Background(), "A-1", storage.EventRunStarted); n != 1 {
		t.Errorf("started events = %d", n)
	}
}

// overlapTracker records how many extractor invocations run at once.
type overlapTracker struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (o *overlapTracker) enter() {
	o.mu.Lock()
	o.active++
	if o.active > o.peak {
		o.peak = o.active
	}
	o.mu.Unlock()
}

func (o *overlapTracker) leave() {
	o.mu.Lock()
	o.active--
	o.mu.Unlock()
}

func (o *overlapTracker) max() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peak
}

// requeueAndClaim re-queues A-1 with a bulk "all" pass while its first flow
// is still inside the extractor, then claims it again.
func requeueAndClaim(t *testing.T, h *harness, first storage.Run) storage.Run {
	t.Helper()
	ctx := context.Background()
	res, err := bulk.NewService(h.store, nil).Queue(ctx, bulk.ModeAll, "ops")
	if err != nil {
		t.Fatalf("bulk Queue: %v", err)
	}
	if res.Queued != 1 {
		t.Fatalf("bulk result = %+v, want 1 queued", res)
	}
	second, err := h.orch.Claim(ctx, "A-1")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if second.ClaimID == "" || second.ClaimID == first.ClaimID {
		t.Fatalf("claims = %q then %q, want two distinct ids", first.ClaimID, second.ClaimID)
	}
	return second
}

func TestProcess_RequeueWhileRunningKeepsOneFlow(t *testing.T) {
	var overlap overlapTracker
	var n atomic.Int32
	firstStarted := make(chan struct{})
	h := newHarness(t, extractorFunc(func(ctx context.Context, req extraction.Request) (extraction.Result, error) {
		overlap.enter()
		defer overlap.leave()
		if n.Add(1) == 1 {
			close(firstStarted)
			<-ctx.Done()
			return extraction.Result{}, context.Cause(ctx)
		}
		return extraction.Result{Success: true, Attempts: 1, Verdict: "PASS"}, nil
	}), nil)
	ctx := context.Background()

	first := h.claimed(t)
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.orch.Process(ctx, first) }()
	<-firstStarted

	second := requeueAndClaim(t, h, first)
	if err := h.orch.Process(ctx, second); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	select {
	case err := <-firstDone:
		if err != nil {
			t.Errorf("first Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded flow never returned")
	}

	if got := overlap.max(); got != 1 {
		t.Errorf("concurrent extractor invocations = %d, want 1", got)
	}
	if got := h.disp.count(); got != 1 {
		t.Errorf("dispatches = %d, want 1", got)
	}
	run := h.run(t)
	if run.Status != runstate.StatusReview || run.ClaimID != second.ClaimID {
		t.Errorf("run = %+v, want review under the second claim", run)
	}
	if c, _ := h.store.CountEvents(ctx, "A-1", storage.EventRunCompleted); c != 1 {
		t.Errorf("completed events = %d, want 1", c)
	}
	if h.orch.InFlight() != 0 {
		t.Errorf("in flight = %d after both flows returned", h.orch.InFlight())
	}
}

func TestCancel_ReachesFlowAfterRequeue(t *testing.T) {
	var n atomic.Int32
	firstStarted := make(chan struct{})
	secondStarted := make(chan struct{})
	h := newHarness(t, extractorFunc(func(ctx context.Context, req extraction.Request) (extraction.Result, error) {
		if n.Add(1) == 1 {
			close(firstStarted)
		} else {
			close(secondStarted)
		}
		<-ctx.Done()
		return extraction.Result{}, context.Cause(ctx)
	}), nil)
	ctx := context.Background()

	first := h.claimed(t)
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.orch.Process(ctx, first) }()
	<-firstStarted

	second := requeueAndClaim(t, h, first)
	secondDone := make(chan error, 1)
	go func() { secondDone <- h.orch.Process(ctx, second) }()

	select {
	case <-secondStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("second flow never reached the extractor")
	}
	// The first flow has returned by now; its cleanup must not have
	// dropped the second flow from the registry.
	if err := <-firstDone; err != nil {
		t.Errorf("first Process: %v", err)
	}
	if h.orch.InFlight() != 1 {
		t.Fatalf("in flight = %d, want the second flow registered", h.orch.InFlight())
	}

	if _, err := h.orch.Cancel(ctx, "A-1", "ops"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-secondDone:
		if err != nil {
			t.Errorf("second Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not reach the live flow")
	}

	if got := h.run(t); got.Status != runstate.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if h.disp.count() != 0 {
		t.Errorf("dispatches = %d, want 0", h.disp.count())
	}
	if h.orch.InFlight() != 0 {
		t.Errorf("in flight = %d after cancel", h.orch.InFlight())
	}
}

func TestProcess_StaleClaimCannotComplete(t *testing.T) {
	var h *harness
	h = newHarness(t, extractorFunc(func(ctx context.Context, req extraction.Request) (extraction.Result, error) {
		// The run is re-queued and claimed again after the last checkpoint.
		if err := h.store.UpsertRun(ctx, storage.Run{ItemID: "A-1", Status: runstate.StatusQueued}); err != nil {
			return extraction.Result{}, err
		}
		if _, err := h.store.TransitionRun(ctx, "A-1", runstate.StatusRunning, func(r *storage.Run) { r.ClaimID = "newer" }); err != nil {
			return extraction.Result{}, err
		}
		return extraction.Result{Success: true, Attempts: 1, Verdict: "PASS"}, nil
	}), nil)

	if err := h.orch.Process(context.Background(), h.claimed(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	run := h.run(t)
	if run.Status != runstate.StatusRunning || run.ClaimID != "newer" {
		t.Errorf("run = %+v, want it left to the newer claim", run)
	}
	if h.disp.count() != 0 {
		t.Errorf("stale flow dispatched %d payloads", h.disp.count())
	}
}

func TestWake(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.orch.Wake()
	h.orch.Wake()
	select {
	case <-h.orch.Wakeups():
	default:
		t.Fatal("Wake did not signal the worker")
	}
	select {
	case <-h.orch.Wakeups():
		t.Error("repeated wakes queued more than one signal")
	default:
	}
}
