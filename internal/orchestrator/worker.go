package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/storage"
)

// Worker claims queued runs and executes their flows, at most Concurrency at
// a time. It also re-queues failed runs whose retry is due.
type Worker struct {
	orch        *Orchestrator
	store       *storage.Store
	concurrency int
	poll        time.Duration
	active      atomic.Int64
	done        chan struct{}
	logger      *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 2s.
func NewWorker(orch *Orchestrator, concurrency int, pollInterval time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		orch:        orch,
		store:       orch.store,
		concurrency: concurrency,
		poll:        pollInterval,
		done:        make(chan struct{}, 1),
		logger:      orch.logger.With("component", "worker"),
	}
}

// Run polls for work until ctx is cancelled, then waits for in-flight flows
// to return.
func (w *Worker) Run(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	defer g.Wait()

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.RequeueDue(ctx); err != nil {
			w.logger.Error("requeueing due retries", "error", err)
		}
		if _, err := w.fill(ctx, &g); err != nil {
			w.logger.Error("claiming queued runs", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-w.orch.Wakeups():
		case <-w.done:
		case <-time.After(w.poll):
		}
	}
}

// fill claims queued runs while there is a free slot.
func (w *Worker) fill(ctx context.Context, g *errgroup.Group) (int, error) {
	started := 0
	for w.active.Load() < int64(w.concurrency) {
		next, err := w.store.NextQueuedRun(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return started, nil
		}
		if err != nil {
			return started, err
		}
		run, err := w.orch.Claim(ctx, next.ItemID)
		if errors.Is(err, storage.ErrStaleState) {
			continue
		}
		if err != nil {
			return started, err
		}

		w.active.Add(1)
		started++
		g.Go(func() error {
			defer func() {
				w.active.Add(-1)
				select {
				case w.done <- struct{}{}:
				default:
				}
			}()
			if err := w.orch.Process(ctx, run); err != nil {
				w.logger.Warn("flow ended without an outcome", "item_id", run.ItemID, "error", err)
			}
			return nil
		})
	}
	return started, nil
}

// RequeueDue moves failed runs whose retry time has passed back to queued.
func (w *Worker) RequeueDue(ctx context.Context) (int, error) {
	due, err := w.store.DueRetries(ctx, w.orch.now(), w.orch.retry.MaxRetries)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range due {
		_, err := w.orch.transition(ctx, r.ItemID, runstate.StatusQueued,
			storage.Event{Type: storage.EventRetryScheduled, Message: "retry due"},
			func(run *storage.Run) {
				run.NextRetryAt = nil
				run.CompletedAt = nil
			})
		if errors.Is(err, storage.ErrStaleState) {
			continue
		}
		if err != nil {
			return n, err
		}
		w.logger.Info("retry queued", "item_id", r.ItemID, "retry_count", r.RetryCount)
		n++
	}
	return n, nil
}
