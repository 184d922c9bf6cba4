package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/storage"
)

const restartReason = "interrupted by process restart"

// Resume reconciles runs left in running by a previous process. Each one is
// marked failed with a restart reason and, while its retry budget lasts,
// scheduled for an immediate retry so the worker runs it again from the
// start. It must run before the worker starts.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	stuck, err := o.store.ListRuns(ctx, storage.RunFilter{Statuses: []runstate.Status{runstate.StatusRunning}})
	if err != nil {
		return 0, fmt.Errorf("listing running runs: %w", err)
	}

	recovered := 0
	for _, r := range stuck {
		now := o.now()
		run, err := o.transition(ctx, r.ItemID, runstate.StatusFailed,
			storage.Event{Type: storage.EventRunRecovered, Message: restartReason},
			func(run *storage.Run) {
				run.LastError = restartReason
				run.RetryCount++
				run.CompletedAt = &now
				run.NextRetryAt = nil
				if run.RetryCount <= o.retry.MaxRetries {
					run.NextRetryAt = &now
				}
			})
		if errors.Is(err, storage.ErrStaleState) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recovering %s: %w", r.ItemID, err)
		}
		o.logger.Warn("recovered interrupted run", "item_id", r.ItemID, "retry_scheduled", run.NextRetryAt != nil)
		recovered++
	}
	return recovered, nil
}
