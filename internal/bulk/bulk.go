// Package bulk queues many items for enrichment in one transaction.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/storage"
)

type Mode string

const (
	ModeAll           Mode = "all"
	ModeMissing       Mode = "missing"
	ModeInstancesOnly Mode = "instancesOnly"
)

var (
	ErrInvalidMode   = errors.New("mode must be one of all, missing, instancesOnly")
	ErrActorRequired = errors.New("actor is required")
)

// ParseMode accepts the three mode names in any case. Casers are not safe
// for concurrent use, so each call builds its own.
func ParseMode(raw string) (Mode, error) {
	switch cases.Fold().String(strings.TrimSpace(raw)) {
	case "all":
		return ModeAll, nil
	case "missing":
		return ModeMissing, nil
	case "instancesonly", "instances_only", "instances-only":
		return ModeInstancesOnly, nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidMode, raw)
}

// Result is the outcome of one bulk operation.
type Result struct {
	Mode    Mode `json:"mode"`
	Total   int  `json:"total"`
	Queued  int  `json:"queued"`
	Skipped int  `json:"skipped"`
}

// Populations loads the two candidate sources.
type Populations interface {
	ListInstanceItemIDs(ctx context.Context) ([]string, error)
	ListItemIDs(ctx context.Context) ([]string, error)
}

// UnitOfWork is the transaction the queueing runs in. GetRun is the run
// lookup; only ModeMissing calls it.
type UnitOfWork interface {
	GetRun(ctx context.Context, itemID string) (storage.Run, error)
	UpsertRun(ctx context.Context, run storage.Run) error
	AppendEvent(ctx context.Context, ev storage.Event) error
	Commit() error
	Rollback() error
}

// Store is what the service needs from persistence.
type Store interface {
	Populations
	Begin(ctx context.Context) (UnitOfWork, error)
}

type sqliteStore struct {
	*storage.Store
}

func (s sqliteStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

type Service struct {
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	onQueued func()
}

func NewService(store *storage.Store, logger *slog.Logger) *Service {
	return newService(sqliteStore{store}, logger)
}

// OnQueued registers fn to run after a committed batch queued at least one
// item. The daemon uses it to wake the worker.
func (s *Service) OnQueued(fn func()) {
	s.onQueued = fn
}

func newService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "bulk"), now: time.Now}
}

// Queue moves every candidate selected by mode to queued, appending one
// AgenticSearchQueued event per queued item. Populations are loaded before
// the transaction starts; any write failure rolls back the whole batch.
func (s *Service) Queue(ctx context.Context, mode Mode, actor string) (Result, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Result{}, ErrActorRequired
	}
	mode, err := ParseMode(string(mode))
	if err != nil {
		return Result{}, err
	}

	instanceIDs, err := s.store.ListInstanceItemIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading instance items: %w", err)
	}
	referenceIDs, err := s.store.ListItemIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading reference items: %w", err)
	}
	candidates := BuildCandidates(instanceIDs, referenceIDs)
	res := Result{Mode: mode, Total: len(candidates)}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := s.now()
	for _, c := range candidates {
		skip, err := s.skip(ctx, tx, mode, c)
		if err != nil {
			return Result{}, err
		}
		if skip {
			res.Skipped++
			continue
		}
		if err := tx.UpsertRun(ctx, storage.Run{
			ItemID:       c.ItemID,
			Status:       runstate.StatusQueued,
			LastModified: now,
		}); err != nil {
			return Result{}, fmt.Errorf("queueing %s: %w", c.ItemID, err)
		}
		if err := tx.AppendEvent(ctx, storage.Event{
			ItemID:    c.ItemID,
			Type:      storage.EventSearchQueued,
			Actor:     actor,
			Message:   fmt.Sprintf("bulk queue mode=%s", mode),
			CreatedAt: now,
		}); err != nil {
			return Result{}, fmt.Errorf("queueing %s: %w", c.ItemID, err)
		}
		res.Queued++
	}

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	s.logger.Info("bulk queue committed", "mode", mode, "actor", actor, "total", res.Total, "queued", res.Queued, "skipped", res.Skipped)
	if res.Queued > 0 && s.onQueued != nil {
		s.onQueued()
	}
	return res, nil
}

func (s *Service) skip(ctx context.Context, tx UnitOfWork, mode Mode, c Candidate) (bool, error) {
	switch mode {
	case ModeInstancesOnly:
		return c.ReferenceOnly, nil
	case ModeMissing:
		_, err := tx.GetRun(ctx, c.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("looking up run for %s: %w", c.ItemID, err)
		}
		return true, nil
	default:
		return false, nil
	}
}
