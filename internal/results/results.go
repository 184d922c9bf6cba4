// Package results merges an external agent's completion report into the
// item snapshot and its run, as one unit of work.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/invenrich/internal/extraction"
	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/storage"
)

const defaultActor = "agent"

// Outcome summarises what Ingest wrote.
type Outcome struct {
	ItemID      string
	Status      runstate.Status
	NeedsReview bool
}

type Service struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store *storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "results"), now: time.Now}
}

// Ingest applies in to itemID. The item must exist: an unknown id returns
// storage.ErrNotFound before anything is written. The item merge, the run
// upsert and the audit event commit together.
func (s *Service) Ingest(ctx context.Context, itemID string, in Inbound) (Outcome, error) {
	p, err := itemPatch(in.Item)
	if err != nil {
		return Outcome{}, err
	}
	status := runstate.Normalize(in.Status)
	needsReview := status.NeedsReview() || (in.NeedsReview != nil && *in.NeedsReview)
	now := s.now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	item, err := tx.GetItem(ctx, itemID)
	if err != nil {
		return Outcome{}, err
	}
	mergeItem(&item, p)
	item.UpdatedAt = now
	if err := tx.SaveItem(ctx, item); err != nil {
		return Outcome{}, err
	}

	existing, err := tx.GetRun(ctx, itemID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, err
	}
	run := mergeRun(existing, itemID, status, needsReview, in, now)
	if err := tx.UpsertRun(ctx, run); err != nil {
		return Outcome{}, err
	}

	actor := strings.TrimSpace(in.Actor)
	if actor == "" {
		actor = defaultActor
	}
	payload, _ := json.Marshal(map[string]any{"summary": in.Summary, "reviewDecision": in.ReviewDecision})
	if err := tx.AppendEvent(ctx, storage.Event{
		ItemID:      itemID,
		Type:        storage.EventResultReceived,
		Actor:       actor,
		Message:     fmt.Sprintf("status=%s needsReview=%t error=%s", status, needsReview, strings.TrimSpace(in.Error)),
		PayloadJSON: string(payload),
		CreatedAt:   now,
	}); err != nil {
		return Outcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	s.logger.Info("result ingested", "item_id", itemID, "status", status, "needs_review", needsReview)
	return Outcome{ItemID: itemID, Status: status, NeedsReview: needsReview}, nil
}

// mergeItem overwrites the fields p defines. Locked fields keep their value.
func mergeItem(it *storage.Item, p patch) {
	locked := func(field string) bool {
		return slices.ContainsFunc(it.LockedFields, func(l string) bool {
			c, ok := extraction.CanonicalField(l)
			return ok && c == field
		})
	}
	for field, v := range p.text {
		if locked(field) {
			continue
		}
		switch field {
		case extraction.FieldDescription:
			it.Description = v
		case extraction.FieldShortText:
			it.ShortText = v
		case extraction.FieldLongText:
			it.LongText = v
		case extraction.FieldManufacturer:
			it.Manufacturer = v
		}
	}
	for field, v := range p.num {
		if locked(field) {
			continue
		}
		switch field {
		case extraction.FieldPrice:
			it.Price = &v
		case extraction.FieldLengthMM:
			it.LengthMM = &v
		case extraction.FieldWidthMM:
			it.WidthMM = &v
		case extraction.FieldHeightMM:
			it.HeightMM = &v
		case extraction.FieldWeightKG:
			it.WeightKG = &v
		}
	}
}

// mergeRun builds the run row from the report, carrying forward the search
// query and review fields the report leaves out.
func mergeRun(prev storage.Run, itemID string, status runstate.Status, needsReview bool, in Inbound, now time.Time) storage.Run {
	run := prev
	run.ItemID = itemID
	run.Status = status
	run.LastModified = now
	run.LastError = strings.TrimSpace(in.Error)

	if in.SearchQuery != nil && strings.TrimSpace(*in.SearchQuery) != "" {
		run.SearchQuery = strings.TrimSpace(*in.SearchQuery)
	}
	if in.StartedAt != nil {
		run.StartedAt = in.StartedAt
	}
	if d := strings.TrimSpace(in.ReviewDecision); d != "" {
		run.LastReviewDecision = d
	}
	if n := strings.TrimSpace(in.ReviewNotes); n != "" {
		run.LastReviewNotes = n
	}
	if by := strings.TrimSpace(in.ReviewedBy); by != "" {
		run.ReviewedBy = by
	}
	if in.ReviewedAt != nil {
		run.ReviewedAt = in.ReviewedAt
	}
	if len(in.ReviewSignal) > 0 && string(in.ReviewSignal) != "null" {
		sig := runstate.NormalizeReviewSignal(in.ReviewSignal)
		run.ReviewSignal = &sig
	}

	switch {
	case needsReview:
		run.ReviewState = "pending"
		run.ReviewedBy = ""
		run.ReviewedAt = nil
	case strings.TrimSpace(in.ReviewDecision) != "" || strings.TrimSpace(in.ReviewedBy) != "":
		run.ReviewState = "reviewed"
		if run.ReviewedAt == nil {
			run.ReviewedAt = &now
		}
	}

	if status.IsTerminalLike() {
		run.CompletedAt = &now
	} else {
		run.CompletedAt = nil
	}
	if status != runstate.StatusFailed {
		run.NextRetryAt = nil
	}
	return run
}
