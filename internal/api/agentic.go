package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/invenrich/internal/bulk"
	"github.com/kalambet/invenrich/internal/orchestrator"
	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/storage"
)

func handleBulkQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if strings.TrimSpace(q.Get("mode")) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "mode is required")
			return
		}
		mode, err := bulk.ParseMode(q.Get("mode"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Bulk.Queue(r.Context(), mode, q.Get("actor"))
		switch {
		case err == nil:
		case errors.Is(err, bulk.ErrActorRequired), errors.Is(err, bulk.ErrInvalidMode):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		default:
			deps.Logger.Error("bulk queue failed", "mode", mode, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "bulk queue failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"mode":    res.Mode,
			"total":   res.Total,
			"queued":  res.Queued,
			"skipped": res.Skipped,
		})
	}
}

func handleTrigger(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		payload := map[string]any{}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		itemID, err := orchestrator.ResolveItemID(chi.URLParam(r, "itemId"), payload)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		actor, _ := payload["actor"].(string)
		if actor == "" {
			actor = r.URL.Query().Get("actor")
		}

		run, err := deps.Runner.Trigger(r.Context(), itemID, orchestrator.TriggerOptions{
			Search: orchestrator.SearchTerm(payload, ""),
			Actor:  strings.TrimSpace(actor),
		})
		if err != nil {
			writeRunError(w, deps, itemID, "trigger", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "run": newRunView(run)})
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID, err := pathItemID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		run, err := deps.Runner.Cancel(r.Context(), itemID, strings.TrimSpace(r.URL.Query().Get("actor")))
		if err != nil {
			writeRunError(w, deps, itemID, "cancel", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": newRunView(run)})
	}
}

func writeRunError(w http.ResponseWriter, deps Deps, itemID, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "item %s not found", itemID)
	case errors.Is(err, orchestrator.ErrRunActive),
		errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrStaleState):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	default:
		deps.Logger.Error("run "+op+" failed", "item_id", itemID, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s failed", op)
	}
}

func handleRunStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID, err := pathItemID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		run, err := deps.Store.GetRun(r.Context(), itemID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no run for item %s", itemID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load run: %v", err)
			return
		}
		limit := 20
		if v, err := strconv.Atoi(r.URL.Query().Get("events")); err == nil && v > 0 {
			limit = v
		}
		events, err := deps.Store.ListEvents(r.Context(), itemID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load events: %v", err)
			return
		}

		views := make([]eventView, 0, len(events))
		for _, ev := range events {
			views = append(views, newEventView(ev))
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": newRunView(run), "events": views})
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f storage.RunFilter
		for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			s, ok := runstate.Lookup(raw)
			if !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", raw)
				return
			}
			f.Statuses = append(f.Statuses, s)
		}
		f.Limit = 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			f.Limit = n
		}

		runs, err := deps.Store.ListRuns(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		views := make([]runView, 0, len(runs))
		for _, run := range runs {
			views = append(views, newRunView(run))
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": views})
	}
}

type runView struct {
	ItemID             string                 `json:"itemId"`
	Status             runstate.Status        `json:"status"`
	SearchQuery        string                 `json:"searchQuery,omitempty"`
	ReviewState        string                 `json:"reviewState,omitempty"`
	ReviewedBy         string                 `json:"reviewedBy,omitempty"`
	ReviewedAt         *time.Time             `json:"reviewedAt,omitempty"`
	LastReviewDecision string                 `json:"lastReviewDecision,omitempty"`
	LastReviewNotes    string                 `json:"lastReviewNotes,omitempty"`
	ReviewSignal       *runstate.ReviewSignal `json:"reviewSignal,omitempty"`
	RetryCount         int                    `json:"retryCount"`
	NextRetryAt        *time.Time             `json:"nextRetryAt,omitempty"`
	LastError          string                 `json:"lastError,omitempty"`
	LastAttemptAt      *time.Time             `json:"lastAttemptAt,omitempty"`
	StartedAt          *time.Time             `json:"startedAt,omitempty"`
	CompletedAt        *time.Time             `json:"completedAt,omitempty"`
	LastModified       time.Time              `json:"lastModified"`
}

func newRunView(r storage.Run) runView {
	return runView{
		ItemID:             r.ItemID,
		Status:             r.Status,
		SearchQuery:        r.SearchQuery,
		ReviewState:        r.ReviewState,
		ReviewedBy:         r.ReviewedBy,
		ReviewedAt:         r.ReviewedAt,
		LastReviewDecision: r.LastReviewDecision,
		LastReviewNotes:    r.LastReviewNotes,
		ReviewSignal:       r.ReviewSignal,
		RetryCount:         r.RetryCount,
		NextRetryAt:        r.NextRetryAt,
		LastError:          r.LastError,
		LastAttemptAt:      r.LastAttemptAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		LastModified:       r.LastModified,
	}
}

type eventView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func newEventView(ev storage.Event) eventView {
	v := eventView{ID: ev.ID, Type: ev.Type, Actor: ev.Actor, Message: ev.Message, CreatedAt: ev.CreatedAt}
	if json.Valid([]byte(ev.PayloadJSON)) {
		v.Payload = json.RawMessage(ev.PayloadJSON)
	}
	return v
}
