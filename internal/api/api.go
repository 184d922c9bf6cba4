// Package api exposes the HTTP surface: the agent result webhook and the
// operator routes for queueing, triggering, cancelling and inspecting runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/invenrich/internal/bulk"
	"github.com/kalambet/invenrich/internal/orchestrator"
	"github.com/kalambet/invenrich/internal/results"
	"github.com/kalambet/invenrich/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxItemIDLength    = 128
)

// Runner is the orchestrator surface the operator routes drive.
type Runner interface {
	Trigger(ctx context.Context, itemID string, opts orchestrator.TriggerOptions) (storage.Run, error)
	Cancel(ctx context.Context, itemID, actor string) (storage.Run, error)
}

type Deps struct {
	Store       *storage.Store
	Results     *results.Service
	Bulk        *bulk.Service
	Runner      Runner
	Token       string // bearer token for operator routes; empty disables
	AgentSecret string
	Logger      *slog.Logger
}

func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.With(AgentSecret(deps.AgentSecret)).Post("/items/{itemId}/result", handleResult(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/agentic/queue", handleBulkQueue(deps))
		r.Get("/agentic/runs", handleListRuns(deps))
		r.Post("/items/{itemId}/agentic/run", handleTrigger(deps))
		r.Post("/items/{itemId}/agentic/cancel", handleCancel(deps))
		r.Get("/items/{itemId}/agentic", handleRunStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// pathItemID validates the {itemId} URL parameter.
func pathItemID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "itemId"))
	if id == "" {
		return "", errors.New("item id is required")
	}
	if len(id) > maxItemIDLength {
		return "", fmt.Errorf("item id longer than %d bytes", maxItemIDLength)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return "", errors.New("item id contains control characters")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
