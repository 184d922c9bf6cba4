package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/kalambet/invenrich/internal/results"
	"github.com/kalambet/invenrich/internal/storage"
)

// handleResult ingests an external agent's completion report.
func handleResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID, err := pathItemID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		in, err := results.ParseInbound(body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		out, err := deps.Results.Ingest(r.Context(), itemID, in)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "item %s not found", itemID)
			return
		case errors.Is(err, results.ErrInvalidPayload):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		default:
			deps.Logger.Error("ingesting result", "item_id", itemID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store result")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"ok":          true,
			"status":      out.Status,
			"needsReview": out.NeedsReview,
		})
	}
}
