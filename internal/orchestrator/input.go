package orchestrator

import (
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/kalambet/invenrich/internal/extraction"
)

// ErrMissingItemID is returned when no item id can be found in a trigger.
var ErrMissingItemID = errors.New("item id is required")

// ResolveItemID picks the item id for a trigger. The path id wins, then the
// payload keys itemId, item_id and id, then item.itemId and item.id.
// Numeric ids are accepted.
func ResolveItemID(pathID string, payload map[string]any) (string, error) {
	if id := strings.TrimSpace(pathID); id != "" {
		return id, nil
	}
	for _, key := range []string{"itemId", "item_id", "id"} {
		if id := idString(payload[key]); id != "" {
			return id, nil
		}
	}
	if item, ok := payload["item"].(map[string]any); ok {
		for _, key := range []string{"itemId", "id"} {
			if id := idString(item[key]); id != "" {
				return id, nil
			}
		}
	}
	return "", ErrMissingItemID
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	}
	return ""
}

// SearchTerm picks the search term from a trigger payload (search, then
// searchQuery, then query) and falls back to fallback. Runs of whitespace
// collapse to one space.
func SearchTerm(payload map[string]any, fallback string) string {
	for _, key := range []string{"search", "searchQuery", "query"} {
		if s, ok := payload[key].(string); ok {
			if term := collapse(s); term != "" {
				return term
			}
		}
	}
	return collapse(fallback)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripLocked clears every locked field from c so a model answer can never
// overwrite it, and returns the locks as canonical, deduplicated field names.
// Lock names that are not candidate fields are dropped.
func StripLocked(c *extraction.Candidate, locks []string) []string {
	var out []string
	for _, l := range locks {
		field, ok := extraction.CanonicalField(l)
		if !ok || slices.Contains(out, field) {
			continue
		}
		out = append(out, field)
		if c != nil {
			c.Clear(field)
		}
	}
	return out
}
