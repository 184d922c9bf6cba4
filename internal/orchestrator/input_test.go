package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/invenrich/internal/extraction"
)

func TestResolveItemID(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		payload map[string]any
		want    string
	}{
		{"path wins", "P-1", map[string]any{"itemId": "X"}, "P-1"},
		{"itemId", "", map[string]any{"itemId": "A", "item_id": "B", "id": "C"}, "A"},
		{"item_id", "", map[string]any{"item_id": "B", "id": "C"}, "B"},
		{"id", "", map[string]any{"id": "C", "item": map[string]any{"itemId": "D"}}, "C"},
		{"nested itemId", "", map[string]any{"item": map[string]any{"itemId": "D", "id": "E"}}, "D"},
		{"nested id", "", map[string]any{"item": map[string]any{"id": "E"}}, "E"},
		{"number", "", map[string]any{"itemId": float64(4711)}, "4711"},
		{"blank skipped", "  ", map[string]any{"itemId": "  ", "id": "F"}, "F"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveItemID(tt.path, tt.payload)
			if err != nil || got != tt.want {
				t.Errorf("ResolveItemID = %q, %v; want %q", got, err, tt.want)
			}
		})
	}

	if _, err := ResolveItemID("", map[string]any{"itemId": true}); !errors.Is(err, ErrMissingItemID) {
		t.Errorf("err = %v, want ErrMissingItemID", err)
	}
	if _, err := ResolveItemID("", nil); !errors.Is(err, ErrMissingItemID) {
		t.Errorf("nil payload err = %v", err)
	}
}

func TestSearchTerm(t *testing.T) {
	if got := SearchTerm(map[string]any{"search": "  acme \n drill ", "query": "x"}, "fb"); got != "acme drill" {
		t.Errorf("search = %q", got)
	}
	if got := SearchTerm(map[string]any{"search": " ", "searchQuery": "b", "query": "c"}, "fb"); got != "b" {
		t.Errorf("searchQuery = %q", got)
	}
	if got := SearchTerm(map[string]any{"query": "c"}, "fb"); got != "c" {
		t.Errorf("query = %q", got)
	}
	if got := SearchTerm(nil, " Acme   Drill "); got != "Acme Drill" {
		t.Errorf("fallback = %q", got)
	}
}

func TestStripLocked(t *testing.T) {
	price := 10.0
	c := extraction.Candidate{Description: "new", Price: &price, ShortText: "s"}
	locks := StripLocked(&c, []string{"Description", "description", "price", "category"})
	if len(locks) != 2 || locks[0] != extraction.FieldDescription || locks[1] != extraction.FieldPrice {
		t.Errorf("locks = %v", locks)
	}
	if c.Description != "" || c.Price != nil || c.ShortText != "s" {
		t.Errorf("candidate = %+v", c)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 90 * time.Second, MaxRetries: 3}
	for n, want := range map[int]time.Duration{0: 30 * time.Second, 1: 30 * time.Second, 2: time.Minute, 3: 90 * time.Second, 10: 90 * time.Second} {
		if got := p.Delay(n); got != want {
			t.Errorf("Delay(%d) = %s, want %s", n, got, want)
		}
	}
	now := time.Now()
	if at := p.Next(now, 3); at == nil || !at.Equal(now.Add(90*time.Second)) {
		t.Errorf("Next(3) = %v", at)
	}
	if at := p.Next(now, 4); at != nil {
		t.Errorf("Next(4) = %v, want nil", at)
	}
}
