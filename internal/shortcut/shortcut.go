// Package shortcut resolves an item against an external product catalog so
// the search and extraction stages can be skipped when the catalog already
// knows the item.
package shortcut

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/invenrich/internal/extraction"
)

// Resolver looks an item up in a catalog. ok is false when the catalog has
// no confident match; that is not an error.
type Resolver interface {
	Resolve(ctx context.Context, target extraction.Target) (cand extraction.Candidate, ok bool, err error)
}

// New returns an HTTP resolver for catalogURL, or a resolver that never
// matches when catalogURL is empty.
func New(catalogURL string, timeout time.Duration) Resolver {
	catalogURL = strings.TrimSpace(catalogURL)
	if catalogURL == "" {
		return noopResolver{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResolver{
		endpoint: catalogURL,
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether r can ever produce a match.
func Enabled(r Resolver) bool {
	if r == nil {
		return false
	}
	_, noop := r.(noopResolver)
	return !noop
}

type noopResolver struct{}

func (noopResolver) Resolve(context.Context, extraction.Target) (extraction.Candidate, bool, error) {
	return extraction.Candidate{}, false, nil
}

// HTTPResolver queries a catalog lookup endpoint:
//
//	GET {endpoint}?item_id=..&description=..&manufacturer=..
//
// A 404 or {"match": false} is a miss. A hit carries the candidate record
// under "candidate".
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

type lookupResponse struct {
	Match     bool            `json:"match"`
	Candidate json.RawMessage `json:"candidate"`
}

func (h *HTTPResolver) Resolve(ctx context.Context, target extraction.Target) (extraction.Candidate, bool, error) {
	u, err := url.Parse(h.endpoint)
	if err != nil {
		return extraction.Candidate{}, false, fmt.Errorf("parsing catalog url: %w", err)
	}
	q := u.Query()
	q.Set("item_id", target.ItemID)
	if target.Description != "" {
		q.Set("description", target.Description)
	}
	if target.Manufacturer != "" {
		q.Set("manufacturer", target.Manufacturer)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return extraction.Candidate{}, false, fmt.Errorf("creating catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return extraction.Candidate{}, false, fmt.Errorf("catalog lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return extraction.Candidate{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return extraction.Candidate{}, false, fmt.Errorf("catalog lookup returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return extraction.Candidate{}, false, fmt.Errorf("decoding catalog response: %w", err)
	}
	if !lr.Match || len(lr.Candidate) == 0 {
		return extraction.Candidate{}, false, nil
	}
	cand, err := extraction.ParseCandidate(string(lr.Candidate))
	if err != nil {
		return extraction.Candidate{}, false, fmt.Errorf("catalog candidate: %w", err)
	}
	if cand.Empty() {
		return extraction.Candidate{}, false, nil
	}
	return cand, true, nil
}
