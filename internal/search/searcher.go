package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Source is one search hit.
type Source struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// ToolCaller is the part of Client the Searcher needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// Searcher runs web searches through the subprocess, one limiter slot per
// call.
type Searcher struct {
	client  ToolCaller
	limiter *Limiter
	tool    string
	limit   int
	logger  *slog.Logger
}

// NewSearcher returns a Searcher calling tool with at most limit results per
// query.
func NewSearcher(client ToolCaller, limiter *Limiter, tool string, limit int, logger *slog.Logger) *Searcher {
	if limiter == nil {
		limiter = NewLimiter(1)
	}
	if tool == "" {
		tool = "web_search"
	}
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{client: client, limiter: limiter, tool: tool, limit: limit, logger: logger}
}

// Search returns the hits for query.
func (s *Searcher) Search(ctx context.Context, query string) ([]Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is empty")
	}

	var res *ToolResult
	err := s.limiter.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.client.CallTool(ctx, s.tool, map[string]any{"query": query, "limit": s.limit})
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, &ToolError{Tool: s.tool, Message: res.Text()}
	}

	sources, err := ParseSources(res.Text())
	if err != nil {
		return nil, fmt.Errorf("parsing %s result: %w", s.tool, err)
	}
	s.logger.Debug("search completed", "query", query, "sources", len(sources),
		"in_flight", s.limiter.InFlight(), "waiting", s.limiter.Waiting())
	return sources, nil
}

// ParseSources decodes a tool result body: either a JSON array of hits or an
// object with a "results" array. Hits that are not objects are skipped.
func ParseSources(text string) ([]Source, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var raw []json.RawMessage
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, err
		}
		raw = wrapped.Results
	}

	sources := make([]Source, 0, len(raw))
	for _, r := range raw {
		var m map[string]any
		if err := json.Unmarshal(r, &m); err != nil || m == nil {
			continue
		}
		sources = append(sources, Source{
			Title:       firstString(m, "title", "name"),
			URL:         firstString(m, "url", "link", "href"),
			Description: firstString(m, "description", "content", "snippet", "text"),
		})
	}
	return sources, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
