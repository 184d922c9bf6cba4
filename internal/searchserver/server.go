// Package searchserver is the MCP stdio server run by `invenrich
// search-server`. The enrichment worker spawns it as its search subprocess.
package searchserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/invenrich/internal/search"
)

const (
	defaultFetchMaxBytes = 2 << 20
	defaultResultLimit   = 5
	maxResultLimit       = 20
	maxPageChars         = 20000
)

// Options configures a Server.
type Options struct {
	// EngineURL is a SearXNG-compatible endpoint answering ?q=...&format=json.
	EngineURL     string
	FetchMaxBytes int
	Timeout       time.Duration
	Version       string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

type Server struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
	mcp    *server.MCPServer
}

// New returns a Server with web_search and fetch_page registered.
func New(opts Options) *Server {
	if opts.FetchMaxBytes <= 0 {
		opts.FetchMaxBytes = defaultFetchMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{opts: opts, client: client, logger: logger.With("component", "searchserver")}
	s.mcp = server.NewMCPServer(
		"invenrich-search",
		opts.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("Web search and page fetching for inventory enrichment."),
		server.WithRecovery(),
	)

	s.mcp.AddTool(
		mcp.NewTool("web_search",
			mcp.WithDescription("Search the web. Returns a JSON array of {title, url, description}."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		s.webSearch,
	)
	s.mcp.AddTool(
		mcp.NewTool("fetch_page",
			mcp.WithDescription("Fetch a web page or PDF and return its plain text."),
			mcp.WithString("url", mcp.Description("Absolute http(s) URL"), mcp.Required()),
		),
		s.fetchPage,
	)
	return s
}

// MCP exposes the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve speaks MCP over in/out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *Server) webSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil || strings.TrimSpace(query) == "" {
		return mcpError("query is required"), nil
	}
	limit := req.GetInt("limit", defaultResultLimit)
	if limit <= 0 {
		limit = defaultResultLimit
	}
	if limit > maxResultLimit {
		limit = maxResultLimit
	}
	if s.opts.EngineURL == "" {
		return mcpError("search engine is not configured"), nil
	}

	u, err := url.Parse(s.opts.EngineURL)
	if err != nil {
		return mcpError(fmt.Sprintf("invalid engine url: %v", err)), nil
	}
	q := u.Query()
	q.Set("q", strings.TrimSpace(query))
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return mcpError(err.Error()), nil
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return mcpError(fmt.Sprintf("search request failed: %v", err)), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return mcpError(fmt.Sprintf("search engine returned status %d", resp.StatusCode)), nil
	}

	var body searxResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, int64(s.opts.FetchMaxBytes))).Decode(&body); err != nil {
		return mcpError(fmt.Sprintf("decoding search response: %v", err)), nil
	}

	hits := make([]search.Source, 0, limit)
	for _, r := range body.Results {
		if len(hits) == limit {
			break
		}
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		hits = append(hits, search.Source{
			Title:       strings.TrimSpace(r.Title),
			URL:         strings.TrimSpace(r.URL),
			Description: collapseSpace(r.Content),
		})
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return mcpError(err.Error()), nil
	}
	s.logger.Debug("web search", "query", query, "hits", len(hits))
	return mcpText(string(out)), nil
}

func (s *Server) fetchPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("url")
	if err != nil {
		return mcpError("url is required"), nil
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return mcpError("url must be an absolute http or https URL"), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return mcpError(err.Error()), nil
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return mcpError(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return mcpError(fmt.Sprintf("fetch returned status %d", resp.StatusCode)), nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.opts.FetchMaxBytes)+1))
	if err != nil {
		return mcpError(fmt.Sprintf("reading body: %v", err)), nil
	}
	if len(data) > s.opts.FetchMaxBytes {
		return mcpError(fmt.Sprintf("page larger than %d bytes", s.opts.FetchMaxBytes)), nil
	}

	var text string
	if isPDF(resp.Header.Get("Content-Type"), u.Path, data) {
		text, err = pdfText(data)
	} else {
		text, err = htmlText(data)
	}
	if err != nil {
		return mcpError(fmt.Sprintf("extracting text: %v", err)), nil
	}
	return mcpText(truncate(text, maxPageChars)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
