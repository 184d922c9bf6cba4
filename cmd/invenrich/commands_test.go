package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestQueueItems(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /agentic/queue": `{"ok":true,"mode":"missing","total":4,"queued":3,"skipped":1}`,
	})

	res, err := queueItems(ctx, ts.client(), "missing", "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 4 || res.Queued != 3 || res.Skipped != 1 || res.Mode != "missing" {
		t.Errorf("result = %+v", res)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Path != "/agentic/queue?actor=ops&mode=missing" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestQueueCommand_MissingMode(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"queue", "--no-color"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing mode")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestTriggerCommand_RequiresItem(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"trigger"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing item id")
	}
}

func TestTriggerRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /items/A 1/agentic/run": `{"ok":true,"run":{"itemId":"A 1","status":"queued","searchQuery":"acme drill"}}`,
	})

	run, err := triggerRun(ctx, ts.client(), "A 1", "acme drill", "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ItemID != "A 1" || run.Status != "queued" {
		t.Errorf("run = %+v", run)
	}

	r := ts.requests[0]
	if r.Path != "/items/A%201/agentic/run" {
		t.Errorf("path = %q, want escaped item id", r.Path)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["search"] != "acme drill" || body["actor"] != "ops" {
		t.Errorf("body = %v", body)
	}
}

func TestTriggerRun_OmitsBlankSearch(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /items/A-1/agentic/run": `{"ok":true,"run":{"itemId":"A-1","status":"queued"}}`,
	})
	if _, err := triggerRun(ctx, ts.client(), "A-1", "  ", "ops"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(ts.requests[0].Body, "search") {
		t.Errorf("body = %s, want no search key", ts.requests[0].Body)
	}
}

func TestTriggerRun_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"run already active","type":"conflict_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	_, err := triggerRun(ctx, client, "A-1", "", "ops")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "run already active") {
		t.Errorf("error = %q", err)
	}
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /items/A-1/agentic/cancel": `{"ok":true,"run":{"itemId":"A-1","status":"cancelled"}}`,
	})
	run, err := cancelRun(ctx, ts.client(), "A-1", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "cancelled" {
		t.Errorf("status = %q", run.Status)
	}
	if ts.requests[0].Path != "/items/A-1/agentic/cancel?actor=ops" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestListRunsAndTable(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /agentic/runs": `{"runs":[
			{"itemId":"A-1","status":"failed","retryCount":2,"lastError":"search timed out","lastModified":"2026-01-02T03:04:05Z"},
			{"itemId":"B-2","status":"review","lastModified":"2026-01-02T03:04:05Z"}
		]}`,
	})

	runs, err := listRuns(ctx, ts.client(), "failed,review", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if ts.requests[0].Path != "/agentic/runs?limit=10&status=failed%2Creview" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}

	out := runsTable(runs)
	for _, want := range []string{"A-1", "B-2", "search timed out", "Retries"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	counts := countByStatus(runs)
	if counts["failed"] != 1 || counts["review"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if keys := sortedKeys(counts); strings.Join(keys, ",") != "failed,review" {
		t.Errorf("keys = %v", keys)
	}
}

func TestPrintRun(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printRun(&buf, runSummary{ItemID: "A-1", Status: "review", SearchQuery: "acme drill", ReviewState: "pending"},
		[]eventSummary{{Type: "AgenticRunStarted", Actor: "system", Message: "claimed", CreatedAt: time.Now()}})

	out := buf.String()
	if !strings.HasPrefix(out, "A-1 review\n") {
		t.Errorf("output starts with %q", strings.SplitN(out, "\n", 2)[0])
	}
	for _, want := range []string{"acme drill", "pending", "AgenticRunStarted", "claimed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestServerNotReachable(t *testing.T) {
	client := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		httpClient: &http.Client{Timeout: time.Second},
	}
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	client := ts.client()
	client.token = ""

	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:4700": "http://127.0.0.1:4700",
		"0.0.0.0:9000":   "http://127.0.0.1:9000",
		":8080":          "http://127.0.0.1:8080",
		"[::]:8080":      "http://127.0.0.1:8080",
		"example:80":     "http://example:80",
	}
	for bind, want := range tests {
		if got := baseURL(bind); got != want {
			t.Errorf("baseURL(%q) = %q, want %q", bind, got, want)
		}
	}
}

func TestSearchCommand(t *testing.T) {
	argv, err := searchCommand("  /usr/bin/mcp-search --verbose ")
	if err != nil || strings.Join(argv, " ") != "/usr/bin/mcp-search --verbose" {
		t.Errorf("argv = %v, err %v", argv, err)
	}
	argv, err = searchCommand("")
	if err != nil {
		t.Fatal(err)
	}
	if len(argv) != 2 || argv[1] != "search-server" {
		t.Errorf("default argv = %v", argv)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
