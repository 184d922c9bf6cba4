package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/kalambet/invenrich/internal/api"
	"github.com/kalambet/invenrich/internal/bulk"
	"github.com/kalambet/invenrich/internal/config"
	"github.com/kalambet/invenrich/internal/dispatch"
	"github.com/kalambet/invenrich/internal/extraction"
	"github.com/kalambet/invenrich/internal/llm"
	"github.com/kalambet/invenrich/internal/observability"
	"github.com/kalambet/invenrich/internal/orchestrator"
	"github.com/kalambet/invenrich/internal/prompts"
	"github.com/kalambet/invenrich/internal/results"
	"github.com/kalambet/invenrich/internal/search"
	"github.com/kalambet/invenrich/internal/searchserver"
	"github.com/kalambet/invenrich/internal/shortcut"
	"github.com/kalambet/invenrich/internal/storage"
)

const (
	keepAliveInterval = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
	notifyTimeout     = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the enrichment worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var searchServerCmd = &cobra.Command{
	Use:    "search-server",
	Short:  "Run the MCP search server on stdin/stdout",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr only.
		logger := newLogger(cfg.Log, os.Stderr)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := searchserver.New(searchserver.Options{
			EngineURL:     cfg.Search.EngineURL,
			FetchMaxBytes: cfg.Search.FetchMaxBytes,
			Version:       version,
			Logger:        logger,
		})
		if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// searchCommand returns the argv for the search subprocess.
func searchCommand(configured string) ([]string, error) {
	if fields := strings.Fields(configured); len(fields) > 0 {
		return fields, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return []string{exe, "search-server"}, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "invenrich version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Storage.DataDir, "invenrich.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		printWarning("invenrich is already running for %s", cfg.Storage.DataDir)
		return fmt.Errorf("another instance holds %s", lock.Path())
	}
	defer lock.Unlock()

	if strings.TrimSpace(cfg.Agent.SharedSecret) == "" {
		slog.Error("agent.shared_secret is not set: every result callback will be rejected and outbound notifications are unsigned")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingOptions{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if written, err := prompts.InstallDefaults(cfg.Agent.PromptDir, false); err != nil {
		slog.Warn("installing default prompts", "dir", cfg.Agent.PromptDir, "error", err)
	} else if len(written) > 0 {
		slog.Info("installed default prompts", "dir", cfg.Agent.PromptDir, "files", written)
	}

	argv, err := searchCommand(cfg.Search.Command)
	if err != nil {
		return err
	}
	searchClient, err := search.NewClient(search.Options{
		Command:       argv,
		Tool:          cfg.Search.Tool,
		MaxReconnects: cfg.Search.MaxReconnects,
		CallTimeout:   cfg.Search.CallTimeout,
		ClientName:    "invenrich",
		ClientVersion: version,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating search client: %w", err)
	}
	defer searchClient.Close()
	go searchClient.KeepAlive(ctx, keepAliveInterval)

	limiter := search.NewLimiter(cfg.Search.MaxConcurrent)
	searcher := search.NewSearcher(searchClient, limiter, cfg.Search.Tool, cfg.Search.ResultLimit, logger)

	chat, err := llm.New(llm.Options{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	extractor := extraction.New(chat, searcher, extraction.Options{
		Model:                 cfg.LLM.Model,
		SupervisorModel:       cfg.LLM.SupervisorModel,
		MaxAttempts:           cfg.Agent.MaxAttempts,
		MaxSearchesPerRequest: cfg.Agent.MaxSearchesPerRequest,
		Logger:                logger,
	})

	resolver := shortcut.New(cfg.Shortcut.CatalogURL, cfg.Shortcut.Timeout)
	if shortcut.Enabled(resolver) {
		slog.Info("catalog shortcut enabled", "url", cfg.Shortcut.CatalogURL)
	}

	dispatcher := dispatch.New(store, dispatch.NewNotifier(cfg.Agent.CallbackURL, cfg.Agent.SharedSecret, notifyTimeout), logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:       store,
		Prompts:     prompts.Loader{Dir: cfg.Agent.PromptDir},
		Extractor:   extractor,
		Shortcut:    resolver,
		Dispatcher:  dispatcher,
		AutoApprove: cfg.Agent.AutoApprove,
		Retry: orchestrator.RetryPolicy{
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxRetries: cfg.Retry.MaxRetries,
		},
		Logger: logger,
	})

	recovered, err := orch.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resuming interrupted runs: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered interrupted runs", "count", recovered)
	}

	worker := orchestrator.NewWorker(orch, cfg.Agent.Concurrency, cfg.Agent.PollInterval)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	bulkQueue := bulk.NewService(store, logger)
	bulkQueue.OnQueued(orch.Wake)

	handler := api.NewHandler(api.Deps{
		Store:       store,
		Results:     results.NewService(store, logger),
		Bulk:        bulkQueue,
		Runner:      orch,
		Token:       cfg.Server.APIToken,
		AgentSecret: cfg.Agent.SharedSecret,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "invenrich listening on %s\n", cfg.Server.Bind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		printStep("shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker did not stop in time; in-flight runs will be recovered on next start")
	}
	return serveErr
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and run counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		return showStatus(cmd.Context(), client)
	},
}

func showStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	runs, err := listRuns(ctx, client, "", 1000)
	if err != nil {
		printWarning("could not list runs: %v", err)
		return nil
	}
	counts := countByStatus(runs)
	for _, s := range sortedKeys(counts) {
		printStatus(s, "%d", counts[s])
	}
	return nil
}
