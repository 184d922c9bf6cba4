package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/invenrich/internal/config"
	"github.com/kalambet/invenrich/internal/prompts"
	"github.com/kalambet/invenrich/internal/runstate"
)

// runSummary mirrors the server's run view.
type runSummary struct {
	ItemID             string     `json:"itemId"`
	Status             string     `json:"status"`
	SearchQuery        string     `json:"searchQuery"`
	ReviewState        string     `json:"reviewState"`
	ReviewedBy         string     `json:"reviewedBy"`
	LastReviewDecision string     `json:"lastReviewDecision"`
	RetryCount         int        `json:"retryCount"`
	NextRetryAt        *time.Time `json:"nextRetryAt"`
	LastError          string     `json:"lastError"`
	StartedAt          *time.Time `json:"startedAt"`
	CompletedAt        *time.Time `json:"completedAt"`
	LastModified       time.Time  `json:"lastModified"`
}

type eventSummary struct {
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type queueResult struct {
	Mode    string `json:"mode"`
	Total   int    `json:"total"`
	Queued  int    `json:"queued"`
	Skipped int    `json:"skipped"`
}

func defaultActor() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "cli"
}

func itemPath(itemID, suffix string) string {
	return "/items/" + url.PathEscape(itemID) + suffix
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue items for enrichment in bulk",
	Long: `Queue items for enrichment in bulk.

Modes:
  missing        items that have never had a run
  all            every item, re-queueing existing runs
  instancesOnly  only items with at least one physical instance

Examples:
  invenrich queue --mode missing
  invenrich queue --mode all --actor ops`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		actor, _ := cmd.Flags().GetString("actor")
		if strings.TrimSpace(mode) == "" {
			return fmt.Errorf("--mode is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := queueItems(cmd.Context(), client, mode, actor)
		if err != nil {
			return err
		}
		printSuccess("Queued %d of %d items (%d skipped, mode %s)", res.Queued, res.Total, res.Skipped, res.Mode)
		return nil
	},
}

func init() {
	queueCmd.Flags().String("mode", "", "missing, all or instancesOnly")
	queueCmd.Flags().String("actor", defaultActor(), "name recorded in the audit log")
}

func queueItems(ctx context.Context, client *apiClient, mode, actor string) (queueResult, error) {
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("actor", actor)
	resp, err := client.post(ctx, "/agentic/queue?"+q.Encode(), nil)
	if err != nil {
		return queueResult{}, err
	}
	var res queueResult
	if err := decodeJSON(resp, &res); err != nil {
		return queueResult{}, err
	}
	return res, nil
}

// --- trigger / cancel ---

var triggerCmd = &cobra.Command{
	Use:   "trigger <itemId>",
	Short: "Start (or restart) enrichment for one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		search, _ := cmd.Flags().GetString("search")
		actor, _ := cmd.Flags().GetString("actor")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := triggerRun(cmd.Context(), client, args[0], search, actor)
		if err != nil {
			return err
		}
		printSuccess("Run for %s is %s", run.ItemID, run.Status)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <itemId>",
	Short: "Cancel the active run for one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := cancelRun(cmd.Context(), client, args[0], actor)
		if err != nil {
			return err
		}
		printSuccess("Run for %s is %s", run.ItemID, run.Status)
		return nil
	},
}

func init() {
	triggerCmd.Flags().String("search", "", "search query override")
	triggerCmd.Flags().String("actor", defaultActor(), "name recorded in the audit log")
	cancelCmd.Flags().String("actor", defaultActor(), "name recorded in the audit log")
}

func triggerRun(ctx context.Context, client *apiClient, itemID, search, actor string) (runSummary, error) {
	body := map[string]any{"actor": actor}
	if strings.TrimSpace(search) != "" {
		body["search"] = search
	}
	resp, err := client.post(ctx, itemPath(itemID, "/agentic/run"), body)
	if err != nil {
		return runSummary{}, err
	}
	var out struct {
		Run runSummary `json:"run"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return runSummary{}, err
	}
	return out.Run, nil
}

func cancelRun(ctx context.Context, client *apiClient, itemID, actor string) (runSummary, error) {
	resp, err := client.post(ctx, itemPath(itemID, "/agentic/cancel")+"?actor="+url.QueryEscape(actor), nil)
	if err != nil {
		return runSummary{}, err
	}
	var out struct {
		Run runSummary `json:"run"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return runSummary{}, err
	}
	return out.Run, nil
}

// --- runs / show ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List enrichment runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		runs, err := listRuns(cmd.Context(), client, status, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		fmt.Println(runsTable(runs))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <itemId>",
	Short: "Show one item's run and recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, events, err := runStatus(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"run": run, "events": events})
		}
		printRun(os.Stdout, run, events)
		return nil
	},
}

func init() {
	runsCmd.Flags().String("status", "", "comma-separated statuses to include")
	runsCmd.Flags().Int("limit", 50, "maximum number of runs to list")
	showCmd.Flags().Bool("json", false, "print raw JSON")
}

func listRuns(ctx context.Context, client *apiClient, status string, limit int) ([]runSummary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/agentic/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out struct {
		Runs []runSummary `json:"runs"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func runStatus(ctx context.Context, client *apiClient, itemID string) (runSummary, []eventSummary, error) {
	resp, err := client.get(ctx, itemPath(itemID, "/agentic"))
	if err != nil {
		return runSummary{}, nil, err
	}
	var out struct {
		Run    runSummary     `json:"run"`
		Events []eventSummary `json:"events"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return runSummary{}, nil, err
	}
	return out.Run, out.Events, nil
}

func runsTable(runs []runSummary) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		next := ""
		if r.NextRetryAt != nil {
			next = r.NextRetryAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			r.ItemID,
			r.Status,
			strconv.Itoa(r.RetryCount),
			next,
			truncate(r.LastError, 60),
			r.LastModified.Local().Format(time.DateTime),
		})
	}
	return renderTable([]string{"Item", "Status", "Retries", "Next retry", "Last error", "Modified"}, rows, 2)
}

func printRun(w io.Writer, run runSummary, events []eventSummary) {
	writeln(w, "%s %s", colorize(colorBold, run.ItemID), colorize(statusColor(run.Status), run.Status))
	if run.SearchQuery != "" {
		writeln(w, "  search:  %s", run.SearchQuery)
	}
	if run.ReviewState != "" {
		writeln(w, "  review:  %s %s", run.ReviewState, run.ReviewedBy)
	}
	if run.RetryCount > 0 {
		writeln(w, "  retries: %d", run.RetryCount)
	}
	if run.LastError != "" {
		writeln(w, "  error:   %s", run.LastError)
	}
	if len(events) == 0 {
		return
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{ev.CreatedAt.Local().Format(time.DateTime), ev.Type, ev.Actor, truncate(ev.Message, 80)})
	}
	writeln(w, "%s", renderTable([]string{"When", "Event", "Actor", "Message"}, rows))
}

func statusColor(status string) string {
	switch runstate.Status(status) {
	case runstate.StatusApproved:
		return colorGreen
	case runstate.StatusFailed, runstate.StatusCancelled, runstate.StatusRejected:
		return colorRed
	case runstate.StatusReview:
		return colorYellow
	default:
		return colorCyan
	}
}

func countByStatus(runs []runSummary) map[string]int {
	counts := make(map[string]int)
	for _, r := range runs {
		counts[r.Status]++
	}
	return counts
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret in the data directory's secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

// --- prompts ---

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage prompt templates",
}

var promptsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the bundled prompt templates to the prompt directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir = cfg.Agent.PromptDir
		}
		written, err := prompts.InstallDefaults(dir, force)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			printWarning("All templates already exist in %s (use --force to overwrite)", dir)
			return nil
		}
		printSuccess("Wrote %s to %s", strings.Join(written, ", "), dir)
		return nil
	},
}

func init() {
	promptsInitCmd.Flags().Bool("force", false, "overwrite existing templates")
	promptsInitCmd.Flags().String("dir", "", "target directory (default: agent.prompt_dir)")
	promptsCmd.AddCommand(promptsInitCmd)
}
