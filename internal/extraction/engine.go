// Package extraction runs the search → extract → supervise loop that turns
// web evidence into a candidate item record.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/invenrich/internal/llm"
	"github.com/kalambet/invenrich/internal/observability"
	"github.com/kalambet/invenrich/internal/prompts"
	"github.com/kalambet/invenrich/internal/search"
)

// InvocationError wraps a failed model or search call. The orchestrator
// schedules a retry for these; they are never a judgement on the item.
type InvocationError struct {
	Stage string // search | extract | supervise
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s invocation failed: %v", e.Stage, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Searcher returns search hits for a query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Source, error)
}

// Renderer renders a named prompt template; *prompts.Set implements it.
type Renderer interface {
	Render(name string, data any) (string, error)
}

// Target is what the flow knows about the item before extraction.
type Target struct {
	ItemID       string
	Description  string
	Manufacturer string
	ShortText    string
	LongText     string
}

// PromptData is passed to both the extraction and the supervisor templates.
type PromptData struct {
	Item            Target
	SearchQuery     string
	Locked          []string
	PreviousVerdict string
	Evidence        string
	Candidate       string
	Attempt         int
	MaxAttempts     int
}

// Request is one item's extraction job.
type Request struct {
	Target      Target
	SearchQuery string
	Locked      []string
	Prompts     Renderer
	// Checkpoint runs after every round; a non-nil error ends the loop and
	// is returned as is.
	Checkpoint func(context.Context) error
}

// Result is the loop's outcome. Success false with a nil error is a local
// failure: every attempt was rejected by the supervisor.
type Result struct {
	Success   bool
	Candidate Candidate
	Verdict   string
	Attempts  int
	Queries   []string
	Sources   []search.Source
}

type Options struct {
	Model                 string
	SupervisorModel       string
	MaxAttempts           int
	MaxSearchesPerRequest int
	Logger                *slog.Logger
}

type Engine struct {
	chat     llm.Client
	searcher Searcher
	opts     Options
	logger   *slog.Logger
}

func New(chat llm.Client, searcher Searcher, opts Options) *Engine {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxSearchesPerRequest < 1 {
		opts.MaxSearchesPerRequest = 1
	}
	if opts.SupervisorModel == "" {
		opts.SupervisorModel = opts.Model
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{chat: chat, searcher: searcher, opts: opts, logger: logger.With("component", "extraction")}
}

// Run executes up to MaxAttempts rounds. A round searches (at most
// MaxSearchesPerRequest queries), extracts a candidate from the evidence and
// asks the supervisor to judge it. A FAIL folds the round's sources into the
// evidence carried to the next round.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	if req.Prompts == nil {
		return Result{}, fmt.Errorf("%w: no prompt set", prompts.ErrPromptLoadFailed)
	}
	logger := e.logger.With("item_id", req.Target.ItemID)

	var (
		res        Result
		carried    []any
		lastReason string
		searched   = make(map[string]bool)
		pending    = []string{req.SearchQuery}
	)

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, context.Cause(ctx)
		}
		res.Attempts = attempt

		verdict, round, err := e.round(ctx, req, attempt, pending, searched, carried, lastReason, &res)
		if err != nil {
			return res, err
		}
		res.Verdict = verdict.Raw
		if verdict.Pass {
			res.Success = true
			logger.Info("supervisor accepted candidate", "attempt", attempt)
			return res, nil
		}

		logger.Info("supervisor rejected candidate", "attempt", attempt, "reason", verdict.Reason)
		carried = append(carried, asAny(round)...)
		lastReason = verdict.Raw
		pending = verdict.Queries

		if req.Checkpoint != nil {
			if err := req.Checkpoint(ctx); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (e *Engine) round(ctx context.Context, req Request, attempt int, queries []string,
	searched map[string]bool, carried []any, lastReason string, res *Result) (v Verdict, round []search.Source, err error) {
	ctx, span := observability.StartSpan(ctx, "extraction.round",
		attribute.String("item.id", req.Target.ItemID), attribute.Int("attempt", attempt))
	defer func() { observability.EndSpan(span, err) }()

	round, err = e.collect(ctx, queries, searched, res)
	if err != nil {
		return Verdict{}, nil, err
	}

	evidenceSources := append(append([]any(nil), carried...), asAny(round)...)
	evidence := strings.Join(FormatSourcesForRetry(evidenceSources), "\n\n")
	if evidence == "" {
		evidence = "(no sources found)"
	}
	data := PromptData{
		Item:            req.Target,
		SearchQuery:     req.SearchQuery,
		Locked:          req.Locked,
		PreviousVerdict: lastReason,
		Evidence:        evidence,
		Attempt:         attempt,
		MaxAttempts:     e.opts.MaxAttempts,
	}

	prompt, err := req.Prompts.Render(prompts.Extraction, data)
	if err != nil {
		return Verdict{}, nil, fmt.Errorf("%w: %v", prompts.ErrPromptLoadFailed, err)
	}
	raw, err := e.chat.Chat(ctx, e.opts.Model, []llm.Message{{Role: "user", Content: prompt}}, CandidateSchema())
	if err != nil {
		return Verdict{}, nil, e.invocationErr(ctx, "extract", err)
	}
	cand, perr := ParseCandidate(raw)
	if perr != nil {
		return NormalizeVerdict("FAIL: extraction output unusable: " + perr.Error()), round, nil
	}
	res.Candidate = cand

	candJSON, _ := json.MarshalIndent(cand, "", "  ")
	data.Candidate = string(candJSON)
	prompt, err = req.Prompts.Render(prompts.Supervisor, data)
	if err != nil {
		return Verdict{}, nil, fmt.Errorf("%w: %v", prompts.ErrPromptLoadFailed, err)
	}
	raw, err = e.chat.Chat(ctx, e.opts.SupervisorModel, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return Verdict{}, nil, e.invocationErr(ctx, "supervise", err)
	}
	return NormalizeVerdict(raw), round, nil
}

// collect runs the round's searches: queries not searched before, at most
// MaxSearchesPerRequest of them.
func (e *Engine) collect(ctx context.Context, queries []string, searched map[string]bool, res *Result) ([]search.Source, error) {
	var sources []search.Source
	calls := 0
	for _, q := range queries {
		q = strings.Join(strings.Fields(q), " ")
		key := strings.ToLower(q)
		if q == "" || searched[key] {
			continue
		}
		if calls == e.opts.MaxSearchesPerRequest {
			break
		}
		searched[key] = true
		calls++

		found, err := e.searcher.Search(ctx, q)
		if err != nil {
			return nil, e.invocationErr(ctx, "search", err)
		}
		res.Queries = append(res.Queries, q)
		res.Sources = append(res.Sources, found...)
		sources = append(sources, found...)
	}
	return sources, nil
}

func (e *Engine) invocationErr(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(err, prompts.ErrPromptLoadFailed) {
		return err
	}
	return &InvocationError{Stage: stage, Err: err}
}
