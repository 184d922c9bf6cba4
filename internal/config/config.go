package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Agent    AgentConfig
	Search   SearchConfig
	LLM      LLMConfig
	Retry    RetryConfig
	Shortcut ShortcutConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Bind     string
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// AgentConfig controls the per-item enrichment flow.
type AgentConfig struct {
	SharedSecret          string
	CallbackURL           string
	PromptDir             string
	Concurrency           int
	AutoApprove           bool
	MaxAttempts           int
	MaxSearchesPerRequest int
	PollInterval          time.Duration
}

// SearchConfig controls the search subprocess and the limiter in front of it.
// An empty Command runs this binary's search-server subcommand.
type SearchConfig struct {
	Command       string
	Tool          string
	MaxConcurrent int
	MaxReconnects int
	CallTimeout   time.Duration
	ResultLimit   int
	EngineURL     string
	FetchMaxBytes int
}

type LLMConfig struct {
	Provider        string
	BaseURL         string
	Model           string
	SupervisorModel string
	APIKey          string
	Timeout         time.Duration
}

// RetryConfig drives the exponential backoff applied to runs that failed on
// a model or search invocation error.
type RetryConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

type ShortcutConfig struct {
	CatalogURL string
	Timeout    time.Duration
}

type TracingConfig struct {
	Exporter    string
	Endpoint    string
	ServiceName string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1:4700",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Agent: AgentConfig{
			PromptDir:             filepath.Join(defaultDataDir(), "prompts"),
			Concurrency:           2,
			MaxAttempts:           3,
			MaxSearchesPerRequest: 3,
			PollInterval:          2 * time.Second,
		},
		Search: SearchConfig{
			Tool:          "web_search",
			MaxConcurrent: 2,
			MaxReconnects: 2,
			CallTimeout:   45 * time.Second,
			ResultLimit:   5,
			EngineURL:     "http://localhost:8888/search",
			FetchMaxBytes: 2 << 20,
		},
		LLM: LLMConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "mistral-nemo",
			Timeout:  2 * time.Minute,
		},
		Retry: RetryConfig{
			BaseDelay:  30 * time.Second,
			MaxDelay:   30 * time.Minute,
			MaxRetries: 3,
		},
		Shortcut: ShortcutConfig{
			Timeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "invenrich",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/invenrich/config.toml, then applies INVENRICH_* environment
// overrides. Secrets are never read from the config file: they come from the
// environment or, failing that, from the secrets file in the data directory.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports values the process cannot run with. A missing shared
// secret is not an error here: the webhook rejects every call instead and the
// daemon logs it at startup.
func (c Config) Validate() error {
	var errs []error
	if c.Agent.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("agent.concurrency must be at least 1, got %d", c.Agent.Concurrency))
	}
	if c.Agent.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("agent.max_attempts must be at least 1, got %d", c.Agent.MaxAttempts))
	}
	if c.Agent.MaxSearchesPerRequest < 1 {
		errs = append(errs, fmt.Errorf("agent.max_searches_per_request must be at least 1, got %d", c.Agent.MaxSearchesPerRequest))
	}
	if c.Search.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("search.max_concurrent must be at least 1, got %d", c.Search.MaxConcurrent))
	}
	if c.Search.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("search.max_reconnects must not be negative, got %d", c.Search.MaxReconnects))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay, got %s/%s", c.Retry.BaseDelay, c.Retry.MaxDelay))
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be ollama or openai, got %q", c.LLM.Provider))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout", "otlphttp":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be none, stdout or otlphttp, got %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "invenrich-data"
		}
	}
	return filepath.Join(dir, "invenrich")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "invenrich", "config.toml")
}
