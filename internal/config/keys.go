package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.bind", typ: kString, env: "INVENRICH_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "server.api_token", typ: kString, env: "INVENRICH_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INVENRICH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "INVENRICH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "INVENRICH_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "agent.shared_secret", typ: kString, env: "INVENRICH_AGENT_SHARED_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Agent.SharedSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.SharedSecret },
	},
	{
		key: "agent.callback_url", typ: kString, env: "INVENRICH_AGENT_CALLBACK_URL",
		apply:   func(cfg *Config, v any) { cfg.Agent.CallbackURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.CallbackURL },
	},
	{
		key: "agent.prompt_dir", typ: kString, env: "INVENRICH_AGENT_PROMPT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Agent.PromptDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.PromptDir },
	},
	{
		key: "agent.concurrency", typ: kInt, env: "INVENRICH_AGENT_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Agent.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.Concurrency },
	},
	{
		key: "agent.auto_approve", typ: kBool, env: "INVENRICH_AGENT_AUTO_APPROVE",
		apply:   func(cfg *Config, v any) { cfg.Agent.AutoApprove = v.(bool) },
		extract: func(cfg Config) any { return cfg.Agent.AutoApprove },
	},
	{
		key: "agent.max_attempts", typ: kInt, env: "INVENRICH_AGENT_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxAttempts },
	},
	{
		key: "agent.max_searches_per_request", typ: kInt, env: "INVENRICH_AGENT_MAX_SEARCHES_PER_REQUEST",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxSearchesPerRequest = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxSearchesPerRequest },
	},
	{
		key: "agent.poll_interval", typ: kDuration, env: "INVENRICH_AGENT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Agent.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.PollInterval },
	},
	{
		key: "search.command", typ: kString, env: "INVENRICH_SEARCH_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Search.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Command },
	},
	{
		key: "search.tool", typ: kString, env: "INVENRICH_SEARCH_TOOL",
		apply:   func(cfg *Config, v any) { cfg.Search.Tool = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Tool },
	},
	{
		key: "search.max_concurrent", typ: kInt, env: "INVENRICH_SEARCH_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxConcurrent },
	},
	{
		key: "search.max_reconnects", typ: kInt, env: "INVENRICH_SEARCH_MAX_RECONNECTS",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxReconnects = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxReconnects },
	},
	{
		key: "search.call_timeout", typ: kDuration, env: "INVENRICH_SEARCH_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Search.CallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.CallTimeout },
	},
	{
		key: "search.result_limit", typ: kInt, env: "INVENRICH_SEARCH_RESULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Search.ResultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.ResultLimit },
	},
	{
		key: "search.engine_url", typ: kString, env: "INVENRICH_SEARCH_ENGINE_URL",
		apply:   func(cfg *Config, v any) { cfg.Search.EngineURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.EngineURL },
	},
	{
		key: "search.fetch_max_bytes", typ: kInt, env: "INVENRICH_SEARCH_FETCH_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Search.FetchMaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.FetchMaxBytes },
	},
	{
		key: "llm.provider", typ: kString, env: "INVENRICH_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "INVENRICH_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "INVENRICH_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.supervisor_model", typ: kString, env: "INVENRICH_LLM_SUPERVISOR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.SupervisorModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.SupervisorModel },
	},
	{
		key: "llm.api_key", typ: kString, env: "INVENRICH_LLM_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "INVENRICH_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "retry.base_delay", typ: kDuration, env: "INVENRICH_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "retry.max_delay", typ: kDuration, env: "INVENRICH_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
	},
	{
		key: "retry.max_retries", typ: kInt, env: "INVENRICH_RETRY_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxRetries },
	},
	{
		key: "shortcut.catalog_url", typ: kString, env: "INVENRICH_SHORTCUT_CATALOG_URL",
		apply:   func(cfg *Config, v any) { cfg.Shortcut.CatalogURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Shortcut.CatalogURL },
	},
	{
		key: "shortcut.timeout", typ: kDuration, env: "INVENRICH_SHORTCUT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Shortcut.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Shortcut.Timeout },
	},
	{
		key: "tracing.exporter", typ: kString, env: "INVENRICH_TRACING_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Tracing.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.Exporter },
	},
	{
		key: "tracing.endpoint", typ: kString, env: "INVENRICH_TRACING_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Tracing.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.Endpoint },
	},
	{
		key: "tracing.service_name", typ: kString, env: "INVENRICH_TRACING_SERVICE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Tracing.ServiceName = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.ServiceName },
	},
}

// parseValue converts raw text into the Go value a keySpec's apply expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
