package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets map[string]string

func (m mockSecrets) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string, secrets secretStore) (Config, error) {
	t.Helper()
	return loadWith(newFileBackend(path), secrets)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	cfg, err := loadFromPath(t, path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Bind != "127.0.0.1:4700" {
		t.Errorf("Server.Bind = %q, want %q", cfg.Server.Bind, "127.0.0.1:4700")
	}
	if cfg.Agent.Concurrency != 2 {
		t.Errorf("Agent.Concurrency = %d, want 2", cfg.Agent.Concurrency)
	}
	if cfg.Agent.MaxAttempts != 3 {
		t.Errorf("Agent.MaxAttempts = %d, want 3", cfg.Agent.MaxAttempts)
	}
	if cfg.Search.Tool != "web_search" {
		t.Errorf("Search.Tool = %q, want web_search", cfg.Search.Tool)
	}
	if cfg.Retry.BaseDelay != 30*time.Second || cfg.Retry.MaxDelay != 30*time.Minute || cfg.Retry.MaxRetries != 3 {
		t.Errorf("Retry = %+v, want 30s/30m/3", cfg.Retry)
	}
	if cfg.Agent.SharedSecret != "" {
		t.Errorf("Agent.SharedSecret = %q, want empty", cfg.Agent.SharedSecret)
	}
}

// TestTOMLParsing verifies that fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	content := `
[server]
bind = "0.0.0.0:9000"

[agent]
concurrency = 4
auto_approve = true
poll_interval = "500ms"
callback_url = "http://hooks.local/agent"

[search]
max_reconnects = 5
call_timeout = "10s"

[llm]
provider = "openai"
model = "gpt-4o-mini"

[retry]
base_delay = "1m"
max_delay = "1h"
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(t, path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Bind != "0.0.0.0:9000" {
		t.Errorf("Server.Bind = %q", cfg.Server.Bind)
	}
	if cfg.Agent.Concurrency != 4 {
		t.Errorf("Agent.Concurrency = %d, want 4", cfg.Agent.Concurrency)
	}
	if !cfg.Agent.AutoApprove {
		t.Error("Agent.AutoApprove = false, want true")
	}
	if cfg.Agent.PollInterval != 500*time.Millisecond {
		t.Errorf("Agent.PollInterval = %s, want 500ms", cfg.Agent.PollInterval)
	}
	if cfg.Agent.CallbackURL != "http://hooks.local/agent" {
		t.Errorf("Agent.CallbackURL = %q", cfg.Agent.CallbackURL)
	}
	if cfg.Search.MaxReconnects != 5 || cfg.Search.CallTimeout != 10*time.Second {
		t.Errorf("Search = %+v", cfg.Search)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Retry.BaseDelay != time.Minute || cfg.Retry.MaxDelay != time.Hour {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
[agent]
concurrency = 4
`)
	t.Setenv("INVENRICH_AGENT_CONCURRENCY", "8")
	t.Setenv("INVENRICH_AGENT_SHARED_SECRET", "env-secret")

	cfg, err := loadFromPath(t, path, mockSecrets{"agent.shared_secret": "file-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.Concurrency != 8 {
		t.Errorf("Agent.Concurrency = %d, want 8", cfg.Agent.Concurrency)
	}
	if cfg.Agent.SharedSecret != "env-secret" {
		t.Errorf("Agent.SharedSecret = %q, want env-secret", cfg.Agent.SharedSecret)
	}
}

// TestSecretsNeverReadFromConfigFile verifies secrets in the TOML file are ignored.
func TestSecretsNeverReadFromConfigFile(t *testing.T) {
	path := writeTempConfig(t, `
[agent]
shared_secret = "leaked"
`)
	cfg, err := loadFromPath(t, path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.SharedSecret != "" {
		t.Errorf("Agent.SharedSecret = %q, want empty", cfg.Agent.SharedSecret)
	}
}

// TestSecretsFileFallback verifies the secrets file is consulted when env is empty.
func TestSecretsFileFallback(t *testing.T) {
	path := writeTempConfig(t, `# nothing`)

	cfg, err := loadFromPath(t, path, mockSecrets{"agent.shared_secret": "from-file", "llm.api_key": "sk-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.SharedSecret != "from-file" {
		t.Errorf("Agent.SharedSecret = %q, want from-file", cfg.Agent.SharedSecret)
	}
	if cfg.LLM.APIKey != "sk-1" {
		t.Errorf("LLM.APIKey = %q, want sk-1", cfg.LLM.APIKey)
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	path := writeTempConfig(t, `
[agent]
concurrency = 0

[llm]
provider = "carrier-pigeon"
`)
	_, err := loadFromPath(t, path, mockSecrets{})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{"agent.concurrency", "llm.provider"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to mention %q", err, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	b := newFileBackend(path)

	if err := setKey(b, "agent.concurrency", "6"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "agent.poll_interval", "3s"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "agent.concurrency", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, "agent.shared_secret", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such_key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadFromPath(t, path, mockSecrets{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Agent.Concurrency != 6 || cfg.Agent.PollInterval != 3*time.Second {
		t.Errorf("after SetKey: concurrency=%d poll=%s", cfg.Agent.Concurrency, cfg.Agent.PollInterval)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Agent.SharedSecret = "hunter2"
	for _, info := range ShowAll(cfg) {
		if strings.Contains(info.Value, "hunter2") {
			t.Errorf("secret leaked through key %s", info.Key)
		}
		if info.Key == "agent.shared_secret" && info.Value != "(set)" {
			t.Errorf("agent.shared_secret shown as %q, want (set)", info.Value)
		}
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "secrets.toml")}
	if err := f.Set("agent.shared_secret", "s3cret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := f.Get("agent.shared_secret")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Get = %q, want s3cret", got)
	}
	if _, err := f.Get("llm.api_key"); err == nil {
		t.Error("expected error for missing secret")
	}
}
