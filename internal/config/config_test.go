package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndParsesProviders(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
hub:
  url: http://homeassistant.local:8123
  token: abc123
llm:
  default_provider: anthropic
  providers:
    anthropic:
      kind: anthropic
      api_key: sk-ant-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.URL != "http://homeassistant.local:8123" {
		t.Fatalf("unexpected hub url: %q", cfg.Hub.URL)
	}
	if cfg.Notebook.Path != "." {
		t.Fatalf("expected default notebook path, got %q", cfg.Notebook.Path)
	}
	if cfg.Server.Port != 8099 {
		t.Fatalf("expected default port 8099, got %d", cfg.Server.Port)
	}
	p, ok := cfg.LLM.Providers["anthropic"]
	if !ok {
		t.Fatalf("expected anthropic provider")
	}
	if p.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", p.MaxRetries)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
hub:
  url: http://base.local:8123
llm:
  default_provider: anthropic
  providers:
    anthropic:
      kind: anthropic
      api_key: sk-ant-base
`)
	path := writeConfigFile(t, dir, "config.yaml", `
$include: base.yaml
hub:
  token: overridden-token
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.URL != "http://base.local:8123" {
		t.Fatalf("expected included hub url, got %q", cfg.Hub.URL)
	}
	if cfg.Hub.Token != "overridden-token" {
		t.Fatalf("expected override to win, got %q", cfg.Hub.Token)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("BEATRIX_TEST_TOKEN", "env-token-value")
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
hub:
  url: http://homeassistant.local:8123
  token: ${BEATRIX_TEST_TOKEN}
llm:
  default_provider: anthropic
  providers:
    anthropic:
      kind: anthropic
      api_key: sk-ant-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Token != "env-token-value" {
		t.Fatalf("expected expanded env var, got %q", cfg.Hub.Token)
	}
}

func TestLoadRejectsMissingHubURL(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      kind: anthropic
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing hub.url")
	}
}

func TestLoadAppliesAnthropicAPIKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
hub:
  url: http://homeassistant.local:8123
llm:
  default_provider: anthropic
  providers:
    anthropic:
      kind: anthropic
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Providers["anthropic"].APIKey != "sk-ant-from-env" {
		t.Fatalf("expected env override to populate api key, got %q", cfg.LLM.Providers["anthropic"].APIKey)
	}
}
