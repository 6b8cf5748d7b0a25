// Package config loads the beatrix configuration file: hub connection
// details, LLM provider credentials, notebook location, and server/logging
// settings. Files are YAML (or JSON5) with $include directives and
// environment-variable expansion, run through an
// apply-defaults/env-overrides/validate pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level configuration for the automation runtime.
type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Notebook NotebookConfig `yaml:"notebook"`
	LLM      LLMConfig      `yaml:"llm"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Timezone string         `yaml:"timezone"`
	Eval     EvalConfig     `yaml:"eval"`
}

// HubConfig is the home-automation hub's REST/WS connection.
type HubConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// NotebookConfig locates the automations/cues/memory.md directory tree.
type NotebookConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig selects the default provider and lists every configured
// provider, keyed by name; Ollama and hosted OpenAI endpoints can both
// appear under distinct keys.
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures one LLM driver instance.
type ProviderConfig struct {
	// Kind selects the driver: "anthropic" or "openai" (the latter also
	// serves OpenAI-compatible endpoints, including Ollama, via BaseURL).
	Kind         string        `yaml:"kind"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// ServerConfig configures the `serve` CLI surface.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EvalConfig configures default `evals` CLI behavior.
type EvalConfig struct {
	Model  string `yaml:"model"`
	Driver string `yaml:"driver"`
	Num    int    `yaml:"num"`
}

// Load reads path (resolving $include directives, expanding env vars, and
// accepting YAML or JSON5 depending on extension), applies defaults and env
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Notebook.Path == "" {
		cfg.Notebook.Path = "."
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8099
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	for name, p := range cfg.LLM.Providers {
		if p.MaxRetries <= 0 {
			p.MaxRetries = 3
		}
		if p.RetryDelay <= 0 {
			p.RetryDelay = time.Second
		}
		if p.Kind == "" {
			p.Kind = name
		}
		cfg.LLM.Providers[name] = p
	}
	if cfg.Eval.Num == 0 {
		cfg.Eval.Num = 1
	}
}

// applyEnvOverrides applies the documented environment variables:
// ANTHROPIC_API_KEY, OLLAMA_HOST, OPENAI_<NAME>_KEY, PORT.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]ProviderConfig{}
	}
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		p := cfg.LLM.Providers["anthropic"]
		p.Kind = "anthropic"
		p.APIKey = key
		cfg.LLM.Providers["anthropic"] = p
	}
	if host := strings.TrimSpace(os.Getenv("OLLAMA_HOST")); host != "" {
		p := cfg.LLM.Providers["ollama"]
		p.Kind = "openai"
		p.BaseURL = host
		cfg.LLM.Providers["ollama"] = p
	}
	for name, p := range cfg.LLM.Providers {
		envName := "OPENAI_" + strings.ToUpper(name) + "_KEY"
		if key := strings.TrimSpace(os.Getenv(envName)); key != "" {
			p.APIKey = key
			if p.Kind == "" {
				p.Kind = "openai"
			}
			cfg.LLM.Providers[name] = p
		}
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
}

type validationError struct {
	issues []string
}

func (e *validationError) Error() string {
	return "config: validation failed:\n- " + strings.Join(e.issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string
	if strings.TrimSpace(cfg.Hub.URL) == "" {
		issues = append(issues, "hub.url is required")
	}
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
		}
	}
	for name, p := range cfg.LLM.Providers {
		switch p.Kind {
		case "anthropic", "openai":
		default:
			issues = append(issues, fmt.Sprintf("llm.providers[%s].kind must be \"anthropic\" or \"openai\"", name))
		}
	}
	if len(issues) > 0 {
		return &validationError{issues: issues}
	}
	return nil
}
