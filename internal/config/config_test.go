package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_EnvOverridesAndDefaults(t *testing.T) {
	t.Setenv("SHRIMP_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("OPENAI_ALLOWED_MODELS", "gpt-4.1, gpt-4o ,")
	t.Setenv("SHRIMP_MAX_SESSIONS", "3")
	t.Setenv("SHRIMP_COMMAND_TIMEOUT_MS", "")
	t.Setenv("SHRIMP_PROVIDER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Fatalf("Provider=%q, want openai", cfg.Provider)
	}
	if cfg.DefaultModel != DefaultModel {
		t.Fatalf("DefaultModel=%q, want %q", cfg.DefaultModel, DefaultModel)
	}
	if len(cfg.AllowedModels) != 2 || cfg.AllowedModels[0] != "gpt-4.1" || cfg.AllowedModels[1] != "gpt-4o" {
		t.Fatalf("AllowedModels=%v", cfg.AllowedModels)
	}
	if cfg.MaxSessions != 3 {
		t.Fatalf("MaxSessions=%d, want 3", cfg.MaxSessions)
	}
	if cfg.CommandTimeoutMS != DefaultCommandTimeout {
		t.Fatalf("CommandTimeoutMS=%d, want default", cfg.CommandTimeoutMS)
	}
	if cfg.MaxOutputChars != DefaultMaxOutputChars {
		t.Fatalf("MaxOutputChars=%d, want default", cfg.MaxOutputChars)
	}
}

func TestLoad_YAMLFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shrimp.yaml")
	body := "provider: openai\nopenai_api_key: from-file\ndefault_model: gpt-4o\nlisten_addr: \":9999\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SHRIMP_CONFIG", path)
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("OPENAI_ALLOWED_MODELS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAIAPIKey != "from-env" {
		t.Fatalf("OpenAIAPIKey=%q, want env to win", cfg.OpenAIAPIKey)
	}
	if cfg.DefaultModel != "gpt-4o" {
		t.Fatalf("DefaultModel=%q, want gpt-4o", cfg.DefaultModel)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
}

func TestValidate_MissingKey(t *testing.T) {
	cfg := &Config{Provider: "anthropic"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing anthropic key")
	}
}

func TestModelOrDefault(t *testing.T) {
	t.Parallel()

	cfg := &Config{DefaultModel: "gpt-4.1-mini", AllowedModels: []string{"gpt-4o"}}
	if got := cfg.ModelOrDefault(""); got != "gpt-4.1-mini" {
		t.Fatalf("empty: got %q", got)
	}
	if got := cfg.ModelOrDefault("gpt-4o"); got != "gpt-4o" {
		t.Fatalf("allowed: got %q", got)
	}
	if got := cfg.ModelOrDefault("o3-pro"); got != "gpt-4.1-mini" {
		t.Fatalf("disallowed: got %q", got)
	}
	if got := cfg.ModelOrDefault("gpt-4.1-mini"); got != "gpt-4.1-mini" {
		t.Fatalf("default always allowed: got %q", got)
	}
}
