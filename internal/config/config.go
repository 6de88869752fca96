package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for shrimpd.
//
// Values come from the environment (see Load). A YAML file named by
// SHRIMP_CONFIG may pre-populate fields; environment variables win.
type Config struct {
	// Provider is "openai", "openai_compatible" or "anthropic".
	Provider string `yaml:"provider"`

	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// DefaultModel is used when a request names no model (or one outside
	// AllowedModels).
	DefaultModel string `yaml:"default_model"`
	// AllowedModels is the model allow-list. Empty means "default only".
	AllowedModels []string `yaml:"allowed_models"`

	// DBPath is the sqlite database file.
	DBPath string `yaml:"db_path"`
	// MemoryPath is the persistent system-prompt memory JSON file.
	MemoryPath string `yaml:"memory_path"`

	// Shell is the shell program for sessions. Empty picks a platform default.
	Shell string `yaml:"shell"`

	MaxSessions      int   `yaml:"max_sessions"`
	CommandTimeoutMS int64 `yaml:"command_timeout_ms"`
	MaxOutputChars   int   `yaml:"max_output_chars"`
	SessionTTLMS     int64 `yaml:"session_ttl_ms"`

	TelegramBotToken string `yaml:"telegram_bot_token"`

	ListenAddr string `yaml:"listen_addr"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level"`
}

const (
	DefaultModel          = "gpt-4.1-mini"
	DefaultDBPath         = "data/shrimp.db"
	DefaultMemoryPath     = "data/system-prompt-memory.json"
	DefaultListenAddr     = ":8390"
	DefaultMaxSessions    = 8
	DefaultCommandTimeout = int64(30_000)
	DefaultMaxOutputChars = 20_000
	DefaultSessionTTLMS   = int64(30 * 60 * 1000)
)

// Load builds a Config from the process environment, overlaying an optional
// YAML file named by SHRIMP_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := strings.TrimSpace(os.Getenv("SHRIMP_CONFIG")); path != "" {
		b, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlayEnv(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Provider, "SHRIMP_PROVIDER")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.DefaultModel, "OPENAI_MODEL")
	setString(&cfg.DBPath, "SHRIMP_DB_PATH")
	setString(&cfg.MemoryPath, "SHRIMP_MEMORY_PATH")
	setString(&cfg.Shell, "SHRIMP_SHELL")
	setString(&cfg.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.ListenAddr, "SHRIMP_LISTEN_ADDR")
	setString(&cfg.LogFormat, "SHRIMP_LOG_FORMAT")
	setString(&cfg.LogLevel, "SHRIMP_LOG_LEVEL")

	if v := strings.TrimSpace(os.Getenv("OPENAI_ALLOWED_MODELS")); v != "" {
		cfg.AllowedModels = splitModels(v)
	}
	if n, ok := envInt("SHRIMP_MAX_SESSIONS"); ok {
		cfg.MaxSessions = int(n)
	}
	if n, ok := envInt("SHRIMP_COMMAND_TIMEOUT_MS"); ok {
		cfg.CommandTimeoutMS = n
	}
	if n, ok := envInt("SHRIMP_MAX_OUTPUT_CHARS"); ok {
		cfg.MaxOutputChars = int(n)
	}
	if n, ok := envInt("SHRIMP_SESSION_TTL_MS"); ok {
		cfg.SessionTTLMS = n
	}
}

func envInt(key string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitModels(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDefaults fills every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Provider) == "" {
		c.Provider = "openai"
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		c.DefaultModel = DefaultModel
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = DefaultDBPath
	}
	if strings.TrimSpace(c.MemoryPath) == "" {
		c.MemoryPath = DefaultMemoryPath
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.CommandTimeoutMS <= 0 {
		c.CommandTimeoutMS = DefaultCommandTimeout
	}
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = DefaultMaxOutputChars
	}
	if c.SessionTTLMS <= 0 {
		c.SessionTTLMS = DefaultSessionTTLMS
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.Shell) == "" {
		c.Shell = DefaultShell()
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "openai", "openai_compatible":
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			return errors.New("missing OPENAI_API_KEY")
		}
	case "anthropic":
		if strings.TrimSpace(c.AnthropicAPIKey) == "" {
			return errors.New("missing ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

// ModelOrDefault returns model when it is on the allow-list, else the
// default model. The default model is always allowed.
func (c *Config) ModelOrDefault(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return c.DefaultModel
	}
	if model == c.DefaultModel {
		return model
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return model
		}
	}
	return c.DefaultModel
}

// DefaultShell resolves the platform default shell program.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		if v := strings.TrimSpace(os.Getenv("ComSpec")); v != "" {
			return v
		}
		return `C:\Windows\System32\cmd.exe`
	}
	if v := strings.TrimSpace(os.Getenv("SHELL")); v != "" {
		return v
	}
	return "/bin/bash"
}
