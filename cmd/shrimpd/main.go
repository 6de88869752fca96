// Command shrimpd runs the Shrimp assistant: the HTTP/SSE API, the shell
// session pool and the optional messaging channels.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/shrimp-assistant/shrimp/internal/channels"
	"github.com/shrimp-assistant/shrimp/internal/config"
	"github.com/shrimp-assistant/shrimp/internal/httpapi"
	"github.com/shrimp-assistant/shrimp/internal/llm"
	"github.com/shrimp-assistant/shrimp/internal/memory"
	"github.com/shrimp-assistant/shrimp/internal/shell"
	"github.com/shrimp-assistant/shrimp/internal/store"
	"github.com/shrimp-assistant/shrimp/internal/tools"
	"github.com/shrimp-assistant/shrimp/internal/turn"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shrimpd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	mem, err := memory.NewStore(cfg.MemoryPath)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}

	shells := shell.NewManager(shell.Options{
		Shell:            cfg.Shell,
		MaxSessions:      cfg.MaxSessions,
		MaxOutputChars:   cfg.MaxOutputChars,
		DefaultTimeoutMS: cfg.CommandTimeoutMS,
		SessionTTL:       time.Duration(cfg.SessionTTLMS) * time.Millisecond,
		Logger:           logger,
	})
	defer shells.Close()

	client, err := llm.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	orch, err := turn.New(turn.Options{
		Config: cfg,
		Store:  st,
		LLM:    client,
		Tools:  tools.NewRegistry(shells, mem, logger),
		Memory: mem,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init turn engine: %w", err)
	}

	chans := channels.NewManager(cfg, st, orch, logger)

	srv, err := httpapi.New(httpapi.Options{
		Config:   cfg,
		Store:    st,
		Turn:     orch,
		Shells:   shells,
		Channels: chans,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TelegramBotToken != "" {
		if err := chans.Start(ctx, channels.ChannelTelegram); err != nil {
			logger.Warn("telegram channel did not start", "error", err)
		}
	}

	logger.Info("shrimpd starting",
		"addr", cfg.ListenAddr,
		"provider", cfg.Provider,
		"model", cfg.DefaultModel,
		"db", cfg.DBPath,
	)
	return srv.Run(ctx)
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "", "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}
