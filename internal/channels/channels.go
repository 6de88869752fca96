// Package channels routes inbound messages from external chat transports
// (Telegram for now) into the turn engine and sends the resulting bubbles
// back as replies.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shrimp-assistant/shrimp/internal/config"
	"github.com/shrimp-assistant/shrimp/internal/store"
	"github.com/shrimp-assistant/shrimp/internal/turn"
)

// Channel names.
const (
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
)

// Inbound is one message from an external chat.
type Inbound struct {
	Channel        string
	ExternalChatID string
	Text           string
}

// Handler runs a turn for an inbound message and returns the bubbles to
// send back.
type Handler func(ctx context.Context, in Inbound) ([]string, error)

// Adapter is a front-channel client. Start connects and begins delivering
// inbound messages to the handler; it returns once the channel is live.
type Adapter interface {
	Name() string
	Start(ctx context.Context, handler Handler) error
	Running() bool
}

// Status is the diagnostic view of one channel.
type Status struct {
	Channel string `json:"channel"`
	Running bool   `json:"running"`
	Detail  string `json:"detail,omitempty"`
}

type startState struct {
	done chan struct{}
	err  error
}

// Manager holds the singleton adapter per channel and deduplicates
// concurrent start requests onto one in-flight attempt.
type Manager struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	starting map[string]*startState

	cfg    *config.Config
	store  *store.Store
	orch   *turn.Orchestrator
	logger *slog.Logger
}

func NewManager(cfg *config.Config, st *store.Store, orch *turn.Orchestrator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		adapters: make(map[string]Adapter),
		starting: make(map[string]*startState),
		cfg:      cfg,
		store:    st,
		orch:     orch,
		logger:   logger,
	}
	if cfg != nil && strings.TrimSpace(cfg.TelegramBotToken) != "" {
		m.Register(NewTelegramBot(cfg.TelegramBotToken, logger))
	}
	return m
}

// Register installs an adapter; mainly useful for tests.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// HandleInbound maps the external chat to its conversation and runs a turn.
func (m *Manager) HandleInbound(ctx context.Context, in Inbound) ([]string, error) {
	if m == nil || m.store == nil || m.orch == nil {
		return nil, errors.New("channel manager not wired")
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, nil
	}
	conv, err := m.store.GetOrCreateChannelConversation(ctx, in.Channel, in.ExternalChatID, m.cfg.DefaultModel, chatTitle(in.Channel, in.ExternalChatID))
	if err != nil {
		return nil, err
	}
	res, err := m.orch.Run(ctx, turn.Request{ConversationID: conv.ID, Message: text}, nil)
	if err != nil {
		return nil, err
	}
	return res.Bubbles, nil
}

func chatTitle(channel, externalChatID string) string {
	switch channel {
	case ChannelTelegram:
		return "Telegram chat " + externalChatID
	case ChannelWhatsApp:
		return "WhatsApp chat " + externalChatID
	default:
		return channel + " chat " + externalChatID
	}
}

// Start brings up one channel, or every registered one for "all". Repeated
// calls while a start is in flight wait on that same attempt.
func (m *Manager) Start(ctx context.Context, channel string) error {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" || channel == "all" {
		m.mu.Lock()
		names := make([]string, 0, len(m.adapters))
		for name := range m.adapters {
			names = append(names, name)
		}
		m.mu.Unlock()
		var firstErr error
		for _, name := range names {
			if err := m.startOne(ctx, name); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return m.startOne(ctx, channel)
}

func (m *Manager) startOne(ctx context.Context, name string) error {
	m.mu.Lock()
	a := m.adapters[name]
	if a == nil {
		m.mu.Unlock()
		return fmt.Errorf("channel %q is not configured", name)
	}
	if a.Running() {
		m.mu.Unlock()
		return nil
	}
	if st := m.starting[name]; st != nil {
		m.mu.Unlock()
		<-st.done
		return st.err
	}
	st := &startState{done: make(chan struct{})}
	m.starting[name] = st
	m.mu.Unlock()

	st.err = a.Start(ctx, m.HandleInbound)
	close(st.done)

	m.mu.Lock()
	delete(m.starting, name)
	m.mu.Unlock()

	if st.err != nil {
		m.logger.Error("channel start failed", "channel", name, "error", st.err)
	} else {
		m.logger.Info("channel started", "channel", name)
	}
	return st.err
}

// StatusAll reports every known channel, including unconfigured ones.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, 2)
	for _, name := range []string{ChannelTelegram, ChannelWhatsApp} {
		a := m.adapters[name]
		s := Status{Channel: name}
		if a == nil {
			s.Detail = "not configured"
		} else {
			s.Running = a.Running()
		}
		out = append(out, s)
	}
	return out
}
