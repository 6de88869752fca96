// Package llm abstracts the chat-completion providers behind one interface
// so the orchestrator and tests never touch SDK types directly.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/shrimp-assistant/shrimp/internal/config"
)

// Role values used in chat history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string
	Name     string
	ArgsJSON string
}

// Message is one entry of the working history. Tool results carry the
// ToolCallID of the call they answer.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDef declares a tool to the model. InputSchema is a JSON-Schema object.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDef
}

// ChatResponse is the assistant's reply: text, tool calls, or both. A nil
// response with nil error means the model produced nothing.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is a single chat-completion round trip.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewClient builds the provider adapter named by the configuration.
func NewClient(cfg *config.Config) (Client, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "openai_compatible":
		return newOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case "anthropic":
		return newAnthropicClient(cfg.AnthropicAPIKey), nil
	default:
		return nil, errors.New("unsupported provider " + cfg.Provider)
	}
}
