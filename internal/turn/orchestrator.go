// Package turn drives the bounded LLM tool-calling loop for one user turn
// and streams the resulting assistant bubbles through an event sink.
package turn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shrimp-assistant/shrimp/internal/config"
	"github.com/shrimp-assistant/shrimp/internal/llm"
	"github.com/shrimp-assistant/shrimp/internal/memory"
	"github.com/shrimp-assistant/shrimp/internal/prompt"
	"github.com/shrimp-assistant/shrimp/internal/store"
	"github.com/shrimp-assistant/shrimp/internal/tools"
)

const (
	maxLoopIterations = 8

	tokenChunkRunes  = 20
	tokenDelay       = 14 * time.Millisecond
	bubbleDelay      = 120 * time.Millisecond
	fallbackBubble   = "Done."
	titleMaxChars    = 60
	replyPreviewLen  = 180
	excerptMaxChars  = 5_000
	outputEventChars = 800
)

// ErrBadRequest marks input validation failures that the transport maps to
// a 400.
var ErrBadRequest = errors.New("bad request")

var thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>|</?think>`)

// Options wires the orchestrator's collaborators. Sleep defaults to
// time.Sleep; tests inject a no-op.
type Options struct {
	Config *config.Config
	Store  *store.Store
	LLM    llm.Client
	Tools  *tools.Registry
	Memory *memory.Store
	Logger *slog.Logger
	Sleep  func(time.Duration)
}

type Orchestrator struct {
	cfg    *config.Config
	store  *store.Store
	llm    llm.Client
	tools  *tools.Registry
	memory *memory.Store
	logger *slog.Logger
	sleep  func(time.Duration)
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Store == nil || opts.LLM == nil || opts.Tools == nil || opts.Memory == nil {
		return nil, errors.New("turn: missing collaborator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Orchestrator{
		cfg:    opts.Config,
		store:  opts.Store,
		llm:    opts.LLM,
		tools:  opts.Tools,
		memory: opts.Memory,
		logger: logger,
		sleep:  sleep,
	}, nil
}

// Request is one inbound user turn.
type Request struct {
	ConversationID   string
	Message          string
	Model            string
	ReplyToMessageID string
	Attachments      []store.Attachment
}

// Result is what a completed turn produced.
type Result struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Bubbles        []string `json:"bubbles"`
}

func newBubbleGroupID() string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("bg_%d", time.Now().UnixNano())
	}
	return "bg_" + base64.RawURLEncoding.EncodeToString(b)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func compactPreview(s string, max int) string {
	s = collapseWhitespace(s)
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return s
}

// truncateRunes cuts s to at most max runes without splitting a character.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Run executes one turn. Events go to sink in emission order; a nil sink
// drops them.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (*Result, error) {
	if o == nil {
		return nil, errors.New("nil orchestrator")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message must not be empty", ErrBadRequest)
	}
	emit := func(e Event) {
		if sink != nil {
			sink(e)
		}
	}

	model := o.cfg.ModelOrDefault(req.Model)
	conv, err := o.store.UpsertConversation(ctx, req.ConversationID, model)
	if err != nil {
		return nil, err
	}
	emit(Event{Type: EventConversation, ConversationID: conv.ID})

	if _, err := o.store.AddMessage(ctx, conv.ID, store.RoleUser, req.Message, store.AddMessageOptions{
		ReplyToMessageID: req.ReplyToMessageID,
		Attachments:      req.Attachments,
	}); err != nil {
		return nil, err
	}
	if title := compactPreview(message, titleMaxChars); title != "" {
		if err := o.store.SetConversationTitleIfDefault(ctx, conv.ID, title); err != nil {
			o.logger.Warn("title derivation failed", "conversation_id", conv.ID, "error", err)
		}
	}

	history, err := o.buildHistory(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	memoryItems, err := o.memory.List()
	if err != nil {
		o.logger.Warn("memory load failed", "error", err)
	}
	system := prompt.Build(memoryItems)

	finalText, err := o.runLoop(ctx, conv.ID, model, system, history, emit)
	if err != nil {
		emit(Event{Type: EventError, ConversationID: conv.ID, Error: err.Error()})
		return nil, err
	}

	bubbles := SplitBubbles(finalText)
	if len(bubbles) == 0 {
		bubbles = []string{fallbackBubble}
	}

	groupID := newBubbleGroupID()
	messageIDs := make([]string, 0, len(bubbles))
	for i, bubble := range bubbles {
		msg, err := o.store.AddMessage(ctx, conv.ID, store.RoleAssistant, bubble, store.AddMessageOptions{BubbleGroupID: groupID})
		if err != nil {
			emit(Event{Type: EventError, ConversationID: conv.ID, Error: err.Error()})
			return nil, err
		}
		messageIDs = append(messageIDs, msg.ID)

		emit(Event{Type: EventBubbleStart, ConversationID: conv.ID, BubbleID: msg.ID})
		for _, chunk := range chunkRunes(bubble, tokenChunkRunes) {
			emit(Event{Type: EventToken, BubbleID: msg.ID, Value: chunk})
			o.sleep(tokenDelay)
		}
		if i < len(bubbles)-1 {
			o.sleep(bubbleDelay)
		}
	}

	emit(Event{Type: EventAssistantDone, ConversationID: conv.ID, MessageIDs: messageIDs})
	return &Result{ConversationID: conv.ID, MessageIDs: messageIDs, Bubbles: bubbles}, nil
}

// runLoop is the bounded LLM round trip; it returns the accumulated
// assistant text once the model stops calling tools.
func (o *Orchestrator) runLoop(ctx context.Context, conversationID, model, system string, history []llm.Message, emit Sink) (string, error) {
	working := history
	defs := o.tools.Definitions()
	var final []string

	for round := 0; round < maxLoopIterations; round++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("turn canceled: %w", err)
		}

		resp, err := o.llm.ChatCompletion(ctx, llm.ChatRequest{
			Model:    model,
			System:   system,
			Messages: working,
			Tools:    defs,
		})
		if err != nil {
			return "", err
		}
		if resp == nil {
			break
		}

		content := strings.TrimSpace(thinkBlock.ReplaceAllString(resp.Content, ""))
		if content != "" {
			final = append(final, content)
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		working = append(working, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			toolMsg, err := o.dispatchToolCall(ctx, conversationID, tc, emit)
			if err != nil {
				return "", err
			}
			working = append(working, toolMsg)
		}
	}

	return strings.Join(final, "\n\n"), nil
}

// dispatchToolCall persists, runs and reports one tool call. Tool failures
// are folded into the result; only storage failures propagate.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, conversationID string, tc llm.ToolCall, emit Sink) (llm.Message, error) {
	rec, err := o.store.AddToolCall(ctx, conversationID, tc.Name, tc.ArgsJSON)
	if err != nil {
		return llm.Message{}, err
	}
	emit(Event{Type: EventToolCallStarted, ConversationID: conversationID, ToolCallID: rec.ID, ToolName: tc.Name, Args: tc.ArgsJSON})

	// Tolerant parse: a malformed argument object becomes an empty one.
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.ArgsJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{}
		}
	}

	output, runErr := o.tools.Run(ctx, tc.Name, args)
	ok := runErr == nil
	if !ok {
		output = map[string]any{"error": runErr.Error()}
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		outputJSON = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		ok = false
	}

	if err := o.store.CompleteToolCall(ctx, rec.ID, ok, string(outputJSON)); err != nil {
		return llm.Message{}, err
	}

	preview := truncateRunes(string(outputJSON), outputEventChars)
	emit(Event{Type: EventToolCallOutput, ToolCallID: rec.ID, Output: preview})
	emit(Event{Type: EventToolCallFinished, ToolCallID: rec.ID, OK: &ok, Output: preview})

	o.logger.Debug("tool call finished", "tool", tc.Name, "ok", ok, "tool_call_id", rec.ID)

	return llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: string(outputJSON)}, nil
}

// buildHistory converts the persisted transcript into LLM messages,
// rewriting replies and summarizing attachments.
func (o *Orchestrator) buildHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	msgs, err := o.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		switch m.Role {
		case store.RoleUser:
			if len(m.Attachments) > 0 {
				content += "\n\n" + attachmentBlock(m.Attachments)
			}
			if m.ReplyToMessageID != "" {
				if replied := byID[m.ReplyToMessageID]; replied != nil {
					content = fmt.Sprintf("Context from replied message: %q\n\nUser reply: %s",
						compactPreview(replied.Content, replyPreviewLen), content)
				}
			}
			out = append(out, llm.Message{Role: llm.RoleUser, Content: content})
		case store.RoleAssistant:
			if strings.TrimSpace(content) != "" {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: content})
			}
		case store.RoleSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: content})
		}
	}
	return out, nil
}

func attachmentBlock(attachments []store.Attachment) string {
	var b strings.Builder
	b.WriteString("[Attached files]\n")
	for _, a := range attachments {
		switch a.Kind {
		case "image":
			fmt.Fprintf(&b, "- %s (%s, %d bytes): image file attached by user\n", a.Name, a.MimeType, a.Size)
		case "text":
			excerpt := a.TextExcerpt
			if len(excerpt) > excerptMaxChars {
				excerpt = excerpt[:excerptMaxChars]
			}
			fmt.Fprintf(&b, "- %s (%s, %d bytes):\n%s\n", a.Name, a.MimeType, a.Size, excerpt)
		default:
			fmt.Fprintf(&b, "- %s (%s, %d bytes): binary file attached by user\n", a.Name, a.MimeType, a.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
