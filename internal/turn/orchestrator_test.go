package turn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shrimp-assistant/shrimp/internal/config"
	"github.com/shrimp-assistant/shrimp/internal/llm"
	"github.com/shrimp-assistant/shrimp/internal/memory"
	"github.com/shrimp-assistant/shrimp/internal/shell"
	"github.com/shrimp-assistant/shrimp/internal/store"
	"github.com/shrimp-assistant/shrimp/internal/tools"
)

type fakeStep struct {
	resp *llm.ChatResponse
	err  error
}

// fakeLLM replays scripted responses and records every request it saw.
type fakeLLM struct {
	steps []fakeStep
	calls []llm.ChatRequest
}

func (f *fakeLLM) ChatCompletion(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls = append(f.calls, req)
	if len(f.steps) == 0 {
		return nil, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.resp, step.err
}

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	llm   *fakeLLM
}

func newFixture(t *testing.T, steps ...fakeStep) *fixture {
	t.Helper()

	cfg := &config.Config{Provider: "openai", OpenAIAPIKey: "test"}
	cfg.ApplyDefaults()

	st, err := store.Open(filepath.Join(t.TempDir(), "shrimp.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mem, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.json"))
	if err != nil {
		t.Fatalf("memory.NewStore: %v", err)
	}

	shells := shell.NewManager(shell.Options{Shell: "/bin/bash"})
	t.Cleanup(shells.Close)

	client := &fakeLLM{steps: steps}
	orch, err := New(Options{
		Config: cfg,
		Store:  st,
		LLM:    client,
		Tools:  tools.NewRegistry(shells, mem, nil),
		Memory: mem,
		Sleep:  func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{orch: orch, store: st, llm: client}
}

func collectSink(events *[]Event) Sink {
	return func(e Event) { *events = append(*events, e) }
}

func TestRunSimpleEcho(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: "hi there."}})
	ctx := context.Background()

	var events []Event
	res, err := fx.orch.Run(ctx, Request{Message: "say hi"}, collectSink(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Bubbles) != 1 || res.Bubbles[0] != "hi there." {
		t.Fatalf("bubbles=%v", res.Bubbles)
	}

	if events[0].Type != EventConversation || events[0].ConversationID != res.ConversationID {
		t.Fatalf("first event=%+v", events[0])
	}
	var tokens strings.Builder
	sawBubbleStart := false
	for _, e := range events {
		switch e.Type {
		case EventBubbleStart:
			sawBubbleStart = true
		case EventToken:
			if !sawBubbleStart {
				t.Fatalf("token before bubble_start")
			}
			tokens.WriteString(e.Value)
		}
	}
	if tokens.String() != "hi there." {
		t.Fatalf("tokens=%q", tokens.String())
	}
	if last := events[len(events)-1]; last.Type != EventAssistantDone || len(last.MessageIDs) != 1 {
		t.Fatalf("last event=%+v", last)
	}

	msgs, err := fx.store.ListMessages(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	assistant := 0
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			assistant++
		}
	}
	if assistant != 1 {
		t.Fatalf("assistant messages=%d", assistant)
	}

	conv, _ := fx.store.GetConversation(ctx, res.ConversationID)
	if conv.Title != "say hi" {
		t.Fatalf("title=%q", conv.Title)
	}
}

func TestRunEmptyMessage(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.orch.Run(context.Background(), Request{Message: "   "}, nil); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err=%v, want ErrBadRequest", err)
	}
}

func TestRunCommandAndSummary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	fx := newFixture(t,
		fakeStep{resp: &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID:       "call_1",
			Name:     "run_command",
			ArgsJSON: `{"command":"echo shrimp"}`,
		}}}},
		fakeStep{resp: &llm.ChatResponse{Content: "Got: shrimp"}},
	)
	ctx := context.Background()

	var events []Event
	res, err := fx.orch.Run(ctx, Request{Message: "echo shrimp and tell me"}, collectSink(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Bubbles) != 1 || res.Bubbles[0] != "Got: shrimp" {
		t.Fatalf("bubbles=%v", res.Bubbles)
	}

	var started, finished *Event
	for i := range events {
		switch events[i].Type {
		case EventToolCallStarted:
			started = &events[i]
		case EventToolCallFinished:
			finished = &events[i]
		}
	}
	if started == nil || started.ToolName != "run_command" {
		t.Fatalf("started=%+v", started)
	}
	if finished == nil || finished.OK == nil || !*finished.OK {
		t.Fatalf("finished=%+v", finished)
	}

	calls, err := fx.store.ListToolCalls(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != store.ToolCallSuccess {
		t.Fatalf("calls=%+v", calls)
	}

	// Round 2 must carry the tool result back, keyed by the provider id.
	if len(fx.llm.calls) != 2 {
		t.Fatalf("llm calls=%d", len(fx.llm.calls))
	}
	second := fx.llm.calls[1].Messages
	toolMsg := second[len(second)-1]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "call_1" {
		t.Fatalf("tool message=%+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "shrimp") {
		t.Fatalf("tool content=%q", toolMsg.Content)
	}
}

func TestRunToolFailureIsRecovered(t *testing.T) {
	fx := newFixture(t,
		fakeStep{resp: &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID:       "call_1",
			Name:     "no_such_tool",
			ArgsJSON: `{`,
		}}}},
		fakeStep{resp: &llm.ChatResponse{Content: "That tool does not exist."}},
	)
	ctx := context.Background()

	var events []Event
	res, err := fx.orch.Run(ctx, Request{Message: "try it"}, collectSink(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Bubbles[0] != "That tool does not exist." {
		t.Fatalf("bubbles=%v", res.Bubbles)
	}

	calls, _ := fx.store.ListToolCalls(ctx, res.ConversationID)
	if len(calls) != 1 || calls[0].Status != store.ToolCallError {
		t.Fatalf("calls=%+v", calls)
	}
	if !strings.Contains(calls[0].ResultJSON, "error") {
		t.Fatalf("result=%q", calls[0].ResultJSON)
	}
}

func TestRunFallbackBubble(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: "  "}})
	res, err := fx.orch.Run(context.Background(), Request{Message: "do it quietly"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Bubbles) != 1 || res.Bubbles[0] != "Done." {
		t.Fatalf("bubbles=%v", res.Bubbles)
	}
}

func TestRunUpstreamErrorSurfaces(t *testing.T) {
	fx := newFixture(t, fakeStep{err: errors.New("upstream down")})
	ctx := context.Background()

	var events []Event
	_, err := fx.orch.Run(ctx, Request{Message: "hello"}, collectSink(&events))
	if err == nil || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("err=%v", err)
	}
	last := events[len(events)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "upstream down") {
		t.Fatalf("last event=%+v", last)
	}

	// Only the user message was persisted.
	convID := events[0].ConversationID
	msgs, _ := fx.store.ListMessages(ctx, convID)
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			t.Fatalf("assistant message persisted after upstream error")
		}
	}
}

func TestRunReplyToRewrite(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: "ok."}})
	ctx := context.Background()

	conv, err := fx.store.CreateConversation(ctx, "gpt-4.1-mini", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	original, err := fx.store.AddMessage(ctx, conv.ID, store.RoleAssistant, "The backup lives in /srv/backups.", store.AddMessageOptions{})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	_, err = fx.orch.Run(ctx, Request{
		ConversationID:   conv.ID,
		Message:          "move it to /data",
		ReplyToMessageID: original.ID,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := fx.llm.calls[0].Messages
	lastUser := msgs[len(msgs)-1]
	if lastUser.Role != llm.RoleUser {
		t.Fatalf("last message role=%q", lastUser.Role)
	}
	if !strings.Contains(lastUser.Content, `Context from replied message: "The backup lives in /srv/backups."`) {
		t.Fatalf("content=%q", lastUser.Content)
	}
	if !strings.Contains(lastUser.Content, "User reply: move it to /data") {
		t.Fatalf("content=%q", lastUser.Content)
	}
}

func TestRunStripsThinkTags(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: "<think>secret planning</think>All set."}})
	res, err := fx.orch.Run(context.Background(), Request{Message: "go"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Bubbles) != 1 || res.Bubbles[0] != "All set." {
		t.Fatalf("bubbles=%v", res.Bubbles)
	}
}

func TestRunModelFallsBackToDefault(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: "hello."}})
	_, err := fx.orch.Run(context.Background(), Request{Message: "hi", Model: "not-allowed-model"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fx.llm.calls[0].Model; got != config.DefaultModel {
		t.Fatalf("model=%q", got)
	}
}

func TestTriggerRunFinalResult(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{
		Content: "Found it.\n\nThe answer is <final_result>/tmp/x.txt</final_result>",
	}})
	ctx := context.Background()

	res, err := fx.orch.TriggerRun(ctx, TriggerRequest{Message: "Find X", Trigger: "manual"})
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if res.FinalResult != "/tmp/x.txt" {
		t.Fatalf("finalResult=%q", res.FinalResult)
	}
	if res.Run.Status != store.TriggerRunSuccess || res.Run.FinalResult != "/tmp/x.txt" {
		t.Fatalf("run=%+v", res.Run)
	}
	if res.Run.TriggerKind != "manual" || res.Run.ConversationID != res.ConversationID {
		t.Fatalf("run=%+v", res.Run)
	}
	if res.ResultPreview == "" || len(res.ResultPreview) > resultPreviewChars {
		t.Fatalf("preview=%q", res.ResultPreview)
	}

	// The synthesized message reminds the model of the result convention.
	if !strings.Contains(fx.llm.calls[0].Messages[0].Content, "<final_result>") {
		t.Fatalf("autonomy block missing:\n%s", fx.llm.calls[0].Messages[0].Content)
	}
}

func TestTriggerRunDefaultsToAPI(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: "done."}})
	res, err := fx.orch.TriggerRun(context.Background(), TriggerRequest{Message: "ping"})
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if res.Run.TriggerKind != "api" {
		t.Fatalf("kind=%q", res.Run.TriggerKind)
	}
}

func TestTriggerRunPayloadEmbedded(t *testing.T) {
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: "done."}})
	_, err := fx.orch.TriggerRun(context.Background(), TriggerRequest{
		Message: "Summarize the push",
		Payload: map[string]any{"event": "push", "commits": 3},
	})
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	synth := fx.llm.calls[0].Messages[0].Content
	if !strings.Contains(synth, `"event": "push"`) {
		t.Fatalf("payload missing:\n%s", synth)
	}
}

func TestTriggerRunErrorRecorded(t *testing.T) {
	fx := newFixture(t, fakeStep{err: errors.New("upstream down")})
	ctx := context.Background()

	_, err := fx.orch.TriggerRun(ctx, TriggerRequest{Message: "Find X"})
	if err == nil {
		t.Fatalf("expected error")
	}

	runs, lerr := fx.store.ListTriggerRuns(ctx, 10)
	if lerr != nil {
		t.Fatalf("ListTriggerRuns: %v", lerr)
	}
	if len(runs) != 1 {
		t.Fatalf("runs=%d", len(runs))
	}
	if runs[0].Status != store.TriggerRunError || !strings.Contains(runs[0].Error, "upstream down") {
		t.Fatalf("run=%+v", runs[0])
	}
}

func TestRunLoopBounded(t *testing.T) {
	// A model that never stops calling tools gets cut off.
	steps := make([]fakeStep, 0, maxLoopIterations+2)
	for i := 0; i < maxLoopIterations+2; i++ {
		steps = append(steps, fakeStep{resp: &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID:       fmt.Sprintf("call_%d", i),
			Name:     "list_system_prompt_memory",
			ArgsJSON: `{}`,
		}}}})
	}
	fx := newFixture(t, steps...)

	res, err := fx.orch.Run(context.Background(), Request{Message: "loop forever"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fx.llm.calls) != maxLoopIterations {
		t.Fatalf("llm calls=%d, want %d", len(fx.llm.calls), maxLoopIterations)
	}
	if res.Bubbles[0] != "Done." {
		t.Fatalf("bubbles=%v", res.Bubbles)
	}
}

func TestTruncateRunesKeepsCharactersIntact(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", outputEventChars+10)
	got := truncateRunes(s, outputEventChars)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated string is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != outputEventChars {
		t.Fatalf("runes=%d, want %d", n, outputEventChars)
	}
	if short := truncateRunes("abc", 10); short != "abc" {
		t.Fatalf("short string changed: %q", short)
	}
}

func TestTriggerRunPreviewTruncatesRunes(t *testing.T) {
	text := strings.Repeat("ü", resultPreviewChars+40) + "."
	fx := newFixture(t, fakeStep{resp: &llm.ChatResponse{Content: text}})

	res, err := fx.orch.TriggerRun(context.Background(), TriggerRequest{Message: "long answer"})
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if !utf8.ValidString(res.ResultPreview) {
		t.Fatalf("preview is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(res.ResultPreview); n != resultPreviewChars {
		t.Fatalf("preview runes=%d, want %d", n, resultPreviewChars)
	}
}
