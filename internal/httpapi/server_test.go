package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shrimp-assistant/shrimp/internal/channels"
	"github.com/shrimp-assistant/shrimp/internal/config"
	"github.com/shrimp-assistant/shrimp/internal/llm"
	"github.com/shrimp-assistant/shrimp/internal/memory"
	"github.com/shrimp-assistant/shrimp/internal/shell"
	"github.com/shrimp-assistant/shrimp/internal/store"
	"github.com/shrimp-assistant/shrimp/internal/tools"
	"github.com/shrimp-assistant/shrimp/internal/turn"
)

type scriptedLLM struct {
	content string
	err     error
}

func (s *scriptedLLM) ChatCompletion(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.content}, nil
}

type fixture struct {
	srv   *httptest.Server
	store *store.Store
}

func newFixture(t *testing.T, client llm.Client) *fixture {
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
	shells := shell.NewManager(shell.Options{})
	t.Cleanup(shells.Close)

	orch, err := turn.New(turn.Options{
		Config: cfg,
		Store:  st,
		LLM:    client,
		Tools:  tools.NewRegistry(shells, mem, nil),
		Memory: mem,
		Sleep:  func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("turn.New: %v", err)
	}

	s, err := New(Options{
		Config:   cfg,
		Store:    st,
		Turn:     orch,
		Shells:   shells,
		Channels: channels.NewManager(cfg, st, orch, nil),
	})
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st}
}

func (f *fixture) post(t *testing.T, path string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) do(t *testing.T, method, path string, body string) *http.Response {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

// readSSE splits the response body into the JSON payload of each frame,
// asserting the stream is well-formed and [DONE]-terminated.
func readSSE(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	var raw strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		raw.Write(buf[:n])
		if err != nil {
			break
		}
	}
	frames := strings.Split(strings.TrimSpace(raw.String()), "\n\n")
	if len(frames) == 0 {
		t.Fatalf("empty stream")
	}
	last := strings.TrimSpace(frames[len(frames)-1])
	if last != "data: [DONE]" {
		t.Fatalf("stream not terminated, last frame %q", last)
	}

	var events []map[string]any
	for _, frame := range frames[:len(frames)-1] {
		payload, ok := strings.CutPrefix(strings.TrimSpace(frame), "data: ")
		if !ok {
			t.Fatalf("malformed frame %q", frame)
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			t.Fatalf("frame %q: %v", payload, err)
		}
		events = append(events, e)
	}
	return events
}

func TestChatStreamHappyPath(t *testing.T) {
	f := newFixture(t, &scriptedLLM{content: "hi there."})

	resp := f.post(t, "/api/chat/stream", `{"message":"say hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	events := readSSE(t, resp)
	if len(events) == 0 {
		t.Fatalf("no events")
	}
	if events[0]["type"] != "conversation" {
		t.Fatalf("first event %v", events[0])
	}
	convID, _ := events[0]["conversationId"].(string)
	if convID == "" {
		t.Fatalf("missing conversation id: %v", events[0])
	}

	var tokens strings.Builder
	sawDone := false
	for _, e := range events {
		switch e["type"] {
		case "token":
			tokens.WriteString(e["value"].(string))
		case "assistant_done":
			sawDone = true
		case "error":
			t.Fatalf("error event: %v", e)
		}
	}
	if !sawDone {
		t.Fatalf("no assistant_done event")
	}
	if tokens.String() != "hi there." {
		t.Fatalf("tokens=%q", tokens.String())
	}

	conv, err := f.store.GetConversation(context.Background(), convID)
	if err != nil || conv == nil {
		t.Fatalf("conversation not persisted: %v %v", conv, err)
	}
	if conv.Title != "say hi" {
		t.Fatalf("title=%q", conv.Title)
	}
}

func TestChatStreamEmptyMessage(t *testing.T) {
	f := newFixture(t, &scriptedLLM{content: "unused"})

	resp := f.post(t, "/api/chat/stream", `{"message":"   "}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestChatStreamUpstreamError(t *testing.T) {
	f := newFixture(t, &scriptedLLM{err: context.DeadlineExceeded})

	resp := f.post(t, "/api/chat/stream", `{"message":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	events := readSSE(t, resp)
	last := events[len(events)-1]
	if last["type"] != "error" || last["error"] == "" {
		t.Fatalf("last event %v", last)
	}
}

func TestConversationCRUD(t *testing.T) {
	f := newFixture(t, &scriptedLLM{content: "ok."})

	resp := f.post(t, "/api/conversations", `{"title":"scratch"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	id, _ := created["id"].(string)
	if id == "" || created["title"] != "scratch" {
		t.Fatalf("created=%v", created)
	}

	resp = f.do(t, http.MethodGet, "/api/conversations", "")
	body := decodeBody(t, resp)
	if list, ok := body["conversations"].([]any); !ok || len(list) != 1 {
		t.Fatalf("list=%v", body)
	}

	resp = f.do(t, http.MethodGet, "/api/conversations/"+id, "")
	body = decodeBody(t, resp)
	if body["conversation"].(map[string]any)["id"] != id {
		t.Fatalf("get=%v", body)
	}
	if _, ok := body["messages"].([]any); !ok {
		t.Fatalf("messages missing: %v", body)
	}

	resp = f.do(t, http.MethodPatch, "/api/conversations/"+id, `{"title":"renamed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPatch, "/api/conversations/"+id, `{"title":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank rename status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/conversations/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/conversations/"+id, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMessageUpdateAndDelete(t *testing.T) {
	f := newFixture(t, &scriptedLLM{content: "ok."})
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "gpt-4.1-mini", "t")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msg, err := f.store.AddMessage(ctx, conv.ID, store.RoleUser, "before", store.AddMessageOptions{})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	resp := f.do(t, http.MethodPatch, "/api/messages/"+msg.ID, `{"content":"after"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status=%d", resp.StatusCode)
	}
	resp.Body.Close()
	got, _ := f.store.GetMessage(ctx, msg.ID)
	if got == nil || got.Content != "after" {
		t.Fatalf("message=%v", got)
	}

	resp = f.do(t, http.MethodDelete, "/api/messages/"+msg.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/messages/"+msg.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete again status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRuntimeEndpoint(t *testing.T) {
	f := newFixture(t, &scriptedLLM{content: "ok."})

	resp := f.do(t, http.MethodGet, "/api/runtime", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["db_status"] != "ok" {
		t.Fatalf("db_status=%v", body["db_status"])
	}
	if body["provider"] != "openai" {
		t.Fatalf("provider=%v", body["provider"])
	}
	if _, ok := body["sessions"].([]any); !ok {
		t.Fatalf("sessions missing: %v", body)
	}
}

func TestJobsCreateAndList(t *testing.T) {
	f := newFixture(t, &scriptedLLM{content: "Checked it. <final_result>42</final_result>"})

	resp := f.post(t, "/api/jobs", `{"message":"count things","trigger":"manual","payload":{"target":"things"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["finalResult"] != "42" {
		t.Fatalf("finalResult=%v", body["finalResult"])
	}
	run, ok := body["run"].(map[string]any)
	if !ok || run["status"] != "success" || run["trigger_kind"] != "manual" {
		t.Fatalf("run=%v", body["run"])
	}

	resp = f.do(t, http.MethodGet, "/api/jobs?limit=10", "")
	body = decodeBody(t, resp)
	runs, ok := body["runs"].([]any)
	if !ok || len(runs) != 1 {
		t.Fatalf("runs=%v", body)
	}

	resp = f.post(t, "/api/jobs", `{"message":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.post(t, "/api/jobs", `{"message":"x","trigger":"cron"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad trigger status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChannelEndpoints(t *testing.T) {
	f := newFixture(t, &scriptedLLM{content: "ok."})

	resp := f.do(t, http.MethodGet, "/api/channels/status", "")
	body := decodeBody(t, resp)
	chs, ok := body["channels"].([]any)
	if !ok || len(chs) != 2 {
		t.Fatalf("channels=%v", body)
	}

	resp = f.post(t, "/api/channels/start", `{"channel":"whatsapp"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unconfigured start status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.post(t, "/api/channels/start", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank channel status=%d", resp.StatusCode)
	}
	resp.Body.Close()
}
