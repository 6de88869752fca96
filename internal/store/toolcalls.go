package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const (
	ToolCallRunning = "running"
	ToolCallSuccess = "success"
	ToolCallError   = "error"
)

type ToolCallRecord struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversation_id"`
	ToolName        string `json:"tool_name"`
	ArgsJSON        string `json:"args_json"`
	Status          string `json:"status"`
	ResultJSON      string `json:"result_json,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

const toolCallColumns = `tool_call_id, conversation_id, tool_name, args_json, status, result_json, created_at_unix_ms`

func scanToolCall(row interface{ Scan(...any) error }) (*ToolCallRecord, error) {
	var tc ToolCallRecord
	if err := row.Scan(&tc.ID, &tc.ConversationID, &tc.ToolName, &tc.ArgsJSON, &tc.Status, &tc.ResultJSON, &tc.CreatedAtUnixMs); err != nil {
		return nil, err
	}
	return &tc, nil
}

// AddToolCall records a tool invocation in the running state.
func (s *Store) AddToolCall(ctx context.Context, conversationID string, toolName string, argsJSON string) (*ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	toolName = strings.TrimSpace(toolName)
	if conversationID == "" || toolName == "" {
		return nil, errors.New("missing conversation id or tool name")
	}
	id, err := newID("tc_")
	if err != nil {
		return nil, err
	}
	now := nowUnixMs()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO tool_calls (tool_call_id, conversation_id, tool_name, args_json, status, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, id, conversationID, toolName, argsJSON, ToolCallRunning, now); err != nil {
		return nil, err
	}
	return &ToolCallRecord{
		ID:              id,
		ConversationID:  conversationID,
		ToolName:        toolName,
		ArgsJSON:        argsJSON,
		Status:          ToolCallRunning,
		CreatedAtUnixMs: now,
	}, nil
}

// CompleteToolCall moves a running tool call to its terminal status. A call
// that is already terminal stays unchanged.
func (s *Store) CompleteToolCall(ctx context.Context, toolCallID string, ok bool, resultJSON string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return errors.New("missing tool call id")
	}
	status := ToolCallSuccess
	if !ok {
		status = ToolCallError
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE tool_calls SET status = ?, result_json = ?
WHERE tool_call_id = ? AND status = ?
`, status, resultJSON, toolCallID, ToolCallRunning)
	return err
}

func (s *Store) ListToolCalls(ctx context.Context, conversationID string) ([]ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+toolCallColumns+`
FROM tool_calls
WHERE conversation_id = ?
ORDER BY created_at_unix_ms ASC, tool_call_id ASC
`, strings.TrimSpace(conversationID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ToolCallRecord, 0, 8)
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

// GetToolCall returns nil when the id is unknown.
func (s *Store) GetToolCall(ctx context.Context, toolCallID string) (*ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return nil, nil
	}
	tc, err := scanToolCall(s.db.QueryRowContext(ctx, `
SELECT `+toolCallColumns+`
FROM tool_calls
WHERE tool_call_id = ?
`, toolCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tc, nil
}

// GetOrCreateChannelConversation maps an external chat (telegram chat id,
// whatsapp jid) to its dedicated conversation, creating both the link and
// the conversation on first contact.
func (s *Store) GetOrCreateChannelConversation(ctx context.Context, channel string, externalChatID string, model string, title string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	channel = strings.TrimSpace(channel)
	externalChatID = strings.TrimSpace(externalChatID)
	if channel == "" || externalChatID == "" {
		return nil, errors.New("missing channel or external chat id")
	}

	var conversationID string
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id FROM channel_links WHERE channel = ? AND external_chat_id = ?
`, channel, externalChatID).Scan(&conversationID)
	if err == nil {
		c, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
		// Dangling link; drop it and fall through to recreate.
		if _, err := s.db.ExecContext(ctx, `
DELETE FROM channel_links WHERE channel = ? AND external_chat_id = ?
`, channel, externalChatID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	c, err := s.CreateConversation(ctx, model, title)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO channel_links (channel, external_chat_id, conversation_id, created_at_unix_ms)
VALUES (?, ?, ?, ?)
`, channel, externalChatID, c.ID, nowUnixMs()); err != nil {
		return nil, err
	}
	return c, nil
}
