package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Attachment describes a file the user attached to a message. Binary
// payloads travel as data URLs; text files also carry an excerpt.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	Kind        string `json:"kind"`
	DataURL     string `json:"data_url,omitempty"`
	TextExcerpt string `json:"text_excerpt,omitempty"`
}

type Message struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversation_id"`
	Role             string       `json:"role"`
	Content          string       `json:"content"`
	ReplyToMessageID string       `json:"reply_to_message_id,omitempty"`
	BubbleGroupID    string       `json:"bubble_group_id,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	CreatedAtUnixMs  int64        `json:"created_at_unix_ms"`
}

// AddMessageOptions carries the optional fields of a new message.
type AddMessageOptions struct {
	ReplyToMessageID string
	BubbleGroupID    string
	Attachments      []Attachment
}

const messageColumns = `message_id, conversation_id, role, content, reply_to_message_id, bubble_group_id, attachments_json, created_at_unix_ms`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var attachmentsJSON string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ReplyToMessageID, &m.BubbleGroupID, &attachmentsJSON, &m.CreatedAtUnixMs); err != nil {
		return nil, err
	}
	if attachmentsJSON != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &m.Attachments); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// AddMessage appends a message to a conversation and bumps the
// conversation's updated_at.
func (s *Store) AddMessage(ctx context.Context, conversationID string, role string, content string, opts AddMessageOptions) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	role = strings.TrimSpace(role)
	if conversationID == "" || role == "" {
		return nil, errors.New("missing conversation id or role")
	}

	id, err := newID("m_")
	if err != nil {
		return nil, err
	}
	attachmentsJSON := ""
	if len(opts.Attachments) > 0 {
		b, err := json.Marshal(opts.Attachments)
		if err != nil {
			return nil, err
		}
		attachmentsJSON = string(b)
	}
	now := nowUnixMs()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (message_id, conversation_id, role, content, reply_to_message_id, bubble_group_id, attachments_json, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, id, conversationID, role, content, strings.TrimSpace(opts.ReplyToMessageID), strings.TrimSpace(opts.BubbleGroupID), attachmentsJSON, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET updated_at_unix_ms = ? WHERE conversation_id = ?
`, now, conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Message{
		ID:               id,
		ConversationID:   conversationID,
		Role:             role,
		Content:          content,
		ReplyToMessageID: strings.TrimSpace(opts.ReplyToMessageID),
		BubbleGroupID:    strings.TrimSpace(opts.BubbleGroupID),
		Attachments:      opts.Attachments,
		CreatedAtUnixMs:  now,
	}, nil
}

// ListMessages returns a conversation's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ?
ORDER BY created_at_unix_ms ASC, id ASC
`, strings.TrimSpace(conversationID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetMessage returns nil when the id is unknown.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, nil
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE message_id = ?
`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID string, content string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return errors.New("missing message id")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET content = ? WHERE message_id = ?
`, content, messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.New("message not found")
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return errors.New("missing message id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.New("message not found")
	}
	return nil
}
