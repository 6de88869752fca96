package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

type Conversation struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Model           string `json:"model"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

const conversationColumns = `conversation_id, title, model, created_at_unix_ms, updated_at_unix_ms`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.Model, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
ORDER BY updated_at_unix_ms DESC, conversation_id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConversation returns nil when the id is unknown.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE conversation_id = ?
`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) CreateConversation(ctx context.Context, model string, title string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	id, err := newID("c_")
	if err != nil {
		return nil, err
	}
	now := nowUnixMs()
	c := &Conversation{
		ID:              id,
		Title:           title,
		Model:           strings.TrimSpace(model),
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversations (conversation_id, title, model, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
`, c.ID, c.Title, c.Model, c.CreatedAtUnixMs, c.UpdatedAtUnixMs)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpsertConversation resolves a conversation for a turn: an empty or unknown
// id creates a fresh conversation; a known id gets its model and updated_at
// bumped.
func (s *Store) UpsertConversation(ctx context.Context, id string, model string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	id = strings.TrimSpace(id)
	model = strings.TrimSpace(model)

	if id != "" {
		existing, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			now := nowUnixMs()
			if _, err := s.db.ExecContext(ctx, `
UPDATE conversations SET model = ?, updated_at_unix_ms = ? WHERE conversation_id = ?
`, model, now, id); err != nil {
				return nil, err
			}
			existing.Model = model
			existing.UpdatedAtUnixMs = now
			return existing, nil
		}
	}
	return s.CreateConversation(ctx, model, DefaultTitle)
}

func (s *Store) RenameConversation(ctx context.Context, id string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	id = strings.TrimSpace(id)
	title = strings.TrimSpace(title)
	if id == "" || title == "" {
		return errors.New("invalid rename")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET title = ?, updated_at_unix_ms = ? WHERE conversation_id = ?
`, title, nowUnixMs(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.New("conversation not found")
	}
	return nil
}

// SetConversationTitleIfDefault renames only when the current title is the
// default one. Used to derive a title from the first user message.
func (s *Store) SetConversationTitleIfDefault(ctx context.Context, id string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	id = strings.TrimSpace(id)
	title = strings.TrimSpace(title)
	if id == "" || title == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET title = ? WHERE conversation_id = ? AND title = ?
`, title, id, DefaultTitle)
	return err
}

// DeleteConversation removes the conversation and, through foreign keys,
// its messages, tool calls and channel links, atomically.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing conversation id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.New("conversation not found")
	}
	return nil
}
