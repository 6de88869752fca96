package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const (
	TriggerRunRunning = "running"
	TriggerRunSuccess = "success"
	TriggerRunError   = "error"
)

type TriggerRun struct {
	ID               string `json:"id"`
	TriggerKind      string `json:"trigger_kind"`
	Instruction      string `json:"instruction"`
	Model            string `json:"model,omitempty"`
	PayloadJSON      string `json:"payload_json,omitempty"`
	Status           string `json:"status"`
	OutputJSON       string `json:"output_json,omitempty"`
	FinalResult      string `json:"final_result,omitempty"`
	Error            string `json:"error,omitempty"`
	ConversationID   string `json:"conversation_id,omitempty"`
	CreatedAtUnixMs  int64  `json:"created_at_unix_ms"`
	FinishedAtUnixMs int64  `json:"finished_at_unix_ms,omitempty"`
}

const triggerRunColumns = `run_id, trigger_kind, instruction, model, payload_json, status, output_json, final_result, error, conversation_id, created_at_unix_ms, finished_at_unix_ms`

func scanTriggerRun(row interface{ Scan(...any) error }) (*TriggerRun, error) {
	var r TriggerRun
	if err := row.Scan(&r.ID, &r.TriggerKind, &r.Instruction, &r.Model, &r.PayloadJSON, &r.Status, &r.OutputJSON, &r.FinalResult, &r.Error, &r.ConversationID, &r.CreatedAtUnixMs, &r.FinishedAtUnixMs); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateTriggerRun records a new trigger execution in the running state.
func (s *Store) CreateTriggerRun(ctx context.Context, kind string, instruction string, model string, payloadJSON string) (*TriggerRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	kind = strings.TrimSpace(kind)
	instruction = strings.TrimSpace(instruction)
	if kind == "" || instruction == "" {
		return nil, errors.New("missing trigger kind or instruction")
	}
	id, err := newID("tr_")
	if err != nil {
		return nil, err
	}
	now := nowUnixMs()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO trigger_runs (run_id, trigger_kind, instruction, model, payload_json, status, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, id, kind, instruction, strings.TrimSpace(model), payloadJSON, TriggerRunRunning, now); err != nil {
		return nil, err
	}
	return &TriggerRun{
		ID:              id,
		TriggerKind:     kind,
		Instruction:     instruction,
		Model:           strings.TrimSpace(model),
		PayloadJSON:     payloadJSON,
		Status:          TriggerRunRunning,
		CreatedAtUnixMs: now,
	}, nil
}

// SetTriggerRunConversationID links the run to the conversation the
// executor created for it.
func (s *Store) SetTriggerRunConversationID(ctx context.Context, runID string, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE trigger_runs SET conversation_id = ? WHERE run_id = ?
`, strings.TrimSpace(conversationID), strings.TrimSpace(runID))
	return err
}

// CompleteTriggerRun moves a running trigger run to its terminal status.
func (s *Store) CompleteTriggerRun(ctx context.Context, runID string, ok bool, outputJSON string, finalResult string, errMsg string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("missing run id")
	}
	status := TriggerRunSuccess
	if !ok {
		status = TriggerRunError
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE trigger_runs SET status = ?, output_json = ?, final_result = ?, error = ?, finished_at_unix_ms = ?
WHERE run_id = ? AND status = ?
`, status, outputJSON, finalResult, strings.TrimSpace(errMsg), nowUnixMs(), runID, TriggerRunRunning)
	return err
}

// ListTriggerRuns returns the most recent runs, newest first. limit <= 0
// means 50; the hard cap is 200.
func (s *Store) ListTriggerRuns(ctx context.Context, limit int) ([]TriggerRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+triggerRunColumns+`
FROM trigger_runs
ORDER BY created_at_unix_ms DESC, run_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TriggerRun, 0, limit)
	for rows.Next() {
		r, err := scanTriggerRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetTriggerRun returns nil when the id is unknown.
func (s *Store) GetTriggerRun(ctx context.Context, runID string) (*TriggerRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, nil
	}
	r, err := scanTriggerRun(s.db.QueryRowContext(ctx, `
SELECT `+triggerRunColumns+`
FROM trigger_runs
WHERE run_id = ?
`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}
