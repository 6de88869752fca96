package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shrimp-assistant/shrimp/internal/store"
)

const resultPreviewChars = 500

const autonomyBlock = `You are running unattended; nobody will answer questions. Use your tools as needed and finish the task on your own. When you are done, put the machine-readable answer inside <final_result>...</final_result> tags in your reply.`

var finalResultTag = regexp.MustCompile(`(?is)<final_result>(.*?)</final_result>`)

// TriggerRequest is a one-shot, non-streaming invocation of the turn
// engine.
type TriggerRequest struct {
	Message string
	Model   string
	Trigger string // manual, api or webhook; defaults to api
	Payload any
}

type TriggerResult struct {
	Run            *store.TriggerRun `json:"run"`
	ConversationID string            `json:"conversationId"`
	FinalResult    string            `json:"finalResult,omitempty"`
	ResultPreview  string            `json:"resultPreview"`
}

// TriggerRun persists a run record, executes the turn without a sink, and
// extracts the final result from the produced bubbles.
func (o *Orchestrator) TriggerRun(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message must not be empty", ErrBadRequest)
	}
	kind := strings.TrimSpace(req.Trigger)
	if kind == "" {
		kind = "api"
	}
	switch kind {
	case "manual", "api", "webhook":
	default:
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrBadRequest, kind)
	}

	payloadJSON := ""
	if req.Payload != nil {
		b, err := json.MarshalIndent(req.Payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("%w: payload is not serializable", ErrBadRequest)
		}
		payloadJSON = string(b)
	}

	model := o.cfg.ModelOrDefault(req.Model)
	run, err := o.store.CreateTriggerRun(ctx, kind, message, model, payloadJSON)
	if err != nil {
		return nil, err
	}

	synth := message
	if payloadJSON != "" {
		synth += "\n\nInput payload:\n```json\n" + payloadJSON + "\n```"
	}
	synth += "\n\n" + autonomyBlock

	res, err := o.Run(ctx, Request{Message: synth, Model: model}, nil)
	if err != nil {
		if cerr := o.store.CompleteTriggerRun(ctx, run.ID, false, "", "", err.Error()); cerr != nil {
			o.logger.Error("trigger run completion failed", "run_id", run.ID, "error", cerr)
		}
		return nil, err
	}

	fullText := strings.Join(res.Bubbles, "\n\n")
	finalResult := ""
	if m := finalResultTag.FindStringSubmatch(fullText); len(m) == 2 {
		finalResult = collapseWhitespace(m[1])
	}

	if err := o.store.SetTriggerRunConversationID(ctx, run.ID, res.ConversationID); err != nil {
		return nil, err
	}
	output, err := json.Marshal(map[string]any{
		"bubbles":        res.Bubbles,
		"conversationId": res.ConversationID,
		"finalResult":    finalResult,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.CompleteTriggerRun(ctx, run.ID, true, string(output), finalResult, ""); err != nil {
		return nil, err
	}

	reloaded, err := o.store.GetTriggerRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	preview := truncateRunes(fullText, resultPreviewChars)
	return &TriggerResult{
		Run:            reloaded,
		ConversationID: res.ConversationID,
		FinalResult:    finalResult,
		ResultPreview:  preview,
	}, nil
}
