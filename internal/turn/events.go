package turn

// Stream event types, in the order a turn can emit them.
const (
	EventConversation     = "conversation"
	EventBubbleStart      = "assistant_bubble_start"
	EventToken            = "token"
	EventToolCallStarted  = "tool_call_started"
	EventToolCallOutput   = "tool_call_output"
	EventToolCallFinished = "tool_call_finished"
	EventAssistantDone    = "assistant_done"
	EventError            = "error"
)

// Event is one frame of a turn's stream. Type discriminates which of the
// optional fields are set.
type Event struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversationId,omitempty"`
	BubbleID       string   `json:"bubbleId,omitempty"`
	Value          string   `json:"value,omitempty"`
	ToolCallID     string   `json:"toolCallId,omitempty"`
	ToolName       string   `json:"toolName,omitempty"`
	Args           string   `json:"args,omitempty"`
	Output         string   `json:"output,omitempty"`
	OK             *bool    `json:"ok,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Sink receives a turn's events in emission order. A nil sink is allowed;
// trigger runs use none.
type Sink func(Event)
