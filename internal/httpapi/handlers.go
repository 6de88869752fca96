package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shrimp-assistant/shrimp/internal/store"
	"github.com/shrimp-assistant/shrimp/internal/sysinfo"
	"github.com/shrimp-assistant/shrimp/internal/turn"
)

type attachmentBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	Kind        string `json:"kind"`
	DataURL     string `json:"dataUrl"`
	TextExcerpt string `json:"textExcerpt"`
}

type chatStreamBody struct {
	ConversationID   string           `json:"conversationId"`
	Message          string           `json:"message"`
	Model            string           `json:"model"`
	ReplyToMessageID string           `json:"replyToMessageId"`
	Attachments      []attachmentBody `json:"attachments"`
}

func (b chatStreamBody) attachments() []store.Attachment {
	if len(b.Attachments) == 0 {
		return nil
	}
	out := make([]store.Attachment, 0, len(b.Attachments))
	for _, a := range b.Attachments {
		out = append(out, store.Attachment{
			ID:          a.ID,
			Name:        a.Name,
			MimeType:    a.MimeType,
			Size:        a.Size,
			Kind:        a.Kind,
			DataURL:     a.DataURL,
			TextExcerpt: a.TextExcerpt,
		})
	}
	return out
}

// chatStream runs a turn and streams its events as SSE frames. Every
// stream ends with a data: [DONE] sentinel, error or not.
func (s *Server) chatStream(c *gin.Context) {
	var body chatStreamBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		badRequest(c, "message must not be empty")
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	writeFrame := func(payload []byte) {
		_, _ = c.Writer.WriteString("data: ")
		_, _ = c.Writer.Write(payload)
		_, _ = c.Writer.WriteString("\n\n")
		c.Writer.Flush()
	}

	sawError := false
	sink := func(e turn.Event) {
		if e.Type == turn.EventError {
			sawError = true
		}
		b, err := json.Marshal(e)
		if err != nil {
			return
		}
		writeFrame(b)
	}

	_, err := s.orch.Run(c.Request.Context(), turn.Request{
		ConversationID:   body.ConversationID,
		Message:          body.Message,
		Model:            body.Model,
		ReplyToMessageID: body.ReplyToMessageID,
		Attachments:      body.attachments(),
	}, sink)
	if err != nil && !sawError {
		// Failures before the loop (storage, validation) still surface
		// on the stream.
		b, _ := json.Marshal(turn.Event{Type: turn.EventError, Error: err.Error()})
		writeFrame(b)
	}
	writeFrame([]byte("[DONE]"))
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.store.ListConversations(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) createConversation(c *gin.Context) {
	var body struct {
		Model string `json:"model"`
		Title string `json:"title"`
	}
	_ = c.ShouldBindJSON(&body)

	conv, err := s.store.CreateConversation(c.Request.Context(), s.cfg.ModelOrDefault(body.Model), body.Title)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) getConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		internalError(c, err)
		return
	}
	if conv == nil {
		notFound(c, "conversation not found")
		return
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		internalError(c, err)
		return
	}
	calls, err := s.store.ListToolCalls(ctx, id)
	if err != nil {
		internalError(c, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	if calls == nil {
		calls = []store.ToolCallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": msgs, "toolCalls": calls})
}

func (s *Server) renameConversation(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		badRequest(c, "title must not be empty")
		return
	}
	if err := s.store.RenameConversation(c.Request.Context(), c.Param("id"), body.Title); err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"renamed": true})
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.store.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) updateMessage(c *gin.Context) {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := s.store.UpdateMessageContent(c.Request.Context(), c.Param("id"), body.Content); err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) deleteMessage(c *gin.Context) {
	if err := s.store.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) runtime(c *gin.Context) {
	c.JSON(http.StatusOK, sysinfo.Collect(c.Request.Context(), s.cfg, s.store, s.shells))
}

func (s *Server) channelStatus(c *gin.Context) {
	if s.channels == nil {
		c.JSON(http.StatusOK, gin.H{"channels": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": s.channels.StatusAll()})
}

func (s *Server) channelStart(c *gin.Context) {
	if s.channels == nil {
		badRequest(c, "channels are not configured")
		return
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Channel) == "" {
		badRequest(c, "channel must be telegram, whatsapp or all")
		return
	}
	if err := s.channels.Start(c.Request.Context(), body.Channel); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": s.channels.StatusAll()})
}

func (s *Server) listJobs(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListTriggerRuns(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	if runs == nil {
		runs = []store.TriggerRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) createJob(c *gin.Context) {
	var body struct {
		Message string          `json:"message"`
		Model   string          `json:"model"`
		Trigger string          `json:"trigger"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	var payload any
	if len(body.Payload) > 0 {
		if err := json.Unmarshal(body.Payload, &payload); err != nil {
			badRequest(c, "payload must be valid JSON")
			return
		}
	}

	res, err := s.orch.TriggerRun(c.Request.Context(), turn.TriggerRequest{
		Message: body.Message,
		Model:   body.Model,
		Trigger: body.Trigger,
		Payload: payload,
	})
	if err != nil {
		if errors.Is(err, turn.ErrBadRequest) {
			badRequest(c, err.Error())
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
