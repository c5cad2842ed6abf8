package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tgo/kiwi/internal/eino/streaming"
	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/response"
	"github.com/tgo/kiwi/internal/service"
)

// MessageService is the part of the generation service exposed over HTTP.
type MessageService interface {
	Send(ctx context.Context, req service.SendRequest) (*service.SendResult, error)
	Stream(ctx context.Context, req service.SendRequest) (<-chan streaming.Event, error)
	Edit(ctx context.Context, messageID uuid.UUID, content string) (*model.Message, error)
	Feedback(ctx context.Context, messageID uuid.UUID, fb *model.Feedback) (*model.Message, error)
	History(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)
}

type MessageHandler struct {
	svc MessageService
}

func NewMessageHandler(svc MessageService) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type SendMessageRequest struct {
	Content     string   `json:"content" binding:"max=100000"`
	Regenerate  bool     `json:"regenerate"`
	Temperature *float32 `json:"temperature" binding:"omitempty,min=0,max=2"`
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required,max=100000"`
}

// FeedbackRequest carries up, down, or null to clear.
type FeedbackRequest struct {
	Feedback *string `json:"feedback"`
}

func (h *MessageHandler) bindSend(c *gin.Context) (service.SendRequest, bool) {
	convID, ok := idParam(c)
	if !ok {
		return service.SendRequest{}, false
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return service.SendRequest{}, false
	}
	return service.SendRequest{
		ConversationID: convID,
		Content:        req.Content,
		Regenerate:     req.Regenerate,
		Temperature:    req.Temperature,
	}, true
}

func (h *MessageHandler) List(c *gin.Context) {
	convID, ok := idParam(c)
	if !ok {
		return
	}
	msgs, err := h.svc.History(c.Request.Context(), convID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"data": msgs})
}

func (h *MessageHandler) Send(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	res, err := h.svc.Send(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, res)
}

// Stream answers with server-sent events. Lock contention is reported as a
// plain 409 before the stream opens.
func (h *MessageHandler) Stream(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	events, err := h.svc.Stream(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// the producer stops on client disconnect and closes the channel
	for ev := range events {
		c.SSEvent(string(ev.Type), ev.JSON())
		c.Writer.Flush()
	}
}

func (h *MessageHandler) Edit(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.svc.Edit(c.Request.Context(), id, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, msg)
}

func (h *MessageHandler) Feedback(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	var fb *model.Feedback
	if req.Feedback != nil && *req.Feedback != "" {
		v := model.Feedback(*req.Feedback)
		fb = &v
	}
	msg, err := h.svc.Feedback(c.Request.Context(), id, fb)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, msg)
}
