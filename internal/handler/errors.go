package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tgo/kiwi/internal/pkg/response"
	"github.com/tgo/kiwi/internal/service"
)

// respondError maps service errors onto HTTP statuses. Anything unknown is a 500.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrFileTooLarge):
		response.TooLarge(c, err.Error())

	case errors.Is(err, service.ErrUnsupportedExtension),
		errors.Is(err, service.ErrEmptyFile),
		errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrNothingToRegenerate),
		errors.Is(err, service.ErrNotUserMessage),
		errors.Is(err, service.ErrNotAssistantMessage),
		errors.Is(err, service.ErrInvalidFeedback):
		response.BadRequest(c, err.Error())

	case errors.Is(err, service.ErrQuotaExceeded):
		response.Conflict(c, "QUOTA_EXCEEDED", err.Error())
	case errors.Is(err, service.ErrAlreadyGenerating):
		response.Conflict(c, "already_generating", err.Error())
	case errors.Is(err, service.ErrDocumentBusy):
		response.Conflict(c, "DOCUMENT_BUSY", err.Error())
	case errors.Is(err, service.ErrContentNotReady):
		response.Conflict(c, "CONTENT_NOT_READY", err.Error())

	case errors.Is(err, service.ErrDocumentNotFound):
		response.NotFound(c, "DOCUMENT")
	case errors.Is(err, service.ErrConversationNotFound):
		response.NotFound(c, "CONVERSATION")
	case errors.Is(err, service.ErrMessageNotFound):
		response.NotFound(c, "MESSAGE")

	default:
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}
