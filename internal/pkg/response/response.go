package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the JSON shape of every non-2xx answer.
type ErrorBody struct {
	Error ErrorInfo `json:"error"`
}

type ErrorInfo struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// Page wraps one page of a listing.
type Page struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasNext bool  `json:"has_next"`
	HasPrev bool  `json:"has_prev"`
}

func Success(c *gin.Context, data interface{}) { c.JSON(http.StatusOK, data) }

func Created(c *gin.Context, data interface{}) { c.JSON(http.StatusCreated, data) }

// Accepted is used for work that continues in the background.
func Accepted(c *gin.Context, data interface{}) { c.JSON(http.StatusAccepted, data) }

func NoContent(c *gin.Context) { c.Status(http.StatusNoContent) }

func List(c *gin.Context, items interface{}, total int64, limit, offset int) {
	c.JSON(http.StatusOK, Page{
		Data: items,
		Pagination: Pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasNext: limit > 0 && int64(offset)+int64(limit) < total,
			HasPrev: offset > 0,
		},
	})
}

// Error aborts the chain and writes an error body tagged with the request id
// set by the RequestID middleware.
func Error(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorInfo{
		Code:      code,
		Message:   message,
		RequestID: c.GetString("request_id"),
		Details:   details,
	}})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func TooLarge(c *gin.Context, message string) {
	Error(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", message, nil)
}

// NotFound derives the code from the resource name, e.g. DOCUMENT_NOT_FOUND.
func NotFound(c *gin.Context, resource string) {
	Error(c, http.StatusNotFound, resource+"_NOT_FOUND", resource+" not found", nil)
}

func Conflict(c *gin.Context, code, message string) {
	Error(c, http.StatusConflict, code, message, nil)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, nil)
}

func ServiceUnavailable(c *gin.Context, message string) {
	Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", message, nil)
}
