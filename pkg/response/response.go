package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall/pkg/errors"
	"peercall/pkg/logger"
)

// Response represents standard API response envelope
type Response struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // Error code (e.g., "CALL_BUSY")
	Message string `json:"message"` // Human-readable error message
	Details any    `json:"details,omitempty"`
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	writeError(c, statusCode, &ErrorDetail{Code: errorCode, Message: errorMessage})
}

func writeError(c *gin.Context, statusCode int, detail *ErrorDetail) {
	c.JSON(statusCode, Response{
		Success: false,
		Error:   detail,
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// ValidationError sends a validation error response (400)
func ValidationError(c *gin.Context, message string) {
	Error(c, 400, "VALIDATION_ERROR", message)
}

// Unauthorized sends unauthorized error (401)
func Unauthorized(c *gin.Context, message string) {
	Error(c, 401, "UNAUTHORIZED", message)
}

// NotFound sends not found error (404)
func NotFound(c *gin.Context, message string) {
	Error(c, 404, "NOT_FOUND", message)
}

// ServiceUnavailable sends service unavailable error (503)
func ServiceUnavailable(c *gin.Context, message string) {
	Error(c, 503, string(errors.ErrCodeServiceUnavail), message)
}

// InternalError sends internal server error (500)
func InternalError(c *gin.Context, message string) {
	Error(c, 500, "INTERNAL_ERROR", message)
}

// FromError maps err to an error response using the AppError status, code
// and details. Errors that are not AppErrors become 500 INTERNAL_ERROR
// without leaking detail; the cause is logged instead.
func FromError(c *gin.Context, err error) {
	if errors.IsAppError(err) {
		appErr := errors.GetAppError(err)
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeError(c, status, &ErrorDetail{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		})
		return
	}

	logger.FromContext(c.Request.Context()).Error("Unhandled error",
		zap.String("route", c.FullPath()),
		zap.Error(err))
	InternalError(c, "Internal server error")
}

// getRequestID extracts request ID from context
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
