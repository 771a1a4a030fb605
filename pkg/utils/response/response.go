package response

import (
	"net/http"

	"codejudge/pkg/errors"
	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the JSON envelope of every judge API reply.
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// Success sends 200 with data.
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, Response{Code: errors.Success, Message: "Success", Data: data})
}

// Accepted sends a 202 response for work that was queued but not finished.
func Accepted(c *gin.Context, data interface{}) {
	write(c, http.StatusAccepted, Response{Code: errors.Success, Message: "Queued", Data: data})
}

// Error maps err to its code and HTTP status. Server-side failures are
// logged with their stack, client mistakes at warn level.
func Error(c *gin.Context, err error) {
	appErr := errors.GetError(err)
	status := appErr.Code.HTTPStatus()
	fields := []zap.Field{
		zap.Int("code", int(appErr.Code)),
		zap.String("message", appErr.Error()),
		zap.Any("details", appErr.Details),
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", append(fields, zap.String("stack", appErr.Stack))...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}
	write(c, status, Response{Code: appErr.Code, Message: appErr.Error(), Details: appErr.Details})
}

// BadRequest rejects malformed input before it reaches a service.
func BadRequest(c *gin.Context, message string) {
	if message == "" {
		message = errors.InvalidParams.Message()
	}
	logger.Warn(c.Request.Context(), "bad request", zap.String("message", message))
	write(c, http.StatusBadRequest, Response{Code: errors.InvalidParams, Message: message})
}

// AbortWithError sends Error and stops the handler chain.
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

func write(c *gin.Context, status int, resp Response) {
	resp.TraceID = c.GetString(contextkey.TraceID.String())
	c.JSON(status, resp)
}
