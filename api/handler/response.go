package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sshcollectorpro/clisession/internal/manager"
	"github.com/sshcollectorpro/clisession/pkg/session"
	"github.com/sshcollectorpro/clisession/pkg/transport"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "ok", Data: data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Code: code, Message: message, RequestID: c.GetString("request_id")})
}

// fail 按错误类型映射 HTTP 状态码；data 随错误一起返回（如提交结果）
func fail(c *gin.Context, err error, data interface{}) {
	status, code := classify(err)
	c.JSON(status, ErrorResponse{Code: code, Message: err.Error(), RequestID: c.GetString("request_id"), Data: data})
}

func classify(err error) (int, string) {
	var (
		ce *session.CommandExecutionError
		cf *session.CommitFailedError
		mt *session.ModeTransitionError
	)
	switch {
	case errors.Is(err, manager.ErrDeviceNotFound):
		return http.StatusNotFound, "DEVICE_NOT_FOUND"
	case errors.As(err, &cf):
		return http.StatusConflict, "COMMIT_FAILED"
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity, "COMMAND_FAILED"
	case errors.Is(err, session.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, session.ErrSessionDiscarded), errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrQueueClosed):
		return http.StatusServiceUnavailable, "SESSION_UNAVAILABLE"
	case errors.As(err, &mt):
		return http.StatusConflict, "MODE_TRANSITION"
	case transport.IsTransport(err):
		return http.StatusBadGateway, "DEVICE_UNREACHABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
