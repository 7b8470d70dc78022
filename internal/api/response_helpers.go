// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/flintbot-021/flint-prod-sub003/internal/errors"
)

// APIResponse 标准响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError 标准错误格式
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ResponseHelper 响应助手
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusOK, data, message)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	if len(message) == 0 {
		message = []string{"资源创建成功"}
	}
	rh.respond(c, http.StatusCreated, data, message)
}

func (rh *ResponseHelper) respond(c *gin.Context, status int, data interface{}, message []string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

// 含有这些片段的错误信息不直接返回给客户端
var sensitiveFragments = []string{"api_key", "apikey", "secret", "token", "password", "authorization"}

// sanitizeErrorMessage 屏蔽可能泄露凭据的错误信息
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应；details 可以是字符串或结构化诊断（例如校验问题列表）
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...interface{}) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}
	if len(details) > 0 && details[0] != nil {
		if text, ok := details[0].(string); ok {
			apiError.Details = sanitizeErrorMessage(text)
		} else {
			apiError.Details = details[0]
		}
	}

	c.AbortWithStatusJSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...interface{}) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...interface{}) {
	rh.Error(c, http.StatusNotFound, rh.getResourceNotFoundCode(resource), resource+" not found", details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...interface{}) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...interface{}) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// HandleError 将服务层的 AppError 映射为 HTTP 响应；resource 用于生成 NOT_FOUND 代码
func (rh *ResponseHelper) HandleError(c *gin.Context, resource string, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		rh.InternalError(c, err.Error())
		return
	}

	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		code := ErrorBadRequest
		switch resource {
		case "campaign":
			code = ErrorCampaignInvalid
		case "session":
			code = ErrorUnknownInput
		}
		rh.Error(c, http.StatusBadRequest, code, appErr.Message, appErr.Details)
	case apperrors.ErrorTypeNotFound:
		rh.Error(c, http.StatusNotFound, rh.getResourceNotFoundCode(resource), appErr.Message, appErr.Details)
	case apperrors.ErrorTypeConflict:
		rh.Error(c, http.StatusConflict, ErrorConflict, appErr.Message, appErr.Details)
	case apperrors.ErrorTypeConfiguration:
		rh.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, appErr.Message, appErr.Details)
	case apperrors.ErrorTypeCollaborator:
		rh.Error(c, http.StatusBadGateway, ErrorCollaboratorFailed, appErr.Message, appErr.Details)
	case apperrors.ErrorTypeTimeout:
		rh.Error(c, http.StatusGatewayTimeout, ErrorTimeout, appErr.Message, appErr.Details)
	default:
		rh.Error(c, http.StatusInternalServerError, ErrorInternalError, appErr.Message, appErr.Details)
	}
}

// getResourceNotFoundCode 根据资源类型生成错误代码
func (rh *ResponseHelper) getResourceNotFoundCode(resource string) string {
	switch resource {
	case "campaign":
		return ErrorCampaignNotFound
	case "session":
		return ErrorSessionNotFound
	default:
		return ErrorNotFound
	}
}
