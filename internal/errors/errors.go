// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 运行时引擎的错误分类
	ErrorTypeUnresolvedReference ErrorType = "unresolved_reference"
	ErrorTypeFormat              ErrorType = "format_error"
	ErrorTypeCollaborator        ErrorType = "collaborator_failure"
	ErrorTypeConfiguration       ErrorType = "configuration_error"
)

var errorCodes = map[ErrorType]string{
	ErrorTypeValidation:          "VALIDATION_ERROR",
	ErrorTypeNotFound:            "NOT_FOUND",
	ErrorTypeError:               "PROCESSING_ERROR",
	ErrorTypeConflict:            "CONFLICT",
	ErrorTypeTimeout:             "TIMEOUT",
	ErrorTypeUnresolvedReference: "UNRESOLVED_REFERENCE",
	ErrorTypeFormat:              "FORMAT_ERROR",
	ErrorTypeCollaborator:        "COLLABORATOR_FAILURE",
	ErrorTypeConfiguration:       "CONFIGURATION_ERROR",
}

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
	Details interface{}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails 附加诊断信息（例如校验问题列表）
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewCollaboratorError AI 协作者调用失败
func NewCollaboratorError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeCollaborator, message, originalError)
}

// NewConfigurationError 编辑期发现的模板或活动配置错误
func NewConfigurationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, originalError)
}

// TypeOf 返回错误链中第一个 AppError 的类型
func TypeOf(err error) (ErrorType, bool) {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type, true
	}
	return "", false
}

func isType(err error, errType ErrorType) bool {
	t, ok := TypeOf(err)
	return ok && t == errType
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

// IsCollaboratorError 检查是否为协作者失败
func IsCollaboratorError(err error) bool {
	return isType(err, ErrorTypeCollaborator)
}

// IsConfigurationError 检查是否为配置错误
func IsConfigurationError(err error) bool {
	return isType(err, ErrorTypeConfiguration)
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	if code, ok := errorCodes[errType]; ok {
		return code
	}
	return "UNKNOWN_ERROR"
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 已经是 AppError 时保留类型，只追加消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
			Details: appError.Details,
		}
	}

	return NewAppError(errType, message, err)
}
