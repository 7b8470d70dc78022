// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 活动相关错误
	ErrorCampaignNotFound = "CAMPAIGN_NOT_FOUND"
	ErrorCampaignInvalid  = "CAMPAIGN_INVALID"
	ErrorSectionIndex     = "SECTION_INDEX_INVALID"

	// 会话相关错误
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorUnknownInput    = "UNKNOWN_INPUT_VARIABLE"

	// 模板相关错误
	ErrorTemplateSyntax = "TEMPLATE_SYNTAX_ERROR"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorCollaboratorFailed    = "COLLABORATOR_FAILED"
	ErrorTimeout               = "TIMEOUT"
)
