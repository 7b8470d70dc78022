// internal/api/requests.go
package api

import (
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	apperrors "github.com/flintbot-021/flint-prod-sub003/internal/errors"
)

type previewRequest struct {
	Template string                 `json:"template"`
	Values   map[string]interface{} `json:"values"`
}

// previewResponse 插值结果；complete 表示没有未解析引用和格式化错误
type previewResponse struct {
	interpolate.Result
	Complete bool `json:"complete"`
}

type createSessionRequest struct {
	CampaignID string                 `json:"campaign_id" binding:"required"`
	Values     map[string]interface{} `json:"values"`
}

type setValuesRequest struct {
	Values map[string]interface{} `json:"values" binding:"required"`
}

type llmConfigRequest struct {
	Provider string            `json:"provider" binding:"required"`
	Config   map[string]string `json:"config" binding:"required"`
}

func isNotFound(err error) bool {
	return apperrors.IsNotFoundError(err)
}
