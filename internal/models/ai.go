// internal/models/ai.go
package models

import "time"

// ProcessRequest AI 处理请求
type ProcessRequest struct {
	Prompt          string                 `json:"prompt"`
	Variables       map[string]interface{} `json:"variables"`
	OutputVariables []OutputDefinition     `json:"output_variables"`
	ImageVariables  map[string]ImageValue  `json:"image_variables,omitempty"`
	Model           string                 `json:"model,omitempty"`
	Temperature     float32                `json:"temperature,omitempty"`
}

// ProcessResponse AI 处理结果；Success 为 false 时 Outputs 无效
type ProcessResponse struct {
	Success        bool                   `json:"success"`
	Outputs        map[string]interface{} `json:"outputs,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time"`
}

// ProcessingMillis 以毫秒表示的耗时
func (r ProcessResponse) ProcessingMillis() int64 {
	return r.ProcessingTime.Milliseconds()
}
