// internal/engine/runtime/evaluation.go
package runtime

import (
	"time"

	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/variables"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

// Status 区块求值状态
type Status string

const (
	StatusReady    Status = "ready"    // 之前的区块均已解析，可以展示
	StatusBlocked  Status = "blocked"  // 之前有必填输入为空，结果不应展示
	StatusDegraded Status = "degraded" // AI 调用失败，按缺失变量渲染
)

// 输出区块字段名，顺序与 OutputSettings.Templates 一致
var outputFields = []string{"headline", "body", "button_text", "button_url"}

// SectionResult 单个区块的求值结果
type SectionResult struct {
	SectionID string             `json:"section_id"`
	Index     int                `json:"index"`
	Type      models.SectionType `json:"type"`
	Status    Status             `json:"status"`

	// 输入区块
	Variable string      `json:"variable,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Missing  bool        `json:"missing,omitempty"`

	// 内容与输出区块
	Text   string            `json:"text,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`

	// AI 逻辑区块
	Outputs        map[string]interface{} `json:"outputs,omitempty"`
	Fingerprint    string                 `json:"fingerprint,omitempty"`
	Cached         bool                   `json:"cached,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time,omitempty"`

	Resolved   []string                  `json:"resolved,omitempty"`
	Unresolved []string                  `json:"unresolved,omitempty"`
	Errors     []interpolate.FormatError `json:"errors,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Reused     bool                      `json:"reused,omitempty"`
}

// absorb 合并一次插值的诊断信息
func (r *SectionResult) absorb(res interpolate.Result) {
	r.Resolved = append(r.Resolved, res.Resolved...)
	r.Unresolved = append(r.Unresolved, res.Unresolved...)
	r.Errors = append(r.Errors, res.Errors...)
}

// normalize 多个模板合并后去重，保持首次出现顺序
func (r *SectionResult) normalize() {
	r.Resolved = dedupe(r.Resolved)
	r.Unresolved = dedupe(r.Unresolved)
}

// reusable 只有成功的结果可以在增量刷新中复用；降级的 AI 区块需要重试
func (r SectionResult) reusable() bool {
	return r.Status == StatusReady
}

func (r SectionResult) clone() SectionResult {
	out := r
	if r.Outputs != nil {
		out.Outputs = copyOutputs(r.Outputs)
	}
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	out.Resolved = append([]string(nil), r.Resolved...)
	out.Unresolved = append([]string(nil), r.Unresolved...)
	out.Errors = append([]interpolate.FormatError(nil), r.Errors...)
	return out
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return names
	}
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Evaluation 一次完整求值的结果
type Evaluation struct {
	Sections    []SectionResult        `json:"sections"`
	Values      map[string]interface{} `json:"values"`
	Ready       bool                   `json:"ready"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// Section 按 ID 查找区块结果
func (ev *Evaluation) Section(id string) (SectionResult, bool) {
	for _, res := range ev.Sections {
		if res.SectionID == id {
			return res, true
		}
	}
	return SectionResult{}, false
}

// Degraded 返回降级区块的 ID
func (ev *Evaluation) Degraded() []string {
	ids := make([]string, 0)
	for _, res := range ev.Sections {
		if res.Status == StatusDegraded {
			ids = append(ids, res.SectionID)
		}
	}
	return ids
}

func (ev *Evaluation) sameShape(sorted []models.Section) bool {
	if len(ev.Sections) != len(sorted) {
		return false
	}
	for i, section := range sorted {
		if ev.Sections[i].SectionID != section.ID || ev.Sections[i].Type != section.Type {
			return false
		}
	}
	return true
}

// Affected 返回变量变化后需要重新求值的区块下标（排序后）。
// 引用了变化变量的区块受影响；受影响的 AI 区块的输出同样视为变化。
func Affected(sorted []models.Section, changed []string) map[int]bool {
	dirty := make(map[string]bool, len(changed))
	for _, name := range changed {
		dirty[name] = true
	}

	affected := make(map[int]bool)
	for i, section := range sorted {
		hit := false
		if section.Type == models.SectionInput {
			for _, v := range variables.SectionVariables(section, i) {
				if dirty[v.Name] {
					hit = true
				}
			}
		}
		for _, name := range sectionReferences(section) {
			if dirty[name] {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		affected[i] = true
		if section.Type == models.SectionAILogic {
			for _, v := range variables.SectionVariables(section, i) {
				dirty[v.Name] = true
			}
		}
	}
	return affected
}

// referencesAny 区块是否引用了 names 中的任一变量
func referencesAny(section models.Section, names map[string]bool) bool {
	if len(names) == 0 {
		return false
	}
	for _, name := range sectionReferences(section) {
		if names[name] {
			return true
		}
	}
	return false
}

// sectionReferences 区块模板与图像输入引用的变量名
func sectionReferences(section models.Section) []string {
	names := make([]string, 0)
	for _, template := range section.Templates() {
		names = append(names, interpolate.References(template)...)
	}
	if ai, ok := section.Settings.(models.AILogicSettings); ok {
		for _, raw := range ai.ImageVariables {
			names = append(names, variables.NormalizeName(raw))
		}
	}
	return names
}

// declaredOutputs 规范化声明的输出名
func declaredOutputs(defs []models.OutputDefinition) []models.OutputDefinition {
	out := make([]models.OutputDefinition, 0, len(defs))
	for _, def := range defs {
		name := variables.NormalizeName(def.Name)
		if name == "" {
			continue
		}
		def.Name = name
		if def.Type == "" {
			def.Type = models.VarText
		}
		out = append(out, def)
	}
	return out
}

// mapOutputs 只保留声明过的输出；协作者返回的键按规范化名称匹配
func mapOutputs(raw map[string]interface{}, declared []models.OutputDefinition) map[string]interface{} {
	normalized := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		normalized[variables.NormalizeName(key)] = value
	}

	out := make(map[string]interface{}, len(declared))
	for _, def := range declared {
		if value, ok := raw[def.Name]; ok && value != nil {
			out[def.Name] = value
			continue
		}
		if value, ok := normalized[def.Name]; ok && value != nil {
			out[def.Name] = value
		}
	}
	return out
}

// asImage 接受 ImageValue 或其 JSON 形式
func asImage(value interface{}) (models.ImageValue, bool) {
	switch v := value.(type) {
	case models.ImageValue:
		return v, v.Base64Data != ""
	case *models.ImageValue:
		if v == nil {
			return models.ImageValue{}, false
		}
		return *v, v.Base64Data != ""
	case map[string]interface{}:
		data, _ := v["base64_data"].(string)
		if data == "" {
			data, _ = v["base64Data"].(string)
		}
		mime, _ := v["mime_type"].(string)
		if mime == "" {
			mime, _ = v["mimeType"].(string)
		}
		if data == "" {
			return models.ImageValue{}, false
		}
		return models.ImageValue{Base64Data: data, MimeType: mime}, true
	default:
		return models.ImageValue{}, false
	}
}
