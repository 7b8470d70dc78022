// internal/models/campaign.go
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SectionType 区块类型，决定求值优先级
type SectionType string

const (
	SectionInput   SectionType = "input"    // 用户输入问题
	SectionContent SectionType = "content"  // 静态内容
	SectionAILogic SectionType = "ai_logic" // AI 逻辑
	SectionOutput  SectionType = "output"   // 结果输出
)

// 持久化数据中出现过的类型别名
var sectionTypeAliases = map[string]SectionType{
	"input":              SectionInput,
	"question":           SectionInput,
	"text_question":      SectionInput,
	"multiple_choice":    SectionInput,
	"single_choice":      SectionInput,
	"slider":             SectionInput,
	"date_time_question": SectionInput,
	"upload_question":    SectionInput,
	"capture":            SectionInput,
	"content":            SectionContent,
	"info":               SectionContent,
	"text_block":         SectionContent,
	"ai_logic":           SectionAILogic,
	"ai-logic":           SectionAILogic,
	"logic":              SectionAILogic,
	"output":             SectionOutput,
	"results":            SectionOutput,
	"output_results":     SectionOutput,
}

// ParseSectionType 将持久化的类型字符串映射为内部类型
func ParseSectionType(raw string) (SectionType, bool) {
	t, ok := sectionTypeAliases[strings.ToLower(strings.TrimSpace(raw))]
	return t, ok
}

// VariableType 变量值类型
type VariableType string

const (
	VarText        VariableType = "text"
	VarNumber      VariableType = "number"
	VarBoolean     VariableType = "boolean"
	VarChoice      VariableType = "choice"
	VarMultiChoice VariableType = "multi_choice"
	VarDate        VariableType = "date"
	VarImage       VariableType = "image"
	VarList        VariableType = "list"
)

// VariableSource 变量来源
type VariableSource string

const (
	SourceInput VariableSource = "input"
	SourceAI    VariableSource = "ai"
)

// OutputDefinition AI 逻辑区块声明的输出变量
type OutputDefinition struct {
	Name        string       `json:"name" yaml:"name"`
	Type        VariableType `json:"type" yaml:"type"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// Variable 从区块派生出的命名变量
type Variable struct {
	Name         string         `json:"name"`
	Type         VariableType   `json:"type"`
	Source       VariableSource `json:"source"`
	SectionID    string         `json:"section_id"`
	SectionIndex int            `json:"section_index"`
	Description  string         `json:"description,omitempty"`
}

// ImageValue 图像类输入变量的值
type ImageValue struct {
	Base64Data string `json:"base64_data"`
	MimeType   string `json:"mime_type"`
}

// SectionSettings 各区块类型的设置变体
type SectionSettings interface {
	SectionType() SectionType
}

// InputSettings 输入问题设置
type InputSettings struct {
	InputType   VariableType `json:"input_type"`
	Required    bool         `json:"required"`
	Placeholder string       `json:"placeholder,omitempty"`
	Options     []string     `json:"options,omitempty"`
	Min         *float64     `json:"min,omitempty"`
	Max         *float64     `json:"max,omitempty"`
	Default     interface{}  `json:"default,omitempty"`
}

func (InputSettings) SectionType() SectionType { return SectionInput }

// ContentSettings 静态内容设置，正文可以引用之前的变量
type ContentSettings struct {
	Body string `json:"body"`
}

func (ContentSettings) SectionType() SectionType { return SectionContent }

// AILogicSettings AI 逻辑设置
type AILogicSettings struct {
	Prompt          string             `json:"prompt"`
	OutputVariables []OutputDefinition `json:"output_variables"`
	ImageVariables  []string           `json:"image_variables,omitempty"`
	Model           string             `json:"model,omitempty"`
	Temperature     float32            `json:"temperature,omitempty"`
}

func (AILogicSettings) SectionType() SectionType { return SectionAILogic }

// OutputSettings 结果输出设置
type OutputSettings struct {
	Headline   string `json:"headline,omitempty"`
	Body       string `json:"body"`
	ButtonText string `json:"button_text,omitempty"`
	ButtonURL  string `json:"button_url,omitempty"`
}

func (OutputSettings) SectionType() SectionType { return SectionOutput }

// Templates 返回输出区块中所有可插值的模板
func (s OutputSettings) Templates() []string {
	return []string{s.Headline, s.Body, s.ButtonText, s.ButtonURL}
}

// Section 活动中的一个步骤
type Section struct {
	ID       string          `json:"id"`
	Type     SectionType     `json:"type"`
	Title    string          `json:"title"`
	Order    int             `json:"order"`
	Settings SectionSettings `json:"settings"`
}

// Templates 返回区块中引用变量的模板文本
func (s Section) Templates() []string {
	switch st := s.Settings.(type) {
	case ContentSettings:
		return []string{st.Body}
	case AILogicSettings:
		return []string{st.Prompt}
	case OutputSettings:
		return st.Templates()
	default:
		return nil
	}
}

// RawSection 持久化形式：settings 为任意 JSON
type RawSection struct {
	ID       string                 `json:"id" yaml:"id"`
	Type     string                 `json:"type" yaml:"type"`
	Title    string                 `json:"title" yaml:"title"`
	Order    int                    `json:"order" yaml:"order"`
	Settings map[string]interface{} `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// DecodeSection 将松散类型的持久化区块映射为内部变体
func DecodeSection(raw RawSection) (Section, error) {
	sectionType, ok := ParseSectionType(raw.Type)
	if !ok {
		return Section{}, fmt.Errorf("未知的区块类型 %q (section %s)", raw.Type, raw.ID)
	}

	payload, err := json.Marshal(raw.Settings)
	if err != nil {
		return Section{}, fmt.Errorf("序列化区块设置失败: %w", err)
	}
	if raw.Settings == nil {
		payload = []byte("{}")
	}

	section := Section{
		ID:    raw.ID,
		Type:  sectionType,
		Title: raw.Title,
		Order: raw.Order,
	}

	switch sectionType {
	case SectionInput:
		var s InputSettings
		if err := json.Unmarshal(payload, &s); err != nil {
			return Section{}, fmt.Errorf("解析输入设置失败 (section %s): %w", raw.ID, err)
		}
		if s.InputType == "" {
			s.InputType = inputTypeFromRaw(raw.Type)
		}
		section.Settings = s
	case SectionContent:
		var s ContentSettings
		if err := json.Unmarshal(payload, &s); err != nil {
			return Section{}, fmt.Errorf("解析内容设置失败 (section %s): %w", raw.ID, err)
		}
		section.Settings = s
	case SectionAILogic:
		var s AILogicSettings
		if err := json.Unmarshal(payload, &s); err != nil {
			return Section{}, fmt.Errorf("解析AI逻辑设置失败 (section %s): %w", raw.ID, err)
		}
		for i := range s.OutputVariables {
			if s.OutputVariables[i].Type == "" {
				s.OutputVariables[i].Type = VarText
			}
		}
		section.Settings = s
	case SectionOutput:
		var s OutputSettings
		if err := json.Unmarshal(payload, &s); err != nil {
			return Section{}, fmt.Errorf("解析输出设置失败 (section %s): %w", raw.ID, err)
		}
		section.Settings = s
	}

	return section, nil
}

// inputTypeFromRaw 旧数据没有 input_type 时从区块类型推断
func inputTypeFromRaw(rawType string) VariableType {
	switch strings.ToLower(rawType) {
	case "multiple_choice":
		return VarMultiChoice
	case "single_choice":
		return VarChoice
	case "slider":
		return VarNumber
	case "date_time_question":
		return VarDate
	case "upload_question", "capture":
		return VarImage
	default:
		return VarText
	}
}

// EncodeSection 将内部变体还原为持久化形式
func EncodeSection(section Section) (RawSection, error) {
	raw := RawSection{
		ID:    section.ID,
		Type:  string(section.Type),
		Title: section.Title,
		Order: section.Order,
	}
	if section.Settings == nil {
		return raw, nil
	}

	payload, err := json.Marshal(section.Settings)
	if err != nil {
		return RawSection{}, fmt.Errorf("序列化区块设置失败: %w", err)
	}
	if err := json.Unmarshal(payload, &raw.Settings); err != nil {
		return RawSection{}, fmt.Errorf("转换区块设置失败: %w", err)
	}
	return raw, nil
}

// MarshalJSON 以持久化形式输出
func (s Section) MarshalJSON() ([]byte, error) {
	raw, err := EncodeSection(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

// UnmarshalJSON 经由 DecodeSection 解析
func (s *Section) UnmarshalJSON(data []byte) error {
	var raw RawSection
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := DecodeSection(raw)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// SortSections 按 Order 稳定排序，返回副本
func SortSections(sections []Section) []Section {
	sorted := make([]Section, len(sections))
	copy(sorted, sections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

// Campaign 一个可发布的活动
type Campaign struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Locale      string    `json:"locale,omitempty"`
	Sections    []Section `json:"sections"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RawCampaign 从 YAML/JSON 文件读取的松散形式
type RawCampaign struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Locale      string       `json:"locale,omitempty" yaml:"locale,omitempty"`
	Sections    []RawSection `json:"sections" yaml:"sections"`
}

// DecodeCampaign 映射整个活动
func DecodeCampaign(raw RawCampaign) (*Campaign, error) {
	campaign := &Campaign{
		ID:          raw.ID,
		Name:        raw.Name,
		Description: raw.Description,
		Locale:      raw.Locale,
		Sections:    make([]Section, 0, len(raw.Sections)),
	}
	for _, rs := range raw.Sections {
		section, err := DecodeSection(rs)
		if err != nil {
			return nil, err
		}
		campaign.Sections = append(campaign.Sections, section)
	}
	return campaign, nil
}

// UpdateEvent 变量值变化事件
type UpdateEvent struct {
	VariableName string      `json:"variable_name"`
	NewValue     interface{} `json:"new_value"`
	Timestamp    time.Time   `json:"timestamp"`
}
