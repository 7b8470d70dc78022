// internal/engine/variables/validate.go
package variables

import (
	"fmt"

	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

// IssueKind 编辑期校验问题类别
type IssueKind string

const (
	IssueDuplicateVariable IssueKind = "duplicate_variable"
	IssueForwardReference  IssueKind = "forward_reference"
	IssueUnknownVariable   IssueKind = "unknown_variable"
	IssueSyntax            IssueKind = "syntax"
	IssueEmptyName         IssueKind = "empty_name"
	IssueImageVariable     IssueKind = "image_variable"
)

// Issue 一条校验问题
type Issue struct {
	Kind         IssueKind `json:"kind"`
	SectionID    string    `json:"section_id"`
	SectionIndex int       `json:"section_index"`
	Variable     string    `json:"variable,omitempty"`
	Message      string    `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] section %d (%s): %s", i.Kind, i.SectionIndex, i.SectionID, i.Message)
}

// HasBlocking 是否存在阻止保存的问题
func HasBlocking(issues []Issue) bool {
	for _, issue := range issues {
		switch issue.Kind {
		case IssueDuplicateVariable, IssueSyntax:
			return true
		}
	}
	return false
}

// Validate 使用默认插值器校验活动
func Validate(sections []models.Section) []Issue {
	return ValidateWith(nil, sections)
}

// ValidateWith 校验变量名冲突、前向引用和模板语法；in 为 nil 时不限制格式化器
func ValidateWith(in *interpolate.Interpolator, sections []models.Section) []Issue {
	sorted := models.SortSections(sections)
	namespaces := Namespaces(sorted)
	defined := DefinitionIndex(sorted)
	issues := make([]Issue, 0)

	seen := make(map[string]string)
	for i, section := range sorted {
		if section.Type == models.SectionInput {
			if NormalizeName(section.Title) == "" {
				issues = append(issues, Issue{
					Kind:         IssueEmptyName,
					SectionID:    section.ID,
					SectionIndex: i,
					Message:      fmt.Sprintf("标题 %q 无法生成变量名", section.Title),
				})
			}
		}

		for _, v := range SectionVariables(section, i) {
			if prev, dup := seen[v.Name]; dup {
				issues = append(issues, Issue{
					Kind:         IssueDuplicateVariable,
					SectionID:    section.ID,
					SectionIndex: i,
					Variable:     v.Name,
					Message:      fmt.Sprintf("变量 @%s 已由区块 %s 定义", v.Name, prev),
				})
				continue
			}
			seen[v.Name] = section.ID
		}

		ns := namespaces[i]
		for _, template := range section.Templates() {
			if template == "" {
				continue
			}
			if err := validateSyntax(in, template); err != nil {
				issues = append(issues, Issue{
					Kind:         IssueSyntax,
					SectionID:    section.ID,
					SectionIndex: i,
					Message:      err.Error(),
				})
			}
			for _, name := range interpolate.References(template) {
				if issue, bad := checkReference(ns, defined, section, i, name); bad {
					issues = append(issues, issue)
				}
			}
		}

		if ai, ok := section.Settings.(models.AILogicSettings); ok {
			for _, raw := range ai.ImageVariables {
				name := NormalizeName(raw)
				if issue, bad := checkReference(ns, defined, section, i, name); bad {
					issues = append(issues, issue)
					continue
				}
				if v, _ := ns.Lookup(name); v.Type != models.VarImage {
					issues = append(issues, Issue{
						Kind:         IssueImageVariable,
						SectionID:    section.ID,
						SectionIndex: i,
						Variable:     name,
						Message:      fmt.Sprintf("@%s 不是图像类型变量", name),
					})
				}
			}
		}
	}

	return issues
}

func validateSyntax(in *interpolate.Interpolator, template string) error {
	if in != nil {
		return in.Validate(template)
	}
	_, err := interpolate.Parse(template)
	return err
}

func checkReference(ns *Namespace, defined map[string]int, section models.Section, index int, name string) (Issue, bool) {
	if ns.Has(name) {
		return Issue{}, false
	}
	issue := Issue{
		SectionID:    section.ID,
		SectionIndex: index,
		Variable:     name,
	}
	if at, ok := defined[name]; ok {
		issue.Kind = IssueForwardReference
		issue.Message = fmt.Sprintf("@%s 定义于之后的区块 %d", name, at)
	} else {
		issue.Kind = IssueUnknownVariable
		issue.Message = fmt.Sprintf("@%s 未定义", name)
	}
	return issue, true
}
