// internal/engine/variables/extractor.go
package variables

import (
	"sort"
	"strings"
	"unicode"

	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

// NormalizeName 将区块标题转换为变量标识符
// "Your Name" → "your_name"，"2024 Budget ($)" → "_2024_budget"
func NormalizeName(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	lastUnderscore := true // 去掉前导下划线
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsSpace(r) || r == '_':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		}
	}

	name := strings.TrimRight(b.String(), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

// Namespace 某个区块位置可见的变量集合
type Namespace struct {
	vars  map[string]models.Variable
	order []string
}

func newNamespace() *Namespace {
	return &Namespace{vars: make(map[string]models.Variable)}
}

// define 同名变量后写覆盖先写，保持首次出现的位置
func (n *Namespace) define(v models.Variable) {
	if _, exists := n.vars[v.Name]; !exists {
		n.order = append(n.order, v.Name)
	}
	n.vars[v.Name] = v
}

// Has 变量是否可见
func (n *Namespace) Has(name string) bool {
	_, ok := n.vars[name]
	return ok
}

// Lookup 获取变量定义
func (n *Namespace) Lookup(name string) (models.Variable, bool) {
	v, ok := n.vars[name]
	return v, ok
}

// Names 按定义顺序返回变量名
func (n *Namespace) Names() []string {
	out := make([]string, len(n.order))
	copy(out, n.order)
	return out
}

// Variables 按定义顺序返回变量
func (n *Namespace) Variables() []models.Variable {
	out := make([]models.Variable, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.vars[name])
	}
	return out
}

// Len 变量数量
func (n *Namespace) Len() int {
	return len(n.order)
}

// Filter 只保留命名空间内的值
func (n *Namespace) Filter(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(n.order))
	for _, name := range n.order {
		if v, ok := values[name]; ok {
			out[name] = v
		}
	}
	return out
}

// SectionVariables 返回单个区块定义的变量
func SectionVariables(section models.Section, index int) []models.Variable {
	switch st := section.Settings.(type) {
	case models.InputSettings:
		name := NormalizeName(section.Title)
		if name == "" {
			return nil
		}
		varType := st.InputType
		if varType == "" {
			varType = models.VarText
		}
		return []models.Variable{{
			Name:         name,
			Type:         varType,
			Source:       models.SourceInput,
			SectionID:    section.ID,
			SectionIndex: index,
		}}
	case models.AILogicSettings:
		vars := make([]models.Variable, 0, len(st.OutputVariables))
		for _, out := range st.OutputVariables {
			name := NormalizeName(out.Name)
			if name == "" {
				continue
			}
			varType := out.Type
			if varType == "" {
				varType = models.VarText
			}
			vars = append(vars, models.Variable{
				Name:         name,
				Type:         varType,
				Source:       models.SourceAI,
				SectionID:    section.ID,
				SectionIndex: index,
				Description:  out.Description,
			})
		}
		return vars
	default:
		return nil
	}
}

// Extract 按区块顺序返回完整的变量列表（可能包含重名）
func Extract(sections []models.Section) []models.Variable {
	sorted := models.SortSections(sections)
	vars := make([]models.Variable, 0, len(sorted))
	for i, section := range sorted {
		vars = append(vars, SectionVariables(section, i)...)
	}
	return vars
}

// AvailableAt 返回排序后第 index 个区块可见的变量：只包含其之前的区块
func AvailableAt(sections []models.Section, index int) *Namespace {
	return availableAt(models.SortSections(sections), index)
}

// availableAt 要求 sorted 已排序
func availableAt(sorted []models.Section, index int) *Namespace {
	ns := newNamespace()
	if index > len(sorted) {
		index = len(sorted)
	}
	for i := 0; i < index; i++ {
		for _, v := range SectionVariables(sorted[i], i) {
			ns.define(v)
		}
	}
	return ns
}

// Namespaces 一次性计算每个区块位置的命名空间，结果下标与排序后的区块一致
func Namespaces(sorted []models.Section) []*Namespace {
	out := make([]*Namespace, len(sorted))
	current := newNamespace()
	for i, section := range sorted {
		snapshot := newNamespace()
		for _, name := range current.order {
			snapshot.define(current.vars[name])
		}
		out[i] = snapshot
		for _, v := range SectionVariables(section, i) {
			current.define(v)
		}
	}
	return out
}

// DefinitionIndex 变量名到最后一个定义它的区块下标
func DefinitionIndex(sections []models.Section) map[string]int {
	index := make(map[string]int)
	for _, v := range Extract(sections) {
		index[v.Name] = v.SectionIndex
	}
	return index
}

// SortedNames 返回去重后按字母排序的变量名
func SortedNames(vars []models.Variable) []string {
	seen := make(map[string]bool, len(vars))
	names := make([]string, 0, len(vars))
	for _, v := range vars {
		if !seen[v.Name] {
			seen[v.Name] = true
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names
}
