// internal/engine/interpolate/interpolator.go
package interpolate

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

// DefaultTemplateCacheSize 解析结果缓存的默认容量
const DefaultTemplateCacheSize = 512

// 错误类别
const (
	ErrorKindSyntax       = "syntax"
	ErrorKindMissingValue = "missing_value"
	ErrorKindInvalidValue = "invalid_value"
	ErrorKindBadArgument  = "bad_argument"
)

// Options 插值配置
type Options struct {
	Locale            string   // BCP 47 语言标签，例如 en-US
	AllowedFormatters []string // 为空时允许全部内置格式化器
	DateLayout        string
	DefaultCurrency   string
	TemplateCacheSize int // <= 0 时使用 DefaultTemplateCacheSize
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Locale:          "en-US",
		DateLayout:      "January 2, 2006",
		DefaultCurrency: "USD",
	}
}

// FormatError 插值过程中的非致命错误
type FormatError struct {
	Variable  string `json:"variable,omitempty"`
	Formatter string `json:"formatter,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// Result 插值结果
type Result struct {
	Text       string        `json:"text"`
	Resolved   []string      `json:"resolved"`
	Unresolved []string      `json:"unresolved"`
	Errors     []FormatError `json:"errors,omitempty"`
}

// HasIssues 是否存在未解析引用或格式化错误
func (r Result) HasIssues() bool {
	return len(r.Unresolved) > 0 || len(r.Errors) > 0
}

// Interpolator 变量插值器，可被多个 goroutine 共享
type Interpolator struct {
	opts    Options
	tag     language.Tag
	printer *message.Printer
	allowed map[string]bool

	templates *lru.Cache[string, *Template]
}

// New 创建插值器
func New(opts Options) *Interpolator {
	defaults := DefaultOptions()
	if opts.Locale == "" {
		opts.Locale = defaults.Locale
	}
	if opts.DateLayout == "" {
		opts.DateLayout = defaults.DateLayout
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = defaults.DefaultCurrency
	}
	if opts.TemplateCacheSize <= 0 {
		opts.TemplateCacheSize = DefaultTemplateCacheSize
	}

	tag, err := language.Parse(opts.Locale)
	if err != nil {
		tag = language.AmericanEnglish
	}

	var allowed map[string]bool
	if len(opts.AllowedFormatters) > 0 {
		allowed = make(map[string]bool, len(opts.AllowedFormatters))
		for _, name := range opts.AllowedFormatters {
			allowed[strings.TrimSpace(name)] = true
		}
	}

	// 容量为正时不会出错
	templates, _ := lru.New[string, *Template](opts.TemplateCacheSize)

	return &Interpolator{
		opts:      opts,
		tag:       tag,
		printer:   message.NewPrinter(tag),
		allowed:   allowed,
		templates: templates,
	}
}

// Locale 返回生效的语言标签
func (in *Interpolator) Locale() language.Tag {
	return in.tag
}

// Validate 编辑期校验模板，返回第一个语法错误
func (in *Interpolator) Validate(template string) error {
	t := in.parse(template)
	if len(t.errs) > 0 {
		return t.errs[0]
	}
	return nil
}

func (in *Interpolator) parse(template string) *Template {
	if t, ok := in.templates.Get(template); ok {
		return t
	}
	t := parse(template, in.allowed)
	in.templates.Add(template, t)
	return t
}

// CachedTemplates 当前缓存的解析结果数量
func (in *Interpolator) CachedTemplates() int {
	return in.templates.Len()
}

// Interpolate 解析模板并替换变量，从不返回错误
func (in *Interpolator) Interpolate(template string, values map[string]interface{}) Result {
	t := in.parse(template)

	res := Result{
		Resolved:   make([]string, 0),
		Unresolved: make([]string, 0),
	}
	for _, syntaxErr := range t.errs {
		res.Errors = append(res.Errors, FormatError{Kind: ErrorKindSyntax, Message: syntaxErr.Error()})
	}

	for _, name := range t.References() {
		if lookup(values, name) == nil {
			res.Unresolved = append(res.Unresolved, name)
		} else {
			res.Resolved = append(res.Resolved, name)
		}
	}

	var b strings.Builder
	in.renderNodes(&b, t.nodes, values, &res)
	res.Text = b.String()
	return res
}

func lookup(values map[string]interface{}, name string) interface{} {
	if values == nil {
		return nil
	}
	return values[name]
}

func (in *Interpolator) renderNodes(b *strings.Builder, nodes []node, values map[string]interface{}, res *Result) {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			b.WriteString(v.text)
		case refNode:
			b.WriteString(in.renderRef(v, values, res))
		case ifNode:
			if in.evalCondition(v.cond, values, res) {
				in.renderNodes(b, v.then, values, res)
			} else {
				in.renderNodes(b, v.otherwise, values, res)
			}
		}
	}
}

func (in *Interpolator) renderRef(ref refNode, values map[string]interface{}, res *Result) string {
	value := lookup(values, ref.name)

	for _, call := range ref.formatters {
		fn := builtinFormatters[call.name]
		out, err := fn(in, value, call.arg)
		if err != nil {
			if errors.Is(err, errMissingValue) && !numericFormatters[call.name] {
				return ""
			}
			res.Errors = append(res.Errors, FormatError{
				Variable:  ref.name,
				Formatter: call.name,
				Kind:      errorKind(err),
				Message:   err.Error(),
			})
			return ""
		}
		value = out
	}

	if value == nil {
		return ""
	}
	return in.render(value)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, errMissingValue):
		return ErrorKindMissingValue
	case errors.Is(err, errBadArgument):
		return ErrorKindBadArgument
	default:
		return ErrorKindInvalidValue
	}
}

// evalCondition 缺失变量使条件为假；数值比较遇到非数值时记录错误
func (in *Interpolator) evalCondition(cond condition, values map[string]interface{}, res *Result) bool {
	if cond.name == "" {
		return false
	}
	value := lookup(values, cond.name)

	switch cond.op {
	case "":
		return !isEmpty(in, value)
	case "==", "!=":
		if value == nil {
			return cond.op == "!="
		}
		equal := in.valuesEqual(value, cond.operand)
		if cond.op == "==" {
			return equal
		}
		return !equal
	}

	if value == nil {
		return false
	}
	left, ok := toFloat(value)
	if !ok {
		res.Errors = append(res.Errors, FormatError{
			Variable: cond.name,
			Kind:     ErrorKindInvalidValue,
			Message:  "条件比较需要数值: " + in.render(value),
		})
		return false
	}
	right, err := strconv.ParseFloat(cond.operand, 64)
	if err != nil {
		res.Errors = append(res.Errors, FormatError{
			Variable: cond.name,
			Kind:     ErrorKindBadArgument,
			Message:  "条件右值不是数值: " + cond.operand,
		})
		return false
	}

	switch cond.op {
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "<":
		return left < right
	case "<=":
		return left <= right
	}
	return false
}

func (in *Interpolator) valuesEqual(value interface{}, operand string) bool {
	if left, ok := toFloat(value); ok {
		if right, err := strconv.ParseFloat(operand, 64); err == nil {
			return left == right
		}
	}
	if items, ok := value.([]interface{}); ok {
		for _, item := range items {
			if strings.EqualFold(strings.TrimSpace(in.render(item)), operand) {
				return true
			}
		}
		return false
	}
	if items, ok := value.([]string); ok {
		for _, item := range items {
			if strings.EqualFold(strings.TrimSpace(item), operand) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(strings.TrimSpace(in.render(value)), operand)
}

func isEmpty(in *Interpolator, value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case []interface{}:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	default:
		return strings.TrimSpace(in.render(value)) == ""
	}
}

// render 将值转换为展示文本，输出不依赖 map 遍历顺序
func (in *Interpolator) render(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case time.Time:
		return v.Format(in.opts.DateLayout)
	case models.ImageValue:
		return "[image]"
	case *models.ImageValue:
		return "[image]"
	case []string:
		return strings.Join(v, ", ")
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, in.render(item))
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		// encoding/json 按键排序输出
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(data), `"`)
	}
}

// Render 对外暴露的值渲染
func (in *Interpolator) Render(value interface{}) string {
	return in.render(value)
}
