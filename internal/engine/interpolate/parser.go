// internal/engine/interpolate/parser.go
package interpolate

import (
	"fmt"
	"strings"
)

// node 模板语法树节点
type node interface {
	isNode()
}

type textNode struct {
	text string
}

type refNode struct {
	name       string
	formatters []formatterCall
	raw        string
}

type formatterCall struct {
	name string
	arg  string
}

type ifNode struct {
	cond      condition
	then      []node
	otherwise []node
}

func (textNode) isNode() {}
func (refNode) isNode()  {}
func (ifNode) isNode()   {}

// condition 条件块的比较规则
type condition struct {
	name    string
	op      string // "" 表示非空判断
	operand string
}

// SyntaxError 模板语法错误，Offset 为字节偏移
type SyntaxError struct {
	Offset  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("模板语法错误 (offset %d): %s", e.Offset, e.Message)
}

// Template 已解析的模板
type Template struct {
	source string
	nodes  []node
	errs   []*SyntaxError
}

// Source 返回原始模板文本
func (t *Template) Source() string {
	return t.source
}

// Errors 返回解析时收集的全部语法错误
func (t *Template) Errors() []*SyntaxError {
	return t.errs
}

// Parse 解析模板，遇到语法错误时返回第一个错误（用于编辑器中的即时校验）
func Parse(template string) (*Template, error) {
	t := parse(template, nil)
	if len(t.errs) > 0 {
		return t, t.errs[0]
	}
	return t, nil
}

// References 返回模板引用的变量名（去重，按首次出现顺序）
func References(template string) []string {
	return parse(template, nil).References()
}

// References 返回模板引用的变量名，包括条件块中的引用
func (t *Template) References() []string {
	seen := make(map[string]bool)
	names := make([]string, 0)
	walkRefs(t.nodes, func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	})
	return names
}

func walkRefs(nodes []node, fn func(string)) {
	for _, n := range nodes {
		switch v := n.(type) {
		case refNode:
			fn(v.name)
		case ifNode:
			if v.cond.name != "" {
				fn(v.cond.name)
			}
			walkRefs(v.then, fn)
			walkRefs(v.otherwise, fn)
		}
	}
}

// 块解析栈帧
type frame struct {
	ifn    ifNode
	inElse bool
	openAt int
}

type parser struct {
	src     string
	pos     int
	allowed map[string]bool
	errs    []*SyntaxError
}

// parse 宽松解析：错误被记录，树仍然可以渲染
func parse(src string, allowed map[string]bool) *Template {
	p := &parser{src: src, allowed: allowed}
	root := make([]node, 0)
	stack := make([]*frame, 0)
	var text strings.Builder

	current := func() *[]node {
		if len(stack) == 0 {
			return &root
		}
		top := stack[len(stack)-1]
		if top.inElse {
			return &top.ifn.otherwise
		}
		return &top.ifn.then
	}

	flush := func() {
		if text.Len() > 0 {
			dst := current()
			*dst = append(*dst, textNode{text: text.String()})
			text.Reset()
		}
	}

	for p.pos < len(src) {
		c := src[p.pos]

		if c == '{' && strings.HasPrefix(src[p.pos:], "{{") {
			end := strings.Index(src[p.pos:], "}}")
			if end < 0 {
				text.WriteString(src[p.pos:])
				p.pos = len(src)
				continue
			}
			inner := strings.TrimSpace(src[p.pos+2 : p.pos+end])
			start := p.pos

			switch {
			case strings.HasPrefix(inner, "#if"):
				flush()
				cond, err := p.parseCondition(strings.TrimSpace(inner[3:]), start)
				if err != nil {
					p.errs = append(p.errs, err)
				}
				stack = append(stack, &frame{ifn: ifNode{cond: cond}, openAt: start})
				p.pos += end + 2
				continue
			case inner == "else":
				if len(stack) == 0 || stack[len(stack)-1].inElse {
					p.errs = append(p.errs, &SyntaxError{Offset: start, Message: "{{else}} 没有对应的 {{#if}}"})
					text.WriteString(src[p.pos : p.pos+end+2])
				} else {
					flush()
					stack[len(stack)-1].inElse = true
				}
				p.pos += end + 2
				continue
			case inner == "/if":
				if len(stack) == 0 {
					p.errs = append(p.errs, &SyntaxError{Offset: start, Message: "{{/if}} 没有对应的 {{#if}}"})
					text.WriteString(src[p.pos : p.pos+end+2])
				} else {
					flush()
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					dst := current()
					*dst = append(*dst, top.ifn)
				}
				p.pos += end + 2
				continue
			}

			// 普通的 {{ 作为文本
			text.WriteString("{{")
			p.pos += 2
			continue
		}

		if c == '@' {
			if strings.HasPrefix(src[p.pos:], "@@") {
				text.WriteByte('@')
				p.pos += 2
				continue
			}
			if p.pos > 0 && isIdentRune(src[p.pos-1]) {
				// 邮箱等 a@b 形式不是引用
				text.WriteByte('@')
				p.pos++
				continue
			}
			if p.pos+1 < len(src) && isIdentStart(src[p.pos+1]) {
				flush()
				ref := p.parseRef()
				dst := current()
				*dst = append(*dst, ref)
				continue
			}
		}

		text.WriteByte(c)
		p.pos++
	}
	flush()

	// 未闭合的块视为在模板末尾闭合
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p.errs = append(p.errs, &SyntaxError{Offset: top.openAt, Message: "{{#if}} 未闭合"})
		dst := current()
		*dst = append(*dst, top.ifn)
	}

	return &Template{source: src, nodes: root, errs: p.errs}
}

// parseRef 解析 @name|formatter:arg 链，p.pos 指向 '@'
func (p *parser) parseRef() refNode {
	start := p.pos
	p.pos++
	nameStart := p.pos
	for p.pos < len(p.src) && isIdentRune(p.src[p.pos]) {
		p.pos++
	}
	ref := refNode{name: p.src[nameStart:p.pos]}

	for p.pos < len(p.src) && p.src[p.pos] == '|' {
		fnStart := p.pos + 1
		end := fnStart
		for end < len(p.src) && isLowerOrUnderscore(p.src[end]) {
			end++
		}
		name := p.src[fnStart:end]
		if _, known := builtinFormatters[name]; !known {
			// 不是内置格式化器，'|' 保留为文本
			break
		}
		p.pos = end

		call := formatterCall{name: name}
		if p.pos < len(p.src) && p.src[p.pos] == ':' {
			arg, next, ok := scanArg(p.src, p.pos+1)
			if ok {
				call.arg = arg
				p.pos = next
			}
		}
		if p.allowed != nil && !p.allowed[name] {
			p.errs = append(p.errs, &SyntaxError{Offset: fnStart, Message: fmt.Sprintf("格式化器 %q 未启用", name)})
			continue
		}
		ref.formatters = append(ref.formatters, call)
	}

	ref.raw = p.src[start:p.pos]
	return ref
}

// scanArg 读取格式化器参数：双引号字符串，或由 [A-Za-z0-9_-/%] 组成的片段，'.' 仅在后接字母数字时计入
func scanArg(src string, pos int) (string, int, bool) {
	if pos >= len(src) {
		return "", pos, false
	}
	if src[pos] == '"' {
		end := strings.IndexByte(src[pos+1:], '"')
		if end < 0 {
			return "", pos, false
		}
		return src[pos+1 : pos+1+end], pos + end + 2, true
	}
	i := pos
	for i < len(src) {
		c := src[i]
		if isIdentRune(c) || c == '-' || c == '/' || c == '%' {
			i++
			continue
		}
		if c == '.' && i+1 < len(src) && isIdentRune(src[i+1]) {
			i++
			continue
		}
		break
	}
	if i == pos {
		return "", pos, false
	}
	return src[pos:i], i, true
}

var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// parseCondition 解析 "@name", "@name == \"x\"", "@name > 10"
func (p *parser) parseCondition(expr string, offset int) (condition, *SyntaxError) {
	if !strings.HasPrefix(expr, "@") || len(expr) < 2 || !isIdentStart(expr[1]) {
		return condition{}, &SyntaxError{Offset: offset, Message: fmt.Sprintf("条件必须以变量引用开头: %q", expr)}
	}
	i := 1
	for i < len(expr) && isIdentRune(expr[i]) {
		i++
	}
	cond := condition{name: expr[1:i]}
	rest := strings.TrimSpace(expr[i:])
	if rest == "" {
		return cond, nil
	}

	for _, op := range comparisonOps {
		if strings.HasPrefix(rest, op) {
			cond.op = op
			operand := strings.TrimSpace(rest[len(op):])
			if operand == "" {
				return cond, &SyntaxError{Offset: offset, Message: fmt.Sprintf("比较运算符 %s 缺少右值", op)}
			}
			if len(operand) >= 2 && operand[0] == '"' && operand[len(operand)-1] == '"' {
				operand = operand[1 : len(operand)-1]
			}
			cond.operand = operand
			return cond, nil
		}
	}

	return cond, &SyntaxError{Offset: offset, Message: fmt.Sprintf("无法识别的条件: %q", expr)}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentRune(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isLowerOrUnderscore(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z')
}
