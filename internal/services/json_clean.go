// internal/services/json_clean.go
package services

import (
	"strings"
	"unicode"
)

// 模型输出中常见的 Markdown 包裹与不可见字符
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```JSON", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

// 字符串外出现的全角结构符号
var fullWidthPunctuation = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

// 弯引号等当作字符串定界符
var quoteClosers = map[rune]rune{
	'"': '"',
	'“': '”',
	'”': '”',
	'„': '”',
	'「': '」',
	'『': '』',
}

// normalizeStructure 只改写字符串外的标点，字符串内容原样保留
func normalizeStructure(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	closing := '"'

	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == closing || r == '"':
				inString = false
				b.WriteRune('"')
				continue
			}
			b.WriteRune(r)
			continue
		}

		if replacement, ok := fullWidthPunctuation[r]; ok {
			b.WriteRune(replacement)
			continue
		}
		if c, ok := quoteClosers[r]; ok {
			inString = true
			closing = c
			b.WriteRune('"')
			continue
		}
		if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// cleanJSONObject 从模型回复中截取第一个完整的 JSON 对象
func cleanJSONObject(raw string) string {
	s := strings.TrimSpace(jsonNoiseReplacer.Replace(raw))

	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	start := strings.IndexAny(s, "{｛")
	if start == -1 {
		return s
	}
	s = normalizeStructure(s[start:])

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	// 没有闭合时退回到最后一个右括号
	if end := strings.LastIndex(s, "}"); end != -1 {
		return s[:end+1]
	}
	return s
}
