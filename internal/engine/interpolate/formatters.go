// internal/engine/interpolate/formatters.go
package interpolate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/number"
)

var (
	errMissingValue = errors.New("缺少值")
	errInvalidValue = errors.New("值类型不匹配")
	errBadArgument  = errors.New("格式化参数无效")
)

// formatterFunc 对值进行一次格式化；nil 表示缺失值
type formatterFunc func(in *Interpolator, value interface{}, arg string) (interface{}, error)

// builtinFormatters 固定的内置格式化器集合
var builtinFormatters map[string]formatterFunc

// 数值类格式化器，缺失或非数值时记录错误
var numericFormatters = map[string]bool{
	"number":   true,
	"percent":  true,
	"currency": true,
}

func init() {
	builtinFormatters = map[string]formatterFunc{
		"upper":    formatUpper,
		"lower":    formatLower,
		"title":    formatTitle,
		"trim":     formatTrim,
		"number":   formatNumber,
		"percent":  formatPercent,
		"currency": formatCurrency,
		"date":     formatDate,
		"default":  formatDefault,
		"truncate": formatTruncate,
		"json":     formatJSON,
		"list":     formatList,
	}
}

// FormatterNames 返回全部内置格式化器名称
func FormatterNames() []string {
	return []string{"upper", "lower", "title", "trim", "number", "percent", "currency", "date", "default", "truncate", "json", "list"}
}

func formatUpper(in *Interpolator, value interface{}, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	return cases.Upper(in.tag).String(in.render(value)), nil
}

func formatLower(in *Interpolator, value interface{}, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	return cases.Lower(in.tag).String(in.render(value)), nil
}

func formatTitle(in *Interpolator, value interface{}, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	return cases.Title(in.tag).String(in.render(value)), nil
}

func formatTrim(in *Interpolator, value interface{}, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	return strings.TrimSpace(in.render(value)), nil
}

// parseDecimals 解析小数位参数，空参数返回 -1
func parseDecimals(arg string) (int, error) {
	if arg == "" {
		return -1, nil
	}
	d, err := strconv.Atoi(arg)
	if err != nil || d < 0 || d > 10 {
		return 0, fmt.Errorf("%w: 小数位 %q", errBadArgument, arg)
	}
	return d, nil
}

func formatNumber(in *Interpolator, value interface{}, arg string) (interface{}, error) {
	if value == nil {
		return nil, errMissingValue
	}
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("%w: %v 不是数值", errInvalidValue, value)
	}
	decimals, err := parseDecimals(arg)
	if err != nil {
		return nil, err
	}
	var opts []number.Option
	if decimals >= 0 {
		opts = append(opts, number.Scale(decimals))
	}
	return in.printer.Sprint(number.Decimal(f, opts...)), nil
}

// formatPercent 值按百分点解释：75 渲染为 75%
func formatPercent(in *Interpolator, value interface{}, arg string) (interface{}, error) {
	if value == nil {
		return nil, errMissingValue
	}
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("%w: %v 不是数值", errInvalidValue, value)
	}
	decimals, err := parseDecimals(arg)
	if err != nil {
		return nil, err
	}
	var opts []number.Option
	if decimals >= 0 {
		opts = append(opts, number.Scale(decimals))
	}
	return in.printer.Sprint(number.Percent(f/100, opts...)), nil
}

func formatCurrency(in *Interpolator, value interface{}, arg string) (interface{}, error) {
	if value == nil {
		return nil, errMissingValue
	}
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("%w: %v 不是数值", errInvalidValue, value)
	}
	code := arg
	if code == "" {
		code = in.opts.DefaultCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("%w: 货币 %q", errBadArgument, code)
	}
	out := in.printer.Sprint(currency.Symbol(unit.Amount(f)))
	// "$ 12.50" → "$12.50"，字母形式的代码保留空格
	if i := strings.IndexByte(out, ' '); i > 0 {
		last, _ := utf8.DecodeLastRuneInString(out[:i])
		if !unicode.IsLetter(last) {
			out = out[:i] + out[i+1:]
		}
	}
	return out, nil
}

func formatDate(in *Interpolator, value interface{}, arg string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	t, ok := toTime(value)
	if !ok {
		return nil, fmt.Errorf("%w: %v 不是日期", errInvalidValue, value)
	}
	layout := arg
	if layout == "" {
		layout = in.opts.DateLayout
	}
	return t.Format(layout), nil
}

func formatDefault(in *Interpolator, value interface{}, arg string) (interface{}, error) {
	if value == nil || strings.TrimSpace(in.render(value)) == "" {
		return arg, nil
	}
	return value, nil
}

func formatTruncate(in *Interpolator, value interface{}, arg string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: 长度 %q", errBadArgument, arg)
	}
	s := in.render(value)
	if utf8.RuneCountInString(s) <= n {
		return s, nil
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "...", nil
}

func formatJSON(_ *Interpolator, value interface{}, _ string) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidValue, err)
	}
	return string(data), nil
}

func formatList(in *Interpolator, value interface{}, arg string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	sep := arg
	if sep == "" {
		sep = ", "
	}
	items := toStrings(in, value)
	return strings.Join(items, sep), nil
}

// toFloat 将常见数值形式转换为 float64
func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func toTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toStrings(in *Interpolator, value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, in.render(item))
		}
		return out
	default:
		return []string{in.render(value)}
	}
}
