// internal/services/ai_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/flintbot-021/flint-prod-sub003/internal/config"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/runtime"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/variables"
	"github.com/flintbot-021/flint-prod-sub003/internal/llm"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"

	// 注册内置提供者
	_ "github.com/flintbot-021/flint-prod-sub003/internal/llm/providers/anthropic"
	_ "github.com/flintbot-021/flint-prod-sub003/internal/llm/providers/openrouter"
)

var ErrAINotReady = errors.New("ai provider not ready")

const (
	defaultAITimeout   = 60 * time.Second
	defaultAIMaxTokens = 2048
)

var _ runtime.Collaborator = (*AIService)(nil)

// AIServiceOptions AIService 的依赖与参数
type AIServiceOptions struct {
	Registry     *llm.Registry
	Interpolator *interpolate.Interpolator
	Timeout      time.Duration
	MaxTokens    int
	Logger       *utils.Logger
	Metrics      *utils.APIMetrics
}

// AIService 把 AI 逻辑区块的请求转成一次结构化的 LLM 调用
type AIService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	isReady            bool
	readyState         string
	activeDefaultModel string

	registry  *llm.Registry
	interp    *interpolate.Interpolator
	timeout   time.Duration
	maxTokens int
	logger    *utils.Logger
	metrics   *utils.APIMetrics
}

// AIStatus 提供者状态
type AIStatus struct {
	Ready     bool     `json:"ready"`
	State     string   `json:"state"`
	Provider  string   `json:"provider"`
	Model     string   `json:"model,omitempty"`
	Providers []string `json:"providers"`
}

// NewAIService 按当前配置初始化；配置不完整时返回未就绪的服务而不是错误
func NewAIService(opts AIServiceOptions) *AIService {
	if opts.Registry == nil {
		opts.Registry = llm.DefaultRegistry
	}
	if opts.Interpolator == nil {
		opts.Interpolator = interpolate.New(interpolate.DefaultOptions())
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultAITimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultAIMaxTokens
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}

	s := &AIService{
		registry:   opts.Registry,
		interp:     opts.Interpolator,
		timeout:    opts.Timeout,
		maxTokens:  opts.MaxTokens,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		readyState: "Uninitialized",
	}

	cfg := config.GetCurrentConfig()
	if cfg.LLMProvider == "" {
		s.readyState = "LLM provider not configured"
		return s
	}
	s.providerName = cfg.LLMProvider
	if cfg.LLMConfig["api_key"] == "" {
		s.readyState = "API key not configured"
		return s
	}

	if err := s.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig); err != nil {
		s.logger.Warn("AI provider initialization failed", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"error":    err,
		})
	}
	return s
}

// IsReady 返回服务是否已就绪
func (s *AIService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// Status 返回就绪状态与可用提供者
func (s *AIService) Status() AIStatus {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return AIStatus{
		Ready:     s.provider != nil && s.isReady,
		State:     s.readyState,
		Provider:  s.providerName,
		Model:     s.activeDefaultModel,
		Providers: s.registry.Providers(),
	}
}

// UpdateProvider 切换提供者；失败时服务进入未就绪状态
func (s *AIService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := s.registry.GetProvider(providerName, cfg)
	if err != nil {
		s.providerMutex.Lock()
		s.provider = nil
		s.providerName = providerName
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.activeDefaultModel = cfg["default_model"]
	s.isReady = true
	s.readyState = "Ready"

	s.logger.Info("AI provider configured", map[string]interface{}{
		"provider": providerName,
		"model":    s.activeDefaultModel,
	})
	return nil
}

// ProcessPrompt 执行一次 AI 逻辑区块调用；失败通过 Success=false 返回，不会 panic
func (s *AIService) ProcessPrompt(ctx context.Context, req models.ProcessRequest) models.ProcessResponse {
	start := time.Now()

	s.providerMutex.RLock()
	provider := s.provider
	providerName := s.providerName
	ready := s.isReady
	state := s.readyState
	s.providerMutex.RUnlock()

	fail := func(format string, args ...interface{}) models.ProcessResponse {
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordAIRequest(providerName, false, elapsed)
		}
		return models.ProcessResponse{
			Success:        false,
			Error:          fmt.Sprintf(format, args...),
			ProcessingTime: elapsed,
		}
	}

	if provider == nil || !ready {
		return fail("%v: %s", ErrAINotReady, state)
	}

	outputs := normalizeOutputDefinitions(req.OutputVariables)
	if len(outputs) == 0 {
		return models.ProcessResponse{Success: true, Outputs: map[string]interface{}{}, ProcessingTime: time.Since(start)}
	}

	prompt := s.interp.Interpolate(req.Prompt, req.Variables)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := provider.CompleteText(callCtx, llm.CompletionRequest{
		Prompt:       prompt.Text,
		SystemPrompt: buildSchemaPrompt(outputs),
		Images:       collectImages(req.ImageVariables),
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    s.maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fail("AI request timed out after %s", s.timeout)
		}
		return fail("AI request failed: %v", err)
	}

	raw, err := decodeJSONObject(resp.Text)
	if err != nil {
		s.logger.Debug("unparseable AI response", map[string]interface{}{
			"provider": providerName,
			"response": truncateForLog(resp.Text, 500),
		})
		return fail("AI response is not a JSON object: %v", err)
	}

	coerced, err := coerceOutputs(raw, outputs)
	if err != nil {
		return fail("%v", err)
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordAIRequest(providerName, true, elapsed)
	}
	s.logger.Debug("AI request completed", map[string]interface{}{
		"provider":      providerName,
		"model":         resp.ModelName,
		"outputs":       len(coerced),
		"prompt_tokens": resp.PromptTokens,
		"duration_ms":   elapsed.Milliseconds(),
	})

	return models.ProcessResponse{
		Success:        true,
		Outputs:        coerced,
		ProcessingTime: elapsed,
	}
}

// normalizeOutputDefinitions 规范化名称并去重，未声明类型视为文本
func normalizeOutputDefinitions(defs []models.OutputDefinition) []models.OutputDefinition {
	seen := make(map[string]bool, len(defs))
	out := make([]models.OutputDefinition, 0, len(defs))
	for _, def := range defs {
		name := variables.NormalizeName(def.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if def.Type == "" {
			def.Type = models.VarText
		}
		def.Name = name
		out = append(out, def)
	}
	return out
}

// buildSchemaPrompt 根据声明的输出生成 JSON 结构提示
func buildSchemaPrompt(outputs []models.OutputDefinition) string {
	var b strings.Builder
	b.WriteString("You are the logic step of an interactive campaign. ")
	b.WriteString("Reply with exactly one JSON object and no other text. The object must contain these keys:\n")
	for _, def := range outputs {
		fmt.Fprintf(&b, "- %q: %s", def.Name, schemaType(def.Type))
		if def.Description != "" {
			b.WriteString(" - ")
			b.WriteString(def.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func schemaType(t models.VariableType) string {
	switch t {
	case models.VarNumber:
		return "number"
	case models.VarBoolean:
		return "boolean (true or false)"
	case models.VarList, models.VarMultiChoice:
		return "array of strings"
	case models.VarDate:
		return "string (ISO 8601 date)"
	default:
		return "string"
	}
}

// collectImages 按变量名排序，保证同样的输入得到同样的请求
func collectImages(images map[string]models.ImageValue) []llm.Image {
	if len(images) == 0 {
		return nil
	}
	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]llm.Image, 0, len(names))
	for _, name := range names {
		img := images[name]
		if img.Base64Data == "" {
			continue
		}
		mime := img.MimeType
		if mime == "" {
			mime = "image/png"
		}
		out = append(out, llm.Image{MimeType: mime, Base64Data: img.Base64Data})
	}
	return out
}

func decodeJSONObject(text string) (map[string]interface{}, error) {
	cleaned := cleanJSONObject(text)
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("null object")
	}
	return raw, nil
}

// coerceOutputs 按声明类型转换模型返回值；缺少任何声明的输出都视为失败
func coerceOutputs(raw map[string]interface{}, outputs []models.OutputDefinition) (map[string]interface{}, error) {
	normalized := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		normalized[variables.NormalizeName(key)] = value
	}

	result := make(map[string]interface{}, len(outputs))
	var missing []string
	for _, def := range outputs {
		value, ok := raw[def.Name]
		if !ok {
			value, ok = normalized[def.Name]
		}
		if !ok || value == nil {
			missing = append(missing, def.Name)
			continue
		}
		coerced, err := coerceValue(value, def.Type)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", def.Name, err)
		}
		result[def.Name] = coerced
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("AI response missing outputs: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

func coerceValue(value interface{}, t models.VariableType) (interface{}, error) {
	switch t {
	case models.VarNumber:
		return coerceNumber(value)
	case models.VarBoolean:
		return coerceBool(value)
	case models.VarList, models.VarMultiChoice:
		return coerceList(value), nil
	default:
		return coerceText(value), nil
	}
}

func coerceNumber(value interface{}) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		cleaned := strings.TrimSpace(v)
		cleaned = strings.TrimSuffix(cleaned, "%")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		n, err := strconv.ParseFloat(strings.TrimSpace(cleaned), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected number, got %T", value)
}

func coerceBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		return f != 0, err
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1":
			return true, nil
		case "false", "no", "n", "0":
			return false, nil
		}
		return false, fmt.Errorf("expected boolean, got %q", v)
	}
	return false, fmt.Errorf("expected boolean, got %T", value)
}

func coerceList(value interface{}) []interface{} {
	switch v := value.(type) {
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			out = append(out, coerceText(item))
		}
		return out
	case string:
		parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' })
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []interface{}{coerceText(value)}
}

func coerceText(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}

// truncateForLog 最多保留 max 字节，不截断多字节字符
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
