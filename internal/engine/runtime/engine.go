// internal/engine/runtime/engine.go
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/realtime"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/variables"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

// ErrDisposed 引擎已释放
var ErrDisposed = errors.New("runtime engine disposed")

// Collaborator 负责执行 AI 逻辑区块的外部协作者
type Collaborator interface {
	ProcessPrompt(ctx context.Context, req models.ProcessRequest) models.ProcessResponse
}

// CollaboratorFunc 函数适配器
type CollaboratorFunc func(ctx context.Context, req models.ProcessRequest) models.ProcessResponse

// ProcessPrompt 实现 Collaborator
func (f CollaboratorFunc) ProcessPrompt(ctx context.Context, req models.ProcessRequest) models.ProcessResponse {
	return f(ctx, req)
}

// CollaboratorError AI 调用失败
type CollaboratorError struct {
	SectionID string
	Message   string
}

func (e *CollaboratorError) Error() string {
	if e.Message == "" {
		return "AI collaborator call failed"
	}
	return e.Message
}

// Stats 引擎统计
type Stats struct {
	CacheHits         int64 `json:"cache_hits"`
	CacheMisses       int64 `json:"cache_misses"`
	CollaboratorCalls int64 `json:"collaborator_calls"`
	Failures          int64 `json:"failures"`
	CacheSize         int   `json:"cache_size"`
	Subscribers       int   `json:"subscribers"`
}

// Engine 一个会话的运行时引擎：私有缓存、私有更新总线、当前变量值
type Engine struct {
	collaborator Collaborator
	interp       *interpolate.Interpolator
	cache        *resultCache
	bus          *realtime.Bus
	group        singleflight.Group
	logger       *utils.Logger
	metrics      *utils.APIMetrics
	now          func() time.Time
	callTimeout  time.Duration

	cacheCapacity int
	cacheTTL      time.Duration

	mu     sync.RWMutex
	values map[string]interface{}
	last   *Evaluation

	// 进行中的协作者调用，Dispose 时等待其结束
	baseCtx    context.Context
	cancel     context.CancelFunc
	inflightMu sync.Mutex
	inflight   sync.WaitGroup
	disposed   atomic.Bool

	hits     atomic.Int64
	misses   atomic.Int64
	calls    atomic.Int64
	failures atomic.Int64
}

// Option 引擎配置
type Option func(*Engine)

// WithInterpolator 使用指定的插值器（语言区域、允许的格式化器）
func WithInterpolator(in *interpolate.Interpolator) Option {
	return func(e *Engine) {
		if in != nil {
			e.interp = in
		}
	}
}

// WithCache 设置缓存容量与过期时间，0 表示不限制
func WithCache(capacity int, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheCapacity = capacity
		e.cacheTTL = ttl
	}
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *utils.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics 记录缓存与调用指标
func WithMetrics(metrics *utils.APIMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithCallTimeout 单次协作者调用的超时
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// New 创建引擎，调用方负责 Dispose
func New(collaborator Collaborator, opts ...Option) *Engine {
	e := &Engine{
		collaborator:  collaborator,
		logger:        utils.GetLogger(),
		now:           time.Now,
		callTimeout:   60 * time.Second,
		cacheCapacity: 256,
		values:        make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.interp == nil {
		e.interp = interpolate.New(interpolate.DefaultOptions())
	}
	e.cache = newResultCache(e.cacheCapacity, e.cacheTTL, e.now)
	e.bus = realtime.NewBus(realtime.WithClock(e.now))
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Interpolator 返回引擎使用的插值器
func (e *Engine) Interpolator() *interpolate.Interpolator {
	return e.interp
}

// Bus 返回引擎的更新总线
func (e *Engine) Bus() *realtime.Bus {
	return e.bus
}

// Subscribe 订阅变量更新
func (e *Engine) Subscribe(names []string, handler realtime.Handler) *realtime.Subscription {
	return e.bus.Subscribe(names, handler)
}

// SetValue 更新会话中的变量值并发布事件，nil 表示清除；返回收到事件的订阅者数量
func (e *Engine) SetValue(name string, value interface{}) int {
	if e.disposed.Load() {
		return 0
	}
	e.mu.Lock()
	if value == nil {
		delete(e.values, name)
	} else {
		e.values[name] = value
	}
	e.mu.Unlock()

	delivered := e.bus.Publish(name, value)
	if e.metrics != nil {
		e.metrics.RecordUpdateEvent(name, delivered)
	}
	return delivered
}

// RestoreValues 恢复会话值，不产生事件
func (e *Engine) RestoreValues(values map[string]interface{}) {
	e.mu.Lock()
	for name, value := range values {
		e.values[name] = value
	}
	e.mu.Unlock()
	e.bus.Seed(values)
}

// Values 返回当前会话值的副本
func (e *Engine) Values() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyOutputs(e.values)
}

// Last 返回最近一次会话求值结果
func (e *Engine) Last() *Evaluation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Stats 返回统计信息
func (e *Engine) Stats() Stats {
	return Stats{
		CacheHits:         e.hits.Load(),
		CacheMisses:       e.misses.Load(),
		CollaboratorCalls: e.calls.Load(),
		Failures:          e.failures.Load(),
		CacheSize:         e.cache.len(),
		Subscribers:       e.bus.Subscribers(),
	}
}

// Evaluate 使用给定的值对全部区块求值。失败的 AI 区块降级，其余区块照常求值；
// 只有引擎已释放时才返回错误。
func (e *Engine) Evaluate(ctx context.Context, sections []models.Section, values map[string]interface{}) (*Evaluation, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	return e.run(ctx, models.SortSections(sections), values, nil, nil), nil
}

// EvaluateSession 使用会话当前值求值并记录结果
func (e *Engine) EvaluateSession(ctx context.Context, sections []models.Section) (*Evaluation, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	ev := e.run(ctx, models.SortSections(sections), e.Values(), nil, nil)
	e.mu.Lock()
	e.last = ev
	e.mu.Unlock()
	return ev, nil
}

// EvaluateSection 求值排序后第 index 个区块；之前的 AI 区块通过缓存复用
func (e *Engine) EvaluateSection(ctx context.Context, sections []models.Section, index int) (SectionResult, error) {
	if e.disposed.Load() {
		return SectionResult{}, ErrDisposed
	}
	sorted := models.SortSections(sections)
	if index < 0 || index >= len(sorted) {
		return SectionResult{}, fmt.Errorf("section index %d out of range [0,%d)", index, len(sorted))
	}
	ev := e.run(ctx, sorted[:index+1], e.Values(), nil, nil)
	return ev.Sections[index], nil
}

// Refresh 在变量变化后只重新求值受影响的区块，其余区块复用上一次结果
func (e *Engine) Refresh(ctx context.Context, sections []models.Section, changed []string) (*Evaluation, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	sorted := models.SortSections(sections)

	e.mu.RLock()
	prev := e.last
	values := copyOutputs(e.values)
	e.mu.RUnlock()

	var affected map[int]bool
	if prev != nil && prev.sameShape(sorted) {
		affected = Affected(sorted, changed)
	} else {
		prev = nil
	}

	ev := e.run(ctx, sorted, values, prev, affected)
	e.mu.Lock()
	e.last = ev
	e.mu.Unlock()
	return ev, nil
}

// Update 设置变量并刷新受影响的区块
func (e *Engine) Update(ctx context.Context, sections []models.Section, name string, value interface{}) (*Evaluation, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	e.SetValue(name, value)
	return e.Refresh(ctx, sections, []string{name})
}

// Dispose 释放引擎：取消进行中的调用、关闭总线、清空缓存。可重复调用。
func (e *Engine) Dispose() {
	e.inflightMu.Lock()
	if e.disposed.Swap(true) {
		e.inflightMu.Unlock()
		return
	}
	e.inflightMu.Unlock()

	e.cancel()
	e.inflight.Wait()
	e.bus.Close()
	e.cache.clear()

	e.mu.Lock()
	e.values = make(map[string]interface{})
	e.last = nil
	e.mu.Unlock()
}

// run 按顺序求值。prev/affected 非空时复用未受影响区块的上一次结果。
func (e *Engine) run(ctx context.Context, sorted []models.Section, values map[string]interface{}, prev *Evaluation, affected map[int]bool) *Evaluation {
	ev := &Evaluation{
		Sections:    make([]SectionResult, 0, len(sorted)),
		EvaluatedAt: e.now(),
	}
	scope := make(map[string]interface{})
	blocked := false
	// 本轮重新求值的区块所定义的变量；引用它们的后续区块不能复用
	dirty := make(map[string]bool)

	for i, section := range sorted {
		var res SectionResult
		if prev != nil && !affected[i] && !referencesAny(section, dirty) && prev.Sections[i].reusable() {
			res = prev.Sections[i].clone()
			res.Reused = true
		} else {
			res = e.evaluateOne(ctx, section, i, scope, values, blocked)
			if prev != nil {
				for _, v := range variables.SectionVariables(section, i) {
					dirty[v.Name] = true
				}
			}
		}

		if res.Status != StatusDegraded {
			if blocked {
				res.Status = StatusBlocked
			} else {
				res.Status = StatusReady
			}
		}

		// 当前区块定义的变量只对之后的区块可见
		switch section.Type {
		case models.SectionInput:
			if res.Variable != "" && res.Value != nil {
				scope[res.Variable] = res.Value
			}
			if res.Missing {
				blocked = true
			}
		case models.SectionAILogic:
			for name, value := range res.Outputs {
				scope[name] = value
			}
		}

		ev.Sections = append(ev.Sections, res)
	}

	ev.Values = scope
	ev.Ready = !blocked
	for _, res := range ev.Sections {
		if res.Status != StatusReady {
			ev.Ready = false
			break
		}
	}
	return ev
}

func (e *Engine) evaluateOne(ctx context.Context, section models.Section, index int, scope, values map[string]interface{}, blocked bool) SectionResult {
	res := SectionResult{
		SectionID: section.ID,
		Index:     index,
		Type:      section.Type,
	}

	switch st := section.Settings.(type) {
	case models.InputSettings:
		res.Variable = variables.NormalizeName(section.Title)
		if res.Variable == "" {
			return res
		}
		value, ok := values[res.Variable]
		if !ok || value == nil {
			value = st.Default
		}
		res.Value = value
		if value == nil && st.Required {
			res.Missing = true
			res.Unresolved = []string{res.Variable}
		}
	case models.ContentSettings:
		r := e.interp.Interpolate(st.Body, scope)
		res.Text = r.Text
		res.absorb(r)
	case models.OutputSettings:
		res.Fields = make(map[string]string, len(outputFields))
		for i, template := range st.Templates() {
			if template == "" {
				continue
			}
			r := e.interp.Interpolate(template, scope)
			res.Fields[outputFields[i]] = r.Text
			res.absorb(r)
		}
		res.Text = res.Fields["body"]
		res.normalize()
	case models.AILogicSettings:
		if blocked {
			// 之前的必填输入为空时不调用协作者
			return res
		}
		e.evaluateAI(ctx, section, st, scope, &res)
	}

	return res
}

// evaluateAI 缓存命中时复用结果；未命中时同一指纹只有一个进行中的调用
func (e *Engine) evaluateAI(ctx context.Context, section models.Section, st models.AILogicSettings, scope map[string]interface{}, res *SectionResult) {
	outputs := declaredOutputs(st.OutputVariables)

	referenced := make(map[string]interface{})
	for _, name := range interpolate.References(st.Prompt) {
		if value, ok := scope[name]; ok && value != nil {
			referenced[name] = value
			res.Resolved = append(res.Resolved, name)
		} else {
			res.Unresolved = append(res.Unresolved, name)
		}
	}

	images := make(map[string]models.ImageValue)
	for _, raw := range st.ImageVariables {
		name := variables.NormalizeName(raw)
		if img, ok := asImage(scope[name]); ok {
			images[name] = img
		}
	}

	req := models.ProcessRequest{
		Prompt:          st.Prompt,
		Variables:       copyOutputs(scope),
		OutputVariables: outputs,
		ImageVariables:  images,
		Model:           st.Model,
		Temperature:     st.Temperature,
	}
	key := Fingerprint(models.ProcessRequest{
		Prompt:          st.Prompt,
		Variables:       referenced,
		OutputVariables: outputs,
		ImageVariables:  images,
		Model:           st.Model,
		Temperature:     st.Temperature,
	})
	res.Fingerprint = key

	if cached, ok := e.cache.get(key); ok {
		e.hits.Add(1)
		if e.metrics != nil {
			e.metrics.RecordCacheLookup(true)
		}
		res.Outputs = cached
		res.Cached = true
		e.publishOutputs(cached)
		return
	}
	e.misses.Add(1)
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(false)
	}

	start := e.now()
	ch := e.group.DoChan(key, func() (interface{}, error) {
		return e.call(section.ID, key, req, outputs)
	})

	select {
	case r := <-ch:
		res.ProcessingTime = e.now().Sub(start)
		if r.Err != nil {
			res.Status = StatusDegraded
			res.Error = r.Err.Error()
			return
		}
		res.Outputs = copyOutputs(r.Val.(map[string]interface{}))
		e.publishOutputs(res.Outputs)
	case <-ctx.Done():
		// 调用继续在后台完成并写入缓存，结果不再投递给当前请求
		res.Status = StatusDegraded
		res.Error = ctx.Err().Error()
	}
}

// call 执行一次协作者调用，生命周期绑定引擎而不是请求
func (e *Engine) call(sectionID, key string, req models.ProcessRequest, outputs []models.OutputDefinition) (interface{}, error) {
	e.inflightMu.Lock()
	if e.disposed.Load() {
		e.inflightMu.Unlock()
		return nil, ErrDisposed
	}
	e.inflight.Add(1)
	e.inflightMu.Unlock()
	defer e.inflight.Done()

	if cached, ok := e.cache.get(key); ok {
		return cached, nil
	}

	callCtx, cancel := context.WithTimeout(e.baseCtx, e.callTimeout)
	defer cancel()

	e.calls.Add(1)
	resp := e.collaborator.ProcessPrompt(callCtx, req)
	if !resp.Success {
		e.failures.Add(1)
		e.logger.Warn("AI logic section failed", map[string]interface{}{
			"section_id": sectionID,
			"error":      resp.Error,
		})
		return nil, &CollaboratorError{SectionID: sectionID, Message: resp.Error}
	}

	mapped := mapOutputs(resp.Outputs, outputs)
	if !e.disposed.Load() {
		e.cache.put(key, mapped)
	}
	e.logger.Debug("AI logic section resolved", map[string]interface{}{
		"section_id":      sectionID,
		"fingerprint":     key[:12],
		"processing_time": resp.ProcessingTime.Milliseconds(),
	})
	return mapped, nil
}

func (e *Engine) publishOutputs(outputs map[string]interface{}) {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		delivered := e.bus.Publish(name, outputs[name])
		if e.metrics != nil {
			e.metrics.RecordUpdateEvent(name, delivered)
		}
	}
}
