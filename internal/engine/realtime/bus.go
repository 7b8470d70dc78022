// internal/engine/realtime/bus.go
package realtime

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

// State 订阅状态
type State int32

const (
	StateIdle       State = iota // 未注册或已取消
	StateSubscribed              // 等待匹配事件
	StateNotified                // 处理器执行中
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateNotified:
		return "notified"
	default:
		return "unknown"
	}
}

// Handler 事件处理函数，在发布者的 goroutine 中同步调用
type Handler func(event models.UpdateEvent)

// Subscription 一个订阅者对若干变量的关注
type Subscription struct {
	id      uint64
	bus     *Bus
	names   map[string]bool // 为空表示关注全部变量
	handler Handler
	state   atomic.Int32
	count   atomic.Int64
}

// State 返回当前状态
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Notifications 已投递的事件数
func (s *Subscription) Notifications() int64 {
	return s.count.Load()
}

// Names 返回关注的变量名
func (s *Subscription) Names() []string {
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unsubscribe 取消订阅，之后不会再收到事件
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.remove(s)
	}
}

func (s *Subscription) matches(name string) bool {
	return len(s.names) == 0 || s.names[name]
}

// deliver Subscribed → Notified → Subscribed；取消订阅后丢弃事件
func (s *Subscription) deliver(event models.UpdateEvent) bool {
	if s.State() == StateIdle {
		return false
	}
	s.state.CompareAndSwap(int32(StateSubscribed), int32(StateNotified))
	s.count.Add(1)
	s.handler(event)
	s.state.CompareAndSwap(int32(StateNotified), int32(StateSubscribed))
	return true
}

// Bus 进程内的变量更新总线，每个会话一个实例
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	last   map[string]interface{}
	nextID uint64
	closed bool
	now    func() time.Time

	published  atomic.Int64
	suppressed atomic.Int64
}

// Option 总线配置
type Option func(*Bus)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus 创建总线
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[uint64]*Subscription),
		last: make(map[string]interface{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe 注册对 names 的关注；names 为空时接收全部事件
func (b *Bus) Subscribe(names []string, handler Handler) *Subscription {
	sub := &Subscription{
		names:   make(map[string]bool, len(names)),
		handler: handler,
	}
	for _, name := range names {
		if name != "" {
			sub.names[name] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || handler == nil {
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	sub.bus = b
	b.subs[sub.id] = sub
	sub.state.Store(int32(StateSubscribed))
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.state.Store(int32(StateIdle))
}

// Publish 发布变量的新值，返回收到事件的订阅者数量
// 与上次发布的值相同时不产生事件
func (b *Bus) Publish(name string, value interface{}) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	if prev, ok := b.last[name]; ok && reflect.DeepEqual(prev, value) {
		b.mu.Unlock()
		b.suppressed.Add(1)
		return 0
	}
	b.last[name] = value

	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(name) {
			targets = append(targets, sub)
		}
	}
	event := models.UpdateEvent{
		VariableName: name,
		NewValue:     value,
		Timestamp:    b.now(),
	}
	b.mu.Unlock()
	b.published.Add(1)

	// 按订阅顺序投递
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	delivered := 0
	for _, sub := range targets {
		if sub.deliver(event) {
			delivered++
		}
	}
	return delivered
}

// Seed 记录当前值但不发布，用于会话恢复
func (b *Bus) Seed(values map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, value := range values {
		b.last[name] = value
	}
}

// Last 返回最近一次发布的值
func (b *Bus) Last(name string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.last[name]
	return v, ok
}

// Subscribers 当前订阅者数量
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats 总线统计
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Suppressed  int64 `json:"suppressed"`
}

// Stats 返回统计信息
func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.Subscribers(),
		Published:   b.published.Load(),
		Suppressed:  b.suppressed.Load(),
	}
}

// Close 移除全部订阅者，之后的发布被忽略
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.state.Store(int32(StateIdle))
	}
}
