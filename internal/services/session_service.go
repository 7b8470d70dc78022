// internal/services/session_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flintbot-021/flint-prod-sub003/internal/engine/realtime"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/runtime"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/variables"
	apperrors "github.com/flintbot-021/flint-prod-sub003/internal/errors"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/storage"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

// 快照的保留时间，超过后即使会话可恢复也会被清除
const snapshotRetention = 7 * 24 * time.Hour

// SessionOptions SessionService 的依赖与参数
type SessionOptions struct {
	Campaigns    *CampaignService
	Collaborator runtime.Collaborator
	Store        *storage.SessionStore // 为空时不做持久化
	Locks        *LockManager
	EngineOpts   []runtime.Option
	TTL          time.Duration
	Logger       *utils.Logger
	Metrics      *utils.APIMetrics
}

// Session 一次访客运行：每个会话独占一个引擎
type Session struct {
	ID         string
	CampaignID string
	CreatedAt  time.Time

	engine     *runtime.Engine
	sections   []models.Section
	inputs     map[string]bool
	lastActive atomic.Int64 // unix nano
}

// SessionView 对外返回的会话状态
type SessionView struct {
	ID         string                 `json:"id"`
	CampaignID string                 `json:"campaign_id"`
	Values     map[string]interface{} `json:"values"`
	CreatedAt  time.Time              `json:"created_at"`
	LastActive time.Time              `json:"last_active"`
	Evaluation *runtime.Evaluation    `json:"evaluation,omitempty"`
	Stats      runtime.Stats          `json:"stats"`
}

// SessionService 管理运行会话的生命周期
type SessionService struct {
	campaigns    *CampaignService
	collaborator runtime.Collaborator
	store        *storage.SessionStore
	locks        *LockManager
	engineOpts   []runtime.Option
	ttl          time.Duration
	logger       *utils.Logger
	metrics      *utils.APIMetrics
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionService 创建会话服务
func NewSessionService(opts SessionOptions) *SessionService {
	if opts.Locks == nil {
		opts.Locks = NewLockManager(0)
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	return &SessionService{
		campaigns:    opts.Campaigns,
		collaborator: opts.Collaborator,
		store:        opts.Store,
		locks:        opts.Locks,
		engineOpts:   opts.EngineOpts,
		ttl:          opts.TTL,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          time.Now,
		sessions:     make(map[string]*Session),
	}
}

func (s *SessionService) newSession(id string, campaign *models.Campaign, createdAt time.Time) *Session {
	sorted := models.SortSections(campaign.Sections)
	inputs := make(map[string]bool)
	for _, v := range variables.Extract(sorted) {
		if v.Source == models.SourceInput {
			inputs[v.Name] = true
		}
	}
	session := &Session{
		ID:         id,
		CampaignID: campaign.ID,
		CreatedAt:  createdAt,
		engine:     runtime.New(s.collaborator, s.engineOpts...),
		sections:   sorted,
		inputs:     inputs,
	}
	session.touch(s.now())
	return session
}

func (s *SessionService) register(session *Session) {
	s.mu.Lock()
	s.sessions[session.ID] = session
	active := len(s.sessions)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordSessions(active)
	}
}

// CreateSession 为活动创建新会话，可带初始值
func (s *SessionService) CreateSession(ctx context.Context, campaignID string, initial map[string]interface{}) (*SessionView, error) {
	campaign, err := s.campaigns.GetCampaign(campaignID)
	if err != nil {
		return nil, err
	}

	session := s.newSession(uuid.NewString(), campaign, s.now().UTC())
	values, err := session.filterInputs(initial)
	if err != nil {
		session.engine.Dispose()
		return nil, err
	}
	session.engine.RestoreValues(values)
	s.register(session)

	var view *SessionView
	err = s.locks.WithLock(session.ID, func() error {
		ev, err := session.engine.EvaluateSession(ctx, session.sections)
		if err != nil {
			return err
		}
		if err := s.snapshot(ctx, session); err != nil {
			return err
		}
		view = session.view(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session created", map[string]interface{}{
		"session_id":  session.ID,
		"campaign_id": campaignID,
	})
	return view, nil
}

// lookup 返回内存中的会话；不在内存时尝试从快照恢复
func (s *SessionService) lookup(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return session, nil
	}
	if s.store == nil {
		return nil, apperrors.NewNotFoundError("session "+id+" not found", nil)
	}

	rec, err := s.store.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("session "+id+" not found", err)
		}
		return nil, apperrors.WrapError(err, "load session snapshot", apperrors.ErrorTypeError)
	}

	campaign, err := s.campaigns.GetCampaign(rec.CampaignID)
	if err != nil {
		return nil, err
	}

	var values map[string]interface{}
	if err := json.Unmarshal(rec.Values, &values); err != nil {
		return nil, apperrors.WrapError(err, "decode session snapshot", apperrors.ErrorTypeError)
	}

	restored := s.newSession(rec.ID, campaign, rec.CreatedAt)
	// 活动被修改后，已不存在的输入变量直接丢弃
	for name := range values {
		if !restored.inputs[name] {
			delete(values, name)
		}
	}
	restored.engine.RestoreValues(values)

	// 并发恢复同一会话时只保留先注册的那个
	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		restored.engine.Dispose()
		return existing, nil
	}
	s.sessions[id] = restored
	active := len(s.sessions)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordSessions(active)
	}

	s.logger.Info("session restored from snapshot", map[string]interface{}{"session_id": id})
	return restored, nil
}

// GetSession 返回会话状态；没有求值结果时先求值一次
func (s *SessionService) GetSession(ctx context.Context, id string) (*SessionView, error) {
	session, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var view *SessionView
	err = s.locks.WithLock(id, func() error {
		ev := session.engine.Last()
		if ev == nil {
			fresh, err := session.engine.EvaluateSession(ctx, session.sections)
			if err != nil {
				return err
			}
			ev = fresh
		}
		session.touch(s.now())
		view = session.view(ev)
		return nil
	})
	return view, s.mapEngineError(id, err)
}

// SetValues 写入访客输入并只刷新受影响的区块
func (s *SessionService) SetValues(ctx context.Context, id string, values map[string]interface{}) (*SessionView, error) {
	session, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var view *SessionView
	err = s.locks.WithLock(id, func() error {
		filtered, err := session.filterInputs(values)
		if err != nil {
			return err
		}

		changed := make([]string, 0, len(filtered))
		for name := range filtered {
			changed = append(changed, name)
		}
		sort.Strings(changed)
		for _, name := range changed {
			session.engine.SetValue(name, filtered[name])
		}

		ev, err := session.engine.Refresh(ctx, session.sections, changed)
		if err != nil {
			return err
		}
		session.touch(s.now())
		if err := s.snapshot(ctx, session); err != nil {
			return err
		}
		view = session.view(ev)
		return nil
	})
	return view, s.mapEngineError(id, err)
}

// Evaluate 对会话完整求值
func (s *SessionService) Evaluate(ctx context.Context, id string) (*SessionView, error) {
	session, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var view *SessionView
	err = s.locks.WithLock(id, func() error {
		ev, err := session.engine.EvaluateSession(ctx, session.sections)
		if err != nil {
			return err
		}
		session.touch(s.now())
		view = session.view(ev)
		return nil
	})
	return view, s.mapEngineError(id, err)
}

// Subscribe 订阅会话的变量更新；names 为空时接收全部变量
func (s *SessionService) Subscribe(ctx context.Context, id string, names []string, handler realtime.Handler) (*realtime.Subscription, error) {
	session, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	normalized := make([]string, 0, len(names))
	for _, name := range names {
		if n := variables.NormalizeName(name); n != "" {
			normalized = append(normalized, n)
		}
	}
	return session.engine.Subscribe(normalized, handler), nil
}

// CloseSession 释放会话并删除快照
func (s *SessionService) CloseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	active := len(s.sessions)
	s.mu.Unlock()

	if ok {
		session.engine.Dispose()
	}
	if s.metrics != nil {
		s.metrics.RecordSessions(active)
	}

	if s.store != nil {
		if !ok {
			if _, err := s.store.LoadSession(ctx, id); errors.Is(err, storage.ErrNotFound) {
				return apperrors.NewNotFoundError("session "+id+" not found", err)
			}
		}
		if err := s.store.DeleteSession(ctx, id); err != nil {
			return apperrors.WrapError(err, "delete session snapshot", apperrors.ErrorTypeError)
		}
		return nil
	}
	if !ok {
		return apperrors.NewNotFoundError("session "+id+" not found", nil)
	}
	return nil
}

// EvictIdle 释放超过 TTL 未活动的会话（快照保留，之后可恢复），返回释放数量
func (s *SessionService) EvictIdle(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var idle []*Session
	for id, session := range s.sessions {
		if session.LastActive().Before(cutoff) {
			idle = append(idle, session)
			delete(s.sessions, id)
		}
	}
	active := len(s.sessions)
	s.mu.Unlock()

	for _, session := range idle {
		// 等待正在进行的请求结束再释放
		_ = s.locks.WithLock(session.ID, func() error {
			session.engine.Dispose()
			return nil
		})
	}
	s.locks.Cleanup()

	if s.store != nil {
		if purged, err := s.store.PurgeBefore(ctx, s.now().Add(-snapshotRetention)); err != nil {
			s.logger.Warn("failed to purge session snapshots", map[string]interface{}{"error": err})
		} else if purged > 0 {
			s.logger.Info("purged expired session snapshots", map[string]interface{}{"count": purged})
		}
	}

	if s.metrics != nil {
		s.metrics.RecordSessions(active)
	}
	if len(idle) > 0 {
		s.logger.Info("evicted idle sessions", map[string]interface{}{"count": len(idle)})
	}
	return len(idle)
}

// StartEviction 周期性清理空闲会话，ctx 结束时停止
func (s *SessionService) StartEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.EvictIdle(ctx)
			}
		}
	}()
}

// ActiveCount 内存中的会话数量
func (s *SessionService) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close 释放所有会话
func (s *SessionService) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, session := range sessions {
		session.engine.Dispose()
	}
}

func (s *SessionService) snapshot(ctx context.Context, session *Session) error {
	if s.store == nil {
		return nil
	}
	data, err := json.Marshal(session.engine.Values())
	if err != nil {
		return apperrors.WrapError(err, "encode session values", apperrors.ErrorTypeError)
	}
	err = s.store.SaveSession(ctx, storage.SessionRecord{
		ID:         session.ID,
		CampaignID: session.CampaignID,
		Values:     data,
		CreatedAt:  session.CreatedAt,
		UpdatedAt:  s.now().UTC(),
	})
	if err != nil {
		return apperrors.WrapError(err, "save session snapshot", apperrors.ErrorTypeError)
	}
	return nil
}

// mapEngineError 会话在请求期间被释放时按不存在处理
func (s *SessionService) mapEngineError(id string, err error) error {
	if errors.Is(err, runtime.ErrDisposed) {
		return apperrors.NewNotFoundError("session "+id+" was closed", err)
	}
	return err
}

// filterInputs 只接受活动的输入变量，名称统一规范化
func (sess *Session) filterInputs(values map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(values))
	var unknown []string
	for name, value := range values {
		normalized := variables.NormalizeName(name)
		if !sess.inputs[normalized] {
			unknown = append(unknown, name)
			continue
		}
		out[normalized] = value
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, apperrors.NewValidationError("unknown input variables", nil).WithDetails(unknown)
	}
	return out, nil
}

func (sess *Session) view(ev *runtime.Evaluation) *SessionView {
	return &SessionView{
		ID:         sess.ID,
		CampaignID: sess.CampaignID,
		Values:     sess.engine.Values(),
		CreatedAt:  sess.CreatedAt,
		LastActive: sess.LastActive(),
		Evaluation: ev,
		Stats:      sess.engine.Stats(),
	}
}

func (sess *Session) touch(at time.Time) {
	sess.lastActive.Store(at.UnixNano())
}

// LastActive 最近一次访问时间
func (sess *Session) LastActive() time.Time {
	return time.Unix(0, sess.lastActive.Load())
}
