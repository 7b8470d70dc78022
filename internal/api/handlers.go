// internal/api/handlers.go
package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flintbot-021/flint-prod-sub003/internal/config"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/services"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

// 请求体大小上限
const maxBodyBytes = 4 << 20

// Handler 处理API请求
type Handler struct {
	campaigns *services.CampaignService
	sessions  *services.SessionService
	ai        *services.AIService
	interp    *interpolate.Interpolator
	metrics   *utils.APIMetrics
	ws        *WebSocketManager
	logger    *utils.Logger
	rh        *ResponseHelper
	startedAt time.Time
}

// HandlerDeps 处理器依赖
type HandlerDeps struct {
	Campaigns    *services.CampaignService
	Sessions     *services.SessionService
	AI           *services.AIService
	Interpolator *interpolate.Interpolator
	Metrics      *utils.APIMetrics
	WebSocket    *WebSocketManager
	Logger       *utils.Logger
}

// NewHandler 创建API处理器
func NewHandler(deps HandlerDeps) *Handler {
	if deps.Logger == nil {
		deps.Logger = utils.GetLogger()
	}
	if deps.Interpolator == nil {
		deps.Interpolator = interpolate.New(interpolate.DefaultOptions())
	}
	if deps.WebSocket == nil {
		deps.WebSocket = NewWebSocketManager(deps.Logger)
	}
	return &Handler{
		campaigns: deps.Campaigns,
		sessions:  deps.Sessions,
		ai:        deps.AI,
		interp:    deps.Interpolator,
		metrics:   deps.Metrics,
		ws:        deps.WebSocket,
		logger:    deps.Logger,
		rh:        NewResponseHelper(),
		startedAt: time.Now(),
	}
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	h.rh.Success(c, gin.H{
		"status":          "ok",
		"ai_ready":        h.ai != nil && h.ai.IsReady(),
		"active_sessions": h.sessions.ActiveCount(),
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
	})
}

// ===============================
// 活动
// ===============================

// readCampaign 从请求体解析活动（JSON 或 YAML）
func (h *Handler) readCampaign(c *gin.Context) (*models.Campaign, bool) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.rh.BadRequest(c, "failed to read request body", err.Error())
		return nil, false
	}
	campaign, err := services.ParseCampaign(data)
	if err != nil {
		h.rh.Error(c, http.StatusBadRequest, ErrorCampaignInvalid, "invalid campaign document", err.Error())
		return nil, false
	}
	return campaign, true
}

// ListCampaigns 列出活动
func (h *Handler) ListCampaigns(c *gin.Context) {
	summaries, err := h.campaigns.ListCampaigns()
	if err != nil {
		h.rh.HandleError(c, "campaign", err)
		return
	}
	h.rh.Success(c, summaries)
}

// CreateCampaign 创建活动，返回非阻断性警告
func (h *Handler) CreateCampaign(c *gin.Context) {
	campaign, ok := h.readCampaign(c)
	if !ok {
		return
	}
	created, issues, err := h.campaigns.CreateCampaign(campaign)
	if err != nil {
		h.rh.HandleError(c, "campaign", err)
		return
	}
	h.rh.Created(c, gin.H{"campaign": created, "warnings": issues})
}

// GetCampaign 获取活动
func (h *Handler) GetCampaign(c *gin.Context) {
	campaign, err := h.campaigns.GetCampaign(c.Param("id"))
	if err != nil {
		h.rh.HandleError(c, "campaign", err)
		return
	}
	h.rh.Success(c, campaign)
}

// UpdateCampaign 更新活动
func (h *Handler) UpdateCampaign(c *gin.Context) {
	campaign, ok := h.readCampaign(c)
	if !ok {
		return
	}
	updated, issues, err := h.campaigns.UpdateCampaign(c.Param("id"), campaign)
	if err != nil {
		h.rh.HandleError(c, "campaign", err)
		return
	}
	h.rh.Success(c, gin.H{"campaign": updated, "warnings": issues})
}

// DeleteCampaign 删除活动
func (h *Handler) DeleteCampaign(c *gin.Context) {
	if err := h.campaigns.DeleteCampaign(c.Param("id")); err != nil {
		h.rh.HandleError(c, "campaign", err)
		return
	}
	h.rh.Success(c, nil, "campaign deleted")
}

// ValidateCampaign 返回已保存活动的全部校验问题
func (h *Handler) ValidateCampaign(c *gin.Context) {
	campaign, err := h.campaigns.GetCampaign(c.Param("id"))
	if err != nil {
		h.rh.HandleError(c, "campaign", err)
		return
	}
	issues := h.campaigns.Validate(campaign)
	h.rh.Success(c, gin.H{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

// CampaignVariables 返回第 index 个区块可见的变量；不带 index 时返回全部
func (h *Handler) CampaignVariables(c *gin.Context) {
	index := -1
	if raw := c.Query("index"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.rh.Error(c, http.StatusBadRequest, ErrorSectionIndex, "index must be a non-negative integer")
			return
		}
		index = n
	}

	campaign, err := h.campaigns.GetCampaign(c.Param("id"))
	if err != nil {
		h.rh.HandleError(c, "campaign", err)
		return
	}
	vars, err := h.campaigns.VariablesAt(campaign, index)
	if err != nil {
		h.rh.Error(c, http.StatusBadRequest, ErrorSectionIndex, err.Error())
		return
	}
	h.rh.Success(c, vars)
}

// ===============================
// 预览
// ===============================

// PreviewInterpolate 编辑器预览：语法错误返回 400，其余问题作为诊断返回
func (h *Handler) PreviewInterpolate(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if err := h.interp.Validate(req.Template); err != nil {
		h.rh.Error(c, http.StatusBadRequest, ErrorTemplateSyntax, "template syntax error", err.Error())
		return
	}
	res := h.interp.Interpolate(req.Template, req.Values)
	h.rh.Success(c, previewResponse{Result: res, Complete: !res.HasIssues()})
}

// ===============================
// 会话
// ===============================

// CreateSession 为活动创建运行会话
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "invalid request body", err.Error())
		return
	}
	view, err := h.sessions.CreateSession(c.Request.Context(), req.CampaignID, req.Values)
	if err != nil {
		resource := "session"
		if isNotFound(err) {
			resource = "campaign"
		}
		h.rh.HandleError(c, resource, err)
		return
	}
	h.rh.Created(c, view)
}

// GetSession 获取会话状态
func (h *Handler) GetSession(c *gin.Context) {
	view, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.rh.HandleError(c, "session", err)
		return
	}
	h.rh.Success(c, view)
}

// SetSessionValues 写入访客输入
func (h *Handler) SetSessionValues(c *gin.Context) {
	var req setValuesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "invalid request body", err.Error())
		return
	}
	id := c.Param("id")
	view, err := h.sessions.SetValues(c.Request.Context(), id, req.Values)
	if err != nil {
		h.rh.HandleError(c, "session", err)
		return
	}
	h.ws.BroadcastToSession(id, map[string]interface{}{"type": "evaluation", "data": view})
	h.rh.Success(c, view)
}

// EvaluateSession 完整求值
func (h *Handler) EvaluateSession(c *gin.Context) {
	view, err := h.sessions.Evaluate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.rh.HandleError(c, "session", err)
		return
	}
	h.rh.Success(c, view)
}

// DeleteSession 关闭会话与其连接
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.CloseSession(c.Request.Context(), id); err != nil {
		h.rh.HandleError(c, "session", err)
		return
	}
	h.ws.CloseSession(id)
	h.rh.Success(c, nil, "session closed")
}

// ===============================
// LLM 与指标
// ===============================

// GetLLMStatus 获取LLM服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	h.rh.Success(c, h.ai.Status())
}

// UpdateLLMConfig 切换提供者并持久化配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req llmConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if err := h.ai.UpdateProvider(req.Provider, req.Config); err != nil {
		h.rh.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, "failed to configure provider", err.Error())
		return
	}
	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.logger.Error("failed to persist LLM config", map[string]interface{}{"provider": req.Provider, "error": err})
		h.rh.InternalError(c, "provider configured but settings could not be saved")
		return
	}
	h.rh.Success(c, h.ai.Status(), "LLM configuration updated")
}

// GetMetrics 指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.rh.Success(c, gin.H{
		"metrics":   h.metrics.Collector().GetMetrics(),
		"websocket": h.ws.GetStatus(),
		"sessions":  h.sessions.ActiveCount(),
	})
}
