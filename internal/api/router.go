// internal/api/router.go
package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flintbot-021/flint-prod-sub003/internal/di"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/services"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

// 访客侧接口的限流配额
const (
	sessionRateLimit  = 120
	sessionRateWindow = time.Minute
)

// SetupRouter 从容器取出服务并配置HTTP路由
func SetupRouter(container *di.Container, debug bool) (*gin.Engine, error) {
	deps, err := resolveDeps(container)
	if err != nil {
		return nil, err
	}
	return NewRouter(NewHandler(deps), debug), nil
}

func resolveDeps(container *di.Container) (HandlerDeps, error) {
	var deps HandlerDeps
	var err error
	if deps.Campaigns, err = di.Resolve[*services.CampaignService](container, di.Campaigns); err != nil {
		return deps, fmt.Errorf("活动服务未正确初始化: %w", err)
	}
	if deps.Sessions, err = di.Resolve[*services.SessionService](container, di.Sessions); err != nil {
		return deps, fmt.Errorf("会话服务未正确初始化: %w", err)
	}
	if deps.AI, err = di.Resolve[*services.AIService](container, di.AI); err != nil {
		return deps, fmt.Errorf("AI服务未正确初始化: %w", err)
	}
	if deps.Interpolator, err = di.Resolve[*interpolate.Interpolator](container, di.Interpolator); err != nil {
		return deps, err
	}
	if deps.Metrics, err = di.Resolve[*utils.APIMetrics](container, di.Metrics); err != nil {
		return deps, err
	}
	if deps.WebSocket, err = di.Resolve[*WebSocketManager](container, di.WebSocket); err != nil {
		return deps, err
	}
	if deps.Logger, err = di.Resolve[*utils.Logger](container, di.Logger); err != nil {
		return deps, err
	}
	return deps, nil
}

// NewRouter 为处理器注册全部路由
func NewRouter(handler *Handler, debug bool) *gin.Engine {
	if !debug && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(loggingMiddleware(handler.logger))
	if handler.metrics != nil {
		r.Use(metricsMiddleware(handler.metrics))
	}
	r.Use(corsMiddleware())

	r.GET("/health", handler.Health)

	limiter := NewRateLimiter()
	visitorLimit := RateLimitByIP(limiter, sessionRateLimit, sessionRateWindow)

	// WebSocket 支持
	r.GET("/ws/sessions/:id", visitorLimit, handler.SessionWebSocket)

	api := r.Group("/api")
	{
		// ===============================
		// 活动
		// ===============================
		campaigns := api.Group("/campaigns")
		{
			campaigns.GET("", handler.ListCampaigns)
			campaigns.POST("", handler.CreateCampaign)
			campaigns.GET("/:id", handler.GetCampaign)
			campaigns.PUT("/:id", handler.UpdateCampaign)
			campaigns.DELETE("/:id", handler.DeleteCampaign)
			campaigns.POST("/:id/validate", handler.ValidateCampaign)
			campaigns.GET("/:id/variables", handler.CampaignVariables)
		}

		api.POST("/preview/interpolate", handler.PreviewInterpolate)

		// ===============================
		// 会话（访客侧，限流）
		// ===============================
		sessions := api.Group("/sessions", visitorLimit)
		{
			sessions.POST("", handler.CreateSession)
			sessions.GET("/:id", handler.GetSession)
			sessions.DELETE("/:id", handler.DeleteSession)
			sessions.PUT("/:id/values", handler.SetSessionValues)
			sessions.POST("/:id/evaluate", handler.EvaluateSession)
		}

		// ===============================
		// LLM 配置
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		api.GET("/metrics", handler.GetMetrics)
	}

	return r
}
