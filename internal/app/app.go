// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/flintbot-021/flint-prod-sub003/internal/api"
	"github.com/flintbot-021/flint-prod-sub003/internal/config"
	"github.com/flintbot-021/flint-prod-sub003/internal/di"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/runtime"
	"github.com/flintbot-021/flint-prod-sub003/internal/services"
	"github.com/flintbot-021/flint-prod-sub003/internal/storage"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

const (
	shutdownTimeout  = 30 * time.Second
	evictionInterval = time.Minute
	metricsInterval  = 5 * time.Minute
)

// httpServer 便于测试替换的服务器接口
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用实例
type App struct {
	config    *config.Config
	container *di.Container
	router    http.Handler
	server    httpServer
	stopChan  chan os.Signal

	background context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

var (
	instance   *App
	instanceMu sync.Mutex
)

// GetApp 返回进程级应用实例
func GetApp() *App {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = newApp(di.GetContainer())
	}
	return instance
}

func newApp(container *di.Container) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		container:  container,
		stopChan:   make(chan os.Signal, 1),
		background: ctx,
		cancel:     cancel,
	}
}

// Initialize 初始化日志、服务和路由
func (a *App) Initialize(cfg *config.Config) error {
	a.config = cfg

	if err := initLogger(cfg.LogDir, cfg.DebugMode); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	if err := InitServices(cfg, a.container); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter(a.container, cfg.DebugMode)
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	a.router = router
	a.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sessions := di.MustResolve[*services.SessionService](a.container, di.Sessions)
	sessions.StartEviction(a.background, evictionInterval)
	di.MustResolve[*api.WebSocketManager](a.container, di.WebSocket).Start(a.background)
	di.MustResolve[*utils.APIMetrics](a.container, di.Metrics).StartMetricsCollection(a.background, metricsInterval)
	return nil
}

// initLogger 日志写入 LogDir 下按日期命名的文件
func initLogger(logDir string, debug bool) error {
	logFile := filepath.Join(logDir, fmt.Sprintf("app_%s.log", time.Now().Format("2006-01-02")))
	if err := utils.InitLogger(logFile); err != nil {
		return err
	}
	if debug {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}
	return nil
}

// InitServices 按依赖顺序创建并注册所有服务
func InitServices(cfg *config.Config, container *di.Container) error {
	logger := utils.GetLogger()
	container.Register(di.Logger, logger)

	metrics := utils.NewAPIMetrics()
	container.Register(di.Metrics, metrics)

	interp := interpolate.New(interpolate.Options{
		Locale:            cfg.Locale,
		AllowedFormatters: cfg.AllowedFormatters,
		DateLayout:        interpolate.DefaultOptions().DateLayout,
		DefaultCurrency:   interpolate.DefaultOptions().DefaultCurrency,
		TemplateCacheSize: cfg.TemplateCache,
	})
	container.Register(di.Interpolator, interp)

	fs, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("create file storage: %w", err)
	}
	container.Register(di.FileStorage, fs)

	store, err := storage.OpenSessionStore(cfg.SessionDB)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	container.Register(di.SessionStore, store)

	locks := services.NewLockManager(0)
	container.Register(di.Locks, locks)

	ai := services.NewAIService(services.AIServiceOptions{
		Interpolator: interp,
		Timeout:      cfg.AITimeout,
		Logger:       logger,
		Metrics:      metrics,
	})
	container.Register(di.AI, ai)

	campaigns := services.NewCampaignService(fs, interp, locks, logger)
	container.Register(di.Campaigns, campaigns)

	sessions := services.NewSessionService(services.SessionOptions{
		Campaigns:    campaigns,
		Collaborator: ai,
		Store:        store,
		Locks:        locks,
		TTL:          cfg.SessionTTL,
		Logger:       logger,
		Metrics:      metrics,
		EngineOpts: []runtime.Option{
			runtime.WithInterpolator(interp),
			runtime.WithCache(cfg.CacheCapacity, cfg.CacheTTL),
			runtime.WithCallTimeout(cfg.AITimeout),
			runtime.WithLogger(logger),
			runtime.WithMetrics(metrics),
		},
	})
	container.Register(di.Sessions, sessions)

	container.Register(di.WebSocket, api.NewWebSocketManager(logger))

	logger.Info("services initialized", map[string]interface{}{
		"services":    container.GetNames(),
		"ai_ready":    ai.IsReady(),
		"locale":      interp.Locale().String(),
		"session_ttl": cfg.SessionTTL.String(),
	})
	return nil
}

// Run 启动服务器并阻塞到收到停止信号
func (a *App) Run() error {
	if a.server == nil {
		return errors.New("app not initialized")
	}
	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.stopChan)

	logger := utils.GetLogger()
	errChan := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	if a.config != nil {
		logger.Info("server started", map[string]interface{}{"port": a.config.Port})
	}

	var runErr error
	select {
	case sig := <-a.stopChan:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errChan:
		runErr = fmt.Errorf("启动服务器失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("服务器关闭失败: %w", err)
	}
	a.cleanup()
	return runErr
}

// Stop 触发优雅关闭
func (a *App) Stop() {
	select {
	case a.stopChan <- syscall.SIGTERM:
	default:
	}
}

// cleanup 停止后台任务并释放会话、连接和数据库
func (a *App) cleanup() {
	a.closeOnce.Do(func() {
		a.cancel()
		logger := utils.GetLogger()

		if ws, err := di.Resolve[*api.WebSocketManager](a.container, di.WebSocket); err == nil {
			ws.Shutdown()
		}
		if sessions, err := di.Resolve[*services.SessionService](a.container, di.Sessions); err == nil {
			sessions.Close()
		}
		if store, err := di.Resolve[*storage.SessionStore](a.container, di.SessionStore); err == nil {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close session store", map[string]interface{}{"error": err})
			}
		}
		_ = logger.Sync()
	})
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.Config {
	return a.config
}

// Router 返回 HTTP 处理器
func (a *App) Router() http.Handler {
	return a.router
}

// GetDIContainer 返回应用使用的容器
func GetDIContainer() *di.Container {
	return GetApp().container
}

// IsDebugMode 是否处于调试模式
func IsDebugMode() bool {
	instanceMu.Lock()
	app := instance
	instanceMu.Unlock()
	return app != nil && app.config != nil && app.config.DebugMode
}
