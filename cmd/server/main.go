// cmd/server/main.go
package main

import (
	"fmt"
	"os"

	"github.com/flintbot-021/flint-prod-sub003/internal/app"
	"github.com/flintbot-021/flint-prod-sub003/internal/config"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

func main() {
	if err := run(); err != nil {
		utils.GetLogger().Error("server exited", map[string]interface{}{"error": err})
		_ = utils.GetLogger().Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 加载环境变量配置
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 2. 合并已保存的 LLM 设置
	if err := config.InitConfig(cfg); err != nil {
		return fmt.Errorf("初始化配置系统失败: %w", err)
	}

	// 3. 初始化服务与路由
	application := app.GetApp()
	if err := application.Initialize(cfg); err != nil {
		return err
	}

	utils.GetLogger().Info("campaign runtime listening", map[string]interface{}{
		"port":     cfg.Port,
		"data_dir": cfg.DataDir,
		"debug":    cfg.DebugMode,
	})

	// 4. 阻塞直到收到信号
	return application.Run()
}
