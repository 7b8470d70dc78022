// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"

	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
	configSecret  string
)

// 磁盘上加密的 API 密钥前缀
const encryptedPrefix = "enc:"

// AppConfig 持久化到 data/config.json 的运行配置
type AppConfig struct {
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`
	Locale    string `json:"locale"`

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`
}

// Config 从环境变量读取的配置
type Config struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	DataDir           string        `env:"DATA_DIR" envDefault:"data"`
	LogDir            string        `env:"LOG_DIR" envDefault:"logs"`
	DebugMode         bool          `env:"DEBUG_MODE" envDefault:"false"`
	LLMProvider       string        `env:"LLM_PROVIDER" envDefault:"anthropic"`
	LLMAPIKey         string        `env:"LLM_API_KEY"`
	LLMModel          string        `env:"LLM_MODEL"`
	Locale            string        `env:"LOCALE" envDefault:"en-US"`
	AllowedFormatters []string      `env:"ALLOWED_FORMATTERS" envSeparator:","`
	TemplateCache     int           `env:"TEMPLATE_CACHE_SIZE" envDefault:"512"`
	CacheCapacity     int           `env:"CACHE_CAPACITY" envDefault:"256"`
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"30m"`
	AITimeout         time.Duration `env:"AI_TIMEOUT" envDefault:"60s"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"2h"`
	SessionDB         string        `env:"SESSION_DB"`
	ConfigSecret      string        `env:"CONFIG_SECRET"`
}

// Load 从 .env 文件与环境变量加载配置
func Load() (*Config, error) {
	// .env 文件是可选的
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ensureDir(cfg.DataDir)
	ensureDir(cfg.LogDir)
	if cfg.SessionDB == "" {
		cfg.SessionDB = filepath.Join(cfg.DataDir, "sessions.db")
	}

	if cfg.LLMAPIKey == "" {
		// 只记录警告，不返回错误
		utils.GetLogger().Warn("LLM API key not set; configure it via /api/llm/config before running AI sections", nil)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := language.Parse(c.Locale); err != nil {
		return fmt.Errorf("invalid LOCALE %q: %w", c.Locale, err)
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("CACHE_CAPACITY must be >= 0, got %d", c.CacheCapacity)
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT must be positive, got %s", c.AITimeout)
	}
	trimmed := c.AllowedFormatters[:0]
	for _, name := range c.AllowedFormatters {
		if name = strings.TrimSpace(name); name != "" {
			trimmed = append(trimmed, name)
		}
	}
	c.AllowedFormatters = trimmed
	return nil
}

// ensureDir 确保目录存在
func ensureDir(path string) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		utils.GetLogger().Warn("failed to create directory", map[string]interface{}{"path": path, "error": err})
	}
}

// InitConfig 初始化配置管理器，合并已保存的 LLM 设置
func InitConfig(base *Config) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	configFile = filepath.Join(base.DataDir, "config.json")
	configSecret = base.ConfigSecret

	cfg := &AppConfig{
		Port:        base.Port,
		DataDir:     base.DataDir,
		LogDir:      base.LogDir,
		DebugMode:   base.DebugMode,
		Locale:      base.Locale,
		LLMProvider: base.LLMProvider,
		LLMConfig: map[string]string{
			"api_key":       base.LLMAPIKey,
			"default_model": base.LLMModel,
		},
	}

	// 文件中的 LLM 设置优先，基础配置以环境变量为准
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil {
			if saved.LLMProvider != "" {
				cfg.LLMProvider = saved.LLMProvider
			}
			if saved.LLMConfig != nil {
				decoded, err := decodeSecrets(saved.LLMConfig)
				if err != nil {
					utils.GetLogger().Warn("failed to decrypt saved LLM config, falling back to env", map[string]interface{}{"error": err})
				} else {
					if decoded["api_key"] == "" {
						decoded["api_key"] = base.LLMAPIKey
					}
					cfg.LLMConfig = decoded
				}
			}
		}
	}

	currentConfig = cfg
	return saveLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return &AppConfig{LLMConfig: map[string]string{}}
	}

	configCopy := *currentConfig
	configCopy.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
	for k, v := range currentConfig.LLMConfig {
		configCopy.LLMConfig[k] = v
	}
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置并保存
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return saveLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	onDisk := *currentConfig
	encoded, err := encodeSecrets(currentConfig.LLMConfig)
	if err != nil {
		return fmt.Errorf("加密配置失败: %w", err)
	}
	onDisk.LLMConfig = encoded

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0600)
}

// encodeSecrets 设置了 CONFIG_SECRET 时 API 密钥加密保存
func encodeSecrets(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	if configSecret == "" || out["api_key"] == "" {
		return out, nil
	}
	sealed, err := utils.Encrypt(out["api_key"], configSecret)
	if err != nil {
		return nil, err
	}
	out["api_key"] = encryptedPrefix + sealed
	return out, nil
}

func decodeSecrets(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	key := out["api_key"]
	if !strings.HasPrefix(key, encryptedPrefix) {
		return out, nil
	}
	if configSecret == "" {
		return nil, fmt.Errorf("api_key is encrypted but CONFIG_SECRET is not set")
	}
	plain, err := utils.Decrypt(strings.TrimPrefix(key, encryptedPrefix), configSecret)
	if err != nil {
		return nil, err
	}
	out["api_key"] = plain
	return out, nil
}
