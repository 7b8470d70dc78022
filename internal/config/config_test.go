package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("LLM_API_KEY", "sk-test")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, "en-US", cfg.Locale)
	assert.Equal(t, 256, cfg.CacheCapacity)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, time.Minute, cfg.AITimeout)
	assert.Equal(t, filepath.Join(dir, "data", "sessions.db"), cfg.SessionDB)
	assert.DirExists(t, filepath.Join(dir, "data"))
	assert.DirExists(t, filepath.Join(dir, "logs"))
}

func TestLoadParsesLists(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ALLOWED_FORMATTERS", "upper, number ,,date")
	t.Setenv("LOCALE", "fr-FR")
	t.Setenv("CACHE_TTL", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"upper", "number", "date"}, cfg.AllowedFormatters)
	assert.Equal(t, "fr-FR", cfg.Locale)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CACHE_CAPACITY", "-1")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CACHE_CAPACITY", "10")
	t.Setenv("LOCALE", "not a locale!")
	_, err = Load()
	assert.Error(t, err)
}

func TestInitConfigEncryptsAPIKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CONFIG_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, InitConfig(cfg))

	assert.Equal(t, "sk-test", GetCurrentConfig().LLMConfig["api_key"])

	require.NoError(t, UpdateLLMConfig("openrouter", map[string]string{"api_key": "sk-new", "default_model": "m"}))

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "config.json"))
	require.NoError(t, err)
	var onDisk AppConfig
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.True(t, strings.HasPrefix(onDisk.LLMConfig["api_key"], encryptedPrefix))
	assert.NotContains(t, string(data), "sk-new")

	// 重新初始化时从文件恢复
	require.NoError(t, InitConfig(cfg))
	current := GetCurrentConfig()
	assert.Equal(t, "openrouter", current.LLMProvider)
	assert.Equal(t, "sk-new", current.LLMConfig["api_key"])
}

func TestGetCurrentConfigReturnsCopy(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, InitConfig(cfg))

	copy1 := GetCurrentConfig()
	copy1.LLMConfig["api_key"] = "mutated"

	assert.Equal(t, "sk-test", GetCurrentConfig().LLMConfig["api_key"])
}
