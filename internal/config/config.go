package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ping_engine/internal/model"
)

const DefaultBaseURL = "https://nodego.ai/api"

// RandomUserAgent 作为 provider.userAgent 时，每个代理出口使用一个随机 Chrome UA。
const RandomUserAgent = "random"

type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Storage  StorageConfig          `yaml:"storage"`
	Proxy    ProxyConfig            `yaml:"proxy"`
	Limits   LimitsConfig           `yaml:"limits"`
	Schedule ScheduleConfig         `yaml:"schedule"`
	Provider ProviderConfig         `yaml:"provider"`
	Accounts AccountsConfig         `yaml:"accounts"`
	Log      LogConfig              `yaml:"log"`
	Notify   NotifyConfig           `yaml:"notify"`
	Tasks    []model.TaskDefinition `yaml:"tasks"`
}

type ServerConfig struct {
	// Addr 为 "off" 时不启动运维 HTTP 接口。
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

func (c ServerConfig) Enabled() bool {
	return !strings.EqualFold(strings.TrimSpace(c.Addr), "off")
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ProxyConfig struct {
	Global string `yaml:"global"`
}

type LimitsConfig struct {
	// GlobalQPS 限制所有账号合计的出站请求速率，<=0 表示不限速。
	GlobalQPS   float64 `yaml:"globalQPS"`
	GlobalBurst int     `yaml:"globalBurst"`
}

type ScheduleConfig struct {
	TaskSpacingMs   int `yaml:"taskSpacingMs"`
	PingSpacingMs   int `yaml:"pingSpacingMs"`
	SweepIntervalMs int `yaml:"sweepIntervalMs"`
	ShutdownGraceMs int `yaml:"shutdownGraceMs"`
}

func (c ScheduleConfig) TaskSpacing() time.Duration {
	if c.TaskSpacingMs <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.TaskSpacingMs) * time.Millisecond
}

func (c ScheduleConfig) PingSpacing() time.Duration {
	if c.PingSpacingMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.PingSpacingMs) * time.Millisecond
}

func (c ScheduleConfig) SweepInterval() time.Duration {
	if c.SweepIntervalMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c ScheduleConfig) ShutdownGrace() time.Duration {
	if c.ShutdownGraceMs <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

type ProviderConfig struct {
	BaseURL   string           `yaml:"baseURL"`
	TimeoutMs int              `yaml:"timeoutMs"`
	Retry     ProviderRetryCfg `yaml:"retry"`
	UserAgent string           `yaml:"userAgent"`
}

// ProviderRetryCfg 默认不重试：每个周期对远端接口至多调用一次，下一轮调度即为重试。
type ProviderRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ProviderRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c ProviderRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type AccountsConfig struct {
	TokensPath  string `yaml:"tokensPath"`
	ProxiesPath string `yaml:"proxiesPath"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig 为空时不发送 Telegram 汇总。
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   int64  `yaml:"chatId"`
}

func (c TelegramConfig) Enabled() bool {
	return strings.TrimSpace(c.BotToken) != ""
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color *bool  `yaml:"color"`
}

func (c LogConfig) ColorEnabled() bool {
	if c.Color == nil {
		return true
	}
	return *c.Color
}

// Load 读取 YAML 配置；文件不存在时使用全部默认值。
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/ping_engine.db"
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 1
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultBaseURL
	}
	c.Provider.BaseURL = strings.TrimRight(c.Provider.BaseURL, "/")
	if c.Provider.UserAgent == "" {
		c.Provider.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	}
	if c.Provider.Retry.Count < 0 {
		c.Provider.Retry.Count = 0
	}
	if c.Accounts.TokensPath == "" {
		c.Accounts.TokensPath = "data.txt"
	}
	if c.Accounts.ProxiesPath == "" {
		c.Accounts.ProxiesPath = "proxy.txt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Tasks) == 0 {
		c.Tasks = model.DefaultTaskCatalogue()
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.baseURL is required")
	}
	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider.baseURL is invalid: %q", c.Provider.BaseURL)
	}
	if c.Proxy.Global != "" {
		if _, err := ParseProxyURL(c.Proxy.Global); err != nil {
			return fmt.Errorf("proxy.global: %w", err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", c.Log.Level)
	}
	if c.Notify.Telegram.Enabled() && c.Notify.Telegram.ChatID == 0 {
		return errors.New("notify.telegram.chatId is required when botToken is set")
	}
	seen := make(map[string]struct{}, len(c.Tasks))
	for i, t := range c.Tasks {
		code := strings.TrimSpace(t.Code)
		if code == "" {
			return fmt.Errorf("tasks[%d].code is required", i)
		}
		if _, dup := seen[code]; dup {
			return fmt.Errorf("tasks[%d].code %q is duplicated", i, code)
		}
		seen[code] = struct{}{}
	}
	return nil
}
