package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "PING_ENGINE_"

// LoadDotEnv 把 .env 注入进程环境；已存在的环境变量不会被覆盖，文件不存在时忽略。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"BASE_URL", &c.Provider.BaseURL},
		{"TOKENS", &c.Accounts.TokensPath},
		{"PROXIES", &c.Accounts.ProxiesPath},
		{"GLOBAL_PROXY", &c.Proxy.Global},
		{"SQLITE_PATH", &c.Storage.SQLitePath},
		{"ADDR", &c.Server.Addr},
		{"LOG_LEVEL", &c.Log.Level},
		{"USER_AGENT", &c.Provider.UserAgent},
		{"TELEGRAM_BOT_TOKEN", &c.Notify.Telegram.BotToken},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(envPrefix + o.key)); v != "" {
			*o.dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "TELEGRAM_CHAT_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.Telegram.ChatID = id
		}
	}
}
