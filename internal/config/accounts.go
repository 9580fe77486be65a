package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"ping_engine/internal/model"
)

// AccountsError 表示账号来源不可用，属于启动期致命错误。
type AccountsError struct {
	Path string
	Err  error
}

func (e *AccountsError) Error() string {
	return fmt.Sprintf("load accounts from %s: %v", e.Path, e.Err)
}

func (e *AccountsError) Unwrap() error { return e.Err }

var ErrNoAccounts = errors.New("no tokens found")

// LoadAccounts 读取 token 列表和可选的代理列表，按过滤空行后的行号一一配对。
func LoadAccounts(cfg AccountsConfig) ([]model.Account, error) {
	tokens, err := readLines(cfg.TokensPath)
	if err != nil {
		return nil, &AccountsError{Path: cfg.TokensPath, Err: err}
	}
	if len(tokens) == 0 {
		return nil, &AccountsError{Path: cfg.TokensPath, Err: ErrNoAccounts}
	}

	var proxies []string
	if cfg.ProxiesPath != "" {
		proxies, err = readLines(cfg.ProxiesPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &AccountsError{Path: cfg.ProxiesPath, Err: err}
		}
	}

	for i, p := range proxies {
		if _, err := ParseProxyURL(p); err != nil {
			return nil, &AccountsError{Path: cfg.ProxiesPath, Err: fmt.Errorf("proxy #%d: %w", i+1, err)}
		}
	}

	out := make([]model.Account, 0, len(tokens))
	for i, token := range tokens {
		acc := model.Account{Token: token}
		if i < len(proxies) {
			acc.Proxy = proxies[i]
		}
		out = append(out, acc)
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
