package config

import (
	"fmt"
	"net/url"
	"strings"
)

var proxySchemes = map[string]struct{}{
	"http":    {},
	"https":   {},
	"socks5":  {},
	"socks5h": {},
}

// ParseProxyURL 要求代理地址带 scheme 和 host。裸的 host:port 会被拒绝，
// 否则 HTTP 客户端会忽略它并直连。
func ParseProxyURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	if _, ok := proxySchemes[strings.ToLower(u.Scheme)]; !ok {
		return nil, fmt.Errorf("invalid proxy %q: scheme must be http, https, socks5 or socks5h", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid proxy %q: host is required", raw)
	}
	return u, nil
}
