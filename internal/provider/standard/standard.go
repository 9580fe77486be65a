package standard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/go-resty/resty/v2"
	browser "github.com/itzngga/fake-useragent"

	"ping_engine/internal/config"
	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/provider"
)

const (
	pathMe      = "/user/me"
	pathCheckin = "/user/checkin"
	pathPing    = "/user/nodes/ping"
	pathTask    = "/user/task"

	pingClientType = "extension"
)

type StandardProvider struct {
	cfg      config.ProviderConfig
	proxyCfg config.ProxyConfig
	bus      *logbus.Bus

	mu      sync.Mutex
	clients map[string]*resty.Client
}

func New(cfg config.ProviderConfig, proxyCfg config.ProxyConfig, bus *logbus.Bus) *StandardProvider {
	return &StandardProvider{
		cfg:      cfg,
		proxyCfg: proxyCfg,
		bus:      bus,
		clients:  make(map[string]*resty.Client),
	}
}

func (p *StandardProvider) Name() string { return "standard" }

type apiEnvelope[T any] struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Metadata   T      `json:"metadata"`
}

// errorBody 的 message 既可能是字符串，也可能是校验失败时的字符串数组。
type errorBody struct {
	StatusCode int `json:"statusCode"`
	Message    any `json:"message"`
}

type meMetadata struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	RewardPoint float64  `json:"rewardPoint"`
	SocialTask  []string `json:"socialTask"`
	Nodes       []struct {
		ID         any     `json:"id"`
		TotalPoint float64 `json:"totalPoint"`
		TodayPoint float64 `json:"todayPoint"`
		IsActive   bool    `json:"isActive"`
	} `json:"nodes"`
}

type pingReq struct {
	Type string `json:"type"`
}

type pingMetadata struct {
	ID any `json:"id"`
}

type claimTaskReq struct {
	TaskID string `json:"taskId"`
}

func (p *StandardProvider) Me(ctx context.Context, account model.Account) (model.UserSummary, error) {
	var resp apiEnvelope[meMetadata]
	if err := p.do(ctx, account, "get user info", http.MethodGet, pathMe, nil, &resp); err != nil {
		return model.UserSummary{}, err
	}
	md := resp.Metadata
	out := model.UserSummary{
		Username:    md.Username,
		Email:       md.Email,
		TotalPoint:  md.RewardPoint,
		SocialTasks: md.SocialTask,
		Nodes:       make([]model.Node, 0, len(md.Nodes)),
	}
	if out.SocialTasks == nil {
		out.SocialTasks = []string{}
	}
	for _, n := range md.Nodes {
		out.Nodes = append(out.Nodes, model.Node{
			ID:         idString(n.ID),
			TotalPoint: n.TotalPoint,
			TodayPoint: n.TodayPoint,
			IsActive:   n.IsActive,
		})
	}
	return out, nil
}

func (p *StandardProvider) Checkin(ctx context.Context, account model.Account) (model.CheckinResult, error) {
	var resp apiEnvelope[any]
	if err := p.do(ctx, account, "daily checkin", http.MethodPost, pathCheckin, nil, &resp); err != nil {
		return model.CheckinResult{}, err
	}
	return model.CheckinResult{StatusCode: resp.StatusCode, Message: resp.Message}, nil
}

func (p *StandardProvider) Ping(ctx context.Context, account model.Account) (model.PingResult, error) {
	var resp apiEnvelope[*pingMetadata]
	if err := p.do(ctx, account, "ping", http.MethodPost, pathPing, pingReq{Type: pingClientType}, &resp); err != nil {
		return model.PingResult{}, err
	}
	out := model.PingResult{StatusCode: resp.StatusCode, Message: resp.Message}
	if resp.Metadata != nil {
		out.MetadataID = idString(resp.Metadata.ID)
	}
	return out, nil
}

func (p *StandardProvider) ClaimTask(ctx context.Context, account model.Account, code string) (model.ClaimResult, error) {
	var resp apiEnvelope[any]
	if err := p.do(ctx, account, "claim task "+code, http.MethodPost, pathTask, claimTaskReq{TaskID: code}, &resp); err != nil {
		return model.ClaimResult{}, err
	}
	return model.ClaimResult{StatusCode: resp.StatusCode, Message: resp.Message}, nil
}

func (p *StandardProvider) do(ctx context.Context, account model.Account, op, method, path string, body, out any) error {
	client, err := p.client(account)
	if err != nil {
		return &provider.APIError{Op: op, StatusCode: http.StatusInternalServerError, Message: err.Error()}
	}
	var errBody errorBody
	req := client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+account.Token).
		SetResult(out).
		SetError(&errBody)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return transportError(op, err)
	}
	if !resp.IsSuccess() {
		return responseError(op, resp, errBody)
	}
	return nil
}

// client 按出口代理复用 resty client。代理地址不可用时直接报错，不会退回直连。
func (p *StandardProvider) client(account model.Account) (*resty.Client, error) {
	proxy := strings.TrimSpace(account.Proxy)
	if proxy == "" {
		proxy = strings.TrimSpace(p.proxyCfg.Global)
	}
	if proxy != "" {
		if _, err := config.ParseProxyURL(proxy); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[proxy]; ok {
		return c, nil
	}
	c := p.newClient(proxy)
	p.clients[proxy] = c
	return c, nil
}

// userAgent 在配置为 random 时给每个出口（代理）挑一个随机 Chrome UA，之后随 client 一起缓存。
func (p *StandardProvider) userAgent() string {
	if strings.EqualFold(strings.TrimSpace(p.cfg.UserAgent), config.RandomUserAgent) {
		return browser.Chrome()
	}
	return p.cfg.UserAgent
}

func (p *StandardProvider) newClient(proxy string) *resty.Client {
	client := resty.New().
		SetBaseURL(p.cfg.BaseURL).
		SetTimeout(p.cfg.Timeout()).
		SetRetryCount(p.cfg.Retry.Count).
		SetRetryWaitTime(p.cfg.Retry.Wait()).
		SetRetryMaxWaitTime(p.cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "*/*").
		SetHeader("User-Agent", p.userAgent()).
		SetLogger(busLogger{bus: p.bus})

	if proxy != "" {
		client.SetProxy(proxy)
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if p.bus != nil {
			p.bus.Log(logbus.LevelDebug, "http request", map[string]any{
				"method": req.Method,
				"url":    req.URL,
				"proxy":  proxy != "",
			})
		}
		return nil
	})

	return client
}

func transportError(op string, err error) error {
	if isConnectivity(err) {
		return &provider.ConnectivityError{Op: op, Err: err}
	}
	return &provider.APIError{Op: op, StatusCode: http.StatusInternalServerError, Message: err.Error()}
}

func isConnectivity(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func responseError(op string, resp *resty.Response, body errorBody) error {
	status := body.StatusCode
	if status <= 0 {
		status = resp.StatusCode()
	}
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	msg := messageString(body.Message)
	if msg == "" {
		msg = fmt.Sprintf("request failed with status code %d", resp.StatusCode())
	}
	return &provider.APIError{Op: op, StatusCode: status, Message: msg}
}

func messageString(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(m)
	case []any:
		parts := make([]string, 0, len(m))
		for _, item := range m {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(m)
	}
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}
