package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"ping_engine/internal/config"
	"ping_engine/internal/engine"
	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/store/sqlite"
	"ping_engine/internal/ws"
)

const maskedSecret = "******"

type Options struct {
	Cfg    config.Config
	Bus    *logbus.Bus
	Store  *sqlite.Store
	Engine *engine.Engine
}

type Server struct {
	cfg    config.Config
	bus    *logbus.Bus
	store  *sqlite.Store
	engine *engine.Engine
	ws     *ws.Handler
}

func New(opts Options) *Server {
	s := &Server{
		cfg:    opts.Cfg,
		bus:    opts.Bus,
		store:  opts.Store,
		engine: opts.Engine,
	}
	s.ws = ws.NewHandler(opts.Bus, s.engineState, opts.Cfg.Server.Cors.AllowOrigins)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/engine/state", s.handleEngineState)
	api.HandleFunc("/api/v1/accounts", s.handleAccounts)
	api.HandleFunc("/api/v1/tasks", s.handleTasks)
	api.HandleFunc("/api/v1/tasks/results", s.handleTaskResults)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) engineState() any {
	if s.engine == nil {
		return model.EngineState{}
	}
	return s.engine.State()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"running": s.engine != nil && s.engine.Running(),
	})
}

func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engineState()})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listAccounts(w, r)
	case http.MethodDelete:
		s.deleteAccount(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// deleteAccount 清理数据库里已不在 token 文件中的旧账号；正在运行的账号不能删除。
func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	if s.engine != nil && s.engine.HasAccount(id) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "account is in use by the running engine"})
		return
	}
	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "account not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if s.bus != nil {
		s.bus.Log(logbus.LevelInfo, "账号已删除", map[string]any{"accountId": id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]model.Account, 0, len(accounts))
	for _, acc := range accounts {
		acc.Token = model.MaskToken(acc.Token)
		acc.Proxy = maskProxy(acc.Proxy)
		out = append(out, acc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var tasks []model.TaskDefinition
	if s.engine != nil {
		tasks = s.engine.Tasks()
	} else {
		tasks = model.DefaultTaskCatalogue()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tasks})
}

func (s *Server) handleTaskResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "accountId is required"})
		return
	}
	run, ok, err := s.store.LatestTaskRun(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no task results for account"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": run})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(val)})
	case http.MethodPost:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			// 前端回显的是掩码，原样提交时不覆盖已保存的授权码。
			if ac := strings.TrimSpace(*body.AuthCode); ac != maskedSecret {
				next.AuthCode = ac
			}
		}
		if next.Enabled && (next.Email == "" || next.AuthCode == "") {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "email and authCode are required when enabled"})
			return
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if s.bus != nil {
			s.bus.Log(logbus.LevelInfo, "邮件设置已更新", map[string]any{"enabled": saved.Enabled, "email": saved.Email})
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(saved)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func maskEmailSettings(v model.EmailSettings) model.EmailSettings {
	if v.AuthCode != "" {
		v.AuthCode = maskedSecret
	}
	return v
}

// maskProxy 去掉代理地址里的账号密码，只保留 scheme://host:port。
func maskProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskedSecret
	}
	if u.User == nil {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + maskedSecret + "@" + u.Host
}
