package main

import (
	crand "crypto/rand"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// 本地联调用的假上游：/api/user/* 四个接口，返回 {statusCode, message, metadata} 信封。
type mockState struct {
	mu       sync.Mutex
	failRate float64
	users    map[string]*mockUser
}

type mockUser struct {
	username   string
	checkedIn  bool
	completed  map[string]bool
	totalPoint float64
	todayPoint float64
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	failRate := flag.Float64("fail-rate", 0.1, "probability of a 5xx on ping/task")
	flag.Parse()

	st := &mockState{failRate: *failRate, users: map[string]*mockUser{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/user/me", st.withUser(http.MethodGet, st.handleMe))
	mux.HandleFunc("/api/user/checkin", st.withUser(http.MethodPost, st.handleCheckin))
	mux.HandleFunc("/api/user/nodes/ping", st.withUser(http.MethodPost, st.handlePing))
	mux.HandleFunc("/api/user/task", st.withUser(http.MethodPost, st.handleTask))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock listening on %s (baseURL http://localhost%s/api)", *addr, *addr)
	log.Fatal(srv.ListenAndServe())
}

func (s *mockState) withUser(method string, next func(http.ResponseWriter, *http.Request, *mockUser)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeEnvelope(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeEnvelope(w, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		u := s.users[token]
		if u == nil {
			u = &mockUser{username: "mock_" + randString(6), completed: map[string]bool{"T001": true}}
			s.users[token] = u
		}
		next(w, r, u)
	}
}

func (s *mockState) handleMe(w http.ResponseWriter, _ *http.Request, u *mockUser) {
	social := make([]string, 0, len(u.completed))
	for code := range u.completed {
		social = append(social, code)
	}
	writeEnvelope(w, http.StatusOK, "success", map[string]any{
		"username":    u.username,
		"email":       u.username + "@example.com",
		"rewardPoint": u.totalPoint,
		"socialTask":  social,
		"nodes": []map[string]any{
			{"id": "node-" + u.username, "totalPoint": u.totalPoint, "todayPoint": u.todayPoint, "isActive": true},
		},
	})
}

func (s *mockState) handleCheckin(w http.ResponseWriter, _ *http.Request, u *mockUser) {
	if u.checkedIn {
		writeEnvelope(w, http.StatusBadRequest, "You have already checked in today", nil)
		return
	}
	u.checkedIn = true
	u.totalPoint += 10
	writeEnvelope(w, http.StatusOK, "Checkin successfully", nil)
}

func (s *mockState) handlePing(w http.ResponseWriter, r *http.Request, u *mockUser) {
	var body struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type != "extension" {
		writeEnvelope(w, http.StatusBadRequest, []string{"type must be extension"}, nil)
		return
	}
	if rand.Float64() < s.failRate {
		writeEnvelope(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	u.todayPoint += 0.25
	u.totalPoint += 0.25
	writeEnvelope(w, http.StatusOK, "success", map[string]any{"id": randString(24)})
}

func (s *mockState) handleTask(w http.ResponseWriter, r *http.Request, u *mockUser) {
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TaskID == "" {
		writeEnvelope(w, http.StatusBadRequest, []string{"taskId should not be empty"}, nil)
		return
	}
	if u.completed[body.TaskID] {
		writeEnvelope(w, http.StatusBadRequest, "Task already completed", nil)
		return
	}
	if rand.Float64() < s.failRate {
		writeEnvelope(w, http.StatusConflict, "Task requirements not met", nil)
		return
	}
	u.completed[body.TaskID] = true
	u.totalPoint += 100
	writeEnvelope(w, http.StatusOK, "Task claimed", nil)
}

func writeEnvelope(w http.ResponseWriter, status int, message any, metadata any) {
	writeJSON(w, status, map[string]any{
		"statusCode": status,
		"message":    message,
		"metadata":   metadata,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n <= 0 {
		return ""
	}
	raw := make([]byte, n)
	_, _ = crand.Read(raw)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(raw[i])%len(letters)]
	}
	return string(out)
}
