package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ping_engine/internal/logbus"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

const TypeEngineState = "engine_state"

// StateFunc 返回连接建立时推给客户端的一份完整状态。
type StateFunc func() any

type Handler struct {
	bus          *logbus.Bus
	state        StateFunc
	allowOrigins []string
	upgrader     websocket.Upgrader
}

func NewHandler(bus *logbus.Bus, state StateFunc, allowOrigins []string) *Handler {
	h := &Handler{
		bus:          bus,
		state:        state,
		allowOrigins: allowOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// ServeHTTP 先回放历史消息和当前状态，再持续推送。?types=log,account_state 可以只订阅部分类型。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	want := parseTypes(r.URL.Query().Get("types"))
	send := func(msg logbus.Message) error {
		if !want.match(msg.Type) {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	history, ch, cancel := h.bus.SubscribeWithSnapshot(256)
	defer cancel()

	for _, msg := range history {
		if err := send(msg); err != nil {
			return
		}
	}
	if h.state != nil {
		if err := send(logbus.Message{Type: TypeEngineState, Time: time.Now().UnixMilli(), Data: h.state()}); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := send(msg); err != nil {
				return
			}
		}
	}
}

type typeFilter map[string]struct{}

func parseTypes(v string) typeFilter {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	out := typeFilter{}
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

func (f typeFilter) match(typ string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[typ]
	return ok
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
