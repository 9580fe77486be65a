package model

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseInitial Phase = "initial"
	PhasePing    Phase = "ping"
	PhaseStopped Phase = "stopped"
)

type AccountState struct {
	AccountID  string  `json:"accountId"`
	Username   string  `json:"username,omitempty"`
	Phase      Phase   `json:"phase"`
	LastPingMs int64   `json:"lastPingMs,omitempty"`
	TotalPoint float64 `json:"totalPoint"`
	TodayPoint float64 `json:"todayPoint"`
	LastError  string  `json:"lastError,omitempty"`
	UpdatedMs  int64   `json:"updatedMs"`
}

type EngineState struct {
	Running  bool           `json:"running"`
	Phase    Phase          `json:"phase"`
	Sweep    int            `json:"sweep"`
	Accounts []AccountState `json:"accounts"`
}
