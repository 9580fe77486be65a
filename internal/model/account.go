package model

import "time"

type Account struct {
	ID         string    `json:"id"`
	Token      string    `json:"token,omitempty"`
	Proxy      string    `json:"proxy,omitempty"`
	Username   string    `json:"username,omitempty"`
	Email      string    `json:"email,omitempty"`
	LastPingMs int64     `json:"lastPingMs"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Label 返回日志里用来标识账号的名字：优先用户名，其次 ID，最后是脱敏 token。
func (a Account) Label() string {
	if a.Username != "" {
		return a.Username
	}
	if a.ID != "" {
		return a.ID
	}
	return MaskToken(a.Token)
}

func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
