package notify

import (
	"context"

	"ping_engine/internal/model"
)

// TaskPassEvent 描述一个账号完成一次初始任务处理后的汇总。
type TaskPassEvent struct {
	At        int64              `json:"atMs"`
	AccountID string             `json:"accountId"`
	Username  string             `json:"username,omitempty"`
	Email     string             `json:"email,omitempty"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Completed int                `json:"completed"`
	Results   []model.TaskResult `json:"results,omitempty"`
}

func (e TaskPassEvent) Total() int {
	return e.Succeeded + e.Failed + e.Completed
}

type Notifier interface {
	NotifyTaskPass(ctx context.Context, evt TaskPassEvent)
}
