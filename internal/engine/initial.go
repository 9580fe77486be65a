package engine

import (
	"context"
	"strings"

	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/notify"
	"ping_engine/internal/provider"
)

var separator = strings.Repeat("=", 50)

// processInitialTasks 处理单个账号的初始阶段。任何失败都只记录日志，不影响后续账号。
func (e *Engine) processInitialTasks(ctx context.Context, acc *model.Account) {
	e.log(logbus.LevelInfo, separator, nil)
	defer e.log(logbus.LevelInfo, separator, nil)
	e.updateState(acc, func(st *model.AccountState) { st.Phase = model.PhaseInitial })

	user, err := e.fetchUser(ctx, acc)
	if err != nil {
		e.log(logbus.LevelError, "处理初始任务失败", map[string]any{
			"account": acc.Label(),
			"error":   provider.Message(err),
		})
		e.setAccountError(acc, err)
		return
	}
	e.log(logbus.LevelCustom, "处理账号", map[string]any{
		"username": user.Username,
		"email":    user.Email,
	})

	e.dailyCheckin(ctx, acc)

	e.log(logbus.LevelInfo, "开始领取任务", map[string]any{"account": acc.Label(), "tasks": len(e.tasks)})
	results := e.processTasks(ctx, acc, user)
	e.finishTaskPass(ctx, acc, results)
	e.log(logbus.LevelSuccess, "任务处理完成", map[string]any{"account": acc.Label()})
}

// dailyCheckin 签到失败只告警，不中断账号的初始阶段。
func (e *Engine) dailyCheckin(ctx context.Context, acc *model.Account) {
	if err := e.waitLimit(ctx); err != nil {
		e.log(logbus.LevelWarn, "每日签到被中断", map[string]any{"account": acc.Label(), "error": err.Error()})
		return
	}
	res, err := e.provider.Checkin(callContext(ctx), *acc)
	if err != nil {
		e.log(logbus.LevelWarn, "每日签到失败", map[string]any{
			"account":    acc.Label(),
			"statusCode": provider.StatusCode(err),
			"message":    provider.Message(err),
		})
		return
	}
	e.log(logbus.LevelSuccess, "每日签到成功", map[string]any{
		"account":    acc.Label(),
		"statusCode": res.StatusCode,
		"message":    res.Message,
	})
}

func (e *Engine) finishTaskPass(ctx context.Context, acc *model.Account, results []model.TaskResult) {
	at := e.now()
	evt := notify.TaskPassEvent{
		At:        at.UnixMilli(),
		AccountID: acc.ID,
		Username:  acc.Username,
		Email:     acc.Email,
		Results:   results,
	}
	for _, r := range results {
		switch r.Status {
		case model.TaskSucceeded:
			evt.Succeeded++
		case model.TaskFailed:
			evt.Failed++
		case model.TaskCompleted:
			evt.Completed++
		}
	}
	e.log(logbus.LevelInfo, "任务汇总", map[string]any{
		"account":   acc.Label(),
		"succeeded": evt.Succeeded,
		"failed":    evt.Failed,
		"completed": evt.Completed,
	})

	if e.store != nil && len(results) > 0 {
		if err := e.store.RecordTaskResults(callContext(ctx), acc.ID, at, results); err != nil {
			e.log(logbus.LevelWarn, "保存任务结果失败", map[string]any{"accountId": acc.ID, "error": err.Error()})
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyTaskPass(ctx, evt)
	}
}
