package engine

import (
	"context"
	"errors"
	"time"

	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/provider"
)

// ping 保证同一账号两次成功 Ping 之间至少间隔 PingSpacing。
// 失败时不更新 LastPingMs，下一次尝试不会被失败的调用拖慢。
func (e *Engine) ping(ctx context.Context, acc *model.Account) (model.PingResult, error) {
	spacing := e.schedule.PingSpacing()
	elapsed := time.Duration(e.now().UnixMilli()-acc.LastPingMs) * time.Millisecond
	if wait := spacing - elapsed; wait > 0 {
		if !e.sleep(ctx, wait) {
			return model.PingResult{}, ctx.Err()
		}
	}
	if err := e.waitLimit(ctx); err != nil {
		return model.PingResult{}, err
	}

	res, err := e.provider.Ping(callContext(ctx), *acc)
	if err != nil {
		e.log(logbus.LevelError, "Ping 失败", map[string]any{
			"account":    acc.Label(),
			"statusCode": provider.StatusCode(err),
			"error":      provider.Message(err),
		})
		return model.PingResult{}, err
	}

	acc.LastPingMs = e.now().UnixMilli()
	if e.store != nil {
		if err := e.store.UpdateAccountPing(callContext(ctx), acc.ID, acc.LastPingMs); err != nil {
			e.log(logbus.LevelDebug, "保存 Ping 时间失败", map[string]any{"accountId": acc.ID, "error": err.Error()})
		}
	}
	e.updateState(acc, func(st *model.AccountState) {
		st.LastPingMs = acc.LastPingMs
		st.LastError = ""
	})
	return res, nil
}

func (e *Engine) processPingForAccount(ctx context.Context, acc *model.Account) {
	e.updateState(acc, func(st *model.AccountState) { st.Phase = model.PhasePing })

	user, err := e.fetchUser(ctx, acc)
	if err != nil {
		e.pingFailed(acc, err)
		return
	}
	e.log(logbus.LevelCustom, "Ping 账号", map[string]any{"username": user.Username})

	res, err := e.ping(ctx, acc)
	if err != nil {
		e.pingFailed(acc, err)
		return
	}
	e.log(logbus.LevelSuccess, "Ping 成功", map[string]any{
		"account":    acc.Label(),
		"statusCode": res.StatusCode,
		"message":    res.Message,
		"metadataId": res.MetadataID,
	})

	updated, err := e.fetchUser(ctx, acc)
	if err != nil {
		e.pingFailed(acc, err)
		return
	}
	if len(updated.Nodes) > 0 {
		e.log(logbus.LevelCustom, "节点状态", map[string]any{"account": acc.Label(), "nodes": len(updated.Nodes)})
		for i, node := range updated.Nodes {
			e.log(logbus.LevelCustom, "节点今日积分", map[string]any{
				"node":       i + 1,
				"nodeId":     node.ID,
				"todayPoint": node.TodayPoint,
			})
		}
	}
}

func (e *Engine) pingFailed(acc *model.Account, err error) {
	if errors.Is(err, context.Canceled) {
		e.log(logbus.LevelWarn, "Ping 被中断", map[string]any{"account": acc.Label()})
		return
	}
	e.log(logbus.LevelError, "Ping 账号失败", map[string]any{
		"account": acc.Label(),
		"error":   provider.Message(err),
	})
	e.setAccountError(acc, err)
}
