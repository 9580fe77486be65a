package engine

import (
	"context"
	"net/http"

	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/provider"
)

const alreadyCompletedMessage = "task already completed"

// processTasks 按任务表顺序逐个领取。已完成的任务不发请求；单个任务失败不影响其余任务。
// 只有在 ctx 取消时才会提前返回，此时结果少于任务表长度。
func (e *Engine) processTasks(ctx context.Context, acc *model.Account, user model.UserSummary) []model.TaskResult {
	results := make([]model.TaskResult, 0, len(e.tasks))
	spacing := e.schedule.TaskSpacing()

	for _, task := range e.tasks {
		if user.HasCompleted(task.Code) {
			results = append(results, model.TaskResult{
				Code:       task.Code,
				Name:       task.Name,
				Status:     model.TaskCompleted,
				StatusCode: http.StatusOK,
				Message:    alreadyCompletedMessage,
			})
			e.log(logbus.LevelInfo, "任务已完成，跳过", map[string]any{"code": task.Code, "name": task.Name})
			continue
		}

		if !e.sleep(ctx, spacing) {
			e.log(logbus.LevelWarn, "任务处理被中断", map[string]any{"account": acc.Label(), "done": len(results)})
			return results
		}
		results = append(results, e.claimTask(ctx, acc, task))
	}
	return results
}

func (e *Engine) claimTask(ctx context.Context, acc *model.Account, task model.TaskDefinition) model.TaskResult {
	out := model.TaskResult{Code: task.Code, Name: task.Name}

	err := e.waitLimit(ctx)
	var res model.ClaimResult
	if err == nil {
		res, err = e.provider.ClaimTask(callContext(ctx), *acc, task.Code)
	}
	if err != nil {
		out.Status = model.TaskFailed
		out.StatusCode = provider.StatusCode(err)
		out.Message = provider.Message(err)
		level := logbus.LevelWarn
		if out.StatusCode >= http.StatusInternalServerError {
			level = logbus.LevelError
		}
		e.log(level, "任务领取失败", map[string]any{
			"code":       task.Code,
			"name":       task.Name,
			"statusCode": out.StatusCode,
			"message":    out.Message,
		})
		return out
	}

	out.Status = model.TaskSucceeded
	out.StatusCode = res.StatusCode
	out.Message = res.Message
	e.log(logbus.LevelSuccess, "任务领取成功", map[string]any{
		"code":       task.Code,
		"name":       task.Name,
		"statusCode": out.StatusCode,
		"message":    out.Message,
	})
	return out
}
