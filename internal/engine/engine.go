package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ping_engine/internal/config"
	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/notify"
	"ping_engine/internal/provider"
	"ping_engine/internal/store/sqlite"
)

var ErrAlreadyRunning = errors.New("engine is already running")

type Options struct {
	Store    *sqlite.Store
	Provider provider.Provider
	Bus      *logbus.Bus
	Notifier notify.Notifier
	Schedule config.ScheduleConfig
	Limits   config.LimitsConfig
	Tasks    []model.TaskDefinition
	Accounts []model.Account
}

// Engine 串行处理所有账号：先跑一遍初始任务（签到 + 领取任务），之后循环 Ping。
// 账号之间、阶段之间都不并发；mu 只保护对外暴露的状态快照。
type Engine struct {
	store    *sqlite.Store
	provider provider.Provider
	bus      *logbus.Bus
	notifier notify.Notifier
	schedule config.ScheduleConfig
	tasks    []model.TaskDefinition
	limiter  *rate.Limiter

	accounts []*model.Account

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	running bool
	phase   model.Phase
	sweep   int
	states  map[string]*model.AccountState
}

func New(opts Options) *Engine {
	tasks := opts.Tasks
	if len(tasks) == 0 {
		tasks = model.DefaultTaskCatalogue()
	} else {
		tasks = append([]model.TaskDefinition(nil), tasks...)
	}

	e := &Engine{
		store:    opts.Store,
		provider: opts.Provider,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		schedule: opts.Schedule,
		tasks:    tasks,
		now:      time.Now,
		sleep:    sleepFor,
		phase:    model.PhaseIdle,
		states:   make(map[string]*model.AccountState),
	}
	if opts.Limits.GlobalQPS > 0 {
		burst := opts.Limits.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.Limits.GlobalQPS), burst)
	}

	seenTokens := make(map[string]struct{}, len(opts.Accounts))
	seenIDs := make(map[string]struct{}, len(opts.Accounts))
	for i, acc := range opts.Accounts {
		a := acc
		_, dupToken := seenTokens[a.Token]
		_, dupID := seenIDs[a.ID]
		if dupToken || (a.ID != "" && dupID) {
			e.log(logbus.LevelWarn, "重复账号已忽略", map[string]any{
				"line":  i + 1,
				"token": model.MaskToken(a.Token),
			})
			continue
		}
		seenTokens[a.Token] = struct{}{}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		seenIDs[a.ID] = struct{}{}
		e.accounts = append(e.accounts, &a)
		e.states[a.ID] = &model.AccountState{
			AccountID:  a.ID,
			Username:   a.Username,
			Phase:      model.PhaseIdle,
			LastPingMs: a.LastPingMs,
		}
	}
	return e
}

// Tasks 返回启动时确定的任务表副本。
func (e *Engine) Tasks() []model.TaskDefinition {
	return append([]model.TaskDefinition(nil), e.tasks...)
}

// Run 阻塞执行，直到 ctx 被取消。取消只在账号之间、轮次之间以及固定等待处生效，
// 已经发出的请求会照常完成（受请求超时约束）。
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.phase = model.PhaseStopped
		e.mu.Unlock()
		e.log(logbus.LevelWarn, "引擎已停止", nil)
	}()

	e.log(logbus.LevelWarn, "引擎已启动，开始处理初始任务", map[string]any{
		"provider": e.provider.Name(),
		"accounts": len(e.accounts),
	})
	e.setPhase(model.PhaseInitial)
	for _, acc := range e.accounts {
		if ctx.Err() != nil {
			return nil
		}
		e.processInitialTasks(ctx, acc)
	}

	e.log(logbus.LevelWarn, "开始 Ping", nil)
	e.setPhase(model.PhasePing)
	interval := e.schedule.SweepInterval()
	for {
		if ctx.Err() != nil {
			return nil
		}
		sweep := e.nextSweep()
		e.log(logbus.LevelInfo, "Ping 轮次开始", map[string]any{
			"sweep": sweep,
			"at":    e.now().Format(time.DateTime),
		})
		for _, acc := range e.accounts {
			if ctx.Err() != nil {
				return nil
			}
			e.processPingForAccount(ctx, acc)
		}
		if ctx.Err() != nil {
			return nil
		}
		e.log(logbus.LevelInfo, "等待下一轮 Ping", map[string]any{"waitMs": interval.Milliseconds()})
		if !e.sleep(ctx, interval) {
			return nil
		}
	}
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// callContext 让单次请求不受停止信号打断，只受请求超时约束。
func callContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (e *Engine) waitLimit(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func (e *Engine) fetchUser(ctx context.Context, acc *model.Account) (model.UserSummary, error) {
	if err := e.waitLimit(ctx); err != nil {
		return model.UserSummary{}, err
	}
	user, err := e.provider.Me(callContext(ctx), *acc)
	if err != nil {
		e.log(logbus.LevelError, "获取用户信息失败", map[string]any{
			"account":    acc.Label(),
			"statusCode": provider.StatusCode(err),
			"error":      provider.Message(err),
		})
		return model.UserSummary{}, err
	}

	if user.Username != acc.Username || user.Email != acc.Email {
		acc.Username = user.Username
		acc.Email = user.Email
		if e.store != nil {
			if err := e.store.UpdateAccountProfile(callContext(ctx), acc.ID, acc.Username, acc.Email); err != nil {
				e.log(logbus.LevelDebug, "保存账号资料失败", map[string]any{"accountId": acc.ID, "error": err.Error()})
			}
		}
	}
	e.updateState(acc, func(st *model.AccountState) {
		st.Username = user.Username
		st.TotalPoint = user.TotalPoint
		st.TodayPoint = user.TodayPoint()
	})
	return user, nil
}

func (e *Engine) log(level, msg string, fields map[string]any) {
	if e.bus != nil {
		e.bus.Log(level, msg, fields)
	}
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
