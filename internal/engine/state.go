package engine

import (
	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
)

func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineState{
		Running:  e.running,
		Phase:    e.phase,
		Sweep:    e.sweep,
		Accounts: make([]model.AccountState, 0, len(e.accounts)),
	}
	for _, acc := range e.accounts {
		if st := e.states[acc.ID]; st != nil {
			out.Accounts = append(out.Accounts, *st)
		}
	}
	return out
}

// HasAccount 报告账号是否在本次运行的账号列表里。
func (e *Engine) HasAccount(id string) bool {
	for _, acc := range e.accounts {
		if acc.ID == id {
			return true
		}
	}
	return false
}

func (e *Engine) setPhase(p model.Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Engine) nextSweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweep++
	return e.sweep
}

func (e *Engine) updateState(acc *model.Account, fn func(st *model.AccountState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[acc.ID]
	if st == nil {
		st = &model.AccountState{AccountID: acc.ID}
		e.states[acc.ID] = st
	}
	fn(st)
	st.UpdatedMs = e.now().UnixMilli()
	e.publishStateLocked(*st)
}

func (e *Engine) setAccountError(acc *model.Account, err error) {
	e.updateState(acc, func(st *model.AccountState) {
		st.LastError = err.Error()
	})
}

func (e *Engine) publishStateLocked(st model.AccountState) {
	if e.bus != nil {
		e.bus.Publish(logbus.TypeAccountState, st)
	}
}
