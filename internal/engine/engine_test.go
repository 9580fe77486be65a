package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ping_engine/internal/config"
	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
	"ping_engine/internal/notify"
	"ping_engine/internal/provider"
	"ping_engine/internal/store/sqlite"
)

type fakeClock struct {
	mu      sync.Mutex
	t       time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	if ctx.Err() != nil {
		return false
	}
	c.Advance(d)
	return true
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type call struct {
	op    string
	token string
	code  string
	at    time.Time
}

type fakeProvider struct {
	mu    sync.Mutex
	clock *fakeClock

	users      map[string]model.UserSummary
	meErr      map[string]error
	checkinErr error
	claimErr   map[string]error
	pingErrs   []error
	latency    time.Duration

	calls []call
}

func newFakeProvider(clock *fakeClock) *fakeProvider {
	return &fakeProvider{
		clock:    clock,
		users:    make(map[string]model.UserSummary),
		meErr:    make(map[string]error),
		claimErr: make(map[string]error),
	}
}

func (p *fakeProvider) record(op, token, code string) {
	p.mu.Lock()
	p.calls = append(p.calls, call{op: op, token: token, code: code, at: p.clock.Now()})
	p.mu.Unlock()
	if p.latency > 0 {
		p.clock.Advance(p.latency)
	}
}

func (p *fakeProvider) Calls(op string) []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []call
	for _, c := range p.calls {
		if op == "" || c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Me(_ context.Context, acc model.Account) (model.UserSummary, error) {
	p.record("me", acc.Token, "")
	if err := p.meErr[acc.Token]; err != nil {
		return model.UserSummary{}, err
	}
	u, ok := p.users[acc.Token]
	if !ok {
		u = model.UserSummary{Username: "user-" + acc.Token, SocialTasks: []string{}}
	}
	return u, nil
}

func (p *fakeProvider) Checkin(_ context.Context, acc model.Account) (model.CheckinResult, error) {
	p.record("checkin", acc.Token, "")
	if p.checkinErr != nil {
		return model.CheckinResult{}, p.checkinErr
	}
	return model.CheckinResult{StatusCode: 200, Message: "checked in"}, nil
}

func (p *fakeProvider) Ping(_ context.Context, acc model.Account) (model.PingResult, error) {
	p.record("ping", acc.Token, "")
	p.mu.Lock()
	var err error
	if len(p.pingErrs) > 0 {
		err = p.pingErrs[0]
		p.pingErrs = p.pingErrs[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return model.PingResult{}, err
	}
	return model.PingResult{StatusCode: 201, Message: "pinged", MetadataID: "m1"}, nil
}

func (p *fakeProvider) ClaimTask(_ context.Context, acc model.Account, code string) (model.ClaimResult, error) {
	p.record("claim", acc.Token, code)
	if err := p.claimErr[code]; err != nil {
		return model.ClaimResult{}, err
	}
	return model.ClaimResult{StatusCode: 200, Message: "ok"}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.TaskPassEvent
}

func (n *fakeNotifier) NotifyTaskPass(_ context.Context, evt notify.TaskPassEvent) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func newTestEngine(p *fakeProvider, clock *fakeClock, opts Options) *Engine {
	opts.Provider = p
	if opts.Bus == nil {
		opts.Bus = logbus.New(5000)
	}
	e := New(opts)
	e.now = clock.Now
	e.sleep = clock.Sleep
	return e
}

func logsWithMsg(b *logbus.Bus, msg string) []logbus.LogData {
	var out []logbus.LogData
	for _, m := range b.Snapshot() {
		if d, ok := m.Data.(logbus.LogData); ok && d.Msg == msg {
			out = append(out, d)
		}
	}
	return out
}

func TestProcessTasks_ClaimsEveryTaskInOrder(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	e := newTestEngine(p, clock, Options{Accounts: []model.Account{{Token: "tokA"}}})

	results := e.processTasks(context.Background(), e.accounts[0], model.UserSummary{SocialTasks: []string{}})

	catalogue := model.DefaultTaskCatalogue()
	claims := p.Calls("claim")
	if len(claims) != len(catalogue) || len(results) != len(catalogue) {
		t.Fatalf("claims=%d results=%d, want %d", len(claims), len(results), len(catalogue))
	}
	for i, task := range catalogue {
		if claims[i].code != task.Code {
			t.Fatalf("claim %d = %s, want %s", i, claims[i].code, task.Code)
		}
		if results[i].Code != task.Code || results[i].Status != model.TaskSucceeded {
			t.Fatalf("result %d = %+v", i, results[i])
		}
	}
	for i, d := range clock.Sleeps() {
		if d != time.Second {
			t.Fatalf("sleep %d = %v, want 1s", i, d)
		}
	}
	for i := 1; i < len(claims); i++ {
		if gap := claims[i].at.Sub(claims[i-1].at); gap < time.Second {
			t.Fatalf("claims %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestProcessTasks_SkipsCompletedCodes(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	e := newTestEngine(p, clock, Options{Accounts: []model.Account{{Token: "tokA"}}})

	done := []string{"T001", "T009", "T103", "NOT-IN-CATALOGUE"}
	results := e.processTasks(context.Background(), e.accounts[0], model.UserSummary{SocialTasks: done})

	if len(results) != 16 {
		t.Fatalf("results = %d, want 16", len(results))
	}
	claims := p.Calls("claim")
	if len(claims) != 13 {
		t.Fatalf("claims = %d, want 13", len(claims))
	}
	for _, c := range claims {
		if c.code == "T001" || c.code == "T009" || c.code == "T103" {
			t.Fatalf("completed task %s was claimed", c.code)
		}
	}
	skipped := map[string]bool{}
	for _, r := range results {
		if r.Status == model.TaskCompleted {
			skipped[r.Code] = true
			if r.StatusCode != 200 || r.Message != alreadyCompletedMessage {
				t.Fatalf("skipped result = %+v", r)
			}
		}
	}
	if len(skipped) != 3 || !skipped["T001"] || !skipped["T009"] || !skipped["T103"] {
		t.Fatalf("skipped = %v", skipped)
	}
	if len(clock.Sleeps()) != 13 {
		t.Fatalf("sleeps = %d, want one per claim", len(clock.Sleeps()))
	}
}

func TestClaimTask_Success(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	e := newTestEngine(p, clock, Options{
		Accounts: []model.Account{{Token: "tokA"}},
		Tasks:    []model.TaskDefinition{{Code: "T001", Name: "Verify Email"}},
	})

	results := e.processTasks(context.Background(), e.accounts[0], model.UserSummary{})
	want := model.TaskResult{Code: "T001", Name: "Verify Email", Status: model.TaskSucceeded, StatusCode: 200, Message: "ok"}
	if len(results) != 1 || results[0] != want {
		t.Fatalf("results = %+v", results)
	}
}

func TestClaimTask_FailureSeverity(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.claimErr["T001"] = &provider.APIError{Op: "claim task T001", StatusCode: 409, Message: "already claimed"}
	p.claimErr["T002"] = &provider.APIError{Op: "claim task T002", StatusCode: 502, Message: "bad gateway"}
	p.claimErr["T003"] = &provider.ConnectivityError{Op: "claim task T003", Err: errors.New("connection refused")}
	bus := logbus.New(1000)
	e := newTestEngine(p, clock, Options{
		Bus:      bus,
		Accounts: []model.Account{{Token: "tokA"}},
		Tasks: []model.TaskDefinition{
			{Code: "T001", Name: "a"},
			{Code: "T002", Name: "b"},
			{Code: "T003", Name: "c"},
			{Code: "T004", Name: "d"},
		},
	})

	results := e.processTasks(context.Background(), e.accounts[0], model.UserSummary{})
	if len(results) != 4 {
		t.Fatalf("results = %d", len(results))
	}
	if r := results[0]; r.Status != model.TaskFailed || r.StatusCode != 409 || r.Message != "already claimed" {
		t.Fatalf("T001 = %+v", r)
	}
	if r := results[1]; r.Status != model.TaskFailed || r.StatusCode != 502 {
		t.Fatalf("T002 = %+v", r)
	}
	if r := results[2]; r.Status != model.TaskFailed || r.StatusCode != 500 {
		t.Fatalf("T003 = %+v", r)
	}
	if r := results[3]; r.Status != model.TaskSucceeded {
		t.Fatalf("T004 should still be claimed: %+v", r)
	}

	failures := logsWithMsg(bus, "任务领取失败")
	if len(failures) != 3 {
		t.Fatalf("failure logs = %d", len(failures))
	}
	wantLevels := []string{logbus.LevelWarn, logbus.LevelError, logbus.LevelError}
	for i, lvl := range wantLevels {
		if failures[i].Level != lvl {
			t.Fatalf("failure %d level = %s, want %s", i, failures[i].Level, lvl)
		}
	}
}

func TestProcessTasks_StopsWhenCancelled(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	e := newTestEngine(p, clock, Options{Accounts: []model.Account{{Token: "tokA"}}})

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	clock.onSleep = func(time.Duration) {
		n++
		if n == 3 {
			cancel()
		}
	}
	results := e.processTasks(ctx, e.accounts[0], model.UserSummary{})
	if len(results) != 2 || len(p.Calls("claim")) != 2 {
		t.Fatalf("results=%d claims=%d, want 2/2", len(results), len(p.Calls("claim")))
	}
}

func TestPing_EnforcesMinimumSpacing(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.latency = 200 * time.Millisecond
	e := newTestEngine(p, clock, Options{Accounts: []model.Account{{Token: "tokA"}}})
	acc := e.accounts[0]

	if _, err := e.ping(context.Background(), acc); err != nil {
		t.Fatalf("first ping: %v", err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Fatalf("first ping should not wait, slept %v", clock.Sleeps())
	}
	clock.Advance(500 * time.Millisecond)
	if _, err := e.ping(context.Background(), acc); err != nil {
		t.Fatalf("second ping: %v", err)
	}

	pings := p.Calls("ping")
	if len(pings) != 2 {
		t.Fatalf("pings = %d", len(pings))
	}
	if gap := pings[1].at.Sub(pings[0].at); gap < 3*time.Second {
		t.Fatalf("pings only %v apart", gap)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 1 || sleeps[0] != 2500*time.Millisecond {
		t.Fatalf("sleeps = %v, want [2.5s]", sleeps)
	}

	clock.Advance(10 * time.Second)
	if _, err := e.ping(context.Background(), acc); err != nil {
		t.Fatalf("third ping: %v", err)
	}
	if len(clock.Sleeps()) != 1 {
		t.Fatalf("no wait expected after spacing elapsed, sleeps = %v", clock.Sleeps())
	}
}

func TestPing_TimestampOnlyMovesOnSuccess(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.pingErrs = []error{&provider.APIError{Op: "ping", StatusCode: 500, Message: "down"}}
	e := newTestEngine(p, clock, Options{Accounts: []model.Account{{Token: "tokA", LastPingMs: 42}}})
	acc := e.accounts[0]

	if _, err := e.ping(context.Background(), acc); err == nil {
		t.Fatalf("expected ping error")
	}
	if acc.LastPingMs != 42 {
		t.Fatalf("failed ping changed LastPingMs to %d", acc.LastPingMs)
	}

	res, err := e.ping(context.Background(), acc)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.StatusCode != 201 || res.Message != "pinged" || res.MetadataID != "m1" {
		t.Fatalf("result = %+v", res)
	}
	if acc.LastPingMs != clock.Now().UnixMilli() {
		t.Fatalf("LastPingMs = %d, want %d", acc.LastPingMs, clock.Now().UnixMilli())
	}
	if st := e.State(); st.Accounts[0].LastPingMs != acc.LastPingMs {
		t.Fatalf("state not updated: %+v", st.Accounts[0])
	}
}

func TestPing_CancelledDuringSpacing(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	e := newTestEngine(p, clock, Options{Accounts: []model.Account{{Token: "tokA", LastPingMs: clock.Now().UnixMilli()}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.ping(ctx, e.accounts[0]); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(p.Calls("ping")) != 0 {
		t.Fatalf("ping should not be sent")
	}
}

func runOneSweep(t *testing.T, e *Engine, clock *fakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interval := e.schedule.SweepInterval()
	clock.onSleep = func(d time.Duration) {
		if d == interval {
			cancel()
		}
	}
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestRun_FailingAccountDoesNotBlockOthers(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.meErr["bad"] = &provider.APIError{Op: "get user info", StatusCode: 401, Message: "Unauthorized"}
	bus := logbus.New(5000)
	e := newTestEngine(p, clock, Options{
		Bus:      bus,
		Accounts: []model.Account{{Token: "tokA"}, {Token: "bad"}, {Token: "tokC"}},
		Tasks:    []model.TaskDefinition{{Code: "T001", Name: "Verify Email"}},
	})

	runOneSweep(t, e, clock)

	meByToken := map[string]int{}
	for _, c := range p.Calls("me") {
		meByToken[c.token]++
	}
	// 初始阶段 1 次；Ping 阶段成功账号前后各 1 次，失败账号只有 1 次
	if meByToken["tokA"] != 3 || meByToken["tokC"] != 3 || meByToken["bad"] != 2 {
		t.Fatalf("me calls = %v", meByToken)
	}
	checkins := p.Calls("checkin")
	if len(checkins) != 2 || checkins[0].token != "tokA" || checkins[1].token != "tokC" {
		t.Fatalf("checkins = %+v", checkins)
	}
	pings := p.Calls("ping")
	if len(pings) != 2 || pings[0].token != "tokA" || pings[1].token != "tokC" {
		t.Fatalf("pings = %+v", pings)
	}

	st := e.State()
	if st.Running || st.Phase != model.PhaseStopped || st.Sweep != 1 {
		t.Fatalf("state = %+v", st)
	}
	if st.Accounts[1].LastError == "" {
		t.Fatalf("failing account should carry its error: %+v", st.Accounts[1])
	}
	if st.Accounts[0].LastPingMs == 0 || st.Accounts[2].LastPingMs == 0 {
		t.Fatalf("healthy accounts should have pinged: %+v", st.Accounts)
	}
	if len(logsWithMsg(bus, "节点今日积分")) != 0 {
		t.Fatalf("no nodes configured, no node logs expected")
	}
}

func TestRun_CheckinFailureIsNotFatal(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.checkinErr = &provider.APIError{Op: "daily checkin", StatusCode: 400, Message: "already checked in"}
	bus := logbus.New(5000)
	e := newTestEngine(p, clock, Options{
		Bus:      bus,
		Accounts: []model.Account{{Token: "tokA"}},
		Tasks:    []model.TaskDefinition{{Code: "T001"}, {Code: "T002"}},
	})

	runOneSweep(t, e, clock)

	if n := len(p.Calls("claim")); n != 2 {
		t.Fatalf("claims = %d, want 2", n)
	}
	warns := logsWithMsg(bus, "每日签到失败")
	if len(warns) != 1 || warns[0].Level != logbus.LevelWarn || warns[0].Fields["statusCode"] != 400 {
		t.Fatalf("checkin warning = %+v", warns)
	}
}

func TestRun_LogsNodeTodayPoints(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.users["tokA"] = model.UserSummary{
		Username: "alice",
		Nodes: []model.Node{
			{ID: "n1", TodayPoint: 1.5},
			{ID: "n2", TodayPoint: 3},
		},
	}
	bus := logbus.New(5000)
	e := newTestEngine(p, clock, Options{
		Bus:      bus,
		Accounts: []model.Account{{Token: "tokA"}},
		Tasks:    []model.TaskDefinition{{Code: "T001"}},
	})

	runOneSweep(t, e, clock)

	nodes := logsWithMsg(bus, "节点今日积分")
	if len(nodes) != 2 {
		t.Fatalf("node logs = %d", len(nodes))
	}
	if nodes[0].Level != logbus.LevelCustom || nodes[0].Fields["node"] != 1 || nodes[1].Fields["todayPoint"] != 3.0 {
		t.Fatalf("node logs = %+v", nodes)
	}
	if st := e.State(); st.Accounts[0].TodayPoint != 4.5 || st.Accounts[0].Username != "alice" {
		t.Fatalf("state = %+v", st.Accounts[0])
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	e := newTestEngine(p, clock, Options{Accounts: []model.Account{{Token: "tokA"}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(p.Calls("")); n != 0 {
		t.Fatalf("calls = %d, want 0", n)
	}
}

func TestRun_PersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	acc, err := store.ImportAccount(ctx, model.Account{Token: "tokA"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	clock := newFakeClock()
	p := newFakeProvider(clock)
	p.users["tokA"] = model.UserSummary{Username: "alice", Email: "a@example.com", SocialTasks: []string{"T002"}}
	p.claimErr["T003"] = &provider.APIError{Op: "claim task T003", StatusCode: 409, Message: "not eligible"}
	n := &fakeNotifier{}
	e := newTestEngine(p, clock, Options{
		Store:    store,
		Notifier: n,
		Accounts: []model.Account{acc},
		Tasks:    []model.TaskDefinition{{Code: "T001"}, {Code: "T002"}, {Code: "T003"}},
	})

	runOneSweep(t, e, clock)

	run, ok, err := store.LatestTaskRun(ctx, acc.ID)
	if err != nil || !ok {
		t.Fatalf("LatestTaskRun: ok=%v err=%v", ok, err)
	}
	if len(run.Results) != 3 || run.Results[1].Status != model.TaskCompleted || run.Results[2].StatusCode != 409 {
		t.Fatalf("run = %+v", run)
	}

	if len(n.events) != 1 {
		t.Fatalf("events = %d", len(n.events))
	}
	evt := n.events[0]
	if evt.Succeeded != 1 || evt.Completed != 1 || evt.Failed != 1 || evt.Total() != 3 || evt.Username != "alice" {
		t.Fatalf("event = %+v", evt)
	}

	stored, err := store.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if stored.Username != "alice" || stored.LastPingMs == 0 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestNew_DefaultsAndLimiter(t *testing.T) {
	e := New(Options{
		Provider: newFakeProvider(newFakeClock()),
		Accounts: []model.Account{{Token: "a"}, {Token: "b", ID: "fixed"}},
		Limits:   config.LimitsConfig{GlobalQPS: 5},
	})
	if len(e.Tasks()) != 16 {
		t.Fatalf("tasks = %d", len(e.Tasks()))
	}
	if e.accounts[0].ID == "" || e.accounts[1].ID != "fixed" {
		t.Fatalf("ids = %s, %s", e.accounts[0].ID, e.accounts[1].ID)
	}
	if e.limiter == nil {
		t.Fatalf("limiter should be configured")
	}
	if st := e.State(); st.Phase != model.PhaseIdle || len(st.Accounts) != 2 {
		t.Fatalf("state = %+v", st)
	}
}

func TestNew_DropsDuplicateTokens(t *testing.T) {
	bus := logbus.New(50)
	e := New(Options{
		Provider: newFakeProvider(newFakeClock()),
		Bus:      bus,
		Accounts: []model.Account{
			{Token: "tokA", ID: "id-a"},
			{Token: "tokB"},
			{Token: "tokA", ID: "id-a", Proxy: "http://p2:8080"},
			{Token: "tokC", ID: "id-a"},
		},
	})
	if len(e.accounts) != 2 || e.accounts[0].Token != "tokA" || e.accounts[1].Token != "tokB" {
		t.Fatalf("accounts = %+v, %+v", e.accounts[0], e.accounts[1])
	}
	if st := e.State(); len(st.Accounts) != 2 {
		t.Fatalf("state accounts = %+v", st.Accounts)
	}
	warns := logsWithMsg(bus, "重复账号已忽略")
	if len(warns) != 2 || warns[0].Fields["line"] != 3 || warns[1].Fields["line"] != 4 {
		t.Fatalf("warns = %+v", warns)
	}
}

func TestDailyCheckin_LogsWhenInterruptedByLimiter(t *testing.T) {
	clock := newFakeClock()
	p := newFakeProvider(clock)
	e := newTestEngine(p, clock, Options{
		Accounts: []model.Account{{Token: "tokA"}},
		Limits:   config.LimitsConfig{GlobalQPS: 1},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.dailyCheckin(ctx, e.accounts[0])

	if got := p.Calls("checkin"); len(got) != 0 {
		t.Fatalf("checkin calls = %d", len(got))
	}
	logs := logsWithMsg(e.bus, "每日签到被中断")
	if len(logs) != 1 || logs[0].Level != logbus.LevelWarn {
		t.Fatalf("logs = %+v", logs)
	}
}
