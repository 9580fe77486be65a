package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
)

type flakySender struct {
	mu       sync.Mutex
	failures int
	texts    []string
	calls    int
}

func (f *flakySender) send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("telegram: 502 Bad Gateway")
	}
	f.texts = append(f.texts, text)
	return nil
}

func TestTelegramNotifier_RetriesThenSends(t *testing.T) {
	s := &flakySender{failures: 2}
	var waits []time.Duration
	n := newTelegramNotifier(logbus.New(20), s.send, func(d time.Duration) { waits = append(waits, d) })

	n.NotifyTaskPass(context.Background(), TaskPassEvent{AccountID: "a1", Username: "alice", Succeeded: 1})
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if s.calls != 3 || len(s.texts) != 1 {
		t.Fatalf("calls=%d texts=%v", s.calls, s.texts)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("waits = %v", waits)
	}
}

func TestTelegramNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	s := &flakySender{failures: 10}
	bus := logbus.New(20)
	n := newTelegramNotifier(bus, s.send, func(time.Duration) {})

	n.NotifyTaskPass(context.Background(), TaskPassEvent{AccountID: "a1"})
	_ = n.Close(context.Background())

	if s.calls != telegramMaxAttempts {
		t.Fatalf("calls = %d", s.calls)
	}
	var warned bool
	for _, m := range bus.Snapshot() {
		if d, ok := m.Data.(logbus.LogData); ok && d.Msg == "Telegram 汇总发送失败" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected failure log")
	}

	// 关闭后的事件直接忽略
	n.NotifyTaskPass(context.Background(), TaskPassEvent{AccountID: "late"})
}

func TestBuildTelegramText(t *testing.T) {
	text := buildTelegramText(TaskPassEvent{
		At:        time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local).UnixMilli(),
		AccountID: "acc-1",
		Succeeded: 1,
		Failed:    1,
		Results: []model.TaskResult{
			{Code: "T001", Name: "Verify Email", Status: model.TaskSucceeded, StatusCode: 200},
			{Code: "T005", Name: "Follow <X>", Status: model.TaskFailed, StatusCode: 409, Message: "a & b"},
		},
	})
	for _, want := range []string{
		"<b>acc-1</b>",
		"成功 1 / 失败 1 / 已完成 0",
		"• T005 Follow &lt;X&gt;: 409 a &amp; b",
		"2024-05-01 08:00:00",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("text missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "T001") {
		t.Fatalf("succeeded tasks should not be listed:\n%s", text)
	}
}

type countingNotifier struct {
	n      int
	closed bool
}

func (c *countingNotifier) NotifyTaskPass(context.Context, TaskPassEvent) { c.n++ }

func (c *countingNotifier) Close(context.Context) error {
	c.closed = true
	return nil
}

type plainNotifier struct{ n int }

func (p *plainNotifier) NotifyTaskPass(context.Context, TaskPassEvent) { p.n++ }

func TestMulti_FansOutAndCloses(t *testing.T) {
	a, b := &countingNotifier{}, &plainNotifier{}
	m := Multi{a, nil, b}
	m.NotifyTaskPass(context.Background(), TaskPassEvent{})
	if a.n != 1 || b.n != 1 {
		t.Fatalf("a=%d b=%d", a.n, b.n)
	}
	if err := m.Close(context.Background()); err != nil || !a.closed {
		t.Fatalf("close err=%v closed=%v", err, a.closed)
	}
}
