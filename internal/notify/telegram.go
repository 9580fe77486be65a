package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"ping_engine/internal/config"
	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
)

const telegramMaxAttempts = 3

type telegramSendFunc func(ctx context.Context, text string) error

// TelegramNotifier 每个账号的任务汇总发一条 Telegram 消息，失败按 1s、2s 退避重试。
type TelegramNotifier struct {
	bus   *logbus.Bus
	send  telegramSendFunc
	queue chan TaskPassEvent
	wait  func(time.Duration)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewTelegramNotifier(cfg config.TelegramConfig, bus *logbus.Bus) (*TelegramNotifier, error) {
	b, err := bot.New(strings.TrimSpace(cfg.BotToken), bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	chatID := cfg.ChatID
	send := func(ctx context.Context, text string) error {
		_, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: models.ParseModeHTML,
		})
		return err
	}
	return newTelegramNotifier(bus, send, time.Sleep), nil
}

func newTelegramNotifier(bus *logbus.Bus, send telegramSendFunc, wait func(time.Duration)) *TelegramNotifier {
	n := &TelegramNotifier{
		bus:   bus,
		send:  send,
		queue: make(chan TaskPassEvent, 200),
		wait:  wait,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *TelegramNotifier) NotifyTaskPass(_ context.Context, evt TaskPassEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- evt:
	default:
		n.log(logbus.LevelWarn, "Telegram 通知丢弃：队列已满", map[string]any{"accountId": evt.AccountID})
	}
}

// Close 停止接收新事件，并等待已排队的消息发完。
func (n *TelegramNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *TelegramNotifier) loop() {
	defer n.wg.Done()
	for evt := range n.queue {
		n.deliver(evt)
	}
}

func (n *TelegramNotifier) deliver(evt TaskPassEvent) {
	text := buildTelegramText(evt)
	for attempt := 1; attempt <= telegramMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := n.send(ctx, text)
		cancel()
		if err == nil {
			n.log(logbus.LevelDebug, "Telegram 汇总已发送", map[string]any{"accountId": evt.AccountID})
			return
		}
		if attempt == telegramMaxAttempts {
			n.log(logbus.LevelWarn, "Telegram 汇总发送失败", map[string]any{
				"accountId": evt.AccountID,
				"attempts":  attempt,
				"error":     err.Error(),
			})
			return
		}
		n.wait(time.Duration(attempt) * time.Second)
	}
}

func (n *TelegramNotifier) log(level, msg string, fields map[string]any) {
	if n.bus != nil {
		n.bus.Log(level, msg, fields)
	}
}

func buildTelegramText(evt TaskPassEvent) string {
	var sb strings.Builder
	name := safeText(evt.Username, evt.AccountID)
	fmt.Fprintf(&sb, "<b>%s</b>\n", html.EscapeString(name))
	fmt.Fprintf(&sb, "成功 %d / 失败 %d / 已完成 %d\n", evt.Succeeded, evt.Failed, evt.Completed)
	for _, r := range evt.Results {
		if r.Status != model.TaskFailed {
			continue
		}
		fmt.Fprintf(&sb, "• %s %s: %d %s\n",
			html.EscapeString(r.Code),
			html.EscapeString(r.Name),
			r.StatusCode,
			html.EscapeString(r.Message),
		)
	}
	if evt.At > 0 {
		sb.WriteString(time.UnixMilli(evt.At).Format(time.DateTime))
	}
	return strings.TrimRight(sb.String(), "\n")
}
