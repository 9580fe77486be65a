package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"ping_engine/internal/logbus"
	"ping_engine/internal/model"
)

type SettingsSource interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}

type sendFunc func(ctx context.Context, settings model.EmailSettings, events []TaskPassEvent) error

// EmailNotifier 把任务汇总事件攒成一批后发一封邮件，避免每个账号一封。
type EmailNotifier struct {
	settings SettingsSource
	bus      *logbus.Bus
	send     sendFunc

	mu     sync.Mutex
	queue  chan TaskPassEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(settings SettingsSource, bus *logbus.Bus) *EmailNotifier {
	return newEmailNotifier(settings, bus, SendTaskSummaryEmail, emailSummaryWindow())
}

func newEmailNotifier(settings SettingsSource, bus *logbus.Bus, send sendFunc, window time.Duration) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		settings:      settings,
		bus:           bus,
		send:          send,
		queue:         make(chan TaskPassEvent, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: window,
		maxBatch:      50,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

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

func (n *EmailNotifier) NotifyTaskPass(_ context.Context, evt TaskPassEvent) {
	select {
	case n.queue <- evt:
	default:
		n.log(logbus.LevelWarn, "邮件通知丢弃：队列已满", map[string]any{"accountId": evt.AccountID})
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []TaskPassEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		timer.Stop()
		timer = nil
		timerCh = nil
	}

	flush := func(reason string) {
		stopTimer()
		if len(pending) == 0 {
			return
		}
		events := append([]TaskPassEvent(nil), pending...)
		pending = pending[:0]
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
			// 关闭前把队列里剩下的事件一起带走
		drain:
			for {
				select {
				case evt := <-n.queue:
					pending = append(pending, evt)
				default:
					break drain
				}
			}
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if n.maxBatch > 0 && len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			if timer == nil {
				timer = time.NewTimer(n.summaryWindow)
				timerCh = timer.C
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			flush("window")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []TaskPassEvent) {
	if n.settings == nil {
		return
	}
	// 发送本身不跟随 n.ctx：shutdown 时 n.ctx 已取消，但最后一批仍要发出去
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, ok, err := n.settings.GetEmailSettings(ctx)
	if err != nil {
		n.log(logbus.LevelWarn, "读取邮件配置失败", map[string]any{"error": err.Error()})
		return
	}
	if !ok || !settings.Enabled {
		n.log(logbus.LevelDebug, "邮件通知未启用", map[string]any{"count": len(events), "reason": reason})
		return
	}
	if err := validateEmailSettings(settings); err != nil {
		n.log(logbus.LevelWarn, "邮件配置无效", map[string]any{"error": err.Error()})
		return
	}

	if err := n.send(ctx, settings, events); err != nil {
		n.log(logbus.LevelWarn, "邮件发送失败", map[string]any{
			"error":  err.Error(),
			"count":  len(events),
			"reason": reason,
		})
		return
	}
	n.log(logbus.LevelInfo, "通知邮件已发送", map[string]any{
		"count":  len(events),
		"reason": reason,
		"to":     settings.Email,
	})
}

func (n *EmailNotifier) log(level, msg string, fields map[string]any) {
	if n.bus != nil {
		n.bus.Log(level, msg, fields)
	}
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendTaskSummaryEmail(ctx context.Context, settings model.EmailSettings, events []TaskPassEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildSummaryBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "Ping 助手"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSummarySubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	_, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	domain = strings.ToLower(strings.TrimSpace(domain))
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return "", 0, false, errors.New("invalid email format")
	}

	is := func(names ...string) bool {
		for _, n := range names {
			if domain == n || strings.HasSuffix(domain, "."+n) {
				return true
			}
		}
		return false
	}

	switch {
	case is("qq.com", "foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case is("163.com", "126.com", "yeah.net"):
		return "smtp.163.com", 465, true, nil
	case is("gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case is("outlook.com", "hotmail.com", "live.com"):
		return "smtp.office365.com", 587, false, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildSummarySubject(events []TaskPassEvent) string {
	var succeeded, failed int
	for _, evt := range events {
		succeeded += evt.Succeeded
		failed += evt.Failed
	}
	return fmt.Sprintf("任务汇总：%d 个账号，成功 %d，失败 %d", len(events), succeeded, failed)
}

type summaryRow struct {
	Account   string
	At        string
	Succeeded int
	Failed    int
	Completed int
	Failures  []model.TaskResult
}

var summaryHTMLTpl = template.Must(template.New("summary").Parse(`<!doctype html>
<html><body style="font-family: sans-serif">
<h3>任务汇总</h3>
<table border="1" cellpadding="6" cellspacing="0" style="border-collapse: collapse">
<tr><th>账号</th><th>时间</th><th>成功</th><th>失败</th><th>已完成</th></tr>
{{range .}}<tr><td>{{.Account}}</td><td>{{.At}}</td><td>{{.Succeeded}}</td><td>{{.Failed}}</td><td>{{.Completed}}</td></tr>
{{range .Failures}}<tr><td colspan="5" style="color:#b00">{{.Code}} {{.Name}}：{{.StatusCode}} {{.Message}}</td></tr>
{{end}}{{end}}</table>
</body></html>`))

func buildSummaryBody(events []TaskPassEvent) (htmlBody string, textBody string, err error) {
	rows := make([]summaryRow, 0, len(events))
	var text strings.Builder
	for _, evt := range events {
		row := summaryRow{
			Account:   safeText(evt.Username, evt.AccountID),
			At:        time.UnixMilli(evt.At).Format(time.DateTime),
			Succeeded: evt.Succeeded,
			Failed:    evt.Failed,
			Completed: evt.Completed,
		}
		for _, r := range evt.Results {
			if r.Status == model.TaskFailed {
				row.Failures = append(row.Failures, r)
			}
		}
		rows = append(rows, row)

		fmt.Fprintf(&text, "%s  %s  成功 %d / 失败 %d / 已完成 %d\n", row.At, row.Account, row.Succeeded, row.Failed, row.Completed)
		for _, f := range row.Failures {
			fmt.Fprintf(&text, "    %s %s: %d %s\n", f.Code, f.Name, f.StatusCode, f.Message)
		}
	}

	var buf bytes.Buffer
	if err := summaryHTMLTpl.Execute(&buf, rows); err != nil {
		return "", "", err
	}
	return buf.String(), text.String(), nil
}

func safeText(prefer, fallback string) string {
	if v := strings.TrimSpace(prefer); v != "" {
		return v
	}
	return fallback
}

func emailSummaryWindow() time.Duration {
	v := strings.TrimSpace(os.Getenv("PING_ENGINE_EMAIL_SUMMARY_SECONDS"))
	if v == "" {
		return 60 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 60 * time.Second
	}
	if n <= 0 {
		return 0
	}
	if n > 3600 {
		n = 3600
	}
	return time.Duration(n) * time.Second
}
