package standard

import (
	"fmt"
	"strings"

	"ping_engine/internal/logbus"
)

// busLogger 让 resty 自己的日志也走日志总线，而不是直接写 stderr。
type busLogger struct {
	bus *logbus.Bus
}

func (l busLogger) Errorf(format string, v ...any) { l.log(logbus.LevelError, format, v) }
func (l busLogger) Warnf(format string, v ...any)  { l.log(logbus.LevelWarn, format, v) }
func (l busLogger) Debugf(format string, v ...any) { l.log(logbus.LevelDebug, format, v) }

func (l busLogger) log(level, format string, v []any) {
	if l.bus == nil {
		return
	}
	l.bus.Log(level, "resty", map[string]any{"detail": strings.TrimSpace(fmt.Sprintf(format, v...))})
}
