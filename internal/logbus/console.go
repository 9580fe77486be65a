package logbus

import (
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewConsoleLogger 构造写到终端的 zap logger，level 取 debug/info/warn/error。
func NewConsoleLogger(level string, color bool) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encCfg.EncodeCaller = nil
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""
	out := zapcore.AddSync(colorable.NewNonColorable(os.Stdout))
	if color {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		out = zapcore.AddSync(colorable.NewColorableStdout())
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		out,
		parseLevel(level),
	))
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn, "warning":
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ConsoleSink 把总线上的日志转给 zap。success/custom 没有对应的 zap 级别，
// 按 info 输出并在消息前加标记。
type ConsoleSink struct {
	logger *zap.Logger
}

func NewConsoleSink(logger *zap.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Write(msg Message) {
	if s == nil || s.logger == nil || msg.Type != TypeLog {
		return
	}
	data, ok := msg.Data.(LogData)
	if !ok {
		return
	}
	fields := zapFields(data.Fields)
	switch data.Level {
	case LevelDebug:
		s.logger.Debug(data.Msg, fields...)
	case LevelSuccess:
		s.logger.Info("[✓] "+data.Msg, fields...)
	case LevelCustom:
		s.logger.Info("[*] "+data.Msg, fields...)
	case LevelWarn, "warning":
		s.logger.Warn(data.Msg, fields...)
	case LevelError:
		s.logger.Error(data.Msg, fields...)
	default:
		s.logger.Info(data.Msg, fields...)
	}
}

func zapFields(in map[string]any) []zap.Field {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, in[k]))
	}
	return out
}
