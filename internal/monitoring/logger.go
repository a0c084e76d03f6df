// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	global atomic.Pointer[zap.SugaredLogger]
)

func init() {
	global.Store(New(level))
}

// New builds a console logger writing to stderr at the given level.
func New(lvl zapcore.LevelEnabler, options ...zap.Option) *zap.SugaredLogger {
	if lvl == nil {
		lvl = level
	}

	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		MessageKey:       "message",
		LevelKey:         "level",
		CallerKey:        "caller",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	})

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core, options...).Sugar()
}

// Logger returns the current process-wide logger.
func Logger() *zap.SugaredLogger {
	return global.Load()
}

// SetLogger replaces the process-wide logger. Passing nil installs a no-op
// logger, which is what most tests want.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	global.Store(l)
}

// ParseLevel converts a level name ("debug", "info", ...) into a zap level.
func ParseLevel(s string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "", "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// SetLevel changes the level of loggers built by New with a nil level.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// Level returns the current default level.
func Level() zapcore.Level {
	return level.Level()
}
