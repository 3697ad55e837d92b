// Package reactivelog provides the structured logger used across the core
// packages. It mirrors the JSON zap configuration used throughout the
// donor storage/sync packages, but hands out one *zap.Logger per
// component instead of relying on a single package-level global, since
// each core component (live query, election, lock, ...) is expected to
// be embedded in a larger host application with its own logging setup.
package reactivelog

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zapcore.InfoLevel
)

// SetLevel adjusts the level used by future calls to New. Existing
// loggers keep their level.
func SetLevel(levelName string) {
	mu.Lock()
	defer mu.Unlock()
	level = parseLevel(levelName)
}

func parseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New returns a component-scoped logger, e.g. reactivelog.New("livequery").
func New(component string) *zap.Logger {
	mu.RLock()
	lvl := level
	mu.RUnlock()

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)

	return zap.New(core).Named(component)
}

// Nop returns a no-op logger, handy as a default for components
// constructed without an explicit logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
