package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	logger     atomic.Pointer[slog.Logger]
	loggerOnce sync.Once
	minLevel   = new(slog.LevelVar)
)

// initLogger installs the default text handler on stderr.
func initLogger() {
	loggerOnce.Do(func() {
		minLevel.Set(slog.LevelInfo)
		logger.CompareAndSwap(nil, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: minLevel})))
	})
}

// Setup parses a level name ("debug", "info", "warn", "error",
// case-insensitive) and applies it. Unknown names fall back to info.
func Setup(level string) *slog.Logger {
	SetLevel(ParseLevel(level))
	return logger.Load()
}

// SetOutput redirects log output, mostly useful in tests. It is safe to
// call while other goroutines log.
func SetOutput(w io.Writer) {
	initLogger()
	logger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: minLevel})))
}

func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) {
	initLogger()
	minLevel.Set(toSlog(l))
}

// Logger exposes the underlying slog logger for libraries that want one.
func Logger() *slog.Logger {
	initLogger()
	return logger.Load()
}

func Debug(msg string, kv ...any) {
	initLogger()
	logger.Load().Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger()
	logger.Load().Info(msg, kv...)
}

func Warn(msg string, kv ...any) {
	initLogger()
	logger.Load().Warn(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logger.Load().Error(msg, extended...)
}

func toSlog(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
