package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// Format selects the slog handler used for output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var (
	mu       sync.RWMutex
	logger   *slog.Logger
	levelVar = new(slog.LevelVar)
	format   = FormatText
	out      io.Writer = os.Stderr
)

// initLogger builds the global logger lazily so that packages can log
// before main has applied configuration.
func initLogger() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newLogger(out, format)
	}
	return logger
}

func newLogger(w io.Writer, f Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	if f == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLevel changes the minimum level. Unknown values fall back to INFO.
func SetLevel(l Level) {
	levelVar.Set(toSlogLevel(l))
}

// ParseLevel maps a config string such as "debug" to a Level.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LevelDebug):
		return LevelDebug
	case string(LevelError):
		return LevelError
	default:
		return LevelInfo
	}
}

// SetFormat switches between text and JSON output.
func SetFormat(f Format) {
	mu.Lock()
	defer mu.Unlock()
	if f != FormatJSON {
		f = FormatText
	}
	format = f
	logger = newLogger(out, format)
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
	logger = newLogger(out, format)
}

// Logger exposes the underlying slog.Logger for libraries that want one.
func Logger() *slog.Logger {
	return initLogger()
}

func Debug(msg string, kv ...any) {
	initLogger().Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger().Info(msg, kv...)
}

// Warn is used for degraded-but-handled situations, e.g. one source of a
// merged view failing.
func Warn(msg string, err error, kv ...any) {
	initLogger().Warn(msg, withErr(err, kv)...)
}

func Error(msg string, err error, kv ...any) {
	initLogger().Error(msg, withErr(err, kv)...)
}

func withErr(err error, kv []any) []any {
	// Prepend error into key-value list.
	return append([]any{"err", errString(err)}, kv...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
