package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
	output     io.Writer = os.Stdout
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(handler)
}

// SetOutput redirects every logger (package-level and scoped) to w.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	if w == nil {
		w = os.Stdout
	}
	output = w
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

// Writer returns the current sink, used to route gin's access log.
func Writer() io.Writer {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return output
}

func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// Level reports the active level in config spelling.
func Level() string {
	switch levelVar.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger exposes the underlying slog logger for structured call sites.
func Logger() *slog.Logger {
	return activeLogger()
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

// Scoped prefixes every message with "[component]" and tags it with the
// component attribute.
type Scoped struct {
	component string
}

func For(component string) Scoped {
	return Scoped{component: strings.TrimSpace(component)}
}

func (s Scoped) log(level slog.Level, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	l := activeLogger()
	if s.component != "" {
		msg = "[" + s.component + "] " + msg
		l = l.With("component", s.component)
	}
	l.Log(context.Background(), level, msg)
}

func (s Scoped) Debugf(format string, v ...any) { s.log(slog.LevelDebug, format, v...) }
func (s Scoped) Infof(format string, v ...any)  { s.log(slog.LevelInfo, format, v...) }
func (s Scoped) Warnf(format string, v ...any)  { s.log(slog.LevelWarn, format, v...) }
func (s Scoped) Errorf(format string, v ...any) { s.log(slog.LevelError, format, v...) }

func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	for _, line := range strings.Split(block, "\n") {
		Infof("%s", line)
	}
}
