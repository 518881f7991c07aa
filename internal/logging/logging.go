// Package logging is the process-wide structured logger: slog with a
// colorized tint handler on a terminal, plain text otherwise. The formatted
// helpers keep the call-site shape the rest of the codebase uses.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var (
	disabled atomic.Bool
	level    = &slog.LevelVar{}
	logger   = newLogger()
)

func newLogger() *slog.Logger {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Disable turns off all logging.
func Disable() { disabled.Store(true) }

// Enable turns logging back on.
func Enable() { disabled.Store(false) }

// SetDebug lowers the level to Debug.
func SetDebug(on bool) {
	if on {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

func logAt(lvl slog.Level, msg string) {
	if disabled.Load() {
		return
	}
	logger.Log(context.Background(), lvl, msg)
}

// Info logs an info message.
func Info(v ...any) { logAt(slog.LevelInfo, fmt.Sprint(v...)) }

// Infof logs a formatted info message.
func Infof(format string, v ...any) { logAt(slog.LevelInfo, fmt.Sprintf(format, v...)) }

// Error logs an error message.
func Error(v ...any) { logAt(slog.LevelError, fmt.Sprint(v...)) }

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) { logAt(slog.LevelError, fmt.Sprintf(format, v...)) }

// Warn logs a warning message.
func Warn(v ...any) { logAt(slog.LevelWarn, fmt.Sprint(v...)) }

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) { logAt(slog.LevelWarn, fmt.Sprintf(format, v...)) }

// Debug logs a debug message.
func Debug(v ...any) { logAt(slog.LevelDebug, fmt.Sprint(v...)) }

// Debugf logs a formatted debug message.
func Debugf(format string, v ...any) { logAt(slog.LevelDebug, fmt.Sprintf(format, v...)) }

// Slog exposes the underlying slog.Logger for components that attach
// structured attributes directly (e.g. the event bus).
func Slog() *slog.Logger { return logger }

// Logger is a context-scoped façade kept for call sites that thread one
// through explicitly.
type Logger struct{}

// WithContext returns a Logger (the context is currently unused but keeps
// the call-site shape stable).
func WithContext(ctx context.Context) Logger { return Logger{} }

func (l Logger) Info(v ...any)                  { Info(v...) }
func (l Logger) Infof(format string, v ...any)  { Infof(format, v...) }
func (l Logger) Error(v ...any)                 { Error(v...) }
func (l Logger) Errorf(format string, v ...any) { Errorf(format, v...) }
