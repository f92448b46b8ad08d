// Package logging provides structured logging for the daemon. It wraps
// the standard slog package with caller-location tagging, a panic
// recovery helper for long-running goroutines, and a single-writer file
// handler that appends one line per log call to the daemon log file
// (spec §6 filesystem surface).
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

func getCaller() string {
	if _, file, line, ok := runtime.Caller(2); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return "unknown"
}

// Info logs a message at INFO level with the caller's source location.
func Info(msg string, args ...any) {
	slog.Info(msg, append([]any{"source", getCaller()}, args...)...)
}

// Debug logs a message at DEBUG level with the caller's source location.
func Debug(msg string, args ...any) {
	slog.Debug(msg, append([]any{"source", getCaller()}, args...)...)
}

// Warn logs a message at WARN level with the caller's source location.
func Warn(msg string, args ...any) {
	slog.Warn(msg, append([]any{"source", getCaller()}, args...)...)
}

// Error logs a message at ERROR level with the caller's source location.
func Error(msg string, args ...any) {
	slog.Error(msg, append([]any{"source", getCaller()}, args...)...)
}

// RecoverPanic logs a recovered panic with its stack trace and runs an
// optional cleanup function. The daemon's per-connection handlers, the
// LSP client notification handler, and the Manager's background
// goroutines (lifecycle logger, broken-client teardown, start warm-up)
// wrap themselves in this so one misbehaving LSP child cannot take the
// daemon down with it.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		Error(fmt.Sprintf("panic in %s", name), "recovered", r, "stack", string(debug.Stack()))
		if cleanup != nil {
			cleanup()
		}
	}
}

// Init points the default slog logger at the daemon log file described in
// spec §6 (one entry per call, appended, never rotated by the daemon
// itself). Safe to call once at daemon startup.
func Init(logPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	slog.SetDefault(slog.New(newFileHandler(f, level)))
	return nil
}

// timeFormat matches spec §6's literal "[ISO-8601] message" shape.
const timeFormat = time.RFC3339
