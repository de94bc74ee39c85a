// Package logger provides the leveled logging used across the scheduler.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	out          io.Writer = os.Stderr
)

// SetLevel sets the global log level.
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// SetLevelFromString sets the log level from its string name.
// Unknown names fall back to info.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		SetLevel(LevelDebug)
	case "info":
		SetLevel(LevelInfo)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	default:
		SetLevel(LevelInfo)
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// EnableDebug enables debug logging.
func EnableDebug() {
	SetLevel(LevelDebug)
}

// IsDebugEnabled reports whether debug logging is on.
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel <= LevelDebug
}

func logf(level Level, tag, format string, args ...any) {
	mu.RLock()
	enabled := currentLevel <= level
	w := out
	mu.RUnlock()
	if !enabled {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(w, ts+" ["+tag+"] "+format+"\n", args...)
}

// Debug logs a debug message.
func Debug(format string, args ...any) {
	logf(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func Info(format string, args ...any) {
	logf(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning.
func Warn(format string, args ...any) {
	logf(LevelWarn, "WARN", format, args...)
}

// Error logs an error.
func Error(format string, args ...any) {
	logf(LevelError, "ERROR", format, args...)
}
