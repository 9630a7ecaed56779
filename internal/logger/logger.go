// Package logger is the CLI's logging front door: a process-wide slog
// logger with a tinted terminal handler. Core packages return errors;
// only the CLI layer logs.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// Fields is a convenience alias for structured log fields.
type Fields map[string]interface{}

var (
	logger *slog.Logger
	mu     sync.Mutex
)

// InitLogger initializes the global logger at the given level.
func InitLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})

	mu.Lock()
	logger = slog.New(handler)
	mu.Unlock()
}

// GetLogger returns the configured logger, initializing defaults on
// first use.
func GetLogger() *slog.Logger {
	mu.Lock()
	current := logger
	mu.Unlock()
	if current == nil {
		InitLogger("info")
		mu.Lock()
		current = logger
		mu.Unlock()
	}
	return current
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...interface{}) {
	GetLogger().Debug(fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message.
func Infof(format string, args ...interface{}) {
	GetLogger().Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...interface{}) {
	GetLogger().Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...interface{}) {
	GetLogger().Error(fmt.Sprintf(format, args...))
}

// Info logs a message with structured fields.
func Info(msg string, fields ...Fields) {
	GetLogger().Info(msg, mergeFields(fields...)...)
}

// Debug logs a debug message with structured fields.
func Debug(msg string, fields ...Fields) {
	GetLogger().Debug(msg, mergeFields(fields...)...)
}

func mergeFields(fields ...Fields) []interface{} {
	var attrs []interface{}
	for _, f := range fields {
		for k, v := range f {
			attrs = append(attrs, k, v)
		}
	}
	return attrs
}
