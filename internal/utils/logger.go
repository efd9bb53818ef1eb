// Package utils provides utility functions including logging.
package utils

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the global structured logger instance.
var Logger *slog.Logger

func init() {
	// Tests and early callers get a sane default before InitLogger runs.
	Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// InitLogger initializes the structured logger with JSON output. The
// level string accepts debug, info, warn and error.
func InitLogger(env, service, level string) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	// Use JSON handler for structured logging
	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler).With(
		slog.String("service", service),
		slog.String("env", env),
	)

	// Set as default logger
	slog.SetDefault(Logger)

	Logger.Info("logger initialized", slog.String("level", strings.ToLower(level)))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Info logs an info level message with optional key-value pairs.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Error logs an error level message with optional key-value pairs.
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// Debug logs a debug level message with optional key-value pairs.
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Warn logs a warning level message with optional key-value pairs.
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}
