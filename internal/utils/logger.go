package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/mhalloran/gridgame/internal/contextkey"
)

// Logger provides structured logging
type Logger struct {
	slog *slog.Logger
}

// ParseLevel turns a textual level ("debug", "info", ...) into a slog.Level,
// defaulting to info when the text does not parse.
func ParseLevel(logLevel string) slog.Level {
	level := new(slog.Level)
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		*level = slog.LevelInfo
	}
	return *level
}

// NewLogger creates a new structured logger writing JSON to stdout.
// It can be enriched with context-specific attributes like the connection id.
func NewLogger(logLevel string) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     ParseLevel(logLevel),
	})

	return &Logger{
		slog: slog.New(handler),
	}
}

// NewFileLogger creates a logger that also copies records to the given file,
// used for the per-room info log files.
func NewFileLogger(logLevel, path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, f), &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	})
	return &Logger{slog: slog.New(handler)}, nil
}

// NewDiscardLogger returns a logger that drops everything. Used by --quiet
// and by tests that do not care about output.
func NewDiscardLogger() *Logger {
	handler := slog.NewJSONHandler(io.Discard, nil)
	return &Logger{slog: slog.New(handler)}
}

// WithContext creates a child logger with the connection and room ids from the context.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	handler := l.slog.Handler()

	if connID, ok := ctx.Value(contextkey.ContextKeyConnID).(uuid.UUID); ok {
		handler = handler.WithGroup("conn").WithAttrs([]slog.Attr{
			slog.String("id", connID.String()),
		})
	}

	if roomID, ok := ctx.Value(contextkey.ContextKeyRoomID).(int); ok {
		handler = handler.WithAttrs([]slog.Attr{
			slog.Int("room_id", roomID),
		})
	}

	return slog.New(handler)
}

// Info logs an info message.
func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(fmt.Sprintf(msg, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(fmt.Sprintf(msg, args...))
}

// Error logs an error message.
func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(fmt.Sprintf(msg, args...))
}

// Fatal logs a fatal message and exits. This should be used sparingly for unrecoverable errors.
func (l *Logger) Fatal(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
	os.Exit(1)
}
