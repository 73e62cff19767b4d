package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log levels accepted in configuration.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Attribute keys attached by the With* helpers.
const (
	KeyClient = "client_id"
	KeyActor  = "actor_id"
	KeyRecord = "record_id"
	KeyField  = "field"
	KeyTable  = "table"
)

// Options configures New.
type Options struct {
	// Path is the log file. Empty writes to stderr.
	Path string
	// Level is one of ValidLevels; unknown values mean INFO.
	Level string
	// Format is "json" (default) or "text".
	Format string
	// Rotation applies when Path is set.
	Rotation RotationConfig
}

// Logger is a structured logger carrying client, actor and record context.
// It is safe for concurrent use; child loggers share the parent's writer.
type Logger struct {
	logger *slog.Logger
	closer io.Closer
}

// New creates a Logger from opts.
func New(opts Options) (*Logger, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if opts.Path != "" {
		rw, err := NewRotatingWriter(opts.Path, opts.Rotation)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = rw, rw
	}
	l := NewWithWriter(w, opts.Level, opts.Format)
	l.closer = closer
	return l, nil
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	hopts := &slog.HandlerOptions{Level: slogLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, hopts)
	} else {
		h = slog.NewJSONHandler(w, hopts)
	}
	return &Logger{logger: slog.New(h)}
}

func slogLevel(level string) slog.Level {
	switch ParseLevel(level) {
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

// WithClient returns a child logger tagged with a client ID.
func (l *Logger) WithClient(clientID string) *Logger { return l.With(KeyClient, clientID) }

// WithActor returns a child logger tagged with an actor ID.
func (l *Logger) WithActor(actorID string) *Logger { return l.With(KeyActor, actorID) }

// WithRecord returns a child logger tagged with a table and record ID.
func (l *Logger) WithRecord(table, recordID string) *Logger {
	return l.With(KeyTable, table, KeyRecord, recordID)
}

// WithField returns a child logger tagged with a field name.
func (l *Logger) WithField(field string) *Logger { return l.With(KeyField, field) }

// With returns a child logger with arbitrary key-value attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...), closer: l.closer}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Slog exposes the underlying *slog.Logger for packages that take one.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// Close closes the log file, if any. Child loggers share the file, so only
// the root logger should be closed.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// NopLogger returns a Logger that discards all output.
func NopLogger() *Logger {
	return &Logger{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// ParseLevel normalises a level string, returning LevelInfo for unknown
// values.
func ParseLevel(level string) string {
	switch up := strings.ToUpper(strings.TrimSpace(level)); up {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return up
	case "WARNING":
		return LevelWarn
	default:
		return LevelInfo
	}
}

// ValidLevels returns the accepted level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
