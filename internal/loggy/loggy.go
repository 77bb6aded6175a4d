// Package loggy wraps log/slog with the handful of conveniences the agent
// needs: file or stream output, a process-wide fallback logger for CLI code,
// and a discard logger for tests.
package loggy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Config configures the logger
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	AddSource  bool
	TimeFormat string // empty keeps slog's default

	// Rotation for file output; zero values use lumberjack's defaults
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns a default configuration for the logger
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		Output:     "stderr",
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger. A nil *Logger is valid and discards everything.
type Logger struct {
	slogger   *slog.Logger
	addSource bool
	closer    io.Closer
}

// New builds a logger from cfg. The caller owns the returned logger and
// should Close it on shutdown when it writes to a file.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	var closer io.Closer

	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		output = file
		closer = file
	}

	return newWithWriter(output, cfg, closer), nil
}

// NewWithWriter builds a logger that writes to w. Handy for tests that
// want to inspect output.
func NewWithWriter(w io.Writer, cfg Config) *Logger {
	return newWithWriter(w, cfg, nil)
}

func newWithWriter(w io.Writer, cfg Config, closer io.Closer) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	if cfg.TimeFormat != "" {
		layout := cfg.TimeFormat
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(layout))
				}
			}
			return a
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		slogger:   slog.New(handler),
		addSource: cfg.AddSource,
		closer:    closer,
	}
}

// NewNoopLogger returns a logger that discards all output, useful for testing
func NewNoopLogger() *Logger {
	return &Logger{
		slogger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// GetGlobalLogger returns the process-wide logger used by CLI helpers
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobalLogger sets the process-wide logger
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.slogger == nil {
		return
	}
	if !l.slogger.Enabled(ctx, level) {
		return
	}

	r := slog.NewRecord(time.Now(), level, msg, 0)
	if l.addSource {
		// skip log and the exported wrapper
		if _, file, line, ok := runtime.Caller(2); ok {
			r.AddAttrs(slog.String("source", fmt.Sprintf("%s:%d", filepath.Base(file), line)))
		}
	}
	if id := GetRequestID(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	r.Add(args...)
	_ = l.slogger.Handler().Handle(ctx, r)
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, args ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, args...)
}

// Info logs at info level
func (l *Logger) Info(msg string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, args...)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, args...)
}

// Error logs at error level
func (l *Logger) Error(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
}

// Log logs at the given level, picking up the request id from ctx
func (l *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.log(ctx, level, msg, args...)
}

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.slogger == nil {
		return l
	}
	return &Logger{
		slogger:   l.slogger.With(args...),
		addSource: l.addSource,
	}
}

// WithGroup returns a new Logger with the given group
func (l *Logger) WithGroup(name string) *Logger {
	if l == nil || l.slogger == nil {
		return l
	}
	return &Logger{
		slogger:   l.slogger.WithGroup(name),
		addSource: l.addSource,
	}
}

// WithError adds error details to a logger
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error(), "error_type", fmt.Sprintf("%T", err))
}

// Handler returns the underlying slog.Handler
func (l *Logger) Handler() slog.Handler {
	return l.slogger.Handler()
}

// Package-level helpers log through the global logger. They exist for CLI
// code that runs before the App container is built.

func Debug(msg string, args ...any) {
	GetGlobalLogger().log(context.Background(), slog.LevelDebug, msg, args...)
}

func Info(msg string, args ...any) {
	GetGlobalLogger().log(context.Background(), slog.LevelInfo, msg, args...)
}

func Warn(msg string, args ...any) {
	GetGlobalLogger().log(context.Background(), slog.LevelWarn, msg, args...)
}

func Error(msg string, args ...any) {
	GetGlobalLogger().log(context.Background(), slog.LevelError, msg, args...)
}
