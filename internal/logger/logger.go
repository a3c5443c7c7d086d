// Package logger builds the application's slog loggers from configuration:
// JSON or text handlers, stdout/stderr or rotating files, static context
// fields and values carried on a context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-market-integrity/internal/config"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	RunIDKey     ContextKey = "run_id"
	RequestIDKey ContextKey = "request_id"
	OperationKey ContextKey = "operation"
	SymbolKey    ContextKey = "symbol"
	TimeframeKey ContextKey = "timeframe"
	IndexIDKey   ContextKey = "index_id"
)

// contextKeys is the order in which context values are emitted.
var contextKeys = []ContextKey{RunIDKey, RequestIDKey, OperationKey, SymbolKey, TimeframeKey, IndexIDKey}

// Manager owns the base logger and its output.
type Manager struct {
	base   *slog.Logger
	config config.LoggingConfig
	writer io.WriteCloser

	mu         sync.Mutex
	components map[string]*slog.Logger
}

// NewManager creates a logger manager with the specified configuration.
func NewManager(cfg config.LoggingConfig) (*Manager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return newManager(cfg, writer)
}

func newManager(cfg config.LoggingConfig, writer io.WriteCloser) (*Manager, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(l.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	if len(cfg.ContextFields) > 0 {
		attrs := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			attrs = append(attrs, slog.String(k, v))
		}
		handler = handler.WithAttrs(attrs)
	}

	return &Manager{
		base:       slog.New(&contextHandler{Handler: handler}),
		config:     cfg,
		writer:     writer,
		components: make(map[string]*slog.Logger),
	}, nil
}

func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "", "stdout":
		return nopWriteCloser{os.Stdout}, nil
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ParseLevel converts a configured level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// Logger returns the base logger.
func (m *Manager) Logger() *slog.Logger { return m.base }

// Component returns a cached logger tagged with component.
func (m *Manager) Component(name string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.components[name]; ok {
		return l
	}
	l := m.base.With(slog.String("component", name))
	m.components[name] = l
	return l
}

// SetDefault installs the base logger as slog's default.
func (m *Manager) SetDefault() { slog.SetDefault(m.base) }

// Close flushes and closes the underlying writer.
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

// contextHandler appends known context values to every record logged with
// one of the *Context methods.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		for _, key := range contextKeys {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				r.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRunID adds an ingestion run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithRequestID adds an API request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithOperation adds an operation name to the context.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// WithSymbol adds a ticker symbol to the context.
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

// WithTimeframe adds a timeframe to the context.
func WithTimeframe(ctx context.Context, tf string) context.Context {
	return context.WithValue(ctx, TimeframeKey, tf)
}

// WithIndexID adds an index identifier to the context.
func WithIndexID(ctx context.Context, indexID string) context.Context {
	return context.WithValue(ctx, IndexIDKey, indexID)
}

// RequestID extracts the request ID from ctx.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// TimedOperation runs fn and logs its outcome and duration.
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	ctx = WithOperation(ctx, operation)

	err := fn()
	duration := time.Since(start)
	if err != nil {
		logger.ErrorContext(ctx, "operation failed",
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}
	logger.InfoContext(ctx, "operation completed", slog.Duration("duration", duration))
	return nil
}
