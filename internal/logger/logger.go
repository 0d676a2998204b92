// Package logger builds the application's slog loggers from configuration and
// carries import-scoped values (trace ID, symbol, exchange) through contexts.
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

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-importer/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	OperationKey ContextKey = "operation"
	SymbolKey    ContextKey = "symbol"
	ExchangeKey  ContextKey = "exchange"
)

// contextKeys lists the keys copied onto loggers, in output order
var contextKeys = []ContextKey{TraceIDKey, OperationKey, ExchangeKey, SymbolKey}

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// ComponentLogger represents a logger for a specific component
type ComponentLogger struct {
	*slog.Logger
}

// NewComponentLogger tags base with the component name
func NewComponentLogger(base *slog.Logger, component string) *ComponentLogger {
	if base == nil {
		base = slog.Default()
	}
	return &ComponentLogger{Logger: base.With(slog.String("component", component))}
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return newLoggerManager(cfg, writer), nil
}

func newLoggerManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	if len(cfg.ContextFields) > 0 {
		attrs := make([]slog.Attr, 0, len(cfg.ContextFields))
		for key, value := range cfg.ContextFields {
			attrs = append(attrs, slog.String(key, value))
		}
		handler = handler.WithAttrs(attrs)
	}

	return &LoggerManager{
		baseLogger:     slog.New(handler),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
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
		return nopWriteCloser{os.Stdout}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// GetComponentLogger returns a logger tagged with the component name
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cached, ok := lm.componentCache[component]
	if !ok {
		cached = lm.baseLogger.With(slog.String("component", component))
		lm.componentCache[component] = cached
	}
	return &ComponentLogger{Logger: cached}
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// LogOperation runs fn and logs its outcome with the duration, decorated with
// the values stored in ctx. Success is logged at debug level.
func (cl *ComponentLogger) LogOperation(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	log := FromContext(WithOperation(ctx, operation), cl.Logger)

	if err != nil {
		log.Error("operation failed",
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return err
	}

	log.Debug("operation completed",
		slog.Duration("duration", time.Since(start)))
	return nil
}

// FromContext returns base decorated with any values stored in ctx
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	attrs := ContextAttrs(ctx)
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}

// ContextAttrs extracts logging attributes from context
func ContextAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// NewTraceContext attaches a freshly generated trace ID
func NewTraceContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, uuid.NewString())
}

// WithOperation adds an operation name to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// WithSymbol adds a symbol to the context
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

// WithExchange adds an exchange name to the context
func WithExchange(ctx context.Context, exchange string) context.Context {
	return context.WithValue(ctx, ExchangeKey, exchange)
}
