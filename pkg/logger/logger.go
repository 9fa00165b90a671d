// Package logger wraps logrus with the field/format conventions used across
// the rest of this codebase: JSON in production, text locally, and a
// WithContext helper that pulls trace/correlation ids out of context.Context
// so call sites never have to thread them through manually.
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	ctxKeyTraceID ctxKey = iota
	ctxKeyCorrelationID
	ctxKeyOperationID
)

// Config controls logger construction.
type Config struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// Logger wraps *logrus.Logger with the fixed field conventions of this
// codebase.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// NewDefault returns a Logger with sensible defaults for local development.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	return &Logger{Logger: l.WithField("component", component).Logger}
}

// WithContext attaches trace/correlation/operation ids found in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if v, ok := ctx.Value(ctxKeyTraceID).(string); ok && v != "" {
		fields["trace_id"] = v
	}
	if v, ok := ctx.Value(ctxKeyCorrelationID).(string); ok && v != "" {
		fields["correlation_id"] = v
	}
	if v, ok := ctx.Value(ctxKeyOperationID).(string); ok && v != "" {
		fields["operation_id"] = v
	}
	return l.Logger.WithFields(fields)
}

// WithTraceID returns a derived context carrying the given trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

// WithCorrelationID returns a derived context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, correlationID)
}

// WithOperationID returns a derived context carrying the given operation id.
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, ctxKeyOperationID, operationID)
}
