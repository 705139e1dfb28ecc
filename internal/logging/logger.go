// Package logging provides structured logging with trace ID propagation.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// Logger wraps a logrus entry bound to one service component.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger for the named service. Level is a logrus level name
// and format is either "json" or "text".
func New(service, level, format string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	return &Logger{entry: logrus.NewEntry(base).WithField("service", service)}
}

// NewFromEnv reads LOG_LEVEL and LOG_FORMAT.
func NewFromEnv(service string) *Logger {
	return New(service, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Discard returns a logger that writes nowhere. Used by tests.
func Discard() *Logger {
	l := New("discard", "panic", "json")
	l.entry.Logger.SetOutput(io.Discard)
	return l
}

// SetOutput redirects the underlying writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// WithField returns a child logger carrying an extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

func (l *Logger) withContext(ctx context.Context, fields map[string]interface{}) *logrus.Entry {
	entry := l.entry
	if ctx != nil {
		if traceID := TraceID(ctx); traceID != "" {
			entry = entry.WithField("trace_id", traceID)
		}
	}
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	return entry
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx, fields).Debug(msg)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx, fields).Info(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx, fields).Warn(msg)
}

func (l *Logger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx, fields).Error(msg)
}

// LogRequest records one served HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.withContext(ctx, map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogSecurityEvent records events that operators should be able to audit.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	entry := l.withContext(ctx, fields).WithField("security_event", event)
	entry.Warn("security event")
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID carried by ctx, or "".
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}
