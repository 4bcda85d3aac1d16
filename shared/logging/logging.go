package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKeyType int

const ctxLogKey ctxKeyType = iota

var (
	_defaultLogger = newDefaultLogger()
	_globalLogger  = _defaultLogger
)

// New builds a JSON logger at the given level ("debug", "info", ...).
// Development mode switches to the console encoder.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func SetLogger(l *zap.Logger) {
	_globalLogger = l
}

func Logger() *zap.Logger {
	return _globalLogger
}

// WithContext stores a logger in the context
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogKey, l)
}

// FromContext returns the context logger, or the global one, decorated with
// the trace and span IDs of the active span.
func FromContext(ctx context.Context) *zap.Logger {
	l := _globalLogger
	if ctxLogger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
		l = ctxLogger
	}

	spanContext := trace.SpanContextFromContext(ctx)
	if spanContext.HasTraceID() {
		l = l.With(zap.String("trace_id", spanContext.TraceID().String()))
	}
	if spanContext.HasSpanID() {
		l = l.With(zap.String("span_id", spanContext.SpanID().String()))
	}
	return l
}

func Sync() error {
	return _globalLogger.Sync()
}

func newDefaultLogger() *zap.Logger {
	lg, _ := zap.NewProduction()
	return lg
}
