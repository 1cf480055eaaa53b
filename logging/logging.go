package logging

import (
	"context"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is a no-op until InitLogger runs, so packages can log from tests
var logger = zap.NewNop()
var loggerProvider *sdklog.LoggerProvider
var serviceName = "lantern-payments"

// InitLogger initializes the structured logger and, when an endpoint is given, OTLP log export
func InitLogger(service, otlpEndpoint string) error {
	// 1. Setup standard zap logger for stdout
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.MessageKey = "msg"
	config.EncoderConfig.LevelKey = "level"

	built, err := config.Build(
		zap.AddCallerSkip(1), // Skip wrapper functions in stack trace
	)
	if err != nil {
		return err
	}
	logger = built
	if service != "" {
		serviceName = service
	}

	if otlpEndpoint == "" {
		return nil
	}

	// 2. Setup OTLP log exporter
	ctx := context.Background()

	exporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(otlpEndpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		logger.Warn("Failed to create OTLP log exporter, logs will only go to stdout", zap.Error(err))
		return nil // Don't fail if OTLP isn't available
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
	)
	if err != nil {
		logger.Warn("Failed to create resource", zap.Error(err))
		return nil
	}

	loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(loggerProvider)
	logger = withOTLP(logger, loggerProvider)

	logger.Info("OTLP logging configured successfully")

	return nil
}

// withOTLP tees every entry written to l into provider as well
func withOTLP(l *zap.Logger, provider otellog.LoggerProvider) *zap.Logger {
	return l.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, otelzap.NewCore(serviceName, otelzap.WithLoggerProvider(provider)))
	}))
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	return logger
}

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID stores the inbound request id for later log lines
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in ctx, or ""
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTraceContext adds trace context to logger
func WithTraceContext(span trace.Span) *zap.Logger {
	if span.SpanContext().IsValid() {
		sc := span.SpanContext()
		return base().With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return base()
}

// FromContext returns a logger carrying the span and request id found in ctx
func FromContext(ctx context.Context) *zap.Logger {
	l := WithTraceContext(trace.SpanFromContext(ctx))
	if id := RequestID(ctx); id != "" {
		l = l.With(zap.String("request_id", id))
	}
	return l
}

// Masked logs only the first characters of an identifier
func Masked(key, value string) zap.Field {
	switch {
	case value == "":
		return zap.String(key, "?")
	case len(value) > 5:
		return zap.String(key, value[:5]+"***")
	default:
		return zap.String(key, "***")
	}
}

func base() *zap.Logger {
	return logger.With(zap.String("service", serviceName))
}

// Info logs an info message with structured fields
func Info(msg string, fields ...zap.Field) {
	base().Info(msg, fields...)
}

// Warn logs a warning message with structured fields
func Warn(msg string, fields ...zap.Field) {
	base().Warn(msg, fields...)
}

// Error logs an error message with structured fields
func Error(msg string, fields ...zap.Field) {
	base().Error(msg, fields...)
}

// Fatal logs a fatal message with structured fields and exits
func Fatal(msg string, fields ...zap.Field) {
	base().Fatal(msg, fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return logger.Sync()
}

// Shutdown gracefully shuts down the logger provider
func Shutdown(ctx context.Context) error {
	if loggerProvider != nil {
		return loggerProvider.Shutdown(ctx)
	}
	return nil
}
