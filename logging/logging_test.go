package logging

import (
	"context"
	"sync"
	"testing"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMasked(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "?"},
		{in: "abc", want: "***"},
		{in: "TL1309503123ABCDEF", want: "TL130***"},
	}

	for _, tt := range tests {
		if got := Masked("k", tt.in).String; got != tt.want {
			t.Fatalf("Masked(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestFromContext_AddsRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := logger
	logger = zap.New(core)
	t.Cleanup(func() { logger = prev })

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if RequestID(ctx) != "req-1" {
		t.Fatalf("expected request id round trip")
	}

	FromContext(ctx).Info("callback received")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Fatalf("expected request_id field, got %v", fields)
	}
	if fields["service"] != serviceName {
		t.Fatalf("expected service field, got %v", fields)
	}
}

func TestRequestID_Missing(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}

// memoryExporter keeps the body of every exported record
type memoryExporter struct {
	mu     sync.Mutex
	bodies []string
}

func (e *memoryExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.bodies = append(e.bodies, r.Body().AsString())
	}
	return nil
}

func (e *memoryExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryExporter) ForceFlush(context.Context) error { return nil }

func TestWithOTLP_ExportsEntries(t *testing.T) {
	exporter := &memoryExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	core, logs := observer.New(zapcore.InfoLevel)
	l := withOTLP(zap.New(core), provider)

	l.Info("payment settled", zap.String("merchant_trade_no", "TL0001"))

	if logs.Len() != 1 {
		t.Fatalf("expected stdout core to keep the entry, got %d", logs.Len())
	}
	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	if len(exporter.bodies) != 1 || exporter.bodies[0] != "payment settled" {
		t.Fatalf("expected exported body, got %v", exporter.bodies)
	}
}

func TestGetLogger_ReturnsInstalledLogger(t *testing.T) {
	prev := logger
	logger = zap.NewExample()
	t.Cleanup(func() { logger = prev })

	if GetLogger() != logger {
		t.Fatal("expected GetLogger to return the installed logger")
	}
}
