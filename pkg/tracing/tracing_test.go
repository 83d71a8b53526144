package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withRecorder installs an in-memory provider for the duration of a test.
func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestInit_Disabled(t *testing.T) {
	p, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of a disabled provider should be a no-op, got %v", err)
	}
}

func TestInit_RequiresServiceName(t *testing.T) {
	if _, err := Init(Config{Enabled: true, JaegerURL: "http://localhost:14268/api/traces"}); err == nil {
		t.Error("expected an error without a service name")
	}
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestTraceBroadcast_NamesAndAttributes(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceBroadcast(context.Background(), "start", "room-1")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "broadcast.start" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs[string(RoomIDKey)] != "room-1" {
		t.Errorf("expected room attribute, got %v", attrs)
	}
	if attrs[string(OperationKey)] != "start" {
		t.Errorf("expected operation attribute, got %v", attrs)
	}
}

func TestTraceWebRTCAndViewer(t *testing.T) {
	recorder := withRecorder(t)

	ctx, parent := TraceViewer(context.Background(), "join", "viewer-1", "room-1")
	_, child := TraceWebRTC(ctx, "answer", "broadcaster", "room-1")
	child.End()
	parent.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "webrtc.answer" || spans[1].Name() != "viewer.join" {
		t.Errorf("unexpected span names %q, %q", spans[0].Name(), spans[1].Name())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("negotiation span should be a child of the viewer span")
	}
}

func TestRecordError(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "test")
	RecordError(ctx, nil)
	RecordError(ctx, errors.New("negotiation failed"))
	span.End()

	got := recorder.Ended()[0]
	if got.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", got.Status().Code)
	}
	if len(got.Events()) != 1 {
		t.Errorf("expected one recorded error event, got %d", len(got.Events()))
	}
}

func TestRecordError_NonRecordingSpan(t *testing.T) {
	// no provider installed for this context: must not panic
	RecordError(context.Background(), errors.New("ignored"))
}
