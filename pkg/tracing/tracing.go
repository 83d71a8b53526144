package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "livecast"

// Span attribute keys shared by every livecast binary.
var (
	RoomIDKey        = attribute.Key("livecast.room_id")
	ParticipantIDKey = attribute.Key("livecast.participant_id")
	OperationKey     = attribute.Key("livecast.operation")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	SampleRate  float64
}

// Provider owns the SDK provider when tracing is enabled. The zero value is
// a no-op provider.
type Provider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs a global Jaeger-backed provider. With tracing disabled the
// global no-op provider stays in place and spans cost nothing.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("tracing: service name must not be empty")
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{sdk: sdk}, nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// RecordError marks the span in ctx as failed. It is a no-op for
// non-recording spans and nil errors.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceWebRTC covers one negotiation step with a remote participant.
func TraceWebRTC(ctx context.Context, operation, participantID, roomID string) (context.Context, trace.Span) {
	return startOperation(ctx, "webrtc", operation,
		ParticipantIDKey.String(participantID),
		RoomIDKey.String(roomID),
	)
}

// TraceBroadcast covers a room-level operation such as start or stop.
func TraceBroadcast(ctx context.Context, operation, roomID string) (context.Context, trace.Span) {
	return startOperation(ctx, "broadcast", operation, RoomIDKey.String(roomID))
}

func TraceViewer(ctx context.Context, operation, viewerID, roomID string) (context.Context, trace.Span) {
	return startOperation(ctx, "viewer", operation,
		ParticipantIDKey.String(viewerID),
		RoomIDKey.String(roomID),
	)
}

func startOperation(ctx context.Context, scope, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, OperationKey.String(operation))
	return StartSpan(ctx, scope+"."+operation, trace.WithAttributes(attrs...))
}
