package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	initOnce sync.Once
	initErr  error

	tpMu sync.RWMutex
	tp   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process tracer provider. Only the first
// call builds it; later calls return the first result.
func InitOpenTelemetry(serviceName string) error {
	initOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			initErr = err
			return
		}

		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)

		tpMu.Lock()
		tp = provider
		tpMu.Unlock()
		otel.SetTracerProvider(provider)
	})
	return initErr
}

// ShutdownOpenTelemetry flushes pending spans. It is a no-op when tracing
// was never initialized.
func ShutdownOpenTelemetry(ctx context.Context) error {
	tpMu.RLock()
	provider := tp
	tpMu.RUnlock()
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartSpan opens a span tagged with the run, expert and request IDs found
// in ctx. The span's trace ID becomes the context trace ID when none is set,
// so log lines and spans of one query share it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tc := FromContext(ctx)
	if tc.RunID != "" {
		attrs = append(attrs, attribute.String("otaku.run_id", tc.RunID))
	}
	if tc.Expert != "" {
		attrs = append(attrs, attribute.String("otaku.expert", tc.Expert))
	}
	if tc.RequestID != "" {
		attrs = append(attrs, attribute.String("otaku.request_id", tc.RequestID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if tc.TraceID == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// Fail marks span as failed with err
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
