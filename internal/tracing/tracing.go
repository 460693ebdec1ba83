// Package tracing wires OpenTelemetry for the dispatcher. Trace context
// travels from the business layer through NSQ intake messages, into each
// delivery attempt, and out on the webhook POST.
package tracing

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for every span in this module
const TracerName = "github.com/austindbirch/adcp_webhooks"

// Config selects the exporter endpoint and sampling.
type Config struct {
	ServiceName string
	Version     string
	InstanceID  string
	Endpoint    string  // OTLP/HTTP host:port; empty or "none" disables export
	SampleRatio float64 // parent based; <= 0 or >= 1 samples everything
}

// ConfigFromEnv reads SERVICE_VERSION, HOSTNAME/POD_NAME,
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_TRACES_SAMPLER_ARG.
func ConfigFromEnv(serviceName string) Config {
	cfg := Config{
		ServiceName: serviceName,
		Version:     firstEnv("dev", "SERVICE_VERSION"),
		InstanceID:  firstEnv("unknown", "HOSTNAME", "POD_NAME"),
		Endpoint:    "otel-collector:4318",
		SampleRatio: 1,
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		// otlptracehttp.WithEndpoint wants host:port
		ep = strings.TrimPrefix(ep, "http://")
		cfg.Endpoint = strings.TrimPrefix(ep, "https://")
	}
	if r, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
		cfg.SampleRatio = r
	}
	return cfg
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// Propagator is the W3C trace context + baggage propagator used on NSQ
// messages and outbound requests.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// Init installs the global propagator and, unless export is disabled, an
// OTLP/HTTP tracer provider. The returned func flushes and stops it.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(Propagator())
	if cfg.Endpoint == "" || cfg.Endpoint == "none" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			attribute.String("service.instance.id", cfg.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Start opens a span on the module tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// DeliveryAttributes describes one delivery attempt.
func DeliveryAttributes(destination, itemID, eventID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("destination", destination),
		attribute.String("item_id", itemID),
		attribute.String("event_id", eventID),
		attribute.Int("attempt", attempt),
	}
}

// Event adds an event to the span in ctx.
func Event(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the hex trace id in ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// Carrier serializes the trace context in ctx for an NSQ message body.
// It returns nil when ctx carries no span.
func Carrier(ctx context.Context) map[string]string {
	if !oteltrace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// FromCarrier restores a trace context written by Carrier.
func FromCarrier(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// InjectHeaders writes the trace context onto an outbound webhook request.
func InjectHeaders(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}
