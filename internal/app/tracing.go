package app

import (
	"context"
	"net/http"

	"github.com/nuetzliches/eventpipe/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func newResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("eventpipe"),
			semconv.ServiceVersion(version),
		),
	)
}

func tracingOptions(cfg config.TracingConfig) []otlptracehttp.Option {
	opts := make([]otlptracehttp.Option, 0, 2)
	if cfg.Collector != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Collector))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

func initTracing(ctx context.Context, cfg config.TracingConfig, res *resource.Resource, onError func(error)) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx, tracingOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(onError))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func wrapTracingHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name)
}

// tracingHTTPClient returns a client whose requests carry trace context to the
// collector. It returns nil when tracing is off so the deliverer uses its own.
func tracingHTTPClient(enabled bool) *http.Client {
	if !enabled {
		return nil
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
