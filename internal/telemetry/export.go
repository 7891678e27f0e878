package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ExportConfig selects the OTLP/HTTP metrics collector.
type ExportConfig struct {
	Collector string
	Insecure  bool
	Interval  time.Duration
}

// NewMeterProvider builds a provider that pushes to an OTLP/HTTP collector on
// a fixed interval. The caller owns Shutdown.
func NewMeterProvider(ctx context.Context, cfg ExportConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := make([]otlpmetrichttp.Option, 0, 2)
	if cfg.Collector != "" {
		opts = append(opts, otlpmetrichttp.WithEndpointURL(cfg.Collector))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	providerOpts := []sdkmetric.Option{
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, readerOpts...)),
	}
	if res != nil {
		providerOpts = append(providerOpts, sdkmetric.WithResource(res))
	}
	return sdkmetric.NewMeterProvider(providerOpts...), nil
}
