package otelcol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/otelcol/exporters"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		NewResource,
		NewTracerProvider,
		NewMeterProvider,
	),
)

func NewResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
}

func defaultTraceProviderOption(res *resource.Resource) []sdktrace.TracerProviderOption {
	return []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
}

func ProvideTrace(exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	if len(opts) == 0 {
		opts = defaultTraceProviderOption(resource.Default())
	}

	opts = append(opts, sdktrace.WithBatcher(exporter))

	return sdktrace.NewTracerProvider(opts...)
}

// NewTracerProvider exports spans over OTLP when OTEL.ADDR is set and falls
// back to the global provider otherwise.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config, res *resource.Resource) (trace.TracerProvider, error) {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider(), nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Otel.Protocol {
	case "http":
		exporter, err = exporters.ProvideHttp(cfg)
	default:
		exporter, err = exporters.ProvideGrpc(cfg)
	}
	if err != nil {
		return nil, err
	}

	tp := ProvideTrace(exporter, defaultTraceProviderOption(res)...)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[Otel] flushing tracer provider")
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

func ProvideMetric(res *resource.Resource, opts ...sdkmetric.Option) *sdkmetric.MeterProvider {
	opts = append(opts, sdkmetric.WithResource(res))
	return sdkmetric.NewMeterProvider(opts...)
}

func NewMeterProvider(lc fx.Lifecycle, cfg *config.Config, res *resource.Resource) metric.MeterProvider {
	if cfg.Otel.Addr == "" {
		return otel.GetMeterProvider()
	}

	mp := ProvideMetric(res)
	otel.SetMeterProvider(mp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})

	return mp
}
