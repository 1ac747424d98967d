package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Telemetry はトレースとログのエクスポーターをまとめたものです。
// Endpoint が空の場合はどちらも作らず、Shutdown は何もしません。
type Telemetry struct {
	serviceName    string
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
}

func Setup(ctx context.Context, serviceName, endpoint string) (*Telemetry, error) {
	t := &Telemetry{serviceName: serviceName}
	if endpoint == "" {
		return t, nil
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, errors.Join(err, t.tracerProvider.Shutdown(ctx))
	}
	t.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	return t, nil
}

func (t *Telemetry) Enabled() bool { return t.tracerProvider != nil }

// LogHandler はエクスポートが有効ならOTLPへ送るハンドラを、そうでなければ fallback を返します。
func (t *Telemetry) LogHandler(fallback slog.Handler) slog.Handler {
	if t.loggerProvider == nil {
		return fallback
	}
	return otelslog.NewHandler(t.serviceName, otelslog.WithLoggerProvider(t.loggerProvider))
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	if t.loggerProvider != nil {
		errs = append(errs, t.loggerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
