package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const meterName = "pivot-rag"

type TelemetryConfig struct {
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	Insecure          bool    `yaml:"insecure"`
	SampleRatio       float64 `yaml:"sample_ratio"`
	ExportIntervalSec int     `yaml:"export_interval_sec"`
}

// InitTelemetry installs global trace and meter providers that export over OTLP/gRPC.
// With no endpoint configured the global no-op providers stay in place.
func InitTelemetry(ctx context.Context, cfg TelemetryConfig) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(meterName)),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.ExportIntervalSec > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(time.Duration(cfg.ExportIntervalSec)*time.Second))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Metrics records ingestion and retrieval counters. A nil *Metrics records nothing.
type Metrics struct {
	filesProcessed metric.Int64Counter
	chunksWritten  metric.Int64Counter
	chunksCut      metric.Int64Counter
	searches       metric.Int64Counter
	searchDuration metric.Float64Histogram
}

func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	filesProcessed, err := meter.Int64Counter(
		"ingest.files.total",
		metric.WithDescription("Files processed by ingestion, by outcome status"),
	)
	if err != nil {
		return nil, err
	}

	chunksWritten, err := meter.Int64Counter(
		"ingest.chunks.written",
		metric.WithDescription("Chunks written to the vector store"),
	)
	if err != nil {
		return nil, err
	}

	chunksCut, err := meter.Int64Counter(
		"ingest.chunks.truncated",
		metric.WithDescription("Chunks whose text was cut to the store limit"),
	)
	if err != nil {
		return nil, err
	}

	searches, err := meter.Int64Counter(
		"retrieval.searches.total",
		metric.WithDescription("Search requests, by result"),
	)
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram(
		"retrieval.search.duration",
		metric.WithDescription("Search duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		filesProcessed: filesProcessed,
		chunksWritten:  chunksWritten,
		chunksCut:      chunksCut,
		searches:       searches,
		searchDuration: searchDuration,
	}, nil
}

func (m *Metrics) RecordIngest(ctx context.Context, out IngestOutcome, collection string) {
	if m == nil {
		return
	}

	m.filesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(out.Status)),
		attribute.String("logical_collection", collection),
	))
	if out.Chunks > 0 {
		m.chunksWritten.Add(ctx, int64(out.Chunks))
	}
	if out.Truncated > 0 {
		m.chunksCut.Add(ctx, int64(out.Truncated))
	}
}

func (m *Metrics) RecordSearch(ctx context.Context, started time.Time, results int, err error) {
	if m == nil {
		return
	}

	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case results == 0:
		result = "empty"
	}

	attrs := metric.WithAttributes(attribute.String("result", result))
	m.searches.Add(ctx, 1, attrs)
	m.searchDuration.Record(ctx, time.Since(started).Seconds(), attrs)
}
