package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// synthesisLatencyBuckets covers engine calls from tens of milliseconds to a
// minute.
var synthesisLatencyBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
}

func setupTelemetry(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*telemetry, error) {
	res, err := newResource(ctx, cfg, version)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	mp, handler := newMeterProvider(res, logger)
	otel.SetMeterProvider(mp)

	return &telemetry{tracer: tp, meter: mp, metrics: handler}, nil
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

// newResource describes this process: which runtime, where, and in which
// role, so spans and series from API and worker processes can be told apart.
func newResource(ctx context.Context, cfg config.Config, version string) (*resource.Resource, error) {
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = uuid.NewString()
	}
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(instance),
			semconv.DeploymentEnvironmentName(cfg.Environment),
			attribute.String("loqa.engine.mode", cfg.Engine.Mode),
			attribute.Bool("loqa.api.enabled", cfg.API.Enabled),
			attribute.Bool("loqa.worker.enabled", cfg.Worker.Enabled),
		),
	)
}

func newSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		logger = logger.With(slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	} else {
		// Logs own stdout.
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		logger = logger.With(slog.String("exporter", "stdout"))
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.TraceSampleRatio)),
	)
	logger.Info("telemetry initialized", slog.Float64("sample_ratio", cfg.TraceSampleRatio))
	return tp, nil
}

// newMeterProvider falls back to a provider without a reader when the
// Prometheus exporter cannot register; the handler is nil in that case.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	view := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "loqa.tts.synthesis.duration"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: synthesisLatencyBuckets,
		}},
	)
	exporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithView(view)), nil
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(view),
	), promhttp.Handler()
}
