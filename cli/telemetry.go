package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	bfotel "github.com/petal-labs/bestfirst/otel"
	"github.com/petal-labs/bestfirst/search"
)

const instrumentationName = "github.com/petal-labs/bestfirst"

// telemetry holds the OpenTelemetry pipeline of one command invocation.
// Every part is optional; a zero telemetry records nothing.
type telemetry struct {
	tracing  *bfotel.TracingHandler
	metrics  *bfotel.MetricsHandler
	observer *bfotel.EvaluatorObserver

	// metricsHandler serves the Prometheus scrape endpoint.
	metricsHandler http.Handler

	shutdownFuncs []func(context.Context) error
}

// setupTelemetry exports spans over OTLP/HTTP when otlpEndpoint is set and
// exposes metrics for Prometheus when withMetrics is true.
func setupTelemetry(ctx context.Context, otlpEndpoint string, withMetrics bool) (*telemetry, error) {
	t := &telemetry{}
	res := resource.NewSchemaless(attribute.String("service.name", "bestfirst"))

	var tp *sdktrace.TracerProvider
	if otlpEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown)
		t.tracing = bfotel.NewTracingHandler(tp.Tracer(instrumentationName))
	}

	if withMetrics {
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create prometheus exporter: %w", err), t.shutdown(ctx))
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		t.shutdownFuncs = append(t.shutdownFuncs, mp.Shutdown)
		t.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		meter := mp.Meter(instrumentationName)
		if t.metrics, err = bfotel.NewMetricsHandler(meter); err != nil {
			return nil, errors.Join(err, t.shutdown(ctx))
		}
		if tp != nil {
			t.observer, err = bfotel.NewEvaluatorObserver(meter, tp.Tracer(instrumentationName))
		} else {
			t.observer, err = bfotel.NewEvaluatorObserver(meter, nil)
		}
		if err != nil {
			return nil, errors.Join(err, t.shutdown(ctx))
		}
	}
	return t, nil
}

// handlers returns the event handlers of the enabled pipelines.
func (t *telemetry) handlers() []search.EventHandler {
	var out []search.EventHandler
	if t.tracing != nil {
		out = append(out, t.tracing.Handle)
	}
	if t.metrics != nil {
		out = append(out, t.metrics.Handle)
	}
	return out
}

// decorator stamps events with trace context when tracing is enabled.
func (t *telemetry) decorator() search.EventEmitterDecorator {
	if t.tracing == nil {
		return nil
	}
	return bfotel.Decorator(t.tracing)
}

// shutdown flushes and stops all providers.
func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdownFuncs = nil
	return errors.Join(errs...)
}
