// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/mrzor/usdt-capture/internal/config"
)

// exportTimeout bounds every export to the collector.
const exportTimeout = 10 * time.Second

// InitProvider creates a tracer provider exporting over OTLP/HTTP.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through Go's
// standard net/http transport. The collector is not contacted until the first
// batch is exported.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, log logrus.FieldLogger) (*sdktrace.TracerProvider, error) {
	endpoint := cfg.GetEndpoint()
	log.WithFields(logrus.Fields{
		"service":  cfg.ServiceName,
		"endpoint": endpoint.Value,
		"insecure": endpoint.Insecure,
	}).Info("Exporting events as OTLP/HTTP spans")

	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(exportTimeout),
	}
	if endpoint.URL {
		// Scheme, host and path all come from the URL.
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint.Value))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint.Value))
		if endpoint.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// NewResource describes this process: the service name plus OTEL_RESOURCE_ATTRIBUTES.
func NewResource(ctx context.Context, cfg *config.OTELConfig) (*resource.Resource, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithHost(),
		resource.WithProcessPID(),
	}
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	return res, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}
