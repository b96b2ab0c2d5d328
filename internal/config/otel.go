package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// OTELConfig holds OpenTelemetry configuration from environment variables
type OTELConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"usdt-capture"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:""`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" envDefault:""`
	Insecure           bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
}

// ParseOTELConfig parses OTEL configuration from environment variables
func ParseOTELConfig() (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing OTEL config: %w", err)
	}
	return &cfg, nil
}

// tracesPath is appended to OTEL_EXPORTER_OTLP_ENDPOINT, which names the
// collector base URL shared by every signal.
const tracesPath = "/v1/traces"

// Endpoint is where traces are exported to.
type Endpoint struct {
	// Value is a full URL when URL is set, else host:port.
	Value    string
	URL      bool
	Insecure bool
}

// GetEndpoint resolves the traces endpoint.
// Priority: OTEL_EXPORTER_OTLP_TRACES_ENDPOINT > OTEL_EXPORTER_OTLP_ENDPOINT > default.
// A traces endpoint with a scheme is used as is, path included. A base endpoint
// with a scheme gets /v1/traces appended. Without a scheme either one is a
// host:port and OTEL_EXPORTER_OTLP_INSECURE selects transport security.
func (c *OTELConfig) GetEndpoint() Endpoint {
	switch {
	case c.TracesEndpoint != "":
		if hasScheme(c.TracesEndpoint) {
			return Endpoint{Value: c.TracesEndpoint, URL: true, Insecure: isHTTP(c.TracesEndpoint)}
		}
		return Endpoint{Value: strings.TrimSuffix(c.TracesEndpoint, "/"), Insecure: c.Insecure}
	case c.ExporterEndpoint != "":
		if hasScheme(c.ExporterEndpoint) {
			base := strings.TrimSuffix(c.ExporterEndpoint, "/")
			return Endpoint{Value: base + tracesPath, URL: true, Insecure: isHTTP(base)}
		}
		return Endpoint{Value: strings.TrimSuffix(c.ExporterEndpoint, "/"), Insecure: c.Insecure}
	default:
		return Endpoint{Value: "localhost:4318", Insecure: c.Insecure}
	}
}

func hasScheme(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://")
}

// ParseResourceAttributes parses the OTEL_RESOURCE_ATTRIBUTES string
// Format: key1=value1,key2=value2
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	if c.ResourceAttributes == "" {
		return nil
	}

	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
		}
	}
	return attrs
}
