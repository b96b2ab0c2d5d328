// Package config holds the runtime configuration of usdt-capture.
//
// Every setting has a USDT_CAPTURE_* environment variable; command-line flags
// override the environment. OpenTelemetry export keeps the standard OTEL_*
// variables (see OTELConfig).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mrzor/usdt-capture/internal/layout"
)

// CustomAttribute is a span attribute computed from each event by an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// ParseCustomAttribute parses NAME=EXPR. The expression may itself contain '='.
func ParseCustomAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q: expected NAME=EXPR", s)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: name cannot be empty", s)
	}
	if strings.TrimSpace(expression) == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: expression cannot be empty", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}

// ParseAttributeString parses semicolon-separated NAME=EXPR definitions.
// Empty sections are ignored.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	var attrs []CustomAttribute
	for _, section := range strings.Split(s, ";") {
		if strings.TrimSpace(section) == "" {
			continue
		}
		attr, err := ParseCustomAttribute(strings.TrimSpace(section))
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// Config holds the capture session configuration.
type Config struct {
	// Target is the executable image embedding the tracepoint.
	Target string `env:"USDT_CAPTURE_TARGET"`
	// Provider and Probe name the tracepoint.
	Provider string `env:"USDT_CAPTURE_PROVIDER" envDefault:"ccache"`
	Probe    string `env:"USDT_CAPTURE_PROBE" envDefault:"store"`
	// PID restricts capture to one process; 0 captures every process running Target.
	PID int `env:"USDT_CAPTURE_PID" envDefault:"0"`
	// Layout is the record layout name (v1, v2).
	Layout string `env:"USDT_CAPTURE_LAYOUT" envDefault:"v1"`
	// RingSize is the delivery channel capacity in bytes.
	RingSize int `env:"USDT_CAPTURE_RING_SIZE" envDefault:"262144"`
	// PollTimeout bounds each poll of the delivery channel.
	PollTimeout time.Duration `env:"USDT_CAPTURE_POLL_TIMEOUT" envDefault:"100ms"`
	// Filter is an expression selecting which events reach the sinks.
	Filter string `env:"USDT_CAPTURE_FILTER"`
	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string `env:"USDT_CAPTURE_METRICS_ADDR"`
	LogLevel    string `env:"USDT_CAPTURE_LOG_LEVEL" envDefault:"info"`
	// Watch re-attaches when the target image is replaced on disk.
	Watch bool `env:"USDT_CAPTURE_WATCH" envDefault:"true"`

	// OTLP forwards events as spans in addition to the text output.
	OTLP             bool              `env:"USDT_CAPTURE_OTLP" envDefault:"false"`
	TraceIDExpr      string            `env:"USDT_CAPTURE_TRACE_ID_EXPR"`
	ParentIDExpr     string            `env:"USDT_CAPTURE_PARENT_ID_EXPR"`
	Attributes       string            `env:"USDT_CAPTURE_ATTRIBUTES"`
	CustomAttributes []CustomAttribute `env:"-"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	attrs, err := ParseAttributeString(cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("parsing USDT_CAPTURE_ATTRIBUTES: %w", err)
	}
	cfg.CustomAttributes = attrs
	return &cfg, nil
}

// Validate checks the configuration is usable before anything is attached.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target executable path is required")
	}
	if c.Provider == "" || c.Probe == "" {
		return fmt.Errorf("provider and probe names are required")
	}
	if c.PID < 0 {
		return fmt.Errorf("pid must not be negative, got %d", c.PID)
	}
	if _, err := c.RecordLayout(); err != nil {
		return err
	}
	if c.RingSize <= 0 {
		return fmt.Errorf("ring size must be positive, got %d", c.RingSize)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %s", c.PollTimeout)
	}
	return nil
}

// RecordLayout returns the configured record layout.
func (c *Config) RecordLayout() (layout.Layout, error) {
	return layout.ByName(c.Layout)
}
