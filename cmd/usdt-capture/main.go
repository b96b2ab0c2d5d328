// usdt-capture attaches to a USDT tracepoint in a running program and prints
// the string arguments of every firing, optionally forwarding them as
// OpenTelemetry spans.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/usdt-capture/internal/bpfloader"
	"github.com/mrzor/usdt-capture/internal/config"
	"github.com/mrzor/usdt-capture/internal/eventstream"
	"github.com/mrzor/usdt-capture/internal/filter"
	"github.com/mrzor/usdt-capture/internal/logging"
	"github.com/mrzor/usdt-capture/internal/metrics"
	"github.com/mrzor/usdt-capture/internal/otel"
	"github.com/mrzor/usdt-capture/internal/output"
	"github.com/mrzor/usdt-capture/internal/procmeta"
	"github.com/mrzor/usdt-capture/internal/timesync"
	"github.com/mrzor/usdt-capture/internal/usdt"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

// newRootCmd builds the command line. Flag defaults come from cfg, so the
// environment configures and flags override.
func newRootCmd(cfg *config.Config) *cobra.Command {
	var attrFlags []string

	cmd := &cobra.Command{
		Use:   "usdt-capture [flags] TARGET",
		Short: "Capture the string arguments of a USDT tracepoint",
		Long: `usdt-capture attaches to a USDT tracepoint (by default ccache:store) in the
executable TARGET and prints one block per firing on stdout:

  method: <text>
  event: <text>
  key: <text>
  trace_id: <text>
  ts: <monotonic ns>

Logs go to stderr. Send SIGINT or SIGTERM to stop.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:          targetArgs(cfg),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.Target = args[0]
			}
			for _, s := range attrFlags {
				attr, err := config.ParseCustomAttribute(s)
				if err != nil {
					return err
				}
				cfg.CustomAttributes = append(cfg.CustomAttributes, attr)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Provider, "provider", cfg.Provider, "tracepoint provider")
	f.StringVar(&cfg.Probe, "probe", cfg.Probe, "tracepoint name")
	f.IntVar(&cfg.PID, "pid", cfg.PID, "only capture firings in this process (0 for every process)")
	f.StringVar(&cfg.Layout, "layout", cfg.Layout, "record layout (v1, v2)")
	f.IntVar(&cfg.RingSize, "ring-size", cfg.RingSize, "delivery channel capacity in bytes")
	f.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "upper bound on one wait for events")
	f.StringVar(&cfg.Filter, "filter", cfg.Filter, "only output events matching this expression")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.BoolVar(&cfg.Watch, "watch", cfg.Watch, "re-attach when the target image is replaced")
	f.BoolVar(&cfg.OTLP, "otlp", cfg.OTLP, "also export events as OpenTelemetry spans")
	f.StringVar(&cfg.TraceIDExpr, "trace-id-expr", cfg.TraceIDExpr, "expression computing the span trace ID")
	f.StringVar(&cfg.ParentIDExpr, "parent-id-expr", cfg.ParentIDExpr, "expression computing the span parent ID")
	f.StringArrayVarP(&attrFlags, "attribute", "a", nil, "custom span attribute NAME=EXPR (repeatable)")

	cmd.AddCommand(newSelftestCmd())
	return cmd
}

// targetArgs accepts the target as the single positional argument, or none
// when USDT_CAPTURE_TARGET provides it.
func targetArgs(cfg *config.Config) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && cfg.Target == "" {
			return fmt.Errorf("missing TARGET executable")
		}
		return cobra.MaximumNArgs(1)(cmd, args)
	}
}

func run(parent context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	l, err := cfg.RecordLayout()
	if err != nil {
		return err
	}

	if err := usdt.CheckPrivileges(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting usdt-capture")

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	loader, err := bpfloader.New(bpfloader.Options{
		Probe: usdt.Probe{
			Path:     cfg.Target,
			Provider: cfg.Provider,
			Name:     cfg.Probe,
			PID:      cfg.PID,
		},
		Layout:   l,
		RingSize: cfg.RingSize,
		Watch:    cfg.Watch,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := loader.Close(); err != nil {
			log.WithError(err).Warn("Releasing BPF resources")
		}
	}()

	if err := loader.Attach(ctx); err != nil {
		return err
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		return err
	}
	defer func() {
		// Run closes the reader on cancellation; a second close is harmless.
		_ = rd.Close() //nolint:errcheck // Already closed on the normal path
	}()

	handler, cleanup, err := setupSinks(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	stream := eventstream.New(rd, handler, log,
		eventstream.WithDropCounter(loader.DroppedEvents, metrics.SetKernelDropped))

	metrics.SetUp(true)
	defer metrics.SetUp(false)

	log.WithField("probe", fmt.Sprintf("%s:%s", cfg.Provider, cfg.Probe)).Info("Capturing, press Ctrl-C to stop")
	if err := stream.Run(ctx, cfg.PollTimeout); err != nil {
		return err
	}

	st := stream.Stats()
	log.WithFields(logrus.Fields{
		"received":       st.Received,
		"decoded":        st.Decoded,
		"decode_errors":  st.DecodeErrors,
		"handler_errors": st.HandlerErrors,
	}).Info("Stopped")
	return nil
}

// setupSinks builds the handler chain: the optional filter in front of the
// text output and, with OTLP enabled, the span exporter.
func setupSinks(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (output.EventHandler, func(), error) {
	sinks := output.Multi{output.NewTextFormatter(os.Stdout)}
	cleanup := func() {}

	if cfg.OTLP {
		tracer, shutdown, err := setupOTEL(ctx, log)
		if err != nil {
			return nil, nil, err
		}
		spans, err := output.NewOTELFormatter(
			tracer,
			timesync.NewConverter(log),
			procmeta.NewManager(procmeta.DefaultProcRoot, procmeta.DefaultMaxEntries),
			cfg.CustomAttributes,
			cfg.TraceIDExpr,
			cfg.ParentIDExpr,
			log,
		)
		if err != nil {
			shutdown()
			return nil, nil, fmt.Errorf("failed to create OTEL formatter: %w", err)
		}
		sinks = append(sinks, spans)
		cleanup = shutdown
	}

	var handler output.EventHandler = sinks
	if cfg.Filter != "" {
		f, err := filter.New(cfg.Filter)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		log.WithField("filter", f.String()).Info("Filtering events")
		handler = output.NewFiltered(f, sinks, log)
	}
	return handler, cleanup, nil
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(ctx context.Context, log logrus.FieldLogger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	tp, err := otel.InitProvider(ctx, otelCfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			log.WithError(err).Warn("Shutting down OTEL provider")
		}
	}

	return tp.Tracer("usdt-capture"), cleanup, nil
}

// describe turns setup failures into an actionable message.
func describe(err error) string {
	var permErr *usdt.PermissionError
	var notFound *usdt.ProbeNotFoundError
	var attachErr *usdt.AttachError
	switch {
	case errors.As(err, &permErr):
		return fmt.Sprintf("%v\nRun as root or grant CAP_BPF and CAP_PERFMON.", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%v\nList the tracepoints of the binary with `readelf -n %s`.", err, notFound.Path)
	case errors.As(err, &attachErr):
		return fmt.Sprintf("attaching failed: %v", err)
	default:
		return err.Error()
	}
}
