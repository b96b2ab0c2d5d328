package output

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/usdt-capture/internal/attributes"
	"github.com/mrzor/usdt-capture/internal/config"
	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/procmeta"
	"github.com/mrzor/usdt-capture/internal/timesync"
)

// Span attribute keys.
const (
	AttrMethod        = attribute.Key("usdt.method")
	AttrEvent         = attribute.Key("usdt.event")
	AttrKey           = attribute.Key("usdt.key")
	AttrTraceID       = attribute.Key("usdt.trace_id")
	AttrLayoutVersion = attribute.Key("usdt.layout_version")
	AttrMonotonicTS   = attribute.Key("usdt.ts_ns")
)

// defaultSpanName is used for events with an empty method.
const defaultSpanName = "usdt.event"

// OTELFormatter forwards events as OpenTelemetry spans.
//
// Each event becomes one zero-duration span. Its trace ID comes from the
// trace-id expression (by default the event's own trace_id field) and it hangs
// under a remote parent from the parent-id expression, so events sharing a
// trace_id are grouped in one trace.
type OTELFormatter struct {
	tracer    trace.Tracer
	converter *timesync.Converter
	meta      *procmeta.Manager
	evaluator *attributes.Evaluator
	traceIDs  *attributes.TraceIDEvaluator
	parentIDs *attributes.ParentIDEvaluator
	log       logrus.FieldLogger
}

// NewOTELFormatter creates a new OTELFormatter. meta may be nil, in which case
// spans carry no process attributes.
func NewOTELFormatter(
	tracer trace.Tracer,
	converter *timesync.Converter,
	meta *procmeta.Manager,
	customAttrs []config.CustomAttribute,
	traceIDExpr string,
	parentIDExpr string,
	log logrus.FieldLogger,
) (*OTELFormatter, error) {
	evaluator, err := attributes.NewEvaluator(customAttrs, log)
	if err != nil {
		return nil, err
	}
	traceIDs, err := attributes.NewTraceIDEvaluator(traceIDExpr)
	if err != nil {
		return nil, err
	}
	parentIDs, err := attributes.NewParentIDEvaluator(parentIDExpr)
	if err != nil {
		return nil, err
	}

	return &OTELFormatter{
		tracer:    tracer,
		converter: converter,
		meta:      meta,
		evaluator: evaluator,
		traceIDs:  traceIDs,
		parentIDs: parentIDs,
		log:       log,
	}, nil
}

// HandleEvent emits one span for ev.
func (f *OTELFormatter) HandleEvent(ev *layout.TraceEvent) error {
	traceID, warnings, err := f.traceIDs.EvaluateAndValidate(ev)
	if err != nil {
		return fmt.Errorf("computing trace ID: %w", err)
	}

	ctx := context.Background()
	if traceID.IsValid() {
		parentID, parentWarnings, err := f.parentIDs.EvaluateAndValidate(ev, traceID)
		if err != nil {
			return fmt.Errorf("computing parent span ID: %w", err)
		}
		warnings = append(warnings, parentWarnings...)

		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	at := time.Now()
	if ev.HasTimestamp {
		at = f.converter.MonotonicToWallClock(ev.Timestamp)
	}

	name := ev.MethodText()
	if name == "" {
		name = defaultSpanName
	}

	attrs := []attribute.KeyValue{
		AttrMethod.String(ev.MethodText()),
		AttrEvent.String(ev.EventText()),
		AttrKey.String(ev.KeyText()),
		AttrTraceID.String(ev.TraceIDText()),
		AttrLayoutVersion.Int(int(ev.Version)),
		semconv.ThreadID(int(ev.Tid)),
	}
	if ev.HasTimestamp {
		attrs = append(attrs, AttrMonotonicTS.Int64(int64(ev.Timestamp))) //nolint:gosec // Monotonic ns fit in int64
	}
	attrs = append(attrs, f.processAttributes(ev.Tid)...)
	attrs = append(attrs, warnings...)
	attrs = append(attrs, f.evaluator.EvaluateCustomAttributes(ev)...)

	_, span := f.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(at),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(at))
	return nil
}

// processAttributes describes the firing thread's process. Threads that are
// gone by the time the event is handled get none.
func (f *OTELFormatter) processAttributes(tid uint32) []attribute.KeyValue {
	if f.meta == nil {
		return nil
	}
	md, err := f.meta.Resolve(tid)
	if err != nil {
		f.log.WithError(err).WithField("tid", tid).Debug("No process metadata")
		return nil
	}

	attrs := []attribute.KeyValue{
		semconv.ProcessPID(int(md.Pid)),
		semconv.ThreadName(md.Comm),
	}
	if md.Exe != "" {
		attrs = append(attrs,
			semconv.ProcessExecutablePath(md.Exe),
			semconv.ProcessExecutableName(filepath.Base(md.Exe)),
		)
	}
	return attrs
}
