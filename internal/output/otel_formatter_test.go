package output

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/usdt-capture/internal/attributes"
	"github.com/mrzor/usdt-capture/internal/config"
	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/procmeta"
	"github.com/mrzor/usdt-capture/internal/timesync"
)

var bootTime = time.Unix(1_700_000_000, 0)

func newTestFormatter(t *testing.T, customAttrs []config.CustomAttribute, traceIDExpr string) (*OTELFormatter, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	log, _ := test.NewNullLogger()
	f, err := NewOTELFormatter(tp.Tracer("test"), timesync.NewConverterAt(bootTime), nil, customAttrs, traceIDExpr, "", log)
	require.NoError(t, err)
	return f, recorder
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestOTELFormatterSpan(t *testing.T) {
	f, recorder := newTestFormatter(t, []config.CustomAttribute{{Name: "cache.user", Expression: `key`}}, "")

	require.NoError(t, f.HandleEvent(scenarioEvent(layout.V1)))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, "store", span.Name())
	assert.Equal(t, trace.SpanKindInternal, span.SpanKind())
	assert.Equal(t, bootTime.Add(81234567890*time.Nanosecond), span.StartTime())
	assert.Equal(t, span.StartTime(), span.EndTime())

	// "abc123" is not a hex trace ID: it is hashed, and the hash is stable.
	wantTraceID, hashed := attributes.TraceIDFromString("abc123")
	require.True(t, hashed)
	assert.Equal(t, wantTraceID, span.SpanContext().TraceID())
	assert.Equal(t, attributes.DerivedParentID(wantTraceID), span.Parent().SpanID())
	assert.True(t, span.Parent().IsRemote())

	attrs := attrMap(span.Attributes())
	assert.Equal(t, "store", attrs[AttrMethod].AsString())
	assert.Equal(t, "ok", attrs[AttrEvent].AsString())
	assert.Equal(t, "user:42", attrs[AttrKey].AsString())
	assert.Equal(t, "abc123", attrs[AttrTraceID].AsString())
	assert.Equal(t, int64(1), attrs[AttrLayoutVersion].AsInt64())
	assert.Equal(t, int64(81234567890), attrs[AttrMonotonicTS].AsInt64())
	assert.Equal(t, "user:42", attrs["cache.user"].AsString())
	assert.Equal(t, "abc123", attrs["_trace_id_expr_result"].AsString())
}

func TestOTELFormatterHexTraceID(t *testing.T) {
	f, recorder := newTestFormatter(t, nil, "")

	ev := scenarioEvent(layout.V2)
	copy(ev.TraceID, "4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, f.HandleEvent(ev))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	_, hasWarning := attrMap(spans[0].Attributes())["_trace_id_expr_result"]
	assert.False(t, hasWarning)
	_, hasTS := attrMap(spans[0].Attributes())[AttrMonotonicTS]
	assert.False(t, hasTS)
}

func TestOTELFormatterSameTraceGroupsEvents(t *testing.T) {
	f, recorder := newTestFormatter(t, nil, "")

	require.NoError(t, f.HandleEvent(scenarioEvent(layout.V2)))
	require.NoError(t, f.HandleEvent(scenarioEvent(layout.V2)))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext().TraceID(), spans[1].SpanContext().TraceID())
	assert.NotEqual(t, spans[0].SpanContext().SpanID(), spans[1].SpanContext().SpanID())
}

func TestOTELFormatterEmptyTraceIDIsRoot(t *testing.T) {
	f, recorder := newTestFormatter(t, nil, "")

	ev := scenarioEvent(layout.V2)
	clear(ev.TraceID)
	clear(ev.Method)
	require.NoError(t, f.HandleEvent(ev))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, defaultSpanName, spans[0].Name())
	assert.False(t, spans[0].Parent().IsValid())
	assert.True(t, spans[0].SpanContext().TraceID().IsValid())
}

func TestNewOTELFormatterRejectsBadExpressions(t *testing.T) {
	log, _ := test.NewNullLogger()
	tracer := sdktrace.NewTracerProvider().Tracer("test")
	conv := timesync.NewConverterAt(bootTime)

	_, err := NewOTELFormatter(tracer, conv, nil, []config.CustomAttribute{{Name: "x", Expression: "nope("}}, "", "", log)
	require.Error(t, err)
	_, err = NewOTELFormatter(tracer, conv, nil, nil, "nope(", "", log)
	require.Error(t, err)
	_, err = NewOTELFormatter(tracer, conv, nil, nil, "", "nope(", log)
	require.Error(t, err)
}

func TestOTELFormatterProcessAttributes(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "4242")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte("ccache\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte("Name:\tccache\nTgid:\t4200\n"), 0o644))
	require.NoError(t, os.Symlink("/usr/bin/ccache", filepath.Join(dir, "exe")))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	log, _ := test.NewNullLogger()
	f, err := NewOTELFormatter(tp.Tracer("test"), timesync.NewConverterAt(bootTime),
		procmeta.NewManager(root, 0), nil, "", "", log)
	require.NoError(t, err)

	ev := scenarioEvent(layout.V1)
	ev.Tid = 4242
	require.NoError(t, f.HandleEvent(ev))

	ev.Tid = 1 // gone: no process attributes, span still emitted
	require.NoError(t, f.HandleEvent(ev))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, int64(4200), attrs["process.pid"].AsInt64())
	assert.Equal(t, "ccache", attrs["thread.name"].AsString())
	assert.Equal(t, "/usr/bin/ccache", attrs["process.executable.path"].AsString())
	assert.Equal(t, "ccache", attrs["process.executable.name"].AsString())

	_, ok := attrMap(spans[1].Attributes())["process.pid"]
	assert.False(t, ok)
}
