package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/usdt-capture/internal/layout"
)

// DefaultTraceIDExpr takes the trace ID from the event's trace_id field.
const DefaultTraceIDExpr = VarTraceID

// TraceIDEvaluator handles evaluation and validation of trace ID expressions.
type TraceIDEvaluator struct {
	program *vm.Program
	rawExpr string
}

// NewTraceIDEvaluator creates a new trace ID evaluator. An empty exprStr uses
// DefaultTraceIDExpr.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	if exprStr == "" {
		exprStr = DefaultTraceIDExpr
	}

	program, err := expr.Compile(exprStr, expr.Env(TypeEnv()))
	if err != nil {
		return nil, fmt.Errorf("compiling trace-id expression: %w", err)
	}

	return &TraceIDEvaluator{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// EvaluateAndValidate evaluates the trace-id expression against ev.
// Returns the trace ID and any warnings to attach to the span. An empty result
// returns a zero trace ID: the caller lets the tracer pick a random one.
func (e *TraceIDEvaluator) EvaluateAndValidate(ev *layout.TraceEvent) (trace.TraceID, []attribute.KeyValue, error) {
	output, err := expr.Run(e.program, Env(ev))
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("evaluating trace-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)
	if resultStr == "" {
		return trace.TraceID{}, nil, nil
	}

	traceID, hashed := TraceIDFromString(resultStr)
	if !hashed {
		return traceID, nil, nil
	}

	warnings := []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
		attribute.String("_trace_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 32-char hex trace ID, used SHA-256 hash instead", resultStr)),
	}
	return traceID, warnings, nil
}

// TraceIDFromString parses s as a 32-char hex trace ID. Anything else is hashed
// with SHA-256 and the first 16 bytes used; hashed reports which path was taken.
func TraceIDFromString(s string) (id trace.TraceID, hashed bool) {
	if len(s) == 32 {
		if traceID, err := trace.TraceIDFromHex(s); err == nil {
			return traceID, false
		}
	}

	sum := sha256.Sum256([]byte(s))
	copy(id[:], sum[:16])
	return id, true
}

// ParentIDEvaluator handles evaluation and validation of parent span ID expressions.
type ParentIDEvaluator struct {
	program *vm.Program
	rawExpr string
}

// NewParentIDEvaluator creates a new parent ID evaluator.
// If exprStr is empty, parent IDs are always derived from the trace ID.
func NewParentIDEvaluator(exprStr string) (*ParentIDEvaluator, error) {
	if exprStr == "" {
		return &ParentIDEvaluator{}, nil
	}

	program, err := expr.Compile(exprStr, expr.Env(TypeEnv()))
	if err != nil {
		return nil, fmt.Errorf("compiling parent-id expression: %w", err)
	}

	return &ParentIDEvaluator{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// EvaluateAndValidate returns the parent span ID for ev within traceID.
// A result that is not a 16-char hex span ID falls back to DerivedParentID, with
// warnings describing the fallback.
func (e *ParentIDEvaluator) EvaluateAndValidate(ev *layout.TraceEvent, traceID trace.TraceID) (trace.SpanID, []attribute.KeyValue, error) {
	if e.program == nil {
		return DerivedParentID(traceID), nil, nil
	}

	output, err := expr.Run(e.program, Env(ev))
	if err != nil {
		return trace.SpanID{}, nil, fmt.Errorf("evaluating parent-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)
	if len(resultStr) == 16 {
		if spanID, err := trace.SpanIDFromHex(resultStr); err == nil && spanID.IsValid() {
			return spanID, nil, nil
		}
	}

	warnings := []attribute.KeyValue{
		attribute.String("_parent_id_expr_result", resultStr),
		attribute.String("_parent_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 16-char hex span ID, derived one from the trace ID instead", resultStr)),
	}
	return DerivedParentID(traceID), warnings, nil
}

// DerivedParentID is a stable, non-zero span ID for traceID.
func DerivedParentID(traceID trace.TraceID) trace.SpanID {
	sum := sha256.Sum256([]byte("parent:" + hex.EncodeToString(traceID[:])))

	var id trace.SpanID
	copy(id[:], sum[:8])
	if !id.IsValid() {
		id[7] = 1
	}
	return id
}
