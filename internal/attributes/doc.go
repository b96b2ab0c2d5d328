// Package attributes evaluates expressions against captured trace events to
// produce span attributes, trace IDs, and parent span IDs.
//
// Expressions use the expr language. Every expression sees the same environment,
// built by Env from one decoded event:
//
//	method, event, key, trace_id  string  (field text, NUL-terminated, lossy UTF-8)
//	ts                            int     (monotonic ns, 0 when the layout has none)
//	tid                           int     (firing thread)
//	version                       int     (layout version)
//
// Three evaluators:
//   - Evaluator: custom attribute expressions
//   - TraceIDEvaluator: trace ID expressions (32 hex chars), default `trace_id`
//   - ParentIDEvaluator: parent span ID expressions (16 hex chars)
//
// Invalid trace IDs are hashed with SHA-256 to produce valid IDs. An invalid or
// absent parent ID is derived from the trace ID, so every event of one trace
// hangs under the same remote parent.
package attributes
