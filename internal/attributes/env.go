package attributes

import (
	"github.com/mrzor/usdt-capture/internal/layout"
)

// Environment variable names visible to expressions.
const (
	VarMethod  = layout.FieldMethod
	VarEvent   = layout.FieldEvent
	VarKey     = layout.FieldKey
	VarTraceID = layout.FieldTraceID
	VarTS      = layout.FieldTS
	VarTid     = "tid"
	VarVersion = "version"
)

// TypeEnv is the environment expressions are type-checked against.
func TypeEnv() map[string]any {
	return map[string]any{
		VarMethod:  "",
		VarEvent:   "",
		VarKey:     "",
		VarTraceID: "",
		VarTS:      0,
		VarTid:     0,
		VarVersion: 0,
	}
}

// Env builds the evaluation environment for ev.
func Env(ev *layout.TraceEvent) map[string]any {
	return map[string]any{
		VarMethod:  ev.MethodText(),
		VarEvent:   ev.EventText(),
		VarKey:     ev.KeyText(),
		VarTraceID: ev.TraceIDText(),
		VarTS:      int(ev.Timestamp), //nolint:gosec // Monotonic ns since boot fit in int64
		VarTid:     int(ev.Tid),
		VarVersion: int(ev.Version),
	}
}
