package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/usdt-capture/internal/layout"
)

func event() *layout.TraceEvent {
	return &layout.TraceEvent{
		Version:      1,
		Tid:          7,
		Method:       []byte("store\x00\x00\x00\x00\x00"),
		Event:        []byte("ok\x00\x00"),
		Key:          []byte("user:42"),
		TraceID:      []byte("abc123"),
		Timestamp:    5000,
		HasTimestamp: true,
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`method == "store"`, true},
		{`method == "store" && event != "ok"`, false},
		{`key startsWith "user:"`, true},
		{`trace_id matches "^[a-f0-9]+$"`, true},
		{`tid == 7 && version == 1`, true},
		{`ts > 10000`, false},
		{`len(key) == 7`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := New(tt.expr)
			require.NoError(t, err)
			got, err := f.Match(event())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsInvalidExpressions(t *testing.T) {
	for _, src := range []string{
		`method ==`,
		`method`,    // not a bool
		`pid == 1`,  // unknown variable
		`tid + "x"`, // type mismatch
	} {
		t.Run(src, func(t *testing.T) {
			_, err := New(src)
			require.Error(t, err)
		})
	}
}

func TestMatchRuntimeError(t *testing.T) {
	f, err := New(`[1, 2][tid] == 1`)
	require.NoError(t, err)

	_, err = f.Match(event())
	require.Error(t, err)
	assert.Contains(t, err.Error(), f.String())
}
