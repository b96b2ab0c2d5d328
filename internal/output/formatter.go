package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mrzor/usdt-capture/internal/layout"
)

// EventHandler is the interface for handling decoded trace events.
type EventHandler interface {
	HandleEvent(ev *layout.TraceEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ev *layout.TraceEvent) error

// HandleEvent calls fn(ev).
func (fn HandlerFunc) HandleEvent(ev *layout.TraceEvent) error {
	return fn(ev)
}

// TextFormatter writes each event as labeled lines:
//
//	method: store
//	event: ok
//	key: user:42
//	trace_id: abc123
//	ts: 81234567890
//
// The ts line is written only for layouts that carry a timestamp.
type TextFormatter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewTextFormatter creates a formatter writing to w.
func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{w: bufio.NewWriter(w)}
}

// HandleEvent writes ev and flushes, so every event is visible once handled.
func (f *TextFormatter) HandleEvent(ev *layout.TraceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(f.w, "%s: %s\n", layout.FieldMethod, ev.MethodText())
	fmt.Fprintf(f.w, "%s: %s\n", layout.FieldEvent, ev.EventText())
	fmt.Fprintf(f.w, "%s: %s\n", layout.FieldKey, ev.KeyText())
	fmt.Fprintf(f.w, "%s: %s\n", layout.FieldTraceID, ev.TraceIDText())
	if ev.HasTimestamp {
		fmt.Fprintf(f.w, "%s: %d\n", layout.FieldTS, ev.Timestamp)
	}

	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Multi dispatches every event to each handler in order. All handlers see every
// event; their errors are joined.
type Multi []EventHandler

// HandleEvent implements EventHandler.
func (m Multi) HandleEvent(ev *layout.TraceEvent) error {
	var errs []error
	for _, h := range m {
		if err := h.HandleEvent(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
