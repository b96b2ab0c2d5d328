// Package capture implements the work done each time the tracepoint fires: read the
// four string arguments out of the target's address space into a fresh record,
// stamp it and hand it to the delivery channel without ever blocking.
//
// The kernel rendition is a BPF program assembled by BuildInstructions. Handler is the
// same algorithm in user space, over a ForeignReader and a Producer; it backs the
// selftest command and the tests.
package capture

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/timesync"
)

// ArgCount is the number of tracepoint arguments captured.
const ArgCount = 4

// ErrReadFault is wrapped by ForeignReader implementations when the source
// address cannot be read in full.
var ErrReadFault = errors.New("read fault")

// ForeignReader reads memory owned by another process. Implementations must
// return exactly n bytes or an error wrapping ErrReadFault; they never
// dereference the address directly.
type ForeignReader interface {
	ReadForeignBytes(addr uint64, n int) ([]byte, error)
}

// Producer is the producing side of the delivery channel.
type Producer interface {
	// TryPush enqueues rec without blocking and reports whether it was accepted.
	TryPush(rec []byte) bool
}

// Firing is one crossing of the tracepoint.
type Firing struct {
	Tid uint32
	// Args are the raw argument values: addresses in the target's address space.
	Args [ArgCount]uint64
}

// Stats counts handler outcomes.
type Stats struct {
	Emitted uint64
	Dropped uint64
	Faults  uint64
}

// Handler captures firings into records of a fixed layout.
type Handler struct {
	layout layout.Layout
	reader ForeignReader
	out    Producer
	clock  func() uint64

	emitted atomic.Uint64
	dropped atomic.Uint64
	faults  atomic.Uint64
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the clock used for the ts field. The default is
// CLOCK_MONOTONIC, the clock of kernel-captured records.
func WithClock(clock func() uint64) Option {
	return func(h *Handler) { h.clock = clock }
}

// NewHandler creates a handler. It is safe for concurrent use by many firing threads.
func NewHandler(l layout.Layout, reader ForeignReader, out Producer, opts ...Option) (*Handler, error) {
	if reader == nil || out == nil {
		return nil, fmt.Errorf("capture handler needs a reader and a producer")
	}
	h := &Handler{
		layout: l,
		reader: reader,
		out:    out,
		clock:  timesync.Monotonic,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Fire builds one record and pushes it. A field whose source cannot be read is
// left zero-filled and the remaining fields are still captured. A full channel
// drops the record. Fire reports whether the record was accepted.
func (h *Handler) Fire(f Firing) bool {
	ev := &layout.TraceEvent{Tid: f.Tid}
	dst := []*[]byte{&ev.Method, &ev.Event, &ev.Key, &ev.TraceID}

	for i, field := range h.layout.Fields() {
		b, err := h.reader.ReadForeignBytes(f.Args[i], field.Width)
		if err != nil || len(b) != field.Width {
			h.faults.Add(1)
			continue
		}
		*dst[i] = b
	}
	if h.layout.Timestamp {
		ev.Timestamp = h.clock()
	}
	if !h.out.TryPush(h.layout.Encode(ev)) {
		h.dropped.Add(1)
		return false
	}
	h.emitted.Add(1)
	return true
}

// Stats returns a snapshot of the handler counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Emitted: h.emitted.Load(),
		Dropped: h.dropped.Load(),
		Faults:  h.faults.Load(),
	}
}
