// Package layout defines the binary record exchanged between the in-kernel capture
// program and the user-space consumer.
//
// Every record starts with an 8-byte header carrying the layout version, the total
// record length and the id of the thread that fired the tracepoint. The fixed-width
// fields follow in wire order (method, event, key, trace_id), then zero padding up
// to 8-byte alignment and, for layouts that carry one, the monotonic timestamp.
//
// The header makes the record self-describing: a consumer that receives a version
// it does not know, or a length that disagrees with the registered layout, rejects
// the record instead of silently misreading it.
package layout

import (
	"errors"
	"fmt"
	"sort"
)

// HeaderSize is the size in bytes of the record header.
const HeaderSize = 8

// Header field offsets.
const (
	versionOffset = 0
	lengthOffset  = 2
	tidOffset     = 4
)

// Field names in wire order.
const (
	FieldMethod  = "method"
	FieldEvent   = "event"
	FieldKey     = "key"
	FieldTraceID = "trace_id"
	FieldTS      = "ts"
)

// ErrLayoutMismatch is returned when a raw record does not match any registered layout.
var ErrLayoutMismatch = errors.New("record does not match a known layout")

// Layout describes one version of the wire record.
type Layout struct {
	Version    uint16
	Name       string
	MethodLen  int
	EventLen   int
	KeyLen     int
	TraceIDLen int
	Timestamp  bool
}

// Field is one fixed-width region of a record.
type Field struct {
	Name   string
	Offset int
	Width  int
}

// V1 matches the bcc probe the tracer was first written against.
var V1 = Layout{
	Version:    1,
	Name:       "v1",
	MethodLen:  10,
	EventLen:   4,
	KeyLen:     64,
	TraceIDLen: 64,
	Timestamp:  true,
}

// V2 matches the zero-padded event struct the target passes to the tracepoint.
var V2 = Layout{
	Version:    2,
	Name:       "v2",
	MethodLen:  32,
	EventLen:   16,
	KeyLen:     32,
	TraceIDLen: 32,
}

var registry = map[uint16]Layout{
	V1.Version: V1,
	V2.Version: V2,
}

// Lookup returns the layout registered for version.
func Lookup(version uint16) (Layout, bool) {
	l, ok := registry[version]
	return l, ok
}

// ByName returns the layout registered under name ("v1", "v2").
func ByName(name string) (Layout, error) {
	for _, l := range registry {
		if l.Name == name {
			return l, nil
		}
	}
	return Layout{}, fmt.Errorf("unknown layout %q (known: %v)", name, Names())
}

// Names lists registered layout names in version order.
func Names() []string {
	versions := make([]int, 0, len(registry))
	for v := range registry {
		versions = append(versions, int(v))
	}
	sort.Ints(versions)

	names := make([]string, 0, len(versions))
	for _, v := range versions {
		names = append(names, registry[uint16(v)].Name)
	}
	return names
}

// Fields returns the string fields of the record in wire order.
func (l Layout) Fields() []Field {
	off := HeaderSize
	widths := []struct {
		name  string
		width int
	}{
		{FieldMethod, l.MethodLen},
		{FieldEvent, l.EventLen},
		{FieldKey, l.KeyLen},
		{FieldTraceID, l.TraceIDLen},
	}

	fields := make([]Field, 0, len(widths))
	for _, w := range widths {
		fields = append(fields, Field{Name: w.name, Offset: off, Width: w.width})
		off += w.width
	}
	return fields
}

// payloadEnd is the offset right after the last string field.
func (l Layout) payloadEnd() int {
	return HeaderSize + l.MethodLen + l.EventLen + l.KeyLen + l.TraceIDLen
}

// TimestampOffset returns the offset of the ts field, or -1 when the layout has none.
func (l Layout) TimestampOffset() int {
	if !l.Timestamp {
		return -1
	}
	return align8(l.payloadEnd())
}

// Size is the total record size in bytes.
func (l Layout) Size() int {
	if l.Timestamp {
		return l.TimestampOffset() + 8
	}
	return align8(l.payloadEnd())
}

// Padding returns the zero-filled gaps of the record as (offset, length) pairs.
func (l Layout) Padding() [][2]int {
	end := l.payloadEnd()
	if gap := align8(end) - end; gap > 0 {
		return [][2]int{{end, gap}}
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("%s(method=%d event=%d key=%d trace_id=%d ts=%t size=%d)",
		l.Name, l.MethodLen, l.EventLen, l.KeyLen, l.TraceIDLen, l.Timestamp, l.Size())
}

func align8(n int) int {
	return (n + 7) &^ 7
}
