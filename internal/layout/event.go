package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// TraceEvent is one decoded record. Byte fields hold the raw fixed-width bytes,
// trailing zero padding included.
type TraceEvent struct {
	Version      uint16
	Tid          uint32
	Method       []byte
	Event        []byte
	Key          []byte
	TraceID      []byte
	Timestamp    uint64
	HasTimestamp bool
}

// MethodText returns the method field as text.
func (e *TraceEvent) MethodText() string { return Text(e.Method) }

// EventText returns the event field as text.
func (e *TraceEvent) EventText() string { return Text(e.Event) }

// KeyText returns the key field as text.
func (e *TraceEvent) KeyText() string { return Text(e.Key) }

// TraceIDText returns the trace_id field as text.
func (e *TraceEvent) TraceIDText() string { return Text(e.TraceID) }

// Encode serializes ev into a record of l.Size() bytes. Byte fields longer than
// their width are truncated, shorter ones are zero padded. The version and length
// in the header always come from l.
func (l Layout) Encode(ev *TraceEvent) []byte {
	buf := make([]byte, l.Size())
	binary.NativeEndian.PutUint16(buf[versionOffset:], l.Version)
	binary.NativeEndian.PutUint16(buf[lengthOffset:], uint16(l.Size()))
	binary.NativeEndian.PutUint32(buf[tidOffset:], ev.Tid)

	values := [][]byte{ev.Method, ev.Event, ev.Key, ev.TraceID}
	for i, f := range l.Fields() {
		copy(buf[f.Offset:f.Offset+f.Width], values[i])
	}

	if l.Timestamp {
		binary.NativeEndian.PutUint64(buf[l.TimestampOffset():], ev.Timestamp)
	}
	return buf
}

// Decode parses a raw record. The layout is picked from the version in the header
// and the record length must match it exactly.
func Decode(raw []byte) (*TraceEvent, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrLayoutMismatch, len(raw))
	}

	version := binary.NativeEndian.Uint16(raw[versionOffset:])
	l, ok := Lookup(version)
	if !ok {
		return nil, fmt.Errorf("%w: unknown version %d", ErrLayoutMismatch, version)
	}

	length := int(binary.NativeEndian.Uint16(raw[lengthOffset:]))
	if length != l.Size() || len(raw) < length {
		return nil, fmt.Errorf("%w: %s expects %d bytes, header says %d, got %d",
			ErrLayoutMismatch, l.Name, l.Size(), length, len(raw))
	}

	ev := &TraceEvent{
		Version: version,
		Tid:     binary.NativeEndian.Uint32(raw[tidOffset:]),
	}

	dst := []*[]byte{&ev.Method, &ev.Event, &ev.Key, &ev.TraceID}
	for i, f := range l.Fields() {
		*dst[i] = bytes.Clone(raw[f.Offset : f.Offset+f.Width])
	}

	if l.Timestamp {
		ev.Timestamp = binary.NativeEndian.Uint64(raw[l.TimestampOffset():])
		ev.HasTimestamp = true
	}
	return ev, nil
}

// Text renders a fixed-width field: bytes up to the first NUL, decoded as UTF-8
// with each invalid byte replaced by U+FFFD. It never fails.
func Text(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}

	out, err := unicode.UTF8.NewDecoder().Bytes(field)
	if err != nil {
		return string(bytes.ToValidUTF8(field, []byte("\uFFFD")))
	}
	return string(out)
}
