// Package output provides the sinks decoded trace events are dispatched to.
//
// Every sink implements EventHandler:
//   - TextFormatter: one "field: value" line per field, in wire order
//   - OTELFormatter: one OpenTelemetry span per event
//   - Multi: fan-out to several sinks
//   - Filtered: forwards only the events a Predicate accepts
//
// Sinks receive fully decoded events. Field text is already NUL-terminated and
// lossily decoded (see layout.Text); sinks never touch raw records.
package output
