// Package timesync converts the monotonic timestamps carried by captured records
// (nanoseconds since boot, as read by bpf_ktime_get_ns) to wall-clock time.
//
// The boot time is read from /proc/stat. When that fails it is derived from the
// current offset between the wall clock and CLOCK_MONOTONIC.
package timesync
