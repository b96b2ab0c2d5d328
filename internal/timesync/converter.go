package timesync

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a converter from the system boot time.
func NewConverter(log logrus.FieldLogger) *Converter {
	bootTime, err := getSystemBootTime()
	if err != nil {
		bootTime = time.Now().Add(-time.Duration(Monotonic())) //nolint:gosec // Uptime fits in int64
		log.WithError(err).WithField("boot_time", bootTime).Warn("Boot time unavailable, deriving it from CLOCK_MONOTONIC")
	}
	return NewConverterAt(bootTime)
}

// NewConverterAt creates a converter for a known boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// Monotonic reads CLOCK_MONOTONIC in nanoseconds, the clock bpf_ktime_get_ns uses.
func Monotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano()) //nolint:gosec // CLOCK_MONOTONIC is never negative
}

// getSystemBootTime reads the system boot time from /proc/stat.
func getSystemBootTime() (time.Time, error) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, fmt.Errorf("opening /proc/stat: %w", err)
	}
	defer func() {
		_ = file.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	return parseBootTime(file)
}

// parseBootTime extracts the btime line of a /proc/stat document.
func parseBootTime(r io.Reader) (time.Time, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "btime" {
			continue
		}
		bootTimeSec, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing btime: %w", err)
		}
		return time.Unix(bootTimeSec, 0), nil
	}

	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("reading /proc/stat: %w", err)
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}
