package delivery

import (
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
)

// KernelChannel is the in-kernel rendition of the delivery channel: a BPF ring
// buffer the capture program reserves records in, and a per-CPU counter it bumps
// when a reservation fails.
type KernelChannel struct {
	Events *ebpf.Map
	Drops  *ebpf.Map
}

// RingBufferSize rounds requested up to a size the kernel accepts for a ring
// buffer map: a power of two and a multiple of the page size.
func RingBufferSize(requested int) int {
	size := os.Getpagesize()
	if requested > size {
		size = 1 << bits.Len(uint(requested-1))
	}
	return size
}

// NewKernelChannel creates the ring buffer and drop counter maps. size is
// rounded with RingBufferSize.
func NewKernelChannel(size int) (*KernelChannel, error) {
	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "usdt_events",
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(RingBufferSize(size)), //nolint:gosec // Bounded by the rounding above
	})
	if err != nil {
		return nil, fmt.Errorf("creating ring buffer map: %w", err)
	}

	drops, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "usdt_drops",
		Type:       ebpf.PerCPUArray,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		_ = events.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("creating drop counter map: %w", err)
	}

	return &KernelChannel{Events: events, Drops: drops}, nil
}

// OpenReader opens the consuming side of the ring buffer.
func (k *KernelChannel) OpenReader() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(k.Events)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// Dropped sums the per-CPU drop counters.
func (k *KernelChannel) Dropped() (uint64, error) {
	var perCPU []uint64
	if err := k.Drops.Lookup(uint32(0), &perCPU); err != nil {
		return 0, fmt.Errorf("reading drop counter: %w", err)
	}

	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total, nil
}

// Close releases both maps.
func (k *KernelChannel) Close() error {
	var errs []error
	if err := k.Events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing ring buffer map: %w", err))
	}
	if err := k.Drops.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing drop counter map: %w", err))
	}
	return errors.Join(errs...)
}
