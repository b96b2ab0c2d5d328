//go:build linux

package capture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessMemory reads another process's memory with process_vm_readv. The kernel
// checks ptrace access and reports unmapped ranges as EFAULT, so a bad address
// never faults the reader.
type ProcessMemory struct {
	pid int
}

// NewProcessMemory returns a reader for the address space of pid.
func NewProcessMemory(pid int) *ProcessMemory {
	return &ProcessMemory{pid: pid}
}

// ReadForeignBytes copies exactly n bytes starting at addr.
func (m *ProcessMemory) ReadForeignBytes(addr uint64, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if addr == 0 {
		return nil, fmt.Errorf("%w: null address", ErrReadFault)
	}

	buf := make([]byte, n)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(n)
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: n}}

	got, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d addr 0x%x: %w", ErrReadFault, m.pid, addr, err)
	}
	if got != n {
		return nil, fmt.Errorf("%w: pid %d addr 0x%x: short read %d/%d", ErrReadFault, m.pid, addr, got, n)
	}
	return buf, nil
}
