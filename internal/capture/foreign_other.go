//go:build !linux

package capture

import "fmt"

// ProcessMemory is only implemented on Linux.
type ProcessMemory struct {
	pid int
}

// NewProcessMemory returns a reader that always faults on this platform.
func NewProcessMemory(pid int) *ProcessMemory {
	return &ProcessMemory{pid: pid}
}

// ReadForeignBytes always fails outside Linux.
func (m *ProcessMemory) ReadForeignBytes(addr uint64, _ int) ([]byte, error) {
	return nil, fmt.Errorf("%w: cross-process reads unsupported (pid %d addr 0x%x)", ErrReadFault, m.pid, addr)
}
