package usdt

import (
	"fmt"
	"os"

	"github.com/syndtr/gocapability/capability"
)

// Not every gocapability release names these; the numbers are fixed by the kernel ABI.
const (
	capPerfmon = capability.Cap(38)
	capBPF     = capability.Cap(39)
)

// loadCapabilities is replaced in tests.
var loadCapabilities = func() (capability.Capabilities, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return nil, err
	}
	if err := caps.Load(); err != nil {
		return nil, err
	}
	return caps, nil
}

// CheckPrivileges verifies that the current process may load BPF programs and
// attach uprobes: CAP_SYS_ADMIN, or both CAP_BPF and CAP_PERFMON, must be in the
// effective set.
func CheckPrivileges() error {
	caps, err := loadCapabilities()
	if err != nil {
		return &PermissionError{Op: "reading process capabilities", Err: err}
	}
	if hasCaps(caps, capability.CAP_SYS_ADMIN) || hasCaps(caps, capBPF, capPerfmon) {
		return nil
	}
	return &PermissionError{
		Op:  fmt.Sprintf("attaching USDT probes as uid %d", os.Getuid()),
		Err: ErrInsufficientCapability,
	}
}

func hasCaps(caps capability.Capabilities, want ...capability.Cap) bool {
	for _, c := range want {
		if !caps.Get(capability.EFFECTIVE, c) {
			return false
		}
	}
	return true
}
