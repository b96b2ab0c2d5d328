package usdt

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInsufficientCapability is wrapped by PermissionError when the process lacks
// the capabilities needed to load and attach BPF programs.
var ErrInsufficientCapability = errors.New("requires CAP_SYS_ADMIN, or CAP_BPF and CAP_PERFMON")

// AttachError reports that the target image could not be opened, parsed or
// instrumented.
type AttachError struct {
	Path string
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching to %s: %v", e.Path, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// ProbeNotFoundError reports that the target image carries no tracepoint with the
// requested provider and name.
type ProbeNotFoundError struct {
	Path      string
	Provider  string
	Name      string
	Available []string
}

func (e *ProbeNotFoundError) Error() string {
	msg := fmt.Sprintf("probe %s:%s not found in %s", e.Provider, e.Name, e.Path)
	if len(e.Available) > 0 {
		msg += " (available: " + strings.Join(e.Available, ", ") + ")"
	}
	return msg
}

// PermissionError reports that the operation requires elevated privileges.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %v (run as root or grant CAP_BPF and CAP_PERFMON)", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ClassifyKernelError maps an error returned while instrumenting the target to
// PermissionError when the kernel refused for lack of privilege, AttachError otherwise.
func ClassifyKernelError(path, op string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return &PermissionError{Op: op, Err: err}
	}
	return &AttachError{Path: path, Err: fmt.Errorf("%s: %w", op, err)}
}
