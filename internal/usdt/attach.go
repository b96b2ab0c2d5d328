// Package usdt locates statically defined tracepoints in an executable image and
// binds a BPF program to each call site.
package usdt

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// Probe identifies a tracepoint to instrument.
type Probe struct {
	// Path of the executable image embedding the tracepoint.
	Path     string
	Provider string
	Name     string
	// PID restricts the probe to one process; 0 instruments every process
	// running the image.
	PID int
}

func (p Probe) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Path, p.Provider, p.Name)
}

// ProgramFor returns the BPF program that handles a given call site.
type ProgramFor func(Target) (*ebpf.Program, error)

// Attachment is a set of uprobes installed for one Probe. It must be closed to
// remove the instrumentation from the target.
type Attachment struct {
	probe   Probe
	targets []Target
	inode   uint64
	links   []link.Link
}

// Attach installs a uprobe at every target call site. On failure, every uprobe
// installed so far is removed before returning.
func Attach(p Probe, targets []Target, progFor ProgramFor) (*Attachment, error) {
	inode, err := Inode(p.Path)
	if err != nil {
		return nil, &AttachError{Path: p.Path, Err: err}
	}

	exe, err := link.OpenExecutable(p.Path)
	if err != nil {
		return nil, &AttachError{Path: p.Path, Err: err}
	}

	a := &Attachment{probe: p, targets: targets, inode: inode}
	for _, t := range targets {
		prog, err := progFor(t)
		if err != nil {
			return nil, a.closeErrorf(&AttachError{Path: p.Path, Err: fmt.Errorf("building handler for 0x%x: %w", t.Offset, err)})
		}

		l, err := exe.Uprobe("", prog, &link.UprobeOptions{
			Address:      t.Offset,
			RefCtrOffset: t.SemaphoreOffset,
			PID:          p.PID,
		})
		if err != nil {
			return nil, a.closeErrorf(ClassifyKernelError(p.Path, fmt.Sprintf("attaching uprobe at 0x%x", t.Offset), err))
		}
		a.links = append(a.links, l)
	}
	return a, nil
}

// closeErrorf detaches everything attached so far and returns err.
func (a *Attachment) closeErrorf(err error) error {
	_ = a.Close() //nolint:errcheck // Best-effort cleanup in error path
	return err
}

// Probe returns the probe this attachment instruments.
func (a *Attachment) Probe() Probe { return a.probe }

// Targets returns the call sites this attachment instruments.
func (a *Attachment) Targets() []Target { return a.targets }

// Inode returns the inode of the image at attach time.
func (a *Attachment) Inode() uint64 { return a.inode }

// Close removes every uprobe. It is safe to call more than once.
func (a *Attachment) Close() error {
	var errs []error
	for i := len(a.links) - 1; i >= 0; i-- {
		if err := a.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing uprobe at 0x%x: %w", a.targets[i].Offset, err))
		}
	}
	a.links = nil
	return errors.Join(errs...)
}

// Inode returns the inode number of the file at path.
func Inode(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no inode information for %s", path)
	}
	return st.Ino, nil
}
