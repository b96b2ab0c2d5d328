// Package bpfloader manages the lifecycle of a capture session in the kernel:
// the delivery channel maps, the capture programs and their uprobe attachments.
//
// A Loader is a scoped resource. Everything acquired by New and Attach is
// released by Close, and every failure during setup releases what was acquired
// before returning.
package bpfloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"

	"github.com/mrzor/usdt-capture/internal/capture"
	"github.com/mrzor/usdt-capture/internal/delivery"
	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/metrics"
	"github.com/mrzor/usdt-capture/internal/usdt"
)

// Options configures a Loader.
type Options struct {
	Probe  usdt.Probe
	Layout layout.Layout
	// RingSize is the ring buffer size in bytes, rounded up by the kernel channel.
	RingSize int
	// Watch re-attaches when the target image is replaced on disk.
	Watch bool
}

// Loader manages the lifecycle of BPF programs and their attachments.
type Loader struct {
	opts    Options
	log     logrus.FieldLogger
	channel *delivery.KernelChannel

	mu         sync.Mutex
	progs      map[string]*ebpf.Program // args spec -> program
	attachment *usdt.Attachment
	watcher    *usdt.Watcher
	closed     bool
}

// errClosed is returned when a replacement is detected after Close.
var errClosed = errors.New("loader closed")

// New creates the delivery channel maps in the kernel.
func New(opts Options, log logrus.FieldLogger) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, usdt.ClassifyKernelError(opts.Probe.Path, "removing memlock limit", err)
	}

	channel, err := delivery.NewKernelChannel(opts.RingSize)
	if err != nil {
		return nil, usdt.ClassifyKernelError(opts.Probe.Path, "creating delivery channel", err)
	}

	return &Loader{
		opts:    opts,
		log:     log.WithField("probe", opts.Probe.String()),
		channel: channel,
		progs:   make(map[string]*ebpf.Program),
	}, nil
}

// Attach resolves the tracepoint in the target image and attaches a capture
// program to each call site. With Options.Watch, it keeps watching the image
// until ctx is done and re-attaches when the image is replaced.
func (l *Loader) Attach(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	att, err := l.attach()
	if err != nil {
		return err
	}
	l.attachment = att

	if !l.opts.Watch {
		return nil
	}

	w, err := usdt.NewWatcher(l.opts.Probe.Path, att.Inode(), l.reattach, l.log)
	if err != nil {
		// Attached and working; only replacement detection is lost.
		l.log.WithError(err).Warn("Cannot watch target image, replacements will not be followed")
		return nil
	}
	l.watcher = w
	go func() {
		if err := w.Run(ctx); err != nil {
			l.log.WithError(err).Warn("Image watcher stopped")
		}
	}()
	return nil
}

// attach resolves and attaches once. Callers hold l.mu.
func (l *Loader) attach() (*usdt.Attachment, error) {
	p := l.opts.Probe
	targets, err := usdt.Resolve(p.Path, p.Provider, p.Name)
	if err != nil {
		return nil, err
	}

	att, err := usdt.Attach(p, targets, l.programFor)
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"call_sites": len(targets),
		"inode":      att.Inode(),
		"layout":     l.opts.Layout.String(),
	}).Info("Attached")
	return att, nil
}

// programFor returns the capture program for a call site. Call sites with the
// same argument locations share a program. Callers hold l.mu.
func (l *Loader) programFor(t usdt.Target) (*ebpf.Program, error) {
	if prog, ok := l.progs[t.ArgsSpec]; ok {
		return prog, nil
	}

	prog, err := capture.NewProgram(l.opts.Layout, t.Args, l.channel.Events, l.channel.Drops)
	if err != nil {
		return nil, usdt.ClassifyKernelError(l.opts.Probe.Path, "loading capture program", err)
	}
	l.progs[t.ArgsSpec] = prog
	return prog, nil
}

// reattach swaps the current attachment for one against the replaced image.
// The old uprobes are removed only once the new ones are in place.
func (l *Loader) reattach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}

	att, err := l.attach()
	metrics.ObserveReattach(err)
	if err != nil {
		return err
	}

	old := l.attachment
	l.attachment = att
	if old != nil {
		if err := old.Close(); err != nil {
			l.log.WithError(err).Warn("Detaching from replaced image")
		}
	}
	return nil
}

// OpenRingBuffer opens and returns a ring buffer reader for receiving events.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	return l.channel.OpenReader()
}

// DroppedEvents returns how many records the capture programs dropped because
// the ring buffer was full.
func (l *Loader) DroppedEvents() (uint64, error) {
	return l.channel.Dropped()
}

// Close releases all BPF resources including links and loaded programs.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error

	if l.watcher != nil {
		if err := l.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing image watcher: %w", err))
		}
		l.watcher = nil
	}

	if l.attachment != nil {
		if err := l.attachment.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detaching: %w", err))
		}
		l.attachment = nil
	}

	for spec, prog := range l.progs {
		if err := prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program for %q: %w", spec, err))
		}
	}
	clear(l.progs)

	if err := l.channel.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
