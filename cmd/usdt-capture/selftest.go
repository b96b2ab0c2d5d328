package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrzor/usdt-capture/internal/capture"
	"github.com/mrzor/usdt-capture/internal/delivery"
	"github.com/mrzor/usdt-capture/internal/eventstream"
	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/logging"
	"github.com/mrzor/usdt-capture/internal/metrics"
	"github.com/mrzor/usdt-capture/internal/output"
)

type selftestOptions struct {
	layout    string
	producers int
	firings   int
	capacity  int
	logLevel  string
}

// newSelftestCmd runs the user-space pipeline against this process: the
// capture handler reads the arguments through process_vm_readv, records travel
// through the in-process ring, and the consumer prints them. No privileges are
// needed.
func newSelftestCmd() *cobra.Command {
	opts := selftestOptions{}

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise the capture pipeline without attaching to a tracepoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runSelftest(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.layout, "layout", "v1", "record layout (v1, v2)")
	f.IntVar(&opts.producers, "producers", 1, "concurrent firing threads")
	f.IntVar(&opts.firings, "firings", 1, "firings per thread")
	f.IntVar(&opts.capacity, "capacity", 1024, "delivery ring capacity in records")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

// argument is a NUL-terminated string owned by this process.
type argument struct {
	buf []byte
}

func newArgument(s string, width int) argument {
	buf := make([]byte, max(width, len(s)+1))
	copy(buf, s)
	return argument{buf: buf}
}

func (a argument) addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&a.buf[0])))
}

func runSelftest(ctx context.Context, opts selftestOptions, w io.Writer) error {
	log, err := logging.New(opts.logLevel, os.Stderr)
	if err != nil {
		return err
	}
	l, err := layout.ByName(opts.layout)
	if err != nil {
		return err
	}
	if opts.producers < 1 || opts.firings < 0 {
		return fmt.Errorf("need at least one producer and a non-negative firing count")
	}

	ring, err := delivery.NewRing(opts.capacity)
	if err != nil {
		return err
	}
	h, err := capture.NewHandler(l, capture.NewProcessMemory(os.Getpid()), ring)
	if err != nil {
		return err
	}

	args := []argument{
		newArgument("store", l.MethodLen),
		newArgument("ok", l.EventLen),
		newArgument("user:42", l.KeyLen),
		newArgument("abc123", l.TraceIDLen),
	}
	firing := capture.Firing{Tid: uint32(os.Getpid())}
	for i, a := range args {
		firing.Args[i] = a.addr()
	}

	var wg sync.WaitGroup
	for range opts.producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range opts.firings {
				h.Fire(firing)
			}
		}()
	}
	wg.Wait()
	runtime.KeepAlive(args)
	metrics.SetRingDropped(ring.Dropped())

	stream := eventstream.New(ring.Reader(), output.NewTextFormatter(w), log)
	for {
		n, err := stream.Poll(ctx, 10*time.Millisecond)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	hs, ss := h.Stats(), stream.Stats()
	log.WithFields(logrus.Fields{
		"layout":  l.String(),
		"emitted": hs.Emitted,
		"dropped": hs.Dropped,
		"faults":  hs.Faults,
		"decoded": ss.Decoded,
	}).Info("Selftest complete")

	if hs.Faults > 0 {
		return fmt.Errorf("selftest: %d argument reads faulted", hs.Faults)
	}
	if ss.Decoded != hs.Emitted {
		return fmt.Errorf("selftest: emitted %d records but decoded %d", hs.Emitted, ss.Decoded)
	}
	return nil
}
