// Package eventstream drains the delivery channel: it polls for raw records,
// decodes them against the record layout and dispatches each decoded event to a
// handler.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"

	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/metrics"
	"github.com/mrzor/usdt-capture/internal/output"
)

// ErrClosed is returned by Poll once the source has been closed.
var ErrClosed = errors.New("event stream closed")

// drainDeadline is a deadline in the past: reads return what is already
// available without waiting.
var drainDeadline = time.Unix(1, 0)

// dropCheckInterval throttles reads of the drop counter.
const dropCheckInterval = time.Second

// DefaultMaxDrain bounds the records dispatched by one poll.
const DefaultMaxDrain = 4096

// Source is the consuming side of a delivery channel. It is implemented by
// *ringbuf.Reader and *delivery.RingReader.
type Source interface {
	SetDeadline(t time.Time)
	ReadInto(rec *ringbuf.Record) error
	Close() error
}

// Stats counts stream outcomes.
type Stats struct {
	Received      uint64
	Decoded       uint64
	DecodeErrors  uint64
	HandlerErrors uint64
}

// Stream reads records from a Source and dispatches them to a handler.
// Poll and Run must not be called concurrently.
type Stream struct {
	src     Source
	handler output.EventHandler
	log     logrus.FieldLogger

	rec      ringbuf.Record
	maxDrain int

	drops       func() (uint64, error)
	publishDrop func(uint64)
	lastDrops   uint64
	lastCheck   time.Time

	received      atomic.Uint64
	decoded       atomic.Uint64
	decodeErrors  atomic.Uint64
	handlerErrors atomic.Uint64
}

// Option configures a Stream.
type Option func(*Stream)

// WithDropCounter reports producer-side drops. After a poll, at most once per
// second, read is called; the total is passed to publish and any increase is
// logged.
func WithDropCounter(read func() (uint64, error), publish func(uint64)) Option {
	return func(s *Stream) {
		s.drops = read
		s.publishDrop = publish
	}
}

// WithMaxDrain bounds the records one poll dispatches. n <= 0 keeps
// DefaultMaxDrain.
func WithMaxDrain(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxDrain = n
		}
	}
}

// New creates a new Stream with the given source and event handler.
func New(src Source, handler output.EventHandler, log logrus.FieldLogger, opts ...Option) *Stream {
	s := &Stream{
		src:      src,
		handler:  handler,
		log:      log,
		maxDrain: DefaultMaxDrain,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Poll waits up to timeout, or until ctx's deadline if sooner, for at least one
// record, then dispatches the records already available in channel order and
// returns how many records were read. A poll that times out returns 0, nil.
//
// The drain stops once the wait deadline has passed or the drain budget is
// spent, whichever comes first; records left in the channel are read by the
// next poll. Producers that keep the channel full cannot hold Poll past its
// deadline.
//
// Once ctx is cancelled no further record is decoded and ctx.Err() is returned.
func (s *Stream) Poll(ctx context.Context, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()
	defer metrics.ObservePoll(start)
	defer s.checkDrops(start)

	deadline := start.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.src.SetDeadline(deadline)

	n := 0
	for {
		err := s.src.ReadInto(&s.rec)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			return n, nil
		case errors.Is(err, ringbuf.ErrClosed):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return n, ctxErr
			}
			return n, ErrClosed
		default:
			return n, fmt.Errorf("reading delivery channel: %w", err)
		}

		if err := ctx.Err(); err != nil {
			return n, err
		}

		n++
		s.dispatch(s.rec.RawSample)
		if n >= s.maxDrain || time.Now().After(deadline) {
			return n, nil
		}
		if n == 1 {
			s.src.SetDeadline(drainDeadline)
		}
	}
}

// Run polls until ctx is cancelled or the source is closed. Cancellation closes
// the source, which interrupts a blocked poll; Run then returns nil.
func (s *Stream) Run(ctx context.Context, pollTimeout time.Duration) error {
	stop := context.AfterFunc(ctx, func() {
		if err := s.src.Close(); err != nil {
			s.log.WithError(err).Warn("Closing event source")
		}
	})
	defer stop()

	for {
		_, err := s.Poll(ctx, pollTimeout)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil, errors.Is(err, ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// dispatch decodes one raw record and hands it to the handler. Failures are
// logged and counted, never fatal.
func (s *Stream) dispatch(raw []byte) {
	s.received.Add(1)
	metrics.EventsReceived.Inc()

	ev, err := layout.Decode(raw)
	if err != nil {
		s.decodeErrors.Add(1)
		metrics.DecodeErrors.Inc()
		s.log.WithError(err).WithField("size", len(raw)).Warn("Discarding undecodable record")
		return
	}
	s.decoded.Add(1)
	metrics.EventsDecoded.Inc()

	if err := s.handler.HandleEvent(ev); err != nil {
		s.handlerErrors.Add(1)
		metrics.HandlerErrors.Inc()
		s.log.WithError(err).WithField("tid", ev.Tid).Warn("Handling event")
	}
}

func (s *Stream) checkDrops(now time.Time) {
	if s.drops == nil || now.Sub(s.lastCheck) < dropCheckInterval {
		return
	}
	s.lastCheck = now

	total, err := s.drops()
	if err != nil {
		s.log.WithError(err).Debug("Reading drop counter")
		return
	}
	if s.publishDrop != nil {
		s.publishDrop(total)
	}
	if total > s.lastDrops {
		s.log.WithFields(logrus.Fields{
			"dropped": total - s.lastDrops,
			"total":   total,
		}).Warn("Delivery channel full, events dropped")
	}
	s.lastDrops = total
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Received:      s.received.Load(),
		Decoded:       s.decoded.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
		HandlerErrors: s.handlerErrors.Load(),
	}
}
