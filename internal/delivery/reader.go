package delivery

import (
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf/ringbuf"
)

// RingReader is the consuming side of a Ring. It follows the ringbuf.Reader
// contract so the consumer loop can drain either channel.
type RingReader struct {
	ring *Ring

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Reader returns the consuming side of r. A ring has a single consumer: only one
// RingReader may be in use at a time.
func (r *Ring) Reader() *RingReader {
	return &RingReader{ring: r, closed: make(chan struct{})}
}

// SetDeadline bounds subsequent reads. The zero time removes the deadline; a
// time in the past makes ReadInto return immediately when the ring is empty.
func (rr *RingReader) SetDeadline(t time.Time) {
	rr.mu.Lock()
	rr.deadline = t
	rr.mu.Unlock()
}

// ReadInto blocks until a record is available, the deadline passes
// (os.ErrDeadlineExceeded) or the reader is closed (ringbuf.ErrClosed).
func (rr *RingReader) ReadInto(rec *ringbuf.Record) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-rr.closed:
			return ringbuf.ErrClosed
		default:
		}

		if raw, ok := rr.ring.pop(); ok {
			rec.RawSample = raw
			return nil
		}

		rr.mu.Lock()
		deadline := rr.deadline
		rr.mu.Unlock()

		var expired <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return os.ErrDeadlineExceeded
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			expired = timer.C
		}

		select {
		case <-rr.ring.notify:
		case <-rr.closed:
			return ringbuf.ErrClosed
		case <-expired:
			return os.ErrDeadlineExceeded
		}
	}
}

// Close interrupts a blocked ReadInto. Records still in the ring are not read.
func (rr *RingReader) Close() error {
	rr.closeOnce.Do(func() { close(rr.closed) })
	return nil
}
