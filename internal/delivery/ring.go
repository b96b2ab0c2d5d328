// Package delivery carries captured records from the firing threads to the single
// consumer.
//
// Two renditions share the same contract. In the kernel the channel is a BPF ring
// buffer map and a per-CPU drop counter (KernelChannel). In user space it is Ring,
// a bounded multi-producer single-consumer queue whose producers never block and
// never take a lock: a push that finds the queue full is dropped and counted.
package delivery

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// slot holds one record. seq tells producers and the consumer whose turn it is:
// seq == pos means free for the producer claiming pos, seq == pos+1 means
// published and ready for the consumer.
type slot struct {
	seq atomic.Uint64
	rec []byte
}

// Ring is a bounded lock-free MPSC queue of records.
type Ring struct {
	mask  uint64
	slots []slot

	head    atomic.Uint64
	tail    atomic.Uint64
	dropped atomic.Uint64

	// notify wakes a consumer waiting for records.
	notify chan struct{}
}

// NewRing creates a ring holding at least capacity records. Capacity is rounded up
// to a power of two.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	size := uint64(1) << bits.Len64(uint64(capacity-1))

	r := &Ring{
		mask:   size - 1,
		slots:  make([]slot, size),
		notify: make(chan struct{}, 1),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r, nil
}

// TryPush enqueues rec and reports whether it was accepted. It never blocks: when
// the ring is full the record is dropped and the drop counter incremented.
// The ring takes ownership of rec.
func (r *Ring) TryPush(rec []byte) bool {
	for {
		pos := r.head.Load()
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()

		switch diff := int64(seq - pos); {
		case diff == 0:
			if !r.head.CompareAndSwap(pos, pos+1) {
				continue
			}
			s.rec = rec
			s.seq.Store(pos + 1)
			select {
			case r.notify <- struct{}{}:
			default:
			}
			return true

		case diff < 0:
			r.dropped.Add(1)
			return false
		}
		// Another producer claimed pos first.
	}
}

// pop dequeues the oldest published record. Only one goroutine may pop.
func (r *Ring) pop() ([]byte, bool) {
	pos := r.tail.Load()
	s := &r.slots[pos&r.mask]
	if s.seq.Load() != pos+1 {
		return nil, false
	}

	rec := s.rec
	s.rec = nil
	s.seq.Store(pos + r.mask + 1)
	r.tail.Store(pos + 1)
	return rec, true
}

// Cap is the number of records the ring holds.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Len is the number of records claimed by producers and not yet consumed.
func (r *Ring) Len() int {
	tail := r.tail.Load()
	n := int(r.head.Load() - tail)
	if n > len(r.slots) {
		n = len(r.slots)
	}
	return n
}

// Dropped is the number of records rejected because the ring was full.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}
