package capture

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/usdt-capture/internal/delivery"
	"github.com/mrzor/usdt-capture/internal/layout"
)

// fakeMemory maps addresses to strings stored in the "target" address space.
type fakeMemory map[uint64][]byte

func (m fakeMemory) ReadForeignBytes(addr uint64, n int) ([]byte, error) {
	src, ok := m[addr]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x unmapped", ErrReadFault, addr)
	}
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

type sliceProducer struct {
	mu      sync.Mutex
	records [][]byte
	full    bool
}

func (p *sliceProducer) TryPush(rec []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.records = append(p.records, rec)
	return true
}

func fixedClock(ns uint64) Option {
	return WithClock(func() uint64 { return ns })
}

func TestNewHandlerRequiresReaderAndProducer(t *testing.T) {
	_, err := NewHandler(layout.V1, nil, &sliceProducer{})
	require.Error(t, err)
	_, err = NewHandler(layout.V1, fakeMemory{}, nil)
	require.Error(t, err)
}

func TestFireCapturesAllFields(t *testing.T) {
	mem := fakeMemory{
		0x10: []byte("GET\x00"),
		0x20: []byte("hit\x00"),
		0x30: []byte("obj/a.o\x00"),
		0x40: []byte("4bf92f3577b34da6a3ce929d0e0e4736\x00"),
	}
	out := &sliceProducer{}
	h, err := NewHandler(layout.V1, mem, out, fixedClock(1234))
	require.NoError(t, err)

	ok := h.Fire(Firing{Tid: 77, Args: [ArgCount]uint64{0x10, 0x20, 0x30, 0x40}})
	require.True(t, ok)
	require.Len(t, out.records, 1)
	assert.Len(t, out.records[0], layout.V1.Size())

	ev, err := layout.Decode(out.records[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(77), ev.Tid)
	assert.Equal(t, "GET", ev.MethodText())
	assert.Equal(t, "hit", ev.EventText())
	assert.Equal(t, "obj/a.o", ev.KeyText())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", ev.TraceIDText())
	assert.Equal(t, uint64(1234), ev.Timestamp)
	assert.Equal(t, Stats{Emitted: 1}, h.Stats())
}

func TestFireTruncatesToFieldWidth(t *testing.T) {
	mem := fakeMemory{
		0x10: []byte("PROPFINDXYZ"), // 11 bytes, method is 10 wide
		0x20: []byte("miss"),        // exactly 4 bytes, no terminator fits
		0x30: []byte("k\x00"),
		0x40: []byte("t\x00"),
	}
	out := &sliceProducer{}
	h, err := NewHandler(layout.V1, mem, out)
	require.NoError(t, err)

	require.True(t, h.Fire(Firing{Args: [ArgCount]uint64{0x10, 0x20, 0x30, 0x40}}))

	ev, err := layout.Decode(out.records[0])
	require.NoError(t, err)
	assert.Equal(t, "PROPFINDXY", ev.MethodText())
	assert.Equal(t, "miss", ev.EventText())
}

func TestFireZeroFillsUnreadableField(t *testing.T) {
	mem := fakeMemory{
		0x10: []byte("PUT\x00"),
		0x30: []byte("key\x00"),
		0x40: []byte("trace\x00"),
	}
	out := &sliceProducer{}
	h, err := NewHandler(layout.V2, mem, out)
	require.NoError(t, err)

	// 0x20 is unmapped and 0 is the null pointer.
	require.True(t, h.Fire(Firing{Args: [ArgCount]uint64{0x10, 0x20, 0x30, 0}}))

	ev, err := layout.Decode(out.records[0])
	require.NoError(t, err)
	assert.Equal(t, "PUT", ev.MethodText())
	assert.Equal(t, make([]byte, layout.V2.EventLen), ev.Event)
	assert.Equal(t, "key", ev.KeyText())
	assert.Empty(t, ev.TraceIDText())
	assert.False(t, ev.HasTimestamp)

	st := h.Stats()
	assert.Equal(t, uint64(2), st.Faults)
	assert.Equal(t, uint64(1), st.Emitted)
}

func TestFireDropsWhenFull(t *testing.T) {
	out := &sliceProducer{full: true}
	h, err := NewHandler(layout.V2, fakeMemory{}, out)
	require.NoError(t, err)

	assert.False(t, h.Fire(Firing{}))
	assert.False(t, h.Fire(Firing{}))
	assert.Equal(t, uint64(2), h.Stats().Dropped)
	assert.Zero(t, h.Stats().Emitted)
}

func TestFireConcurrentNeverBlocks(t *testing.T) {
	ring, err := delivery.NewRing(64)
	require.NoError(t, err)

	mem := fakeMemory{1: []byte("m\x00"), 2: []byte("e\x00"), 3: []byte("k\x00"), 4: []byte("t\x00")}
	h, err := NewHandler(layout.V2, mem, ring)
	require.NoError(t, err)

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				h.Fire(Firing{Tid: tid, Args: [ArgCount]uint64{1, 2, 3, 4}})
			}
		}(uint32(p + 1))
	}
	wg.Wait()

	st := h.Stats()
	assert.Equal(t, uint64(producers*perProducer), st.Emitted+st.Dropped)
	assert.Equal(t, uint64(ring.Cap()), st.Emitted)
	assert.Equal(t, st.Dropped, ring.Dropped())
	assert.Equal(t, ring.Cap(), ring.Len())
}
