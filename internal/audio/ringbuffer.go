package audio

import (
	"math/bits"
	"sync/atomic"
)

// RingBuffer is a single-producer/single-consumer byte FIFO between the mixer
// and the backend submission path. The cursors are monotonically increasing
// byte counts; each side copies first and then publishes its cursor with one
// atomic store or compare-and-swap, so the consumer never sees a partially
// written frame and neither side ever blocks.
//
// Only the producer advances the write cursor. The read cursor is advanced by
// the consumer, and by the producer only when it has to discard the oldest
// unread frames on overrun; the consumer detects that through a failed
// compare-and-swap and re-reads.
//
// That discard is a deliberate data race: while an overrun is in progress the
// consumer may copy bytes the producer is overwriting. The torn copy is never
// returned because the read cursor moved and the compare-and-swap fails, but
// the race detector reports the overlapping accesses.
type RingBuffer struct {
	buf       []byte
	mask      uint64
	frameSize uint64
	format    SampleFormat

	read  atomic.Uint64
	_     [56]byte // keep the cursors on separate cache lines
	write atomic.Uint64
	_     [56]byte

	overrunActive  atomic.Bool
	underrunActive atomic.Bool
	overruns       atomic.Uint64
	underruns      atomic.Uint64
	droppedBytes   atomic.Uint64
	paddedBytes    atomic.Uint64
}

// NewRingBuffer allocates a ring of at least capacity bytes, rounded up to a
// power of two, carrying frames of the given format.
func NewRingBuffer(capacity int, format SampleFormat) *RingBuffer {
	frameSize := max(format.FrameSize(), 1)
	capacity = max(capacity, frameSize, 2)
	size := uint64(1) << bits.Len64(uint64(capacity-1))
	return &RingBuffer{
		buf:       make([]byte, size),
		mask:      size - 1,
		frameSize: uint64(frameSize),
		format:    format,
	}
}

// Capacity returns the buffer size in bytes
func (rb *RingBuffer) Capacity() int {
	return len(rb.buf)
}

// AvailableToRead returns the number of unread bytes
func (rb *RingBuffer) AvailableToRead() int {
	r := rb.read.Load()
	w := rb.write.Load()
	return int(min(w-r, uint64(len(rb.buf))))
}

// AvailableToWrite returns the number of bytes that can be written without overrun
func (rb *RingBuffer) AvailableToWrite() int {
	return len(rb.buf) - rb.AvailableToRead()
}

// Write appends p. It is only called from the producer. When p does not fit,
// the oldest unread frames are discarded to make room and BufferOverrun is
// returned once for the episode; the episode ends with the next write that
// fits. The returned count is always len(p) because new data is never refused.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	capacity := uint64(len(rb.buf))
	src := p
	var dropped uint64
	if uint64(len(src)) > capacity {
		// only the newest whole frames that fit can survive
		keep := capacity - capacity%rb.frameSize
		dropped = uint64(len(src)) - keep
		src = src[dropped:]
	}
	n := uint64(len(src))

	w := rb.write.Load()
	for {
		r := rb.read.Load()
		free := capacity - (w - r)
		if n <= free {
			break
		}
		used := w - r
		need := min(alignUp(n-free, rb.frameSize), used)
		if rb.read.CompareAndSwap(r, r+need) {
			dropped += need
			break
		}
	}

	start := w & rb.mask
	copied := uint64(copy(rb.buf[start:], src))
	if copied < n {
		copy(rb.buf, src[copied:])
	}
	rb.write.Store(w + n)

	if dropped == 0 {
		rb.overrunActive.Store(false)
		return len(p), nil
	}
	rb.droppedBytes.Add(dropped)
	if rb.overrunActive.Swap(true) {
		return len(p), nil
	}
	rb.overruns.Add(1)
	return len(p), BufferOverrun
}

// Read fills p from the buffer. It is only called from the consumer. When
// fewer bytes are buffered than requested the remainder of p is filled with
// the format's silence and BufferUnderrun is returned; the count reports the
// real bytes read.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	want := uint64(len(p))
	var n uint64
	for {
		r := rb.read.Load()
		w := rb.write.Load()
		n = min(want, w-r)
		n -= n % rb.frameSize

		start := r & rb.mask
		copied := uint64(copy(p[:n], rb.buf[start:]))
		if copied < n {
			copy(p[copied:n], rb.buf)
		}
		if rb.read.CompareAndSwap(r, r+n) {
			break
		}
		// the producer discarded frames under us; the copy may be torn
	}

	if n == want {
		rb.underrunActive.Store(false)
		return int(n), nil
	}
	rb.format.FillSilence(p[n:])
	rb.paddedBytes.Add(want - n)
	if !rb.underrunActive.Swap(true) {
		rb.underruns.Add(1)
	}
	return int(n), BufferUnderrun
}

// Reset discards all buffered data. Neither the producer nor the consumer may
// be running.
func (rb *RingBuffer) Reset() {
	rb.read.Store(rb.write.Load())
	rb.overrunActive.Store(false)
	rb.underrunActive.Store(false)
}

// Overruns returns the number of overrun episodes
func (rb *RingBuffer) Overruns() uint64 { return rb.overruns.Load() }

// Underruns returns the number of underrun episodes
func (rb *RingBuffer) Underruns() uint64 { return rb.underruns.Load() }

// DroppedBytes returns the total bytes discarded by overruns
func (rb *RingBuffer) DroppedBytes() uint64 { return rb.droppedBytes.Load() }

// PaddedBytes returns the total silence bytes substituted by underruns
func (rb *RingBuffer) PaddedBytes() uint64 { return rb.paddedBytes.Load() }

func alignUp(n, align uint64) uint64 {
	if r := n % align; r != 0 {
		return n + align - r
	}
	return n
}
