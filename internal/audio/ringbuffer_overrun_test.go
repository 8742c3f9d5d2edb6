//go:build !race

package audio

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Excluded under -race: during an overrun the consumer copies bytes the
// producer is overwriting and discards that copy afterwards.
func TestRingBufferConcurrentOverrun(t *testing.T) {
	const (
		totalFrames = 1 << 16
		frameSize   = 8
	)
	rb := NewRingBuffer(32*frameSize, FormatS32)
	require.Equal(t, frameSize, FormatS32.FrameSize())

	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer done.Store(true)
		chunk := make([]byte, 8*frameSize)
		for next := 0; next < totalFrames; next += 8 {
			for i := 0; i < 8; i++ {
				binary.LittleEndian.PutUint32(chunk[i*frameSize:], uint32(next+i))
				binary.LittleEndian.PutUint32(chunk[i*frameSize+4:], ^uint32(next+i))
			}
			n, err := rb.Write(chunk)
			if n != len(chunk) || (err != nil && !errors.Is(err, BufferOverrun)) {
				t.Errorf("write of frame %d: n=%d err=%v", next, n, err)
				return
			}
		}
	}()

	buf := make([]byte, 3*frameSize)
	last := -1
	read := 0
	for {
		finished := done.Load()
		avail := rb.AvailableToRead()
		if avail == 0 {
			if finished {
				break
			}
			runtime.Gosched()
			continue
		}
		n, err := rb.Read(buf[:min(len(buf), avail)])
		if err != nil {
			require.ErrorIs(t, err, BufferUnderrun, "the producer may discard frames between the check and the read")
		}
		require.Zero(t, n%frameSize)
		for off := 0; off < n; off += frameSize {
			idx := binary.LittleEndian.Uint32(buf[off:])
			require.Equal(t, ^idx, binary.LittleEndian.Uint32(buf[off+4:]), "torn frame at index %d", idx)
			require.Greater(t, int(idx), last, "frames arrive in order")
			last = int(idx)
		}
		read += n
	}
	wg.Wait()

	assert.Equal(t, totalFrames-1, last, "the newest frame is never discarded")
	assert.Equal(t, uint64(totalFrames*frameSize), uint64(read)+rb.DroppedBytes(),
		"every written byte is either read or counted as dropped")
	if rb.DroppedBytes() > 0 {
		assert.Positive(t, rb.Overruns())
	}
}
