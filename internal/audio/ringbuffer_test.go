package audio

import (
	"bytes"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(start, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(start + i)
	}
	return out
}

func TestRingBufferCapacityIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{1, 4},
		{4, 4},
		{5, 8},
		{1000, 1024},
		{4096, 4096},
		{4097, 8192},
	}
	for _, tt := range tests {
		rb := NewRingBuffer(tt.requested, FormatS16)
		assert.Equal(t, tt.want, rb.Capacity(), "requested %d", tt.requested)
		assert.Equal(t, tt.want, rb.AvailableToWrite())
		assert.Zero(t, rb.AvailableToRead())
	}
}

func TestRingBufferFIFO(t *testing.T) {
	rb := NewRingBuffer(64, FormatS16)

	n, err := rb.Write(seq(0, 24))
	require.NoError(t, err)
	assert.Equal(t, 24, n)
	assert.Equal(t, 24, rb.AvailableToRead())
	assert.Equal(t, 40, rb.AvailableToWrite())

	out := make([]byte, 16)
	n, err = rb.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, seq(0, 16), out)

	// wrap around the end of the backing array
	_, err = rb.Write(seq(24, 48))
	require.NoError(t, err)
	assert.Equal(t, 56, rb.AvailableToRead())

	all := make([]byte, 56)
	n, err = rb.Read(all)
	require.NoError(t, err)
	assert.Equal(t, 56, n)
	assert.Equal(t, seq(16, 56), all)
	assert.Equal(t, 64, rb.AvailableToWrite())
}

func TestRingBufferUnderrunFillsSilence(t *testing.T) {
	format := SampleFormat{Encoding: EncodingUnsigned, BitDepth: 8, Channels: 1, SampleRate: 8000}
	rb := NewRingBuffer(16, format)

	_, err := rb.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	out := bytes.Repeat([]byte{0xEE}, 8)
	n, err := rb.Read(out)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, BufferUnderrun)
	assert.Equal(t, []byte{1, 2, 3, 0x80, 0x80, 0x80, 0x80, 0x80}, out)
	assert.Equal(t, uint64(1), rb.Underruns())
	assert.Equal(t, uint64(5), rb.PaddedBytes())

	// still dry: same episode
	_, err = rb.Read(out)
	assert.ErrorIs(t, err, BufferUnderrun)
	assert.Equal(t, bytes.Repeat([]byte{0x80}, 8), out)
	assert.Equal(t, uint64(1), rb.Underruns())

	// a full read ends the episode
	_, _ = rb.Write(seq(10, 8))
	_, err = rb.Read(out)
	require.NoError(t, err)
	_, err = rb.Read(out)
	assert.ErrorIs(t, err, BufferUnderrun)
	assert.Equal(t, uint64(2), rb.Underruns())
}

func TestRingBufferOverrunDropsOldest(t *testing.T) {
	rb := NewRingBuffer(16, FormatS16)

	_, err := rb.Write(seq(0, 12))
	require.NoError(t, err)

	n, err := rb.Write(seq(12, 8))
	assert.Equal(t, 8, n)
	assert.ErrorIs(t, err, BufferOverrun)
	assert.Equal(t, 16, rb.AvailableToRead())
	assert.Equal(t, uint64(4), rb.DroppedBytes())

	// second overflow in the same episode is not reported again
	_, err = rb.Write(seq(20, 4))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rb.Overruns())
	assert.Equal(t, uint64(8), rb.DroppedBytes())

	out := make([]byte, 16)
	_, err = rb.Read(out)
	require.NoError(t, err)
	assert.Equal(t, seq(8, 16), out, "the oldest bytes are the ones discarded")

	// a write that fits ends the episode; the next overflow is a new one
	_, err = rb.Write(seq(0, 4))
	require.NoError(t, err)
	_, err = rb.Write(seq(4, 16))
	assert.ErrorIs(t, err, BufferOverrun)
	assert.Equal(t, uint64(2), rb.Overruns())
}

func TestRingBufferWriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(8, FormatS16)

	n, err := rb.Write(seq(0, 20))
	assert.Equal(t, 20, n)
	assert.ErrorIs(t, err, BufferOverrun)

	out := make([]byte, 8)
	_, err = rb.Read(out)
	require.NoError(t, err)
	assert.Equal(t, seq(12, 8), out)
}

func TestRingBufferOverrunRoundsToWholeFrames(t *testing.T) {
	// 6-byte frames in an 8-byte ring
	rb := NewRingBuffer(8, FormatS24)
	assert.Equal(t, 8, rb.Capacity())

	_, err := rb.Write(seq(0, 6))
	require.NoError(t, err)
	_, err = rb.Write(seq(6, 6))
	assert.ErrorIs(t, err, BufferOverrun)

	out := make([]byte, 6)
	n, err := rb.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, seq(6, 6), out)
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(32, FormatS16)
	_, _ = rb.Write(seq(0, 20))
	rb.Reset()
	assert.Zero(t, rb.AvailableToRead())
	assert.Equal(t, 32, rb.AvailableToWrite())
}

func TestRingBufferConcurrentSPSC(t *testing.T) {
	const total = 1 << 18
	rb := NewRingBuffer(256, FormatS16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		written := 0
		for written < total {
			chunk := min(64, total-written, rb.AvailableToWrite())
			chunk -= chunk % 4
			if chunk == 0 {
				runtime.Gosched()
				continue
			}
			_, err := rb.Write(seq(written, chunk))
			if err != nil {
				t.Errorf("unexpected write error: %v", err)
				return
			}
			written += chunk
		}
	}()

	got := make([]byte, 0, total)
	buf := make([]byte, 48)
	for len(got) < total {
		want := min(len(buf), rb.AvailableToRead())
		want -= want % 4
		if want == 0 {
			runtime.Gosched()
			continue
		}
		n, err := rb.Read(buf[:want])
		require.NoError(t, err)
		got = append(got, buf[:n]...)

		// the producer may publish between the two loads
		sum := rb.AvailableToRead() + rb.AvailableToWrite()
		require.LessOrEqual(t, sum, rb.Capacity())
	}
	wg.Wait()
	assert.Equal(t, seq(0, total), got)
	assert.Zero(t, rb.Overruns())
	assert.Zero(t, rb.Underruns())
}
