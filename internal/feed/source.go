// Package feed produces audio for sessions: decoded clips and generated
// tones, converted to the device format and exposed as a fill callback or
// pumped through Session.Write. Signal processing runs through gopxl/beep,
// which works in stereo float; the device channel count is restored on output.
package feed

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/generators"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/decode"
)

// resampleQuality is beep's interpolation window; 4 is its recommended default
const resampleQuality = 4

// ErrInvalidVolume is returned for volumes outside [0, 1]
var ErrInvalidVolume = errors.New("volume must be between 0.0 and 1.0")

// Option configures a Source
type Option func(*options)

type options struct {
	volume float64
}

// WithVolume sets the initial linear volume in [0, 1]
func WithVolume(v float64) Option {
	return func(o *options) { o.volume = v }
}

// Source renders a beep stream into one device format. Fill is its
// audio.FillFunc; it runs on the session mixer goroutine, never on the
// device's real-time thread.
type Source struct {
	format audio.SampleFormat
	total  int // frames at the device rate, 0 when unbounded

	mu       sync.Mutex
	volume   *effects.Volume
	buf      [][2]float64
	stereo   []float64
	out      []float64
	drained  bool
	produced atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

// NewClipSource plays clip in the device format, resampling when the rates differ
func NewClipSource(clip *decode.Clip, device audio.SampleFormat, opts ...Option) (*Source, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}
	if clip == nil || clip.Frames() == 0 {
		return nil, fmt.Errorf("%w: empty clip", decode.ErrInvalidData)
	}
	total := int(int64(clip.Frames()) * int64(device.SampleRate) / int64(clip.Format.SampleRate))
	return newSource(newClipStreamer(clip), clip.Format.SampleRate, device, total, opts)
}

// NewToneSource plays a sine tone at freq Hz for d, or forever when d is 0
func NewToneSource(freq float64, d time.Duration, device audio.SampleFormat, opts ...Option) (*Source, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}
	tone, err := generators.SineTone(beep.SampleRate(device.SampleRate), freq)
	if err != nil {
		return nil, fmt.Errorf("tone generator: %w", err)
	}
	total := 0
	if d > 0 {
		total = device.FramesForDuration(d)
		tone = beep.Take(total, tone)
	}
	return newSource(tone, device.SampleRate, device, total, opts)
}

func newSource(s beep.Streamer, rate int, device audio.SampleFormat, total int, opts []Option) (*Source, error) {
	o := options{volume: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if rate != device.SampleRate {
		s = beep.Resample(resampleQuality, beep.SampleRate(rate), beep.SampleRate(device.SampleRate), s)
	}
	src := &Source{
		format: device,
		total:  total,
		volume: &effects.Volume{Streamer: s, Base: 2},
		done:   make(chan struct{}),
	}
	if err := src.SetVolume(o.volume); err != nil {
		return nil, err
	}
	return src, nil
}

// SetVolume changes the linear volume; it takes effect on the next period
func (s *Source) SetVolume(v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume.Silent = v == 0
	if v > 0 {
		s.volume.Volume = math.Log2(v)
	}
	return nil
}

// Format returns the device format the source renders
func (s *Source) Format() audio.SampleFormat { return s.format }

// Fill renders up to frameCount frames into dst and returns how many it
// produced. It returns fewer only when the stream has ended.
func (s *Source) Fill(frameCount int, f audio.SampleFormat, dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drained {
		return 0
	}
	if f != s.format {
		// a source is built for one format; anything else plays as silence
		return 0
	}
	s.grow(frameCount)

	n := 0
	for n < frameCount {
		got, ok := s.volume.Stream(s.buf[n:frameCount])
		n += got
		if !ok {
			s.drained = true
			break
		}
	}

	for i, v := range s.buf[:n] {
		s.stereo[2*i], s.stereo[2*i+1] = v[0], v[1]
	}
	audio.RemapChannels(s.out, f.Channels, s.stereo[:2*n], 2)
	audio.EncodeFrames(dst, s.out[:n*f.Channels], f)
	s.produced.Add(int64(n))

	if s.drained {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return n
}

func (s *Source) grow(frames int) {
	if len(s.buf) >= frames {
		return
	}
	s.buf = make([][2]float64, frames)
	s.stereo = make([]float64, 2*frames)
	s.out = make([]float64, frames*s.format.Channels)
}

// Done is closed once the stream has produced its last frame
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Position returns how much audio has been rendered
func (s *Source) Position() time.Duration {
	return s.format.Duration(int(s.produced.Load()))
}

// Length returns the expected total duration, or 0 for an endless source
func (s *Source) Length() time.Duration {
	return s.format.Duration(s.total)
}
