// Package decode turns WAV, MP3 and AIFF files into PCM clips described by an
// audio.SampleFormat, ready to be fed to a playback session.
package decode

import (
	"errors"
	"io"
	"time"

	"pcmout.dev/internal/audio"
)

// Common decoder errors
var (
	ErrInvalidData       = errors.New("invalid audio data")
	ErrReadFailure       = errors.New("failed to read audio data")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Clip is a fully decoded sound: interleaved little-endian PCM in Format
type Clip struct {
	Samples []byte
	Format  audio.SampleFormat
}

// Frames returns the number of whole frames in the clip
func (c *Clip) Frames() int {
	return c.Format.FramesForBytes(len(c.Samples))
}

// Duration returns the playback length of the clip
func (c *Clip) Duration() time.Duration {
	return c.Format.Duration(c.Frames())
}

// Decoder decodes one container format
type Decoder interface {
	// Decode reads audio data from reader and returns decoded PCM
	Decode(reader io.Reader) (*Clip, error)

	// CanDecode checks if this decoder can handle the given filename
	CanDecode(filename string) bool

	// FormatName returns the name of the format this decoder handles
	FormatName() string
}

// trimPartialFrame drops a trailing incomplete frame
func trimPartialFrame(samples []byte, f audio.SampleFormat) []byte {
	return samples[:f.BytesForFrames(f.FramesForBytes(len(samples)))]
}
