package decode

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hajimehoshi/go-mp3"

	"pcmout.dev/internal/audio"
)

// Mp3Decoder handles MP3 audio format decoding
type Mp3Decoder struct{}

// NewMp3Decoder creates a new MP3 decoder instance
func NewMp3Decoder() *Mp3Decoder {
	return &Mp3Decoder{}
}

// Decode reads MP3 audio data from reader. go-mp3 always produces signed
// 16-bit stereo.
func (d *Mp3Decoder) Decode(reader io.Reader) (*Clip, error) {
	slog.Debug("starting MP3 decode operation")

	decoder, err := mp3.NewDecoder(reader)
	if err != nil {
		slog.Error("failed to create MP3 decoder", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	sampleRate := decoder.SampleRate()
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: MP3 sample rate %d", ErrInvalidData, sampleRate)
	}
	format := audio.SampleFormat{Encoding: audio.EncodingSigned, BitDepth: 16, Channels: 2, SampleRate: sampleRate}

	var samples []byte
	if n := decoder.Length(); n > 0 {
		samples = make([]byte, 0, int(n))
	}
	buf := make([]byte, 4096)
	for {
		n, err := decoder.Read(buf)
		samples = append(samples, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("failed to read MP3 PCM data", "error", err, "bytes_read", len(samples))
			return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
		}
	}

	samples = trimPartialFrame(samples, format)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no audio data in MP3 file", ErrInvalidData)
	}

	clip := &Clip{Samples: samples, Format: format}
	slog.Info("MP3 decode completed successfully",
		"total_bytes", len(samples),
		"format", format,
		"duration", clip.Duration())
	return clip, nil
}

// CanDecode checks if this decoder can handle the given filename
func (d *Mp3Decoder) CanDecode(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".mp3") || strings.HasSuffix(lower, ".mpeg")
}

// FormatName returns the name of the format this decoder handles
func (d *Mp3Decoder) FormatName() string {
	return "MP3"
}
