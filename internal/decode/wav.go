package decode

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/youpy/go-wav"

	"pcmout.dev/internal/audio"
)

// WAVE format tags
const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// WavDecoder handles WAV audio format decoding
type WavDecoder struct{}

// NewWavDecoder creates a new WAV decoder instance
func NewWavDecoder() *WavDecoder {
	return &WavDecoder{}
}

// Decode reads WAV audio data from reader. The data chunk is already
// little-endian PCM, so it is kept byte for byte: 8-bit is unsigned, wider
// integer samples are signed, format tag 3 is 32-bit float.
func (d *WavDecoder) Decode(reader io.Reader) (*Clip, error) {
	slog.Debug("starting WAV decode operation")

	// youpy/go-wav needs random access
	data, err := io.ReadAll(reader)
	if err != nil {
		slog.Error("failed to read WAV data", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty WAV data", ErrInvalidData)
	}

	wavReader := wav.NewReader(bytes.NewReader(data))
	wf, err := wavReader.Format()
	if err != nil {
		slog.Error("failed to read WAV format", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	slog.Debug("WAV format detected",
		"audio_format", wf.AudioFormat,
		"sample_rate", wf.SampleRate,
		"channels", wf.NumChannels,
		"bits_per_sample", wf.BitsPerSample)

	format, err := wavSampleFormat(wf.AudioFormat, int(wf.BitsPerSample), int(wf.NumChannels), int(wf.SampleRate))
	if err != nil {
		return nil, err
	}

	samples, err := io.ReadAll(wavReader)
	if err != nil {
		slog.Error("failed to read WAV samples", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	samples = trimPartialFrame(samples, format)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no audio data in WAV file", ErrInvalidData)
	}

	clip := &Clip{Samples: samples, Format: format}
	slog.Info("WAV decode completed successfully",
		"total_bytes", len(samples),
		"format", format,
		"duration", clip.Duration())
	return clip, nil
}

func wavSampleFormat(tag uint16, bits, channels, rate int) (audio.SampleFormat, error) {
	f := audio.SampleFormat{BitDepth: bits, Channels: channels, SampleRate: rate}
	switch tag {
	case wavFormatFloat:
		f.Encoding = audio.EncodingFloat
	case wavFormatPCM, wavFormatExtensible:
		f.Encoding = audio.EncodingSigned
		if bits == 8 {
			f.Encoding = audio.EncodingUnsigned
		}
	default:
		return audio.SampleFormat{}, fmt.Errorf("%w: WAV format tag %d", ErrUnsupportedFormat, tag)
	}
	if err := f.Validate(); err != nil {
		return audio.SampleFormat{}, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return f, nil
}

// CanDecode checks if this decoder can handle the given filename
func (d *WavDecoder) CanDecode(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".wav") || strings.HasSuffix(lower, ".wave")
}

// FormatName returns the name of the format this decoder handles
func (d *WavDecoder) FormatName() string {
	return "WAV"
}
