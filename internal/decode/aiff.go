package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-audio/aiff"

	"pcmout.dev/internal/audio"
)

// AiffDecoder handles AIFF audio format decoding
type AiffDecoder struct{}

// NewAiffDecoder creates a new AIFF decoder instance
func NewAiffDecoder() *AiffDecoder {
	return &AiffDecoder{}
}

// FormatName returns the name of the format this decoder handles
func (d *AiffDecoder) FormatName() string {
	return "AIFF"
}

// CanDecode checks if this decoder can handle the given filename
func (d *AiffDecoder) CanDecode(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".aiff") || strings.HasSuffix(lower, ".aif")
}

// Decode reads AIFF audio data from reader. AIFF stores big-endian signed
// samples; the clip holds them little-endian.
func (d *AiffDecoder) Decode(reader io.Reader) (*Clip, error) {
	slog.Debug("starting AIFF decode operation")

	// go-audio/aiff needs a ReadSeeker
	data, err := io.ReadAll(reader)
	if err != nil {
		slog.Error("failed to read AIFF data", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty AIFF data", ErrInvalidData)
	}

	decoder := aiff.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: not an AIFF file", ErrInvalidData)
	}

	format := audio.SampleFormat{
		Encoding:   audio.EncodingSigned,
		BitDepth:   int(decoder.SampleBitDepth()),
		Channels:   int(decoder.NumChans),
		SampleRate: int(decoder.SampleRate),
	}
	slog.Debug("AIFF format detected", "format", format)
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	pcm, err := decoder.FullPCMBuffer()
	if err != nil {
		slog.Error("failed to read AIFF samples", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	if pcm == nil || len(pcm.Data) == 0 {
		return nil, fmt.Errorf("%w: no audio data in AIFF file", ErrInvalidData)
	}

	samples := trimPartialFrame(intsToBytes(pcm.Data, format.BitDepth), format)
	clip := &Clip{Samples: samples, Format: format}
	slog.Info("AIFF decode completed successfully",
		"total_bytes", len(samples),
		"format", format,
		"duration", clip.Duration())
	return clip, nil
}

// intsToBytes packs signed integer samples little-endian at the given width
func intsToBytes(data []int, bitDepth int) []byte {
	bps := bitDepth / 8
	out := make([]byte, len(data)*bps)
	for i, v := range data {
		dst := out[i*bps:]
		switch bitDepth {
		case 8:
			dst[0] = byte(int8(v))
		case 16:
			binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
		case 24:
			dst[0], dst[1], dst[2] = byte(v), byte(v>>8), byte(v>>16)
		case 32:
			binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
		}
	}
	return out
}
