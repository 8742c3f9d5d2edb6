package decode

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// Registry manages decoders and picks one per file
type Registry struct {
	decoders []Decoder
}

// NewRegistry creates an empty decoder registry
func NewRegistry() *Registry {
	return &Registry{decoders: make([]Decoder, 0)}
}

// NewDefaultRegistry creates a registry with WAV, MP3 and AIFF decoders
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewWavDecoder())
	r.Register(NewMp3Decoder())
	r.Register(NewAiffDecoder())
	return r
}

// Register adds a decoder; earlier registrations win extension ties
func (r *Registry) Register(decoder Decoder) {
	if decoder == nil {
		slog.Warn("attempted to register nil decoder")
		return
	}
	r.decoders = append(r.decoders, decoder)
	slog.Debug("decoder registered", "format", decoder.FormatName(), "total_decoders", len(r.decoders))
}

// Decoders returns all registered decoders
func (r *Registry) Decoders() []Decoder {
	return r.decoders
}

// SupportedFormats returns the names of all registered formats
func (r *Registry) SupportedFormats() []string {
	formats := make([]string, 0, len(r.decoders))
	for _, d := range r.decoders {
		formats = append(formats, d.FormatName())
	}
	return formats
}

// DetectFormat picks a decoder by filename extension only
func (r *Registry) DetectFormat(filename string) Decoder {
	if filename == "" {
		return nil
	}
	for _, d := range r.decoders {
		if d.CanDecode(filename) {
			return d
		}
	}
	return nil
}

// DetectFormatWithContent picks a decoder from the magic bytes in header,
// falling back to the extension
func (r *Registry) DetectFormatWithContent(filename string, header []byte) Decoder {
	if len(header) > 0 {
		mtype := mimetype.Detect(header)
		if d := r.decoderForMIME(mtype); d != nil {
			slog.Debug("format detected by magic bytes",
				"filename", filename,
				"format", d.FormatName(),
				"mime_type", mtype.String())
			return d
		}
		slog.Debug("magic bytes not recognized, falling back to extension",
			"filename", filename,
			"mime_type", mtype.String())
	}
	return r.DetectFormat(filename)
}

func (r *Registry) decoderForMIME(mtype *mimetype.MIME) Decoder {
	var format string
	switch {
	case mtype.Is("audio/wav"):
		format = "WAV"
	case mtype.Is("audio/mpeg"):
		format = "MP3"
	case mtype.Is("audio/aiff"):
		format = "AIFF"
	default:
		return nil
	}
	for _, d := range r.decoders {
		if strings.EqualFold(d.FormatName(), format) {
			return d
		}
	}
	return nil
}

// Decode decodes the content of reader, named filename
func (r *Registry) Decode(filename string, reader io.Reader) (*Clip, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrReadFailure, filename, err)
	}

	header := content[:min(len(content), 3072)]
	decoder := r.DetectFormatWithContent(filename, header)
	if decoder == nil {
		slog.Error("no suitable decoder found", "filename", filename)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}

	clip, err := decoder.Decode(bytes.NewReader(content))
	if err != nil {
		slog.Error("decode operation failed",
			"filename", filename,
			"decoder_format", decoder.FormatName(),
			"error", err)
		return nil, fmt.Errorf("decode %s as %s: %w", filename, decoder.FormatName(), err)
	}
	return clip, nil
}

// DecodeFile opens path on fs and decodes it
func (r *Registry) DecodeFile(fs afero.Fs, path string) (*Clip, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()
	return r.Decode(path, f)
}
