// Package wavfile registers the "wavfile" backend. It has one device, a WAV
// file, and is always available, so it is the fallback when no sound server
// answers. Periods arrive on the session's timer and are appended to the file
// through go-audio/wav.
package wavfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"pcmout.dev/internal/audio"
)

// ID is the backend id used in configuration and on the command line
const ID audio.BackendID = "wavfile"

// DeviceID is the id of the single file device
const DeviceID = "file"

const priority = 90

// WAV format tag for integer PCM
const pcmFormatTag = 1

func init() {
	audio.Register(audio.Registration{
		ID:          ID,
		Description: "writes playback to a WAV file",
		Priority:    priority,
		New:         New,
	})
}

var sampleTypes = []audio.SampleFormat{audio.FormatU8, audio.FormatS16, audio.FormatS24, audio.FormatS32}

var channelCounts = []int{1, 2, 3, 4, 5, 6, 7, 8}

// DefaultPath is where output goes when the "path" option is unset
func DefaultPath() string {
	return filepath.Join(xdg.CacheHome, "pcmout", "output.wav")
}

// Backend writes sessions to a WAV file
type Backend struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
}

// New returns a backend writing to the "path" option on the OS filesystem
func New(cfg audio.BackendConfig) (audio.Backend, error) {
	return NewWithFs(cfg, afero.NewOsFs()), nil
}

// NewWithFs returns a backend writing through fs
func NewWithFs(cfg audio.BackendConfig, fs afero.Fs) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		fs:     fs,
		path:   cfg.Option("path", DefaultPath()),
		logger: logger,
	}
}

func (b *Backend) ID() audio.BackendID { return ID }

// Path returns the output file path
func (b *Backend) Path() string { return b.path }

func (b *Backend) Enumerate(ctx context.Context) ([]audio.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []audio.DeviceDescriptor{{Backend: ID, ID: DeviceID, Name: b.path, IsDefault: true}}, nil
}

func (b *Backend) Capabilities(_ context.Context, device audio.DeviceDescriptor) (audio.Capabilities, error) {
	if device.ID != DeviceID {
		return audio.Capabilities{}, fmt.Errorf("%w: wavfile only has the %q device", audio.DeviceNotFound, DeviceID)
	}
	return audio.CapabilityGrid(sampleTypes, channelCounts, audio.StandardRates), nil
}

func (b *Backend) Open(_ context.Context, device audio.DeviceDescriptor, format audio.SampleFormat, periodFrames int) (audio.Handle, error) {
	if device.ID != DeviceID {
		return nil, fmt.Errorf("%w: wavfile only has the %q device", audio.DeviceNotFound, DeviceID)
	}
	if format.Encoding == audio.EncodingFloat || (format.BitDepth == 8) != (format.Encoding == audio.EncodingUnsigned) {
		return nil, fmt.Errorf("%w: WAV output needs u8 or signed 16/24/32-bit, got %s", audio.FormatNotSupported, format.Name())
	}

	if err := b.fs.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output directory: %w", audio.BackendInitFailed, err)
	}
	f, err := b.fs.Create(b.path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", audio.BackendInitFailed, b.path, err)
	}

	h := &handle{
		file:    f,
		encoder: wav.NewEncoder(f, format.SampleRate, format.BitDepth, format.Channels, pcmFormatTag),
		format:  format,
		period:  periodFrames,
		logger:  b.logger.With("path", b.path),
	}
	h.buf = &goaudio.IntBuffer{
		Data:           make([]int, periodFrames*format.Channels),
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		SourceBitDepth: format.BitDepth,
	}
	h.logger.Info("writing playback to WAV file", "format", format)
	return h, nil
}

func (b *Backend) Close() error {
	return nil
}

type handle struct {
	format audio.SampleFormat
	period int
	logger *slog.Logger

	mu      sync.Mutex
	file    afero.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	running bool
	paused  bool
	frames  int
	closed  bool
}

func (h *handle) Format() audio.SampleFormat { return h.format }
func (h *handle) PeriodFrames() int          { return h.period }

func (h *handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: WAV file already finalized", audio.DeviceClosed)
	}
	h.running, h.paused = true, false
	return nil
}

func (h *handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	return nil
}

func (h *handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = true
	return nil
}

func (h *handle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
	return nil
}

// SubmitPeriod appends p to the file. Paused periods are not recorded.
func (h *handle) SubmitPeriod(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running || h.closed {
		return fmt.Errorf("%w: WAV handle is not running", audio.InvalidState)
	}
	if h.paused {
		return nil
	}

	frames := h.format.FramesForBytes(len(p))
	n := frames * h.format.Channels
	if cap(h.buf.Data) < n {
		h.buf.Data = make([]int, n)
	}
	h.buf.Data = h.buf.Data[:n]
	toInts(h.buf.Data, p, h.format)

	if err := h.encoder.Write(h.buf); err != nil {
		return fmt.Errorf("write WAV samples: %w", err)
	}
	h.frames += frames
	return nil
}

// Close finalizes the WAV header and closes the file
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed, h.running = true, false

	encErr := h.encoder.Close()
	fileErr := h.file.Close()
	if encErr != nil {
		return fmt.Errorf("finalize WAV file: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close WAV file: %w", fileErr)
	}
	h.logger.Info("WAV file written", "frames", h.frames, "duration", h.format.Duration(h.frames))
	return nil
}

// toInts widens little-endian samples into the integer form go-audio/wav
// encodes. 8-bit WAV is unsigned, so those bytes pass through unchanged.
func toInts(dst []int, src []byte, f audio.SampleFormat) {
	bps := f.BytesPerSample()
	for i := range dst {
		s := src[i*bps:]
		switch f.BitDepth {
		case 8:
			dst[i] = int(s[0])
		case 16:
			dst[i] = int(int16(binary.LittleEndian.Uint16(s)))
		case 24:
			v := int32(s[0]) | int32(s[1])<<8 | int32(s[2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			dst[i] = int(v)
		case 32:
			dst[i] = int(int32(binary.LittleEndian.Uint32(s)))
		}
	}
}
