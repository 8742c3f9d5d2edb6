//go:build cgo || darwin || windows

package otoplay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"

	"pcmout.dev/internal/audio"
)

func init() {
	audio.Register(audio.Registration{
		ID:          ID,
		Description: "portable output through ebitengine/oto",
		Priority:    priority,
		New:         New,
	})
}

var (
	sampleTypes   = []audio.SampleFormat{audio.FormatU8, audio.FormatS16, audio.FormatF32}
	channelCounts = []int{1, 2}
)

// oto refuses a second context, so it lives for the whole process
var (
	sharedMu     sync.Mutex
	shared       *oto.Context
	sharedFormat audio.SampleFormat
)

// Backend hands out players on the process-wide oto context
type Backend struct {
	logger *slog.Logger
}

// New returns the oto backend
func New(cfg audio.BackendConfig) (audio.Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{logger: logger}, nil
}

func (b *Backend) ID() audio.BackendID { return ID }

func (b *Backend) Enumerate(ctx context.Context) ([]audio.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []audio.DeviceDescriptor{{
		Backend:   ID,
		ID:        DefaultDeviceID,
		Name:      "System default output",
		IsDefault: true,
	}}, nil
}

func (b *Backend) Capabilities(_ context.Context, device audio.DeviceDescriptor) (audio.Capabilities, error) {
	if device.ID != DefaultDeviceID {
		return audio.Capabilities{}, fmt.Errorf("%w: oto only has the %q device", audio.DeviceNotFound, DefaultDeviceID)
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return capabilities(shared != nil, sharedFormat), nil
}

// capabilities is the whole grid until a context exists, then only its format
func capabilities(contextExists bool, current audio.SampleFormat) audio.Capabilities {
	if contextExists {
		return audio.Capabilities{Formats: []audio.SampleFormat{current}}
	}
	return audio.CapabilityGrid(sampleTypes, channelCounts, audio.StandardRates)
}

func toOtoFormat(f audio.SampleFormat) (oto.Format, error) {
	switch {
	case f.Encoding == audio.EncodingUnsigned && f.BitDepth == 8:
		return oto.FormatUnsignedInt8, nil
	case f.Encoding == audio.EncodingSigned && f.BitDepth == 16:
		return oto.FormatSignedInt16LE, nil
	case f.Encoding == audio.EncodingFloat && f.BitDepth == 32:
		return oto.FormatFloat32LE, nil
	}
	return 0, fmt.Errorf("%w: oto has no %s sample type", audio.FormatNotSupported, f.Name())
}

// context returns the shared context, creating it for format on first use
func (b *Backend) context(format audio.SampleFormat, periodFrames int) (*oto.Context, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		if sharedFormat != format {
			return nil, fmt.Errorf("%w: oto is already running at %s", audio.FormatNotSupported, sharedFormat)
		}
		return shared, nil
	}

	native, err := toOtoFormat(format)
	if err != nil {
		return nil, err
	}
	if format.Channels > 2 {
		return nil, fmt.Errorf("%w: oto plays at most 2 channels", audio.FormatNotSupported)
	}

	b.logger.Debug("creating oto context", "format", format, "period_frames", periodFrames)
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       native,
		BufferSize:   format.Duration(2 * periodFrames),
	})
	if err != nil {
		b.logger.Error("failed to create oto context", "error", err)
		return nil, fmt.Errorf("%w: create oto context: %w", audio.BackendInitFailed, err)
	}
	<-ready

	shared, sharedFormat = ctx, format
	b.logger.Info("oto context ready", "format", format)
	return ctx, nil
}

func (b *Backend) Open(_ context.Context, device audio.DeviceDescriptor, format audio.SampleFormat, periodFrames int) (audio.Handle, error) {
	if device.ID != DefaultDeviceID {
		return nil, fmt.Errorf("%w: oto only has the %q device", audio.DeviceNotFound, DefaultDeviceID)
	}
	ctx, err := b.context(format, periodFrames)
	if err != nil {
		return nil, err
	}

	h := &handle{
		source: &pullReader{format: format},
		format: format,
		period: periodFrames,
		logger: b.logger,
	}
	h.player = ctx.NewPlayer(h.source)
	h.player.SetBufferSize(format.BytesForFrames(periodFrames))
	return h, nil
}

// Close leaves the shared context alive; oto cannot create another one
func (b *Backend) Close() error {
	b.logger.Debug("oto backend closed")
	return nil
}

// pullReader adapts the session's fill callback to the io.Reader oto pulls from
type pullReader struct {
	format audio.SampleFormat
	fill   atomic.Pointer[func(out []byte)]
}

// Read never fails and never reports EOF; the player would stop for good otherwise
func (r *pullReader) Read(p []byte) (int, error) {
	fn := r.fill.Load()
	if fn == nil {
		r.format.FillSilence(p)
		return len(p), nil
	}
	(*fn)(p)
	return len(p), nil
}

type handle struct {
	player *oto.Player
	source *pullReader
	format audio.SampleFormat
	period int
	logger *slog.Logger
	closed atomic.Bool
}

func (h *handle) Format() audio.SampleFormat { return h.format }
func (h *handle) PeriodFrames() int          { return h.period }

func (h *handle) RegisterFillCallback(fn func(out []byte)) {
	h.source.fill.Store(&fn)
}

func (h *handle) Start() error {
	h.player.Play()
	h.logger.Debug("oto player started")
	return nil
}

func (h *handle) Stop() error {
	h.player.Pause()
	h.logger.Debug("oto player stopped")
	return nil
}

func (h *handle) Pause() error {
	h.player.Pause()
	return nil
}

func (h *handle) Resume() error {
	h.player.Play()
	return nil
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := h.player.Close(); err != nil {
		return fmt.Errorf("close oto player: %w", err)
	}
	return nil
}
