//go:build cgo

package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/platform"
)

func init() {
	audio.Register(audio.Registration{
		ID:          ID,
		Description: "miniaudio native output (ALSA, PulseAudio, CoreAudio, WASAPI)",
		Priority:    priority,
		New:         New,
	})
}

// miniaudio converts internally, so every device accepts the whole grid
var (
	sampleTypes   = []audio.SampleFormat{audio.FormatU8, audio.FormatS16, audio.FormatS24, audio.FormatS32, audio.FormatF32}
	channelCounts = []int{1, 2, 3, 4, 5, 6, 7, 8}
)

// Backend wraps one malgo context
type Backend struct {
	logger *slog.Logger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// New initializes a miniaudio context. Under WSL it refuses unless the
// "wsl" option is "allow", since output there crackles and a later backend
// in the priority order serves better.
func New(cfg audio.BackendConfig) (audio.Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if wsl, evidence := platform.Probe().WSL(); wsl && cfg.Option("wsl", "") != "allow" {
		logger.Debug("WSL detected, declining miniaudio backend", "evidence", evidence)
		return nil, fmt.Errorf("%w: WSL detected, miniaudio output crackles there (set wsl=allow to force)", audio.BackendInitFailed)
	}

	logger.Debug("initializing audio context")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo internal", "message", strings.TrimSpace(message))
	})
	if err != nil {
		logger.Error("failed to initialize audio context", "error", err)
		return nil, fmt.Errorf("%w: init miniaudio context: %w", audio.BackendInitFailed, err)
	}

	logger.Info("audio context initialized successfully")
	return &Backend{logger: logger, ctx: ctx}, nil
}

func (b *Backend) ID() audio.BackendID { return ID }

func (b *Backend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, fmt.Errorf("%w: miniaudio context is closed", audio.BackendInitFailed)
	}
	return b.ctx, nil
}

func (b *Backend) devices() ([]malgo.DeviceInfo, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("%w: list playback devices: %w", audio.BackendInitFailed, err)
	}
	return infos, nil
}

func (b *Backend) Enumerate(ctx context.Context) ([]audio.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := b.devices()
	if err != nil {
		return nil, err
	}

	out := make([]audio.DeviceDescriptor, 0, len(infos))
	for _, info := range infos {
		out = append(out, audio.DeviceDescriptor{
			Backend:   ID,
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	b.logger.Debug("enumerated playback devices", "count", len(out))
	return out, nil
}

func (b *Backend) lookup(id string) (malgo.DeviceInfo, error) {
	infos, err := b.devices()
	if err != nil {
		return malgo.DeviceInfo{}, err
	}
	for _, info := range infos {
		if info.ID.String() == id {
			return info, nil
		}
	}
	return malgo.DeviceInfo{}, fmt.Errorf("%w: no playback device with id %s", audio.DeviceNotFound, id)
}

func (b *Backend) Capabilities(_ context.Context, device audio.DeviceDescriptor) (audio.Capabilities, error) {
	if _, err := b.lookup(device.ID); err != nil {
		return audio.Capabilities{}, err
	}
	return audio.CapabilityGrid(sampleTypes, channelCounts, audio.StandardRates), nil
}

func (b *Backend) Open(_ context.Context, device audio.DeviceDescriptor, format audio.SampleFormat, periodFrames int) (audio.Handle, error) {
	info, err := b.lookup(device.ID)
	if err != nil {
		return nil, err
	}
	native, err := toMalgoFormat(format)
	if err != nil {
		return nil, err
	}
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}

	h := &handle{id: info.ID, format: format, period: periodFrames, logger: b.logger}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = native
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.Playback.DeviceID = h.id.Pointer()
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(periodFrames)
	cfg.Alsa.NoMMap = 1

	b.logger.Debug("device configuration",
		"device", device.Name,
		"format", format,
		"period_frames", periodFrames)

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: h.onData})
	if err != nil {
		b.logger.Error("failed to initialize playback device", "device", device.Name, "error", err)
		return nil, fmt.Errorf("%w: init playback device %q: %w", audio.BackendInitFailed, device.Name, err)
	}
	h.dev = dev
	return h, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		b.logger.Debug("audio context already closed")
		return nil
	}

	b.logger.Debug("closing audio context")
	// malgo requires both Uninit() and Free()
	if err := b.ctx.Uninit(); err != nil {
		b.logger.Error("failed to uninitialize audio context", "error", err)
		return fmt.Errorf("%w: uninit miniaudio context: %w", audio.BackendInitFailed, err)
	}
	b.ctx.Free()
	b.ctx = nil

	b.logger.Info("audio context closed successfully")
	return nil
}

// toMalgoFormat maps a sample type to miniaudio's; miniaudio has no signed
// 8-bit or wide unsigned types
func toMalgoFormat(f audio.SampleFormat) (malgo.FormatType, error) {
	switch {
	case f.Encoding == audio.EncodingUnsigned && f.BitDepth == 8:
		return malgo.FormatU8, nil
	case f.Encoding == audio.EncodingSigned && f.BitDepth == 16:
		return malgo.FormatS16, nil
	case f.Encoding == audio.EncodingSigned && f.BitDepth == 24:
		return malgo.FormatS24, nil
	case f.Encoding == audio.EncodingSigned && f.BitDepth == 32:
		return malgo.FormatS32, nil
	case f.Encoding == audio.EncodingFloat && f.BitDepth == 32:
		return malgo.FormatF32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: miniaudio has no %s sample type", audio.FormatNotSupported, f.Name())
}

// handle is one initialized miniaudio playback device
type handle struct {
	id     malgo.DeviceID
	dev    *malgo.Device
	format audio.SampleFormat
	period int
	logger *slog.Logger
	fill   atomic.Pointer[func(out []byte)]
	closed atomic.Bool
}

func (h *handle) Format() audio.SampleFormat { return h.format }
func (h *handle) PeriodFrames() int          { return h.period }

func (h *handle) RegisterFillCallback(fn func(out []byte)) {
	h.fill.Store(&fn)
}

// onData runs on miniaudio's real-time thread
func (h *handle) onData(out, _ []byte, _ uint32) {
	fn := h.fill.Load()
	if fn == nil {
		h.format.FillSilence(out)
		return
	}
	(*fn)(out)
}

func (h *handle) Start() error {
	if err := h.dev.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	h.logger.Debug("playback device started")
	return nil
}

// Stop blocks until the data callback has returned
func (h *handle) Stop() error {
	if err := h.dev.Stop(); err != nil {
		return fmt.Errorf("stop playback: %w", err)
	}
	h.logger.Debug("playback device stopped")
	return nil
}

// Pause stops the device natively; miniaudio resumes cleanly from a stop
func (h *handle) Pause() error  { return h.Stop() }
func (h *handle) Resume() error { return h.Start() }

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.dev.Uninit()
	return nil
}
