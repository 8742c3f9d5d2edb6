// Package audiotest provides an in-memory audio backend and a manual clock
// for exercising sessions without audio hardware.
package audiotest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"pcmout.dev/internal/audio"
)

// Mode selects how the mock exchanges periods with the session
type Mode int

const (
	Pull Mode = iota
	Push
)

// Device is one mock output device
type Device struct {
	ID      string
	Name    string
	Default bool
	Caps    audio.Capabilities
}

// DefaultDevices returns the two devices "Mock A" (default) and "Mock B",
// both supporting exactly s16, stereo, 48000Hz
func DefaultDevices() []Device {
	caps := audio.Capabilities{Formats: []audio.SampleFormat{audio.FormatS16}}
	return []Device{
		{ID: "mock-a", Name: "Mock A", Default: true, Caps: caps},
		{ID: "mock-b", Name: "Mock B", Caps: caps},
	}
}

// Backend is an audio.Backend whose devices capture everything played to them
type Backend struct {
	id          audio.BackendID
	mode        Mode
	nativePause bool
	devices     []Device

	// fault injection, set before use
	EnumerateErr error
	OpenErr      error
	StartErr     error
	CloseErr     error
	// OnSubmit runs inside SubmitPeriod on the session's timer goroutine
	OnSubmit func(p []byte)

	mu      sync.Mutex
	handles map[string]*Handle
	opens   int
	closed  atomic.Int32
}

// Option configures a mock Backend
type Option func(*Backend)

// WithID overrides the backend id, "mock" by default
func WithID(id audio.BackendID) Option { return func(b *Backend) { b.id = id } }

// WithMode selects push or pull delivery
func WithMode(m Mode) Option { return func(b *Backend) { b.mode = m } }

// WithNativePause makes handles implement audio.Pauser
func WithNativePause() Option { return func(b *Backend) { b.nativePause = true } }

// WithDevices replaces the default device list
func WithDevices(devices ...Device) Option {
	return func(b *Backend) { b.devices = devices }
}

// NewBackend creates a mock backend with DefaultDevices
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		id:      "mock",
		devices: DefaultDevices(),
		handles: map[string]*Handle{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registration returns a registration whose factory always yields b
func (b *Backend) Registration(priority int) audio.Registration {
	return audio.Registration{
		ID:          b.id,
		Description: "in-memory test backend",
		Priority:    priority,
		New:         func(audio.BackendConfig) (audio.Backend, error) { return b, nil },
	}
}

func (b *Backend) ID() audio.BackendID { return b.id }

func (b *Backend) Enumerate(ctx context.Context) ([]audio.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.EnumerateErr != nil {
		return nil, b.EnumerateErr
	}
	out := make([]audio.DeviceDescriptor, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, audio.DeviceDescriptor{Backend: b.id, ID: d.ID, Name: d.Name, IsDefault: d.Default})
	}
	return out, nil
}

func (b *Backend) find(id string) (Device, error) {
	for _, d := range b.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: mock device %q", audio.DeviceNotFound, id)
}

func (b *Backend) Capabilities(_ context.Context, device audio.DeviceDescriptor) (audio.Capabilities, error) {
	d, err := b.find(device.ID)
	if err != nil {
		return audio.Capabilities{}, err
	}
	return d.Caps, nil
}

func (b *Backend) Open(_ context.Context, device audio.DeviceDescriptor, format audio.SampleFormat, periodFrames int) (audio.Handle, error) {
	d, err := b.find(device.ID)
	if err != nil {
		return nil, err
	}
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	if !d.Caps.Contains(format) {
		return nil, fmt.Errorf("%w: %s on %s", audio.FormatNotSupported, format, d.Name)
	}

	h := &Handle{backend: b, format: format, period: periodFrames}
	b.mu.Lock()
	b.handles[d.ID] = h
	b.opens++
	b.mu.Unlock()

	switch {
	case b.mode == Push && b.nativePause:
		return &pausablePush{pushHandle{h}}, nil
	case b.mode == Push:
		return &pushHandle{h}, nil
	case b.nativePause:
		return &pausablePull{pullHandle{h}}, nil
	default:
		return &pullHandle{h}, nil
	}
}

func (b *Backend) Close() error {
	b.closed.Add(1)
	return nil
}

// Closed reports how many times the backend was closed
func (b *Backend) Closed() int { return int(b.closed.Load()) }

// Opens reports how many handles were opened
func (b *Backend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Handle returns the most recent handle opened on a device
func (b *Backend) Handle(deviceID string) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[deviceID]
}

// Handle records what a session did with a mock device
type Handle struct {
	backend *Backend
	format  audio.SampleFormat
	period  int

	mu       sync.Mutex
	fill     func(out []byte)
	started  bool
	paused   bool
	captured []byte
	periods  int
	starts   int
	stops    int
	closes   atomic.Int32
}

func (h *Handle) Format() audio.SampleFormat { return h.format }
func (h *Handle) PeriodFrames() int          { return h.period }

func (h *Handle) Start() error {
	if h.backend.StartErr != nil {
		return h.backend.StartErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	h.starts++
	return nil
}

func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = false
	h.paused = false
	h.stops++
	return nil
}

func (h *Handle) Close() error {
	h.closes.Add(1)
	return h.backend.CloseErr
}

// Tick simulates one native pull callback and returns the period it produced.
// It returns nil when the device is not running.
func (h *Handle) Tick() []byte {
	h.mu.Lock()
	fill, running := h.fill, h.started && !h.paused
	h.mu.Unlock()
	if fill == nil || !running {
		return nil
	}

	out := make([]byte, h.format.BytesForFrames(h.period))
	for i := range out {
		out[i] = 0xAA // poison, the session must overwrite every byte
	}
	fill(out)
	h.record(out)
	return out
}

func (h *Handle) record(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.captured = append(h.captured, p...)
	h.periods++
}

// Captured returns a copy of everything delivered to the device
func (h *Handle) Captured() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.captured...)
}

// Periods returns the number of periods delivered to the device
func (h *Handle) Periods() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.periods
}

// Running reports whether the device is started and not natively paused
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started && !h.paused
}

// Starts and Stops report how often the device was started and stopped
func (h *Handle) Starts() int { h.mu.Lock(); defer h.mu.Unlock(); return h.starts }
func (h *Handle) Stops() int  { h.mu.Lock(); defer h.mu.Unlock(); return h.stops }

// Closes reports how often the native handle was released
func (h *Handle) Closes() int { return int(h.closes.Load()) }

func (h *Handle) setPaused(p bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = p
	return nil
}

type pullHandle struct{ *Handle }

func (h *pullHandle) RegisterFillCallback(fn func(out []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fill = fn
}

type pushHandle struct{ *Handle }

func (h *pushHandle) SubmitPeriod(p []byte) error {
	if h.backend.OnSubmit != nil {
		h.backend.OnSubmit(p)
	}
	h.record(p)
	return nil
}

type pausablePull struct{ pullHandle }

func (h *pausablePull) Pause() error  { return h.setPaused(true) }
func (h *pausablePull) Resume() error { return h.setPaused(false) }

type pausablePush struct{ pushHandle }

func (h *pausablePush) Pause() error  { return h.setPaused(true) }
func (h *pausablePush) Resume() error { return h.setPaused(false) }
