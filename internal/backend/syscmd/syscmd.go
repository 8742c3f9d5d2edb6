// Package syscmd registers the "syscmd" backend, which pipes raw PCM into a
// system playback command (paplay, pw-cat or aplay). Each installed command
// is one device. Periods are pushed from the session's timer; a full pipe
// blocks the write, which paces the timer to the command's consumption.
package syscmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/platform"
)

// ID is the backend id used in configuration and on the command line
const ID audio.BackendID = "syscmd"

const priority = 30

// how long Stop waits for a command to drain before killing it
const drainTimeout = 2 * time.Second

func init() {
	audio.Register(audio.Registration{
		ID:          ID,
		Description: "raw PCM piped to paplay, pw-cat or aplay",
		Priority:    priority,
		New:         New,
	})
}

// player describes one playback command
type player struct {
	name    string
	label   string
	formats map[audio.SampleFormat]string // sample type -> format flag value
	args    func(formatFlag string, f audio.SampleFormat) []string
}

var (
	u8  = audio.SampleFormat{Encoding: audio.EncodingUnsigned, BitDepth: 8}
	s8  = audio.SampleFormat{Encoding: audio.EncodingSigned, BitDepth: 8}
	s16 = audio.SampleFormat{Encoding: audio.EncodingSigned, BitDepth: 16}
	s24 = audio.SampleFormat{Encoding: audio.EncodingSigned, BitDepth: 24}
	s32 = audio.SampleFormat{Encoding: audio.EncodingSigned, BitDepth: 32}
	f32 = audio.SampleFormat{Encoding: audio.EncodingFloat, BitDepth: 32}
)

// players in preference order: PulseAudio, PipeWire, then plain ALSA
var players = []player{
	{
		name:    "paplay",
		label:   "PulseAudio (paplay)",
		formats: map[audio.SampleFormat]string{u8: "u8", s16: "s16le", s24: "s24le", s32: "s32le", f32: "float32le"},
		args: func(flag string, f audio.SampleFormat) []string {
			return []string{"--raw", "--format=" + flag, "--rate=" + strconv.Itoa(f.SampleRate), "--channels=" + strconv.Itoa(f.Channels)}
		},
	},
	{
		name:    "pw-cat",
		label:   "PipeWire (pw-cat)",
		formats: map[audio.SampleFormat]string{u8: "u8", s8: "s8", s16: "s16", s24: "s24", s32: "s32", f32: "f32"},
		args: func(flag string, f audio.SampleFormat) []string {
			return []string{"--playback", "--format=" + flag, "--rate=" + strconv.Itoa(f.SampleRate), "--channels=" + strconv.Itoa(f.Channels), "-"}
		},
	},
	{
		name:    "aplay",
		label:   "ALSA (aplay)",
		formats: map[audio.SampleFormat]string{u8: "U8", s8: "S8", s16: "S16_LE", s24: "S24_3LE", s32: "S32_LE", f32: "FLOAT_LE"},
		args: func(flag string, f audio.SampleFormat) []string {
			return []string{"-q", "-t", "raw", "-f", flag, "-r", strconv.Itoa(f.SampleRate), "-c", strconv.Itoa(f.Channels), "-"}
		},
	},
}

var channelCounts = []int{1, 2, 3, 4, 5, 6, 7, 8}

func sampleType(f audio.SampleFormat) audio.SampleFormat {
	return audio.SampleFormat{Encoding: f.Encoding, BitDepth: f.BitDepth}
}

// Backend implements audio.Backend over system playback commands
type Backend struct {
	logger        *slog.Logger
	only          string
	commandExists func(string) bool
	newCommand    func(name string, args ...string) *exec.Cmd
}

// New returns the backend. The "command" option restricts it to one player.
func New(cfg audio.BackendConfig) (audio.Backend, error) {
	return newBackend(cfg, platform.Probe().Has, exec.Command), nil
}

// newBackend creates a backend with injected dependencies for testing
func newBackend(cfg audio.BackendConfig, commandExists func(string) bool, newCommand func(string, ...string) *exec.Cmd) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		logger:        logger,
		only:          cfg.Option("command", ""),
		commandExists: commandExists,
		newCommand:    newCommand,
	}
}

func (b *Backend) ID() audio.BackendID { return ID }

func (b *Backend) available() []player {
	var out []player
	for _, p := range players {
		if b.only != "" && p.name != b.only {
			continue
		}
		if b.commandExists(p.name) {
			out = append(out, p)
		}
	}
	return out
}

func (b *Backend) find(id string) (player, error) {
	for _, p := range b.available() {
		if p.name == id {
			return p, nil
		}
	}
	return player{}, fmt.Errorf("%w: playback command %q is not installed", audio.DeviceNotFound, id)
}

func (b *Backend) Enumerate(ctx context.Context) ([]audio.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// players are listed in preference order, so the first installed one is the default
	avail := b.available()
	out := make([]audio.DeviceDescriptor, 0, len(avail))
	for i, p := range avail {
		out = append(out, audio.DeviceDescriptor{Backend: ID, ID: p.name, Name: p.label, IsDefault: i == 0})
	}
	b.logger.Debug("enumerated system playback commands", "count", len(out))
	return out, nil
}

func (b *Backend) Capabilities(_ context.Context, device audio.DeviceDescriptor) (audio.Capabilities, error) {
	p, err := b.find(device.ID)
	if err != nil {
		return audio.Capabilities{}, err
	}
	types := make([]audio.SampleFormat, 0, len(p.formats))
	for _, t := range []audio.SampleFormat{u8, s8, s16, s24, s32, f32} {
		if _, ok := p.formats[t]; ok {
			types = append(types, t)
		}
	}
	return audio.CapabilityGrid(types, channelCounts, audio.StandardRates), nil
}

func (b *Backend) Open(_ context.Context, device audio.DeviceDescriptor, format audio.SampleFormat, periodFrames int) (audio.Handle, error) {
	p, err := b.find(device.ID)
	if err != nil {
		return nil, err
	}
	flag, ok := p.formats[sampleType(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot play %s", audio.FormatNotSupported, p.name, format.Name())
	}

	h := &handle{
		backend: b,
		command: p.name,
		args:    p.args(flag, format),
		format:  format,
		period:  periodFrames,
		logger:  b.logger.With("command", p.name),
	}
	h.logger.Debug("system command device opened", "args", h.args)
	return h, nil
}

func (b *Backend) Close() error {
	b.logger.Debug("system command backend closed")
	return nil
}

// handle runs one playback process per Start..Stop
type handle struct {
	backend *Backend
	command string
	args    []string
	format  audio.SampleFormat
	period  int
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

func (h *handle) Format() audio.SampleFormat { return h.format }
func (h *handle) PeriodFrames() int          { return h.period }

func (h *handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("%w: %s handle is closed", audio.DeviceClosed, h.command)
	}
	if h.cmd != nil {
		return nil
	}

	cmd := h.backend.newCommand(h.command, h.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe for %s: %w", audio.BackendInitFailed, h.command, err)
	}
	if err := cmd.Start(); err != nil {
		h.logger.Error("system command failed to start", "error", err)
		return fmt.Errorf("%w: start %s: %w", audio.BackendInitFailed, h.command, err)
	}

	h.cmd, h.stdin = cmd, stdin
	h.logger.Debug("system command started", "pid", cmd.Process.Pid)
	return nil
}

// SubmitPeriod writes one period to the command's stdin
func (h *handle) SubmitPeriod(p []byte) error {
	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()

	if stdin == nil {
		return fmt.Errorf("%w: %s is not running", audio.InvalidState, h.command)
	}
	_, err := stdin.Write(p)
	return err
}

// Stop closes stdin so the command drains and exits, killing it if it does not
func (h *handle) Stop() error {
	h.mu.Lock()
	cmd, stdin := h.cmd, h.stdin
	h.cmd, h.stdin = nil, nil
	h.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			h.logger.Warn("system command exited with error", "error", err)
		}
		h.logger.Debug("system command finished")
		return nil
	case <-time.After(drainTimeout):
		h.logger.Warn("system command did not exit after stdin closed, killing it", "timeout", drainTimeout)
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill %s: %w", h.command, err)
		}
		<-done
		return nil
	}
}

func (h *handle) Close() error {
	err := h.Stop()
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return err
}
