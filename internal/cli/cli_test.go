package cli

import (
	"bytes"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/audio/audiotest"
	"pcmout.dev/internal/backend/wavfile"
	"pcmout.dev/internal/config"
	"pcmout.dev/internal/decode"
)

// newTestCLI returns a CLI over a memory filesystem whose subsystem only
// knows regs
func newTestCLI(t *testing.T, regs ...audio.Registration) (*CLI, afero.Fs) {
	t.Helper()

	originalHandler := slog.Default().Handler()
	t.Cleanup(func() { slog.SetDefault(slog.New(originalHandler)) })

	fs := afero.NewMemMapFs()
	c := NewCLI()
	c.fs = fs
	c.configManager = config.NewConfigManagerWithFilesystem(fs)
	c.subsystemOptions = []audio.SubsystemOption{audio.WithRegistrations(regs...)}
	return c, fs
}

func runCLI(c *CLI, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := c.Run(append([]string{"pcmout"}, args...), strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// wavRegistration writes WAV output into fs instead of the OS filesystem
func wavRegistration(fs afero.Fs) audio.Registration {
	return audio.Registration{
		ID:          wavfile.ID,
		Description: "writes playback to a WAV file",
		Priority:    90,
		New: func(cfg audio.BackendConfig) (audio.Backend, error) {
			return wavfile.NewWithFs(cfg, fs), nil
		},
	}
}

// writeTestWAV stores a short 16-bit sine ramp on fs
func writeTestWAV(t *testing.T, fs afero.Fs, path string, rate, channels, frames int) {
	t.Helper()
	f, err := fs.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		SourceBitDepth: 16,
		Data:           make([]int, frames*channels),
	}
	for i := 0; i < frames; i++ {
		v := int(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		for ch := 0; ch < channels; ch++ {
			buf.Data[i*channels+ch] = v
		}
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestCLI(t *testing.T) {
	cli := NewCLI()
	require.NotNil(t, cli.rootCmd)
	assert.Equal(t, "pcmout", cli.rootCmd.Use)

	var names []string
	for _, cmd := range cli.rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"backends", "devices", "play", "tone"} {
		assert.Contains(t, names, want)
	}

	for _, flag := range []string{"backend", "device", "rate", "channels", "bits", "encoding", "period",
		"volume", "config", "log-level", "wav-output", "metrics-addr"} {
		assert.NotNil(t, cli.rootCmd.PersistentFlags().Lookup(flag), "flag --%s", flag)
	}
}

func TestVersionFlag(t *testing.T) {
	c, _ := newTestCLI(t)
	code, stdout, _ := runCLI(c, "--version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "pcmout version "+Version+"\n", stdout)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		stderr string
	}{
		{"volume out of range", []string{"devices", "--volume", "2"}, "volume must be between"},
		{"volume not a number", []string{"devices", "--volume", "loud"}, "invalid volume value"},
		{"unknown backend", []string{"devices", "--backend", "jack"}, "invalid backend"},
		{"bad bit depth", []string{"devices", "--bits", "12"}, "invalid audio format"},
		{"bad log level", []string{"devices", "--log-level", "chatty"}, "invalid log level"},
		{"missing config file", []string{"devices", "--config", "/nope.json"}, "Error loading config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCLI(t, audiotest.NewBackend().Registration(10))
			code, _, stderr := runCLI(c, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.stderr)
		})
	}
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	mock := audiotest.NewBackend()
	c, fs := newTestCLI(t, mock.Registration(10))
	require.NoError(t, afero.WriteFile(fs, "/etc/pcmout.json", []byte(`{"sample_rate": 44100, "device": "Mock B"}`), 0o644))

	code, _, stderr := runCLI(c, "devices", "--config", "/etc/pcmout.json", "--rate", "96000")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, 96000, c.cfg.SampleRate, "flag beats file")
	assert.Equal(t, "Mock B", c.cfg.Device, "file beats defaults")
	assert.Equal(t, 2, c.cfg.Channels)
}

func TestRunTwiceOnOneCLI(t *testing.T) {
	c, _ := newTestCLI(t, audiotest.NewBackend().Registration(10))

	code, stdout, stderr := runCLI(c, "devices", "--rate", "96000")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Mock A")
	assert.Equal(t, 96000, c.cfg.SampleRate)

	code, stdout, stderr = runCLI(c, "devices")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Mock A", "the second run gets a live context")
	assert.Equal(t, 48000, c.cfg.SampleRate, "flags of the first run do not carry over")
}

func TestBackendsCommand(t *testing.T) {
	broken := audiotest.NewBackend(audiotest.WithID("broken"))
	broken.EnumerateErr = assert.AnError
	mock := audiotest.NewBackend()
	c, _ := newTestCLI(t, wavRegistration(afero.NewMemMapFs()), broken.Registration(5), mock.Registration(10))

	code, stdout, stderr := runCLI(c, "backends")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "broken")
	assert.Contains(t, lines[2], "mock")
	assert.Contains(t, lines[3], "wavfile")

	code, stdout, stderr = runCLI(c, "backends", "--probe")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "unavailable: backend init failed")
	assert.Contains(t, stdout, "available, 2 device(s)")
	assert.Contains(t, stdout, "available, 1 device(s)")
}

func TestDevicesCommand(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		negotiated string
	}{
		{"exact", nil, "s16/2ch/48000Hz"},
		{"nearest rate", []string{"--rate", "44100", "--channels", "1"}, "s16/2ch/48000Hz"},
		{"no float family", []string{"--encoding", "float", "--bits", "32"}, "format not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCLI(t, audiotest.NewBackend().Registration(10))
			code, stdout, stderr := runCLI(c, append([]string{"devices"}, tt.args...)...)
			require.Equal(t, 0, code, stderr)

			assert.Contains(t, stdout, "backend: mock")
			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			require.Len(t, lines, 4)
			assert.True(t, strings.HasPrefix(lines[2], "*"), "default device is marked: %q", lines[2])
			assert.Contains(t, lines[2], "Mock A")
			assert.Contains(t, lines[3], "Mock B")
			assert.Contains(t, lines[2], tt.negotiated)
		})
	}
}

func TestDevicesWithoutBackend(t *testing.T) {
	c, _ := newTestCLI(t)
	code, _, stderr := runCLI(c, "devices")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error initializing audio")
}

func TestToneToWavFile(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"fill callback", nil},
		{"write mode", []string{"--write"}},
		{"with metrics", []string{"--metrics-addr", "127.0.0.1:0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := afero.NewMemMapFs()
			c, _ := newTestCLI(t, wavRegistration(out))

			args := append([]string{"tone", "--duration", "60ms", "--rate", "22050", "--channels", "1",
				"--wav-output", "/out/tone.wav"}, tt.args...)
			code, stdout, stderr := runCLI(c, args...)
			require.Equal(t, 0, code, stderr)

			assert.Contains(t, stdout, "as s16/1ch/22050Hz")
			assert.Contains(t, stdout, "(wavfile)")
			assert.Contains(t, stdout, "underruns=")

			clip, err := decode.NewDefaultRegistry().DecodeFile(out, "/out/tone.wav")
			require.NoError(t, err)
			assert.Equal(t, audio.SampleFormat{Encoding: audio.EncodingSigned, BitDepth: 16, Channels: 1, SampleRate: 22050}, clip.Format)
			assert.Positive(t, clip.Frames())
		})
	}
}

func TestToneRejectsNegativeDuration(t *testing.T) {
	c, _ := newTestCLI(t, wavRegistration(afero.NewMemMapFs()))
	code, _, _ := runCLI(c, "tone", "--duration", "-1s")
	assert.Equal(t, 1, code)
}

func TestPlayFile(t *testing.T) {
	out := afero.NewMemMapFs()
	c, fs := newTestCLI(t, wavRegistration(out))
	writeTestWAV(t, fs, "/in/ramp.wav", 44100, 2, 2205)

	code, stdout, stderr := runCLI(c, "play", "/in/ramp", "--wav-output", "/out/play.wav", "--volume", "0.5")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "as s16/2ch/48000Hz")

	clip, err := decode.NewDefaultRegistry().DecodeFile(out, "/out/play.wav")
	require.NoError(t, err)
	assert.Equal(t, audio.FormatS16, clip.Format, "the clip is resampled to the requested rate")
	assert.Positive(t, clip.Frames())
}

func TestPlayErrors(t *testing.T) {
	c, fs := newTestCLI(t, wavRegistration(afero.NewMemMapFs()))
	require.NoError(t, afero.WriteFile(fs, "/notes.txt", []byte("not audio at all"), 0o644))

	code, _, stderr := runCLI(c, "play", "/missing.wav")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no file for /missing.wav")

	code, _, stderr = runCLI(c, "play", "/notes.txt")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error decoding /notes.txt")

	code, _, _ = runCLI(c, "play")
	assert.Equal(t, 1, code, "a file argument is required")
}

func TestSetupLoggingWithFile(t *testing.T) {
	originalHandler := slog.Default().Handler()
	defer slog.SetDefault(slog.New(originalHandler))

	cm := config.NewConfigManagerWithFilesystem(afero.NewMemMapFs())
	cfg := cm.GetDefaultConfig()
	logPath := filepath.Join(t.TempDir(), "pcmout.log")
	cfg.FileLogging.Enabled = true
	cfg.FileLogging.Filename = logPath

	var stderr bytes.Buffer
	setupLogging(cm, cfg, &stderr)

	slog.Debug("period tick", "period_frames", 512)
	slog.Warn("buffer underrun, silence substituted")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"period tick"`)
	assert.Contains(t, string(data), "buffer underrun")

	assert.NotContains(t, stderr.String(), "period tick", "stderr stays at warn")
	assert.Contains(t, stderr.String(), "buffer underrun")
}
