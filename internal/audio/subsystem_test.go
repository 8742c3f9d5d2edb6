package audio_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/audio/audiotest"
)

func TestOperationsBeforeInitialize(t *testing.T) {
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations())
	ctx := context.Background()

	_, err := sys.EnumerateDevices(ctx)
	assert.ErrorIs(t, err, audio.NotInitialized)

	_, err = sys.DefaultDevice(ctx)
	assert.ErrorIs(t, err, audio.NotInitialized)

	_, err = sys.OpenDevice(ctx, audio.DeviceDescriptor{ID: "x"}, s16Stereo48k)
	assert.ErrorIs(t, err, audio.NotInitialized)

	_, err = sys.ActiveBackend()
	assert.ErrorIs(t, err, audio.NotInitialized)

	assert.ErrorIs(t, sys.Shutdown(), audio.NotInitialized)
}

func TestInitializeSelectsByPriority(t *testing.T) {
	broken := audiotest.NewBackend(audiotest.WithID("broken"))
	broken.EnumerateErr = assert.AnError
	empty := audiotest.NewBackend(audiotest.WithID("empty"), audiotest.WithDevices())
	good := audiotest.NewBackend(audiotest.WithID("good"))
	fallback := audiotest.NewBackend(audiotest.WithID("fallback"))

	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(
		fallback.Registration(90),
		good.Registration(30),
		empty.Registration(20),
		broken.Registration(10),
	))

	ids := []audio.BackendID{}
	for _, r := range sys.Backends() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []audio.BackendID{"broken", "empty", "good", "fallback"}, ids)

	require.NoError(t, sys.Initialize(context.Background(), audio.AutoBackend))
	active, err := sys.ActiveBackend()
	require.NoError(t, err)
	assert.Equal(t, audio.BackendID("good"), active)

	// rejected candidates are released
	assert.Equal(t, 1, broken.Closed())
	assert.Equal(t, 1, empty.Closed())
	assert.Zero(t, fallback.Closed())

	require.NoError(t, sys.Shutdown())
	assert.Equal(t, 1, good.Closed())
}

func TestInitializePreferredBackend(t *testing.T) {
	first := audiotest.NewBackend(audiotest.WithID("first"))
	second := audiotest.NewBackend(audiotest.WithID("second"))
	regs := audio.WithRegistrations(first.Registration(10), second.Registration(20))
	ctx := context.Background()

	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), regs)
	require.NoError(t, sys.Initialize(ctx, "second"))
	active, _ := sys.ActiveBackend()
	assert.Equal(t, audio.BackendID("second"), active)
	require.NoError(t, sys.Shutdown())

	err := sys.Initialize(ctx, "nope")
	assert.ErrorIs(t, err, audio.BackendInitFailed)
	assert.False(t, sys.Initialized())

	// an explicit choice does not fall back
	second.EnumerateErr = assert.AnError
	err = sys.Initialize(ctx, "second")
	assert.ErrorIs(t, err, audio.BackendInitFailed)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, sys.Initialized())
}

func TestInitializeWithNoUsableBackend(t *testing.T) {
	a := audiotest.NewBackend(audiotest.WithID("a"), audiotest.WithDevices())
	b := audiotest.NewBackend(audiotest.WithID("b"))
	b.EnumerateErr = assert.AnError

	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(a.Registration(1), b.Registration(2)))
	err := sys.Initialize(context.Background(), "")
	assert.ErrorIs(t, err, audio.BackendInitFailed)
	assert.False(t, sys.Initialized())

	only := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(a.Registration(1)))
	err = only.Initialize(context.Background(), "")
	assert.ErrorIs(t, err, audio.DeviceNotFound)
}

func TestReinitializeAfterShutdown(t *testing.T) {
	mock := audiotest.NewBackend()
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(mock.Registration(10)))
	ctx := context.Background()

	require.NoError(t, sys.Initialize(ctx, ""))
	assert.ErrorIs(t, sys.Initialize(ctx, ""), audio.AlreadyInitialized)

	dev, err := sys.DefaultDevice(ctx)
	require.NoError(t, err)
	sess, err := sys.OpenDevice(ctx, dev, s16Stereo48k)
	require.NoError(t, err)
	require.NoError(t, sess.Start())

	require.NoError(t, sys.Shutdown())
	assert.Equal(t, audio.StateClosed, sess.State(), "shutdown closes open sessions")
	assert.Empty(t, sys.Sessions())

	_, err = sys.EnumerateDevices(ctx)
	assert.ErrorIs(t, err, audio.NotInitialized)

	require.NoError(t, sys.Initialize(ctx, ""))
	again, err := sys.OpenDevice(ctx, dev, s16Stereo48k)
	require.NoError(t, err, "state from the previous initialization is gone")
	require.NoError(t, again.Close())
	require.NoError(t, sys.Shutdown())
}

func TestOpenDeviceExclusive(t *testing.T) {
	mock := audiotest.NewBackend()
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(mock.Registration(10)))
	ctx := context.Background()
	require.NoError(t, sys.Initialize(ctx, ""))
	defer sys.Shutdown()

	devices, err := sys.EnumerateDevices(ctx)
	require.NoError(t, err)

	a, err := sys.OpenDevice(ctx, devices[0], s16Stereo48k)
	require.NoError(t, err)

	_, err = sys.OpenDevice(ctx, devices[0], s16Stereo48k)
	assert.ErrorIs(t, err, audio.DeviceBusy)

	b, err := sys.OpenDevice(ctx, devices[1], s16Stereo48k)
	require.NoError(t, err, "other devices are unaffected")
	assert.Len(t, sys.Sessions(), 2)

	require.NoError(t, a.Close())
	a2, err := sys.OpenDevice(ctx, devices[0], s16Stereo48k)
	require.NoError(t, err, "closing releases the device")

	require.NoError(t, a2.Close())
	require.NoError(t, b.Close())
}

func TestOpenDeviceBeforeInitialize(t *testing.T) {
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(audiotest.NewBackend().Registration(10)))
	ctx := context.Background()

	tests := []struct {
		name   string
		format audio.SampleFormat
	}{
		{"valid request", s16Stereo48k},
		{"invalid request", audio.SampleFormat{BitDepth: 12, Channels: 2, SampleRate: 48000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sys.OpenDevice(ctx, audio.DeviceDescriptor{ID: "mock-a"}, tt.format)
			assert.Equal(t, audio.NotInitialized, audio.ResultOf(err))
		})
	}
}

func TestOpenDeviceFailures(t *testing.T) {
	mock := audiotest.NewBackend()
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(mock.Registration(10)))
	ctx := context.Background()
	require.NoError(t, sys.Initialize(ctx, ""))
	defer sys.Shutdown()

	_, err := sys.OpenDevice(ctx, audio.DeviceDescriptor{ID: "ghost", Name: "Ghost"}, s16Stereo48k)
	assert.ErrorIs(t, err, audio.DeviceNotFound)

	_, err = sys.OpenDevice(ctx, audio.DeviceDescriptor{Backend: "other", ID: "mock-a"}, s16Stereo48k)
	assert.ErrorIs(t, err, audio.DeviceNotFound)

	_, err = sys.OpenDevice(ctx, audio.DeviceDescriptor{ID: "mock-a"}, audio.SampleFormat{BitDepth: 12, Channels: 2, SampleRate: 48000})
	assert.ErrorIs(t, err, audio.FormatNotSupported)
	assert.Equal(t, audio.FormatNotSupported, audio.ResultOf(err))

	mock.OpenErr = assert.AnError
	_, err = sys.OpenDevice(ctx, audio.DeviceDescriptor{ID: "mock-a"}, s16Stereo48k)
	assert.ErrorIs(t, err, audio.BackendInitFailed)
	assert.Empty(t, sys.Sessions())

	// the failed attempts left the device free
	mock.OpenErr = nil
	sess, err := sys.OpenDevice(ctx, audio.DeviceDescriptor{ID: "mock-a"}, s16Stereo48k)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
}

func TestFindDevice(t *testing.T) {
	mock := audiotest.NewBackend()
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(mock.Registration(10)))
	ctx := context.Background()
	require.NoError(t, sys.Initialize(ctx, ""))
	defer sys.Shutdown()

	tests := []struct {
		query   string
		want    string
		wantErr error
	}{
		{"", "Mock A", nil},
		{"Mock B", "Mock B", nil},
		{"mock-b", "Mock B", nil},
		{"Mock C", "", audio.DeviceNotFound},
	}
	for _, tt := range tests {
		d, err := sys.FindDevice(ctx, tt.query)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.Name)
	}
}

func TestDeviceCapabilities(t *testing.T) {
	mock := audiotest.NewBackend()
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(mock.Registration(10)))
	ctx := context.Background()

	_, err := sys.DeviceCapabilities(ctx, audio.DeviceDescriptor{ID: "mock-a"})
	assert.ErrorIs(t, err, audio.NotInitialized)

	require.NoError(t, sys.Initialize(ctx, ""))
	defer sys.Shutdown()

	dev, err := sys.DefaultDevice(ctx)
	require.NoError(t, err)
	caps, err := sys.DeviceCapabilities(ctx, dev)
	require.NoError(t, err)
	assert.True(t, caps.Contains(audio.FormatS16))

	_, err = sys.DeviceCapabilities(ctx, audio.DeviceDescriptor{Backend: "other", ID: "mock-a"})
	assert.ErrorIs(t, err, audio.DeviceNotFound)
	_, err = sys.DeviceCapabilities(ctx, audio.DeviceDescriptor{ID: "missing"})
	assert.ErrorIs(t, err, audio.DeviceNotFound)
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, audio.Success, audio.ResultOf(nil))
	assert.Equal(t, audio.BackendInitFailed, audio.ResultOf(assert.AnError))
	assert.Equal(t, audio.DeviceBusy, audio.ResultOf(audio.DeviceBusy))

	mock := audiotest.NewBackend()
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(mock.Registration(10)))
	_, err := sys.EnumerateDevices(context.Background())
	assert.Equal(t, audio.NotInitialized, audio.ResultOf(err))
	assert.True(t, audio.BufferOverrun.IsStreaming())
	assert.False(t, audio.DeviceBusy.IsStreaming())
}
