package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the playback state of a Session
type State int32

const (
	StateClosed State = iota
	StateOpened
	StatePlaying
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// DefaultBufferPeriods is the minimum ring capacity in periods
	DefaultBufferPeriods = 4
	minPeriodFrames      = 64
	joinPeriods          = 8
	minJoinTimeout       = 200 * time.Millisecond
)

// DefaultPeriodFrames returns roughly 10ms of frames at rate, rounded up to a
// power of two and never below 64 frames
func DefaultPeriodFrames(rate int) int {
	return ceilPow2(max(rate/100, minPeriodFrames))
}

func ceilPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// OpenOption adjusts how OpenDevice sizes a session
type OpenOption func(*openOptions)

type openOptions struct {
	periodFrames  int
	bufferPeriods int
}

// WithPeriodFrames requests a backend period size in frames
func WithPeriodFrames(n int) OpenOption {
	return func(o *openOptions) { o.periodFrames = n }
}

// WithBufferPeriods sets the ring capacity in periods (at least 4)
func WithBufferPeriods(n int) OpenOption {
	return func(o *openOptions) { o.bufferPeriods = n }
}

// FillFunc produces up to frameCount frames of interleaved samples in format
// into dst and returns the number of frames written. Frames not produced are
// played as silence and counted as a callback miss.
type FillFunc func(frameCount int, format SampleFormat, dst []byte) int

// Session owns one open device: its native handle, negotiated format, ring
// buffer and playback state. Transitions are serialized; queries never wait
// on a transition that is blocked in the backend.
type Session struct {
	id          string
	device      DeviceDescriptor
	handle      Handle
	push        PushHandle
	pull        PullHandle
	pauser      Pauser
	format      SampleFormat
	period      int
	periodBytes int
	ring        *RingBuffer
	env         Env
	logger      *slog.Logger
	joinTimeout time.Duration
	onClose     func(*Session)

	// opMu serializes transitions and may be held across backend calls.
	opMu sync.Mutex
	// mu guards state only and is never held across backend calls.
	mu    sync.Mutex
	state State

	stopping atomic.Bool
	paused   atomic.Bool
	inflight atomic.Int32
	active   atomic.Pointer[dispatcher]

	fill     atomic.Pointer[FillFunc]
	producer atomic.Int32

	counters  counters
	episodes  episodeLog
	startedAt atomic.Pointer[time.Time]
}

func newSession(env Env, device DeviceDescriptor, h Handle, o openOptions) (*Session, error) {
	format := h.Format()
	if err := format.Validate(); err != nil {
		return nil, resultErr(BackendInitFailed, err, "backend %s reported an unusable format", device.Backend)
	}

	period := h.PeriodFrames()
	if period <= 0 {
		period = o.periodFrames
	}
	if period <= 0 {
		period = DefaultPeriodFrames(format.SampleRate)
	}
	periods := max(o.bufferPeriods, DefaultBufferPeriods)

	id := uuid.NewString()
	s := &Session{
		id:          id,
		device:      device,
		handle:      h,
		format:      format,
		period:      period,
		periodBytes: format.BytesForFrames(period),
		ring:        NewRingBuffer(format.BytesForFrames(period*periods), format),
		env:         env,
		state:       StateOpened,
		logger: env.Logger.With(
			"session_id", id,
			"backend", string(device.Backend),
			"device", device.Name),
	}
	s.joinTimeout = max(format.Duration(period*joinPeriods), minJoinTimeout)

	switch v := h.(type) {
	case PushHandle:
		s.push = v
	case PullHandle:
		s.pull = v
		v.RegisterFillCallback(s.pullPeriod)
	default:
		return nil, resultErr(BackendInitFailed, nil, "backend %s returned a handle that neither pushes nor pulls", device.Backend)
	}
	if p, ok := h.(Pauser); ok {
		s.pauser = p
	}

	s.logger.Info("device session opened",
		"format", format,
		"period_frames", period,
		"ring_bytes", s.ring.Capacity(),
		"pull", s.pull != nil,
		"native_pause", s.pauser != nil)
	return s, nil
}

// ID returns the session's unique identifier
func (s *Session) ID() string { return s.id }

// Device returns the descriptor the session was opened on
func (s *Session) Device() DeviceDescriptor { return s.device }

// Format returns the negotiated hardware format
func (s *Session) Format() SampleFormat { return s.format }

// PeriodFrames returns the period size the backend accepted
func (s *Session) PeriodFrames() int { return s.period }

// State returns the current playback state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("session state changed", "from", prev, "to", st)
}

// Stats returns a snapshot of the streaming counters
func (s *Session) Stats() Stats {
	fs := uint64(s.format.FrameSize())
	st := Stats{
		Underruns:        s.ring.Underruns(),
		Overruns:         s.ring.Overruns(),
		FramesPadded:     s.ring.PaddedBytes() / fs,
		FramesDropped:    s.ring.DroppedBytes() / fs,
		FramesProduced:   s.counters.framesProduced.Load(),
		PeriodsDelivered: s.counters.periodsDelivered.Load(),
		CallbackMisses:   s.counters.callbackMisses.Load(),
		SubmitFailures:   s.counters.submitFailures.Load(),
		Buffered:         s.ring.AvailableToRead(),
	}
	if t := s.startedAt.Load(); t != nil {
		st.StartedAt = *t
	}
	return st
}

// AvailableToWrite returns how many bytes Write can accept without overrun
func (s *Session) AvailableToWrite() int {
	return s.ring.AvailableToWrite()
}

// RegisterFillCallback installs the application's generator. It may be
// called before or after Start and replaces any previous callback.
func (s *Session) RegisterFillCallback(fn FillFunc) error {
	if fn == nil {
		return resultErr(InvalidArgument, nil, "fill callback is nil")
	}
	if s.State() == StateClosed {
		return resultErr(DeviceClosed, nil, "register fill callback")
	}
	if !s.producer.CompareAndSwap(producerIdle, producerRegistering) {
		return resultErr(InvalidState, nil, "cannot register a fill callback while Write is in progress")
	}
	s.fill.Store(&fn)
	s.producer.Store(producerIdle)

	s.logger.Debug("fill callback registered")
	if d := s.active.Load(); d != nil {
		d.poke()
	}
	return nil
}

const (
	producerIdle int32 = iota
	producerWriting
	producerRegistering
)

// Write queues interleaved frames in the negotiated format for playback. It
// is the application-driven alternative to a fill callback and may not be
// mixed with one. A BufferOverrun result means the oldest queued frames were
// dropped to make room; the data in p was still accepted.
func (s *Session) Write(p []byte) (int, error) {
	if s.State() == StateClosed {
		return 0, resultErr(DeviceClosed, nil, "write")
	}
	if !s.producer.CompareAndSwap(producerIdle, producerWriting) {
		return 0, resultErr(InvalidState, nil, "concurrent Write calls")
	}
	defer s.producer.Store(producerIdle)
	if s.fill.Load() != nil {
		return 0, resultErr(InvalidState, nil, "Write is not allowed while a fill callback is registered")
	}

	p = p[:len(p)-len(p)%s.format.FrameSize()]
	n, err := s.ring.Write(p)
	s.counters.framesProduced.Add(uint64(s.format.FramesForBytes(n)))
	return n, err
}

// Start begins period delivery and the dispatcher
func (s *Session) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch st := s.State(); st {
	case StateClosed:
		return resultErr(DeviceClosed, nil, "start")
	case StatePlaying:
		return resultErr(DeviceAlreadyStarted, nil, "start")
	case StatePaused:
		return resultErr(InvalidState, nil, "start while paused, use Resume")
	}

	s.logger.Debug("starting session")
	d := newDispatcher(s)
	s.paused.Store(false)
	s.stopping.Store(false)

	// prime the ring so the first periods are not underruns
	d.fillRing()
	s.active.Store(d)
	s.env.Runner("pcmout-mixer", d.runMixer)

	if err := s.handle.Start(); err != nil {
		joinErr := s.stopDispatch()
		s.ring.Reset()
		s.logger.Error("backend failed to start", "error", err)
		return errors.Join(resultErr(BackendInitFailed, err, "start device %s", s.device.Name), joinErr)
	}
	if s.push != nil {
		d.startTicker()
	}

	now := s.env.Clock.Now()
	s.startedAt.Store(&now)
	s.setState(StatePlaying)
	s.logger.Info("session started", "buffered_bytes", s.ring.AvailableToRead())
	return nil
}

// Pause stops consumption while keeping buffered audio. Backends without
// native pause keep receiving silence.
func (s *Session) Pause() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch st := s.State(); st {
	case StateClosed:
		return resultErr(DeviceClosed, nil, "pause")
	case StatePlaying:
	default:
		return resultErr(InvalidState, nil, "pause from %s", st)
	}

	s.paused.Store(true)
	if s.pauser != nil {
		if err := s.pauser.Pause(); err != nil {
			s.logger.Warn("native pause failed, submitting silence instead", "error", err)
		}
	}
	s.setState(StatePaused)
	return nil
}

// Resume continues playback from the buffered position
func (s *Session) Resume() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch st := s.State(); st {
	case StateClosed:
		return resultErr(DeviceClosed, nil, "resume")
	case StatePaused:
	default:
		return resultErr(InvalidState, nil, "resume from %s", st)
	}

	if s.pauser != nil {
		if err := s.pauser.Resume(); err != nil {
			s.logger.Error("native resume failed", "error", err)
			return resultErr(BackendInitFailed, err, "resume device %s", s.device.Name)
		}
	}
	s.paused.Store(false)
	if d := s.active.Load(); d != nil {
		d.poke()
	}
	s.setState(StatePlaying)
	return nil
}

// Stop halts the backend and flushes the ring buffer
func (s *Session) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch st := s.State(); st {
	case StateClosed:
		return resultErr(DeviceClosed, nil, "stop")
	case StateOpened, StateStopped:
		return resultErr(DeviceAlreadyStopped, nil, "stop")
	}

	err := s.halt()
	s.setState(StateStopped)
	s.logger.Info("session stopped", "stats", s.Stats())
	return err
}

// Close stops playback if needed and releases the native handle. Closing a
// closed session is a no-op.
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st := s.State()
	if st == StateClosed {
		return nil
	}

	var errs []error
	if st == StatePlaying || st == StatePaused {
		errs = append(errs, s.halt())
	}
	if err := s.handle.Close(); err != nil {
		// the handle may still be referenced natively, so it is leaked
		s.logger.Error("failed to release native handle, leaking it", "error", err)
		errs = append(errs, resultErr(BackendInitFailed, err, "close device %s", s.device.Name))
	}
	s.active.Store(nil)
	s.setState(StateClosed)
	if s.onClose != nil {
		s.onClose(s)
	}
	s.logger.Info("device session closed", "stats", s.Stats())
	return errors.Join(errs...)
}

// halt runs the stop-and-join protocol and then stops the backend
func (s *Session) halt() error {
	joinErr := s.stopDispatch()

	var stopErr error
	if err := s.handle.Stop(); err != nil {
		s.logger.Error("backend failed to stop", "error", err)
		stopErr = resultErr(BackendInitFailed, err, "stop device %s", s.device.Name)
	}
	s.episodes.report(s.logger, s.ring)
	s.ring.Reset()
	s.paused.Store(false)
	return errors.Join(joinErr, stopErr)
}

// stopDispatch raises the stop flag and waits, bounded, for the mixer and
// the period-tick context to acknowledge it
func (s *Session) stopDispatch() error {
	s.stopping.Store(true)
	d := s.active.Swap(nil)
	if d == nil {
		return nil
	}
	d.quitOnce.Do(func() { close(d.quit) })

	deadline := time.NewTimer(s.joinTimeout)
	defer deadline.Stop()

	waits := []<-chan struct{}{d.mixerDone}
	if d.tickDone != nil {
		waits = append(waits, d.tickDone)
	}
	for _, done := range waits {
		select {
		case <-done:
		case <-deadline.C:
			return s.joinTimedOut()
		}
	}
	for s.inflight.Load() > 0 {
		select {
		case <-deadline.C:
			return s.joinTimedOut()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (s *Session) joinTimedOut() error {
	s.logger.Error("period context did not acknowledge stop, proceeding",
		"timeout", s.joinTimeout,
		"result", BackendInitFailed)
	return resultErr(BackendInitFailed, nil, "period context did not stop within %s", s.joinTimeout)
}

// pullPeriod is registered with pull backends and runs on their real-time thread
func (s *Session) pullPeriod(out []byte) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	d := s.active.Load()
	if d == nil || s.stopping.Load() || s.paused.Load() {
		s.format.FillSilence(out)
		return
	}
	d.consume(out)
}
