package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Subsystem is the audio subsystem's explicit process state: the selected
// backend and the sessions opened through it. Every operation before
// Initialize, or after Shutdown, fails with NotInitialized.
type Subsystem struct {
	env     Env
	regs    []Registration
	options map[BackendID]map[string]string

	// lifecycle serializes Initialize and Shutdown
	lifecycle sync.Mutex

	mu       sync.RWMutex
	backend  Backend
	active   Registration
	sessions map[string]*Session
	reserved map[string]struct{}
}

// SubsystemOption configures a Subsystem
type SubsystemOption func(*Subsystem)

// WithEnv sets the clock, runner and logger handed to sessions and backends
func WithEnv(env Env) SubsystemOption {
	return func(s *Subsystem) { s.env = env }
}

// WithLogger sets only the logging sink
func WithLogger(logger *slog.Logger) SubsystemOption {
	return func(s *Subsystem) { s.env.Logger = logger }
}

// WithRegistrations replaces the compiled-in backend table, mostly for tests
func WithRegistrations(regs ...Registration) SubsystemOption {
	return func(s *Subsystem) {
		s.regs = append(make([]Registration, 0, len(regs)), regs...)
		sortRegistrations(s.regs)
	}
}

// WithBackendOptions passes backend-specific settings to a backend factory
func WithBackendOptions(id BackendID, opts map[string]string) SubsystemOption {
	return func(s *Subsystem) { s.options[id] = opts }
}

// NewSubsystem creates an uninitialized subsystem
func NewSubsystem(opts ...SubsystemOption) *Subsystem {
	s := &Subsystem{options: map[BackendID]map[string]string{}}
	for _, opt := range opts {
		opt(s)
	}
	s.env = s.env.withDefaults()
	return s
}

// Backends returns the candidate backends in priority order
func (s *Subsystem) Backends() []Registration {
	if s.regs != nil {
		return append([]Registration(nil), s.regs...)
	}
	return Registrations()
}

// Initialize selects a backend. An empty or "auto" preference walks the
// priority order and keeps the first backend that enumerates at least one
// device; any other id tries only that backend.
func (s *Subsystem) Initialize(ctx context.Context, preferred BackendID) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Initialized() {
		return resultErr(AlreadyInitialized, nil, "backend %s is active", s.active.ID)
	}

	candidates := s.Backends()
	if preferred != "" && preferred != AutoBackend {
		var found bool
		for _, r := range candidates {
			if r.ID == preferred {
				candidates = []Registration{r}
				found = true
				break
			}
		}
		if !found {
			s.env.Logger.Error("requested backend is not compiled in", "backend", string(preferred))
			return resultErr(BackendInitFailed, nil, "unknown backend %q", preferred)
		}
	}

	s.env.Logger.Debug("initializing audio subsystem",
		"preferred", string(preferred),
		"candidates", len(candidates))

	var errs []error
	for _, reg := range candidates {
		b, devices, err := s.probe(ctx, reg)
		if err != nil {
			s.env.Logger.Warn("audio backend unavailable",
				"backend", string(reg.ID),
				"result", ResultOf(err),
				"error", err)
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		s.backend = b
		s.active = reg
		s.sessions = make(map[string]*Session)
		s.reserved = make(map[string]struct{})
		s.mu.Unlock()

		s.env.Logger.Info("audio subsystem initialized",
			"backend", string(reg.ID),
			"devices", len(devices))
		return nil
	}

	if len(errs) == 1 {
		return errs[0]
	}
	return resultErr(BackendInitFailed, errors.Join(errs...), "no usable audio backend")
}

// probe creates a backend and checks it can see at least one device
func (s *Subsystem) probe(ctx context.Context, reg Registration) (Backend, []DeviceDescriptor, error) {
	b, err := reg.New(BackendConfig{
		Logger:  s.env.Logger.With("backend", string(reg.ID)),
		Clock:   s.env.Clock,
		Options: s.options[reg.ID],
	})
	if err != nil {
		return nil, nil, withResult(err, BackendInitFailed, "create backend %s", reg.ID)
	}

	devices, err := b.Enumerate(ctx)
	if err == nil && len(devices) == 0 {
		err = resultErr(DeviceNotFound, nil, "backend %s reports no output devices", reg.ID)
	}
	if err != nil {
		if cerr := b.Close(); cerr != nil {
			s.env.Logger.Warn("failed to close rejected backend", "backend", string(reg.ID), "error", cerr)
		}
		return nil, nil, withResult(err, BackendInitFailed, "enumerate %s", reg.ID)
	}
	return b, devices, nil
}

// Initialized reports whether a backend is active
func (s *Subsystem) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend != nil
}

// ActiveBackend returns the selected backend id
func (s *Subsystem) ActiveBackend() (BackendID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return "", resultErr(NotInitialized, nil, "active backend")
	}
	return s.active.ID, nil
}

// Sessions returns the currently open sessions
func (s *Subsystem) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Shutdown closes every open session and releases the backend. The
// subsystem may be initialized again afterwards.
func (s *Subsystem) Shutdown() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.Initialized() {
		return resultErr(NotInitialized, nil, "shutdown")
	}

	var errs []error
	for _, sess := range s.Sessions() {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	b, id := s.backend, s.active.ID
	s.backend = nil
	s.active = Registration{}
	s.sessions = nil
	s.reserved = nil
	s.mu.Unlock()

	if err := b.Close(); err != nil {
		s.env.Logger.Error("failed to close audio backend", "backend", string(id), "error", err)
		errs = append(errs, withResult(err, BackendInitFailed, "close backend %s", id))
	}
	s.env.Logger.Info("audio subsystem shut down", "backend", string(id))
	return errors.Join(errs...)
}

func (s *Subsystem) current() (Backend, BackendID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil, "", NotInitialized
	}
	return s.backend, s.active.ID, nil
}

// EnumerateDevices lists the active backend's output devices
func (s *Subsystem) EnumerateDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	b, id, err := s.current()
	if err != nil {
		return nil, resultErr(NotInitialized, nil, "enumerate devices")
	}
	devices, err := b.Enumerate(ctx)
	if err != nil {
		return nil, withResult(err, BackendInitFailed, "enumerate %s", id)
	}
	for i := range devices {
		devices[i].Backend = id
	}
	s.env.Logger.Debug("enumerated devices", "backend", string(id), "count", len(devices))
	return devices, nil
}

// DeviceCapabilities returns the formats a device of the active backend accepts
func (s *Subsystem) DeviceCapabilities(ctx context.Context, device DeviceDescriptor) (Capabilities, error) {
	b, id, err := s.current()
	if err != nil {
		return Capabilities{}, resultErr(NotInitialized, nil, "device capabilities")
	}
	if device.Backend != "" && device.Backend != id {
		return Capabilities{}, resultErr(DeviceNotFound, nil, "device %q belongs to backend %s, active is %s", device.Name, device.Backend, id)
	}
	caps, err := b.Capabilities(ctx, device)
	if err != nil {
		return Capabilities{}, withResult(err, DeviceNotFound, "capabilities of %s", device.Name)
	}
	return caps, nil
}

// DefaultDevice returns the device the backend marks as default, or the
// first device when none is marked
func (s *Subsystem) DefaultDevice(ctx context.Context) (DeviceDescriptor, error) {
	devices, err := s.EnumerateDevices(ctx)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	if len(devices) == 0 {
		return DeviceDescriptor{}, resultErr(DeviceNotFound, nil, "no output devices")
	}
	return devices[0], nil
}

// FindDevice resolves a device by id or name; an empty query means the default
func (s *Subsystem) FindDevice(ctx context.Context, query string) (DeviceDescriptor, error) {
	if query == "" {
		return s.DefaultDevice(ctx)
	}
	devices, err := s.EnumerateDevices(ctx)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	for _, d := range devices {
		if d.ID == query || d.Name == query {
			return d, nil
		}
	}
	return DeviceDescriptor{}, resultErr(DeviceNotFound, nil, "no device matches %q", query)
}

// OpenDevice negotiates a format against the device's capabilities and opens
// a session on it. At most one session may be open per device. On failure
// no state changes.
func (s *Subsystem) OpenDevice(ctx context.Context, device DeviceDescriptor, requested SampleFormat, opts ...OpenOption) (*Session, error) {
	s.mu.Lock()
	if s.backend == nil {
		s.mu.Unlock()
		return nil, resultErr(NotInitialized, nil, "open device")
	}
	if err := requested.Validate(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", FormatNotSupported, err)
	}
	b, id := s.backend, s.active.ID
	if device.Backend != "" && device.Backend != id {
		s.mu.Unlock()
		return nil, resultErr(DeviceNotFound, nil, "device %q belongs to backend %s, active is %s", device.Name, device.Backend, id)
	}
	device.Backend = id
	if _, busy := s.sessions[device.ID]; busy {
		s.mu.Unlock()
		return nil, resultErr(DeviceBusy, nil, "device %q already has an open session", device.Name)
	}
	if _, busy := s.reserved[device.ID]; busy {
		s.mu.Unlock()
		return nil, resultErr(DeviceBusy, nil, "device %q is being opened", device.Name)
	}
	s.reserved[device.ID] = struct{}{}
	s.mu.Unlock()

	sess, err := s.openSession(ctx, b, device, requested, opts)

	s.mu.Lock()
	delete(s.reserved, device.ID)
	if err == nil {
		if s.sessions == nil {
			// shut down while the device was opening
			s.mu.Unlock()
			_ = sess.Close()
			return nil, resultErr(NotInitialized, nil, "subsystem shut down during open")
		}
		s.sessions[device.ID] = sess
	}
	s.mu.Unlock()
	return sess, err
}

func (s *Subsystem) openSession(ctx context.Context, b Backend, device DeviceDescriptor, requested SampleFormat, opts []OpenOption) (*Session, error) {
	logger := s.env.Logger.With("backend", string(device.Backend), "device", device.Name)

	caps, err := b.Capabilities(ctx, device)
	if err != nil {
		logger.Error("failed to query device capabilities", "error", err)
		return nil, withResult(err, BackendInitFailed, "capabilities of %q", device.Name)
	}
	format, err := Negotiate(requested, caps)
	if err != nil {
		logger.Error("format negotiation failed", "requested", requested, "error", err)
		return nil, err
	}
	if format != requested {
		logger.Info("format negotiated", "requested", requested, "negotiated", format)
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	period := o.periodFrames
	if period <= 0 {
		period = DefaultPeriodFrames(format.SampleRate)
	}

	h, err := b.Open(ctx, device, format, period)
	if err != nil {
		logger.Error("failed to open device", "format", format, "error", err)
		return nil, withResult(err, BackendInitFailed, "open %q", device.Name)
	}

	sess, err := newSession(s.env, device, h, o)
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			logger.Error("failed to release rejected handle", "error", cerr)
		}
		return nil, err
	}
	sess.onClose = s.release
	return sess, nil
}

// release forgets a closed session so its device can be opened again
func (s *Subsystem) release(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.device.ID]; ok && cur == sess {
		delete(s.sessions, sess.device.ID)
	}
}

// withResult adds context to err, tagging it with fallback when it does not
// already carry a Result
func withResult(err error, fallback Result, format string, args ...any) error {
	var r Result
	if errors.As(err, &r) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return resultErr(fallback, err, format, args...)
}

var defaultSubsystem = NewSubsystem()

// Default returns the process-wide subsystem used by the package-level functions
func Default() *Subsystem { return defaultSubsystem }

// Initialize initializes the process-wide subsystem
func Initialize(ctx context.Context, preferred BackendID) error {
	return defaultSubsystem.Initialize(ctx, preferred)
}

// Shutdown shuts the process-wide subsystem down
func Shutdown() error { return defaultSubsystem.Shutdown() }

// EnumerateDevices lists devices of the process-wide subsystem's backend
func EnumerateDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	return defaultSubsystem.EnumerateDevices(ctx)
}

// OpenDevice opens a session through the process-wide subsystem
func OpenDevice(ctx context.Context, device DeviceDescriptor, requested SampleFormat, opts ...OpenOption) (*Session, error) {
	return defaultSubsystem.OpenDevice(ctx, device, requested, opts...)
}
