package audio

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// BackendID names a compiled-in backend
type BackendID string

// AutoBackend asks Initialize to walk the priority order
const AutoBackend BackendID = "auto"

// DeviceDescriptor identifies one output device for the lifetime of an
// enumeration. ID is opaque and only meaningful to the backend that produced it.
type DeviceDescriptor struct {
	Backend   BackendID
	ID        string
	Name      string
	IsDefault bool
}

func (d DeviceDescriptor) String() string {
	if d.IsDefault {
		return d.Name + " (default)"
	}
	return d.Name
}

// Backend is the capability set every native audio API implements. Backends
// translate their native failures into errors wrapping a Result.
type Backend interface {
	ID() BackendID
	Enumerate(ctx context.Context) ([]DeviceDescriptor, error)
	Capabilities(ctx context.Context, device DeviceDescriptor) (Capabilities, error)
	// Open prepares the device for the given, already negotiated, format.
	// periodFrames is a hint; the handle reports what the device accepted.
	Open(ctx context.Context, device DeviceDescriptor, format SampleFormat, periodFrames int) (Handle, error)
	Close() error
}

// Handle is one opened native device. It must also implement PushHandle or
// PullHandle.
type Handle interface {
	Format() SampleFormat
	PeriodFrames() int
	Start() error
	Stop() error
	Close() error
}

// PushHandle accepts one period of frames at a time from a timer the session owns
type PushHandle interface {
	Handle
	SubmitPeriod(p []byte) error
}

// PullHandle calls back from its own real-time context for each period. The
// callback must fill out completely and must not block.
type PullHandle interface {
	Handle
	RegisterFillCallback(fn func(out []byte))
}

// Pauser is implemented by handles that can suspend consumption natively
type Pauser interface {
	Pause() error
	Resume() error
}

// BackendConfig is passed to backend factories
type BackendConfig struct {
	Logger  *slog.Logger
	Clock   Clock
	Options map[string]string
}

// Option returns a backend option or def when unset
func (c BackendConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Registration maps a BackendID to its factory. Lower priority values are
// tried first by automatic selection.
type Registration struct {
	ID          BackendID
	Description string
	Priority    int
	New         func(cfg BackendConfig) (Backend, error)
}

var (
	registrationsMu sync.RWMutex
	registrations   = map[BackendID]Registration{}
)

// Register makes a backend available to every Subsystem. It is meant to be
// called from the init function of a backend package and panics on a
// duplicate or malformed registration.
func Register(r Registration) {
	registrationsMu.Lock()
	defer registrationsMu.Unlock()

	if r.ID == "" || r.ID == AutoBackend || r.New == nil {
		panic(fmt.Sprintf("audio: invalid backend registration %q", r.ID))
	}
	if _, dup := registrations[r.ID]; dup {
		panic(fmt.Sprintf("audio: Register called twice for backend %q", r.ID))
	}
	registrations[r.ID] = r
}

// Registrations returns the compiled-in backends in priority order
func Registrations() []Registration {
	registrationsMu.RLock()
	defer registrationsMu.RUnlock()

	out := make([]Registration, 0, len(registrations))
	for _, r := range registrations {
		out = append(out, r)
	}
	sortRegistrations(out)
	return out
}

func sortRegistrations(regs []Registration) {
	slices.SortStableFunc(regs, func(a, b Registration) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
