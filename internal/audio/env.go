package audio

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the monotonic time source used for period cadence and diagnostics
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers period ticks. clockwork.Ticker satisfies it.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Runner starts a long-lived execution context such as a period timer or the
// mixer. The default runner starts a goroutine locked to its OS thread.
type Runner func(name string, fn func())

// Env carries the collaborators the audio core consumes from its host
type Env struct {
	Clock  Clock
	Runner Runner
	Logger *slog.Logger
}

// withDefaults fills any unset collaborator with the system implementation
func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = SystemClock()
	}
	if e.Runner == nil {
		e.Runner = ThreadRunner
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

// ThreadRunner runs fn on a new goroutine pinned to one OS thread
func ThreadRunner(name string, fn func()) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		fn()
	}()
}

// SystemClock returns the wall clock backed by the runtime's monotonic reading
func SystemClock() Clock { return Clockwork(clockwork.NewRealClock()) }

// Clockwork adapts a real or fake clockwork clock
func Clockwork(c clockwork.Clock) Clock { return clockworkClock{c} }

type clockworkClock struct{ c clockwork.Clock }

func (c clockworkClock) Now() time.Time { return c.c.Now() }

func (c clockworkClock) NewTicker(d time.Duration) Ticker { return c.c.NewTicker(d) }
