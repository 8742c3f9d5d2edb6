package audiotest

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"pcmout.dev/internal/audio"
)

// Clock is an audio.Clock over a clockwork fake. Tickers only fire when the
// test calls Fire or Advance, and both return once every due tick has been
// taken off its channel.
type Clock struct {
	fake *clockwork.FakeClock

	mu      sync.Mutex
	tickers []*ticker
}

// NewClock returns a clock reading start
func NewClock(start time.Time) *Clock {
	return &Clock{fake: clockwork.NewFakeClockAt(start)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time { return c.fake.Now() }

// NewTicker registers a ticker with period d
func (c *Clock) NewTicker(d time.Duration) audio.Ticker {
	t := &ticker{Ticker: c.fake.NewTicker(d), period: d}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

// Tickers returns the number of tickers that have not been stopped
func (c *Clock) Tickers() int {
	n := 0
	for _, t := range c.live() {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

// Fire advances time by the longest live ticker period, so every live ticker
// gets one tick
func (c *Clock) Fire() {
	var d time.Duration
	for _, t := range c.live() {
		if !t.stopped.Load() {
			d = max(d, t.period)
		}
	}
	c.Advance(d)
}

// Advance moves time forward by d. A ticker whose channel is not drained keeps
// a single pending tick, like time.Ticker.
func (c *Clock) Advance(d time.Duration) {
	c.fake.Advance(d)
	for _, t := range c.live() {
		for len(t.Chan()) > 0 && !t.stopped.Load() {
			runtime.Gosched()
		}
	}
}

func (c *Clock) live() []*ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ticker(nil), c.tickers...)
}

type ticker struct {
	clockwork.Ticker
	period  time.Duration
	stopped atomic.Bool
}

func (t *ticker) Stop() {
	t.stopped.Store(true)
	t.Ticker.Stop()
}
