package audio

import (
	"sync"
)

// dispatcher is one Start..Stop run of the mixer and, for push backends, the
// period timer. The mixer is the ring's only producer; the period-tick
// context (native callback or timer) is its only consumer. Neither context
// logs or takes locks; they only touch the ring and atomic counters.
type dispatcher struct {
	s *Session

	wake      chan struct{}
	quit      chan struct{}
	quitOnce  sync.Once
	mixerDone chan struct{}
	tickDone  chan struct{}
	ticker    Ticker

	scratch []byte
	period  []byte
}

func newDispatcher(s *Session) *dispatcher {
	return &dispatcher{
		s:         s,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		mixerDone: make(chan struct{}),
		scratch:   make([]byte, s.periodBytes),
		period:    make([]byte, s.periodBytes),
	}
}

// poke wakes the mixer without blocking
func (d *dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) quitting() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

// runMixer keeps the ring topped up from the fill callback, waking once per
// consumed period
func (d *dispatcher) runMixer() {
	defer close(d.mixerDone)
	s := d.s
	s.logger.Debug("mixer running", "period_frames", s.period)

	for {
		d.fillRing()
		s.episodes.report(s.logger, s.ring)

		select {
		case <-d.quit:
			s.logger.Debug("mixer stopped")
			return
		case <-d.wake:
		}
	}
}

// fillRing invokes the fill callback one period at a time until less than a
// period of space is left. A callback that produces nothing ends the round
// after one period of silence so an exhausted source does not spin.
func (d *dispatcher) fillRing() {
	s := d.s
	fnp := s.fill.Load()
	if fnp == nil {
		return
	}
	fn := *fnp

	for !s.stopping.Load() && !s.paused.Load() && s.ring.AvailableToWrite() >= len(d.scratch) {
		frames := min(max(fn(s.period, s.format, d.scratch), 0), s.period)
		if frames < s.period {
			s.format.FillSilence(d.scratch[s.format.BytesForFrames(frames):])
			s.counters.callbackMisses.Add(1)
		}
		if d.quitting() {
			return
		}
		s.counters.framesProduced.Add(uint64(frames))
		_, _ = s.ring.Write(d.scratch)
		if frames == 0 {
			return
		}
	}
}

// consume moves the next len(out) bytes from the ring to out, substituting
// silence on underrun, and wakes the mixer to refill
func (d *dispatcher) consume(out []byte) {
	_, _ = d.s.ring.Read(out)
	d.s.counters.periodsDelivered.Add(1)
	d.poke()
}

func (d *dispatcher) startTicker() {
	s := d.s
	d.tickDone = make(chan struct{})
	d.ticker = s.env.Clock.NewTicker(s.format.Duration(s.period))
	s.env.Runner("pcmout-period-timer", d.runTicker)
}

// runTicker drives push backends at period cadence
func (d *dispatcher) runTicker() {
	defer close(d.tickDone)
	defer d.ticker.Stop()
	s := d.s

	for {
		select {
		case <-d.quit:
			return
		case <-d.ticker.Chan():
		}
		if s.stopping.Load() || d.quitting() {
			return
		}

		if s.paused.Load() {
			if s.pauser != nil {
				continue
			}
			s.format.FillSilence(d.period)
		} else {
			d.consume(d.period)
		}
		if err := s.push.SubmitPeriod(d.period); err != nil {
			s.counters.submitFailures.Add(1)
		}
	}
}
