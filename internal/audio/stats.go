package audio

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of a session's streaming counters. Underruns and
// Overruns count episodes, not bytes.
type Stats struct {
	Underruns        uint64
	Overruns         uint64
	FramesPadded     uint64
	FramesDropped    uint64
	FramesProduced   uint64
	PeriodsDelivered uint64
	CallbackMisses   uint64
	SubmitFailures   uint64
	Buffered         int
	StartedAt        time.Time
}

// LogValue renders the snapshot as a log group
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("underruns", s.Underruns),
		slog.Uint64("overruns", s.Overruns),
		slog.Uint64("frames_padded", s.FramesPadded),
		slog.Uint64("frames_dropped", s.FramesDropped),
		slog.Uint64("frames_produced", s.FramesProduced),
		slog.Uint64("periods_delivered", s.PeriodsDelivered),
		slog.Uint64("callback_misses", s.CallbackMisses),
		slog.Uint64("submit_failures", s.SubmitFailures),
		slog.Int("buffered_bytes", s.Buffered),
	)
}

// counters are bumped from the tick context and the mixer without locks
type counters struct {
	periodsDelivered atomic.Uint64
	framesProduced   atomic.Uint64
	callbackMisses   atomic.Uint64
	submitFailures   atomic.Uint64
}

// episodeLog remembers which underrun/overrun episodes have been reported
// through the logging sink. Only the mixer and transitions touch it.
type episodeLog struct {
	underruns atomic.Uint64
	overruns  atomic.Uint64
}

// report logs episodes that began since the last call
func (e *episodeLog) report(logger *slog.Logger, rb *RingBuffer) {
	if n := rb.Underruns(); n > e.underruns.Load() {
		prev := e.underruns.Swap(n)
		if n > prev {
			logger.Warn("buffer underrun, silence substituted",
				"result", BufferUnderrun,
				"new_episodes", n-prev,
				"total_episodes", n,
				"padded_bytes", rb.PaddedBytes())
		}
	}
	if n := rb.Overruns(); n > e.overruns.Load() {
		prev := e.overruns.Swap(n)
		if n > prev {
			logger.Warn("buffer overrun, oldest frames dropped",
				"result", BufferOverrun,
				"new_episodes", n-prev,
				"total_episodes", n,
				"dropped_bytes", rb.DroppedBytes())
		}
	}
}
