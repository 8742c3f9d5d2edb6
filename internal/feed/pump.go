package feed

import (
	"context"
	"errors"

	"pcmout.dev/internal/audio"
)

// Writer is the application-driven side of a session
type Writer interface {
	Format() audio.SampleFormat
	PeriodFrames() int
	AvailableToWrite() int
	Write(p []byte) (int, error)
}

// Pump renders src into w one period at a time, only writing while a whole
// period fits so nothing queued is overwritten. It waits half a period on
// clock between polls and returns once src is done or ctx ends.
func Pump(ctx context.Context, w Writer, src *Source, clock audio.Clock) error {
	f := w.Format()
	period := w.PeriodFrames()
	periodBytes := f.BytesForFrames(period)
	buf := make([]byte, periodBytes)

	ticker := clock.NewTicker(f.Duration(period) / 2)
	defer ticker.Stop()

	for {
		for w.AvailableToWrite() >= periodBytes {
			n := src.Fill(period, f, buf)
			if n > 0 {
				if _, err := w.Write(buf[:f.BytesForFrames(n)]); err != nil && !errors.Is(err, audio.BufferOverrun) {
					return err
				}
			}
			if n < period {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
