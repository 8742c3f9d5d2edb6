package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/decode"
	"pcmout.dev/internal/feed"
	"pcmout.dev/internal/metrics"
)

const progressInterval = 100 * time.Millisecond

func addPlaybackFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("write", false, "Feed the device with Write from the command instead of a fill callback")
}

func newPlayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Play a WAV, MP3 or AIFF file",
		Long:  "Plays FILE, trying the .wav, .mp3, .aiff and .aif extensions in turn when FILE does not exist.",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlayE,
	}
	addPlaybackFlags(cmd)
	return cmd
}

func runPlayE(cmd *cobra.Command, args []string) error {
	cli := cliFromContext(cmd.Context())

	path, err := decode.ResolvePath(cli.fs, args[0])
	if err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return err
	}
	clip, err := decode.NewDefaultRegistry().DecodeFile(cli.fs, path)
	if err != nil {
		cmd.PrintErrf("Error decoding %s: %v\n", path, err)
		return err
	}
	slog.Info("decoded file",
		"path", path,
		"format", clip.Format,
		"duration", clip.Duration())

	return cli.play(cmd, func(device audio.SampleFormat) (*feed.Source, error) {
		return feed.NewClipSource(clip, device, feed.WithVolume(cli.cfg.VolumeOrDefault()))
	})
}

func newToneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Play a sine tone",
		Args:  cobra.NoArgs,
		RunE:  runToneE,
	}
	cmd.Flags().Float64("freq", 440, "Tone frequency in Hz")
	cmd.Flags().Duration("duration", time.Second, "Tone length, 0 plays until interrupted")
	addPlaybackFlags(cmd)
	return cmd
}

func runToneE(cmd *cobra.Command, _ []string) error {
	cli := cliFromContext(cmd.Context())
	freq, _ := cmd.Flags().GetFloat64("freq")
	d, _ := cmd.Flags().GetDuration("duration")
	if d < 0 {
		return fmt.Errorf("%w: negative duration %s", audio.InvalidArgument, d)
	}

	return cli.play(cmd, func(device audio.SampleFormat) (*feed.Source, error) {
		return feed.NewToneSource(freq, d, device, feed.WithVolume(cli.cfg.VolumeOrDefault()))
	})
}

// play opens the configured device, renders the source built for its
// negotiated format until the source ends or the command is interrupted, and
// prints the session stats
func (c *CLI) play(cmd *cobra.Command, newSource func(audio.SampleFormat) (*feed.Source, error)) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sys, sess, err := c.openSession(ctx)
	if err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return err
	}
	defer func() { _ = sys.Shutdown() }()

	src, err := newSource(sess.Format())
	if err != nil {
		_ = sess.Close()
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		if _, err := metrics.NewSessionCollector(registry, sys); err != nil {
			_ = sess.Close()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, addr, registry, slog.Default()); err != nil {
				slog.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
	}

	pushMode, _ := cmd.Flags().GetBool("write")
	if !pushMode {
		if err := sess.RegisterFillCallback(src.Fill); err != nil {
			_ = sess.Close()
			return err
		}
	}
	if err := sess.Start(); err != nil {
		_ = sess.Close()
		cmd.PrintErrf("Error starting playback: %v\n", err)
		return err
	}

	pumpErr := make(chan error, 1)
	if pushMode {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pumpErr <- feed.Pump(ctx, sess, src, audio.SystemClock())
		}()
	}

	interrupted, err := c.waitForSource(ctx, cmd, sess, src, pumpErr)
	if !interrupted && err == nil {
		c.drain(ctx, sess)
	}

	stats := sess.Stats()
	if stopErr := sess.Stop(); stopErr != nil && !errors.Is(stopErr, audio.DeviceAlreadyStopped) {
		err = errors.Join(err, stopErr)
	}
	if closeErr := sess.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	printStats(cmd, sess, src, stats)
	return err
}

// waitForSource blocks until the source has produced its last frame. It
// reports interrupted when ctx ended first.
func (c *CLI) waitForSource(ctx context.Context, cmd *cobra.Command, sess *audio.Session, src *feed.Source, pumpErr <-chan error) (bool, error) {
	var progress <-chan time.Time
	if c.showsProgress(cmd.OutOrStdout()) {
		t := time.NewTicker(progressInterval)
		defer t.Stop()
		progress = t.C
		defer cmd.Print("\n")
	}

	for {
		select {
		case <-src.Done():
			return false, nil
		case err := <-pumpErr:
			if err != nil && ctx.Err() == nil {
				return false, err
			}
			if ctx.Err() != nil {
				return true, nil
			}
			// a nil return means the source ran dry
			return false, nil
		case <-ctx.Done():
			slog.Info("playback interrupted", "session_id", sess.ID())
			return true, nil
		case <-progress:
			cmd.Printf("\r%s", progressLine(src.Position(), src.Length()))
		}
	}
}

// drain waits for the frames still queued in the ring to reach the device
func (c *CLI) drain(ctx context.Context, sess *audio.Session) {
	f := sess.Format()
	queued := f.Duration(f.FramesForBytes(sess.Stats().Buffered) + sess.PeriodFrames())
	slog.Debug("draining queued audio", "session_id", sess.ID(), "duration", queued)

	timer := time.NewTimer(queued)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func printStats(cmd *cobra.Command, sess *audio.Session, src *feed.Source, st audio.Stats) {
	device := sess.Device()
	cmd.Printf("played %s on %s (%s) as %s\n",
		progressLine(src.Position(), src.Length()), device.Name, device.Backend, sess.Format())
	cmd.Printf("periods=%d underruns=%d overruns=%d frames_padded=%d frames_dropped=%d callback_misses=%d submit_failures=%d\n",
		st.PeriodsDelivered, st.Underruns, st.Overruns, st.FramesPadded, st.FramesDropped, st.CallbackMisses, st.SubmitFailures)
}
