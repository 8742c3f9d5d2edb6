// Package metrics exposes session streaming counters to Prometheus
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pcmout.dev/internal/audio"
)

// SessionLister is satisfied by *audio.Subsystem
type SessionLister interface {
	Sessions() []*audio.Session
}

var sessionLabels = []string{"session_id", "backend", "device"}

// SessionCollector reads stats from every open session at scrape time, so
// nothing on the audio path touches Prometheus
type SessionCollector struct {
	sessions SessionLister

	open             *prometheus.Desc
	state            *prometheus.Desc
	underruns        *prometheus.Desc
	overruns         *prometheus.Desc
	framesPadded     *prometheus.Desc
	framesDropped    *prometheus.Desc
	framesProduced   *prometheus.Desc
	periodsDelivered *prometheus.Desc
	callbackMisses   *prometheus.Desc
	submitFailures   *prometheus.Desc
	buffered         *prometheus.Desc
	sampleRate       *prometheus.Desc
}

// NewSessionCollector creates a collector over sessions and registers it
func NewSessionCollector(registry prometheus.Registerer, sessions SessionLister) (*SessionCollector, error) {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("pcmout_"+name, help, labels, nil)
	}
	c := &SessionCollector{
		sessions:         sessions,
		open:             desc("sessions_open", "Number of open playback sessions"),
		state:            desc("session_state", "Session state, 1 for the current state", append(sessionLabels, "state")...),
		underruns:        desc("session_underruns_total", "Underrun episodes", sessionLabels...),
		overruns:         desc("session_overruns_total", "Overrun episodes", sessionLabels...),
		framesPadded:     desc("session_frames_padded_total", "Frames of silence delivered because the ring was empty", sessionLabels...),
		framesDropped:    desc("session_frames_dropped_total", "Queued frames discarded by overruns", sessionLabels...),
		framesProduced:   desc("session_frames_produced_total", "Frames written into the ring by the application", sessionLabels...),
		periodsDelivered: desc("session_periods_delivered_total", "Periods handed to the backend", sessionLabels...),
		callbackMisses:   desc("session_callback_misses_total", "Fill callbacks that produced fewer frames than requested", sessionLabels...),
		submitFailures:   desc("session_submit_failures_total", "Periods the backend refused", sessionLabels...),
		buffered:         desc("session_buffered_bytes", "Bytes queued in the ring", sessionLabels...),
		sampleRate:       desc("session_sample_rate_hertz", "Negotiated hardware sample rate", append(sessionLabels, "format")...),
	}
	if err := registry.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Describe implements prometheus.Collector
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.open, c.state, c.underruns, c.overruns, c.framesPadded, c.framesDropped,
		c.framesProduced, c.periodsDelivered, c.callbackMisses, c.submitFailures,
		c.buffered, c.sampleRate,
	} {
		ch <- d
	}
}

var states = []audio.State{audio.StateOpened, audio.StatePlaying, audio.StatePaused, audio.StateStopped}

// Collect implements prometheus.Collector
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	sessions := c.sessions.Sessions()
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(len(sessions)))

	for _, s := range sessions {
		dev := s.Device()
		labels := []string{s.ID(), string(dev.Backend), dev.ID}
		st := s.Stats()
		current := s.State()

		for _, state := range states {
			v := 0.0
			if state == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, append(labels, state.String())...)
		}

		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		counter(c.underruns, st.Underruns)
		counter(c.overruns, st.Overruns)
		counter(c.framesPadded, st.FramesPadded)
		counter(c.framesDropped, st.FramesDropped)
		counter(c.framesProduced, st.FramesProduced)
		counter(c.periodsDelivered, st.PeriodsDelivered)
		counter(c.callbackMisses, st.CallbackMisses)
		counter(c.submitFailures, st.SubmitFailures)

		ch <- prometheus.MustNewConstMetric(c.buffered, prometheus.GaugeValue, float64(st.Buffered), labels...)
		f := s.Format()
		ch <- prometheus.MustNewConstMetric(c.sampleRate, prometheus.GaugeValue, float64(f.SampleRate), append(labels, f.Name())...)
	}
}

// Handler serves the registry in the Prometheus text format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends
func Serve(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(registry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
		<-errCh
		return nil
	}
}
