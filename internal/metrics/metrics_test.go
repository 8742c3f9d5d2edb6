package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcmout.dev/internal/audio"
	"pcmout.dev/internal/audio/audiotest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSession(t *testing.T) (*audio.Subsystem, *audio.Session, *audiotest.Handle) {
	t.Helper()
	mock := audiotest.NewBackend()
	sys := audio.NewSubsystem(audio.WithLogger(quietLogger()), audio.WithRegistrations(mock.Registration(10)))
	ctx := context.Background()
	require.NoError(t, sys.Initialize(ctx, audio.AutoBackend))
	t.Cleanup(func() { _ = sys.Shutdown() })

	dev, err := sys.DefaultDevice(ctx)
	require.NoError(t, err)
	sess, err := sys.OpenDevice(ctx, dev, audio.FormatS16, audio.WithPeriodFrames(64))
	require.NoError(t, err)
	return sys, sess, mock.Handle(dev.ID)
}

// metricValue finds the sample of family name carrying label=value
func metricValue(t *testing.T, families []*dto.MetricFamily, name, label, value string) float64 {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					if m.GetCounter() != nil {
						return m.GetCounter().GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, label, value)
	return 0
}

func TestCollectorReportsSessionStats(t *testing.T) {
	sys, sess, h := openSession(t)
	registry := prometheus.NewRegistry()
	c, err := NewSessionCollector(registry, sys)
	require.NoError(t, err)

	// nothing registered as producer, so every period underruns
	require.NoError(t, sess.Start())
	for range 3 {
		h.Tick()
	}

	families, err := registry.Gather()
	require.NoError(t, err)

	id := sess.ID()
	assert.Equal(t, 3.0, metricValue(t, families, "pcmout_session_periods_delivered_total", "session_id", id))
	assert.Equal(t, 1.0, metricValue(t, families, "pcmout_session_underruns_total", "session_id", id))
	assert.Equal(t, 3.0*64, metricValue(t, families, "pcmout_session_frames_padded_total", "session_id", id))
	assert.Equal(t, 48000.0, metricValue(t, families, "pcmout_session_sample_rate_hertz", "format", "s16"))
	assert.Equal(t, 1.0, metricValue(t, families, "pcmout_session_state", "state", "playing"))
	assert.Equal(t, 0.0, metricValue(t, families, "pcmout_session_state", "state", "paused"))

	require.NoError(t, sess.Close())
	assert.Equal(t, 1, testutil.CollectAndCount(c), "only the open-session gauge remains")
}

func TestCollectorRegistersOnce(t *testing.T) {
	sys, _, _ := openSession(t)
	registry := prometheus.NewRegistry()
	_, err := NewSessionCollector(registry, sys)
	require.NoError(t, err)
	_, err = NewSessionCollector(registry, sys)
	assert.Error(t, err)
}

func TestHandlerServesText(t *testing.T) {
	sys, _, _ := openSession(t)
	registry := prometheus.NewRegistry()
	_, err := NewSessionCollector(registry, sys)
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pcmout_sessions_open 1")
	assert.Contains(t, string(body), "pcmout_session_buffered_bytes")
}

func TestServeStopsWithContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, prometheus.NewRegistry(), quietLogger()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
