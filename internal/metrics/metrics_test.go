package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.Presented("video")
	m.Presented("video")
	m.Presented("audio")
	m.Dropped("video", ReasonLate, 3)
	m.Dropped("video", ReasonLate, 0)
	m.Dropped("audio", ReasonTrimmed, 2)
	m.DecodeError("video", 4)
	m.Corrupt(5)
	m.Seek("ok")
	m.Seek("ok")
	m.Seek("failed")
	m.Backpressure("audio")
	m.StreamFailed("video")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesPresented.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesPresented.WithLabelValues("audio")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("video", ReasonLate)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("audio", ReasonTrimmed)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("video")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.CorruptPackets))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Seeks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Seeks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkBackpressure.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamFailures.WithLabelValues("video")))
}

func TestGauges(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	m.SetState(3)
	m.SetQueueDepth("video", 7)
	m.SetPosition(4.5)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.State))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("video")))
	assert.Equal(t, 4.5, testutil.ToFloat64(m.Position))
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Presented("video")
		m.Dropped("video", ReasonSink, 1)
		m.DecodeError("audio", 1)
		m.Corrupt(1)
		m.Seek("ok")
		m.Backpressure("audio")
		m.StreamFailed("video")
		m.SetState(1)
		m.SetQueueDepth("audio", 1)
		m.SetPosition(1)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestServer(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Presented("video")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), reg, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		assert.NoError(t, <-done)
	})

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `reel_frames_presented_total{kind="video"} 1`), "metrics body:\n%s", body)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
