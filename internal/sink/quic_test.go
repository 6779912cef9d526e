package sink

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/media"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type collector struct {
	mu   sync.Mutex
	recs []Record
}

func (c *collector) handle(r Record) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
}

func (c *collector) byStream() map[int][]Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[int][]Record{}
	for _, r := range c.recs {
		out[r.Stream] = append(out[r.Stream], r)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func startReceiver(t *testing.T, h Handler) *QUICReceiver {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)
	r, err := ListenQUIC("127.0.0.1:0", cert, h, quietLog)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("receiver did not stop")
		}
	})
	return r
}

func TestQUIC_SendAndReceive(t *testing.T) {
	t.Parallel()
	var c collector
	r := startReceiver(t, c.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := DialQUIC(ctx, r.Addr().String(), SenderConfig{Fingerprint: r.Fingerprint(), Label: "session-1"}, quietLog)
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for stream, kind := range []media.StreamKind{media.KindVideo, media.KindAudio} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				wctx, wcancel := context.WithTimeout(ctx, time.Second)
				err := s.WriteSample(wctx, sample(kind, stream, time.Duration(i)*33*time.Millisecond, "frame"))
				wcancel()
				if !assert.NoError(t, err) {
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return c.len() == 100 }, 5*time.Second, 10*time.Millisecond)
	for stream, recs := range c.byStream() {
		require.Len(t, recs, 50)
		for i, rec := range recs {
			assert.Equal(t, "session-1", rec.Label)
			assert.Equal(t, stream, rec.Stream)
			assert.Equal(t, time.Duration(i)*33*time.Millisecond, rec.Timestamp, "stream %d record %d", stream, i)
			assert.Equal(t, []byte("frame"), rec.Payload)
		}
	}
	assert.Equal(t, media.KindAudio, c.byStream()[1][0].Kind)

	samples, _, resets := s.Stats()
	assert.Equal(t, int64(100), samples)
	assert.Zero(t, resets)
	conns, records := r.Stats()
	assert.Equal(t, int64(1), conns)
	assert.Equal(t, int64(100), records)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WriteSample(ctx, sample(media.KindVideo, 0, 0, "")), net.ErrClosed)
}

func TestQUIC_FingerprintPinning(t *testing.T) {
	t.Parallel()
	r := startReceiver(t, nil)
	other, err := certs.Generate(time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = DialQUIC(ctx, r.Addr().String(), SenderConfig{Fingerprint: other.FingerprintHex()}, quietLog)
	assert.Error(t, err)

	_, err = DialQUIC(ctx, r.Addr().String(), SenderConfig{Fingerprint: "zz"}, quietLog)
	assert.ErrorContains(t, err, "invalid fingerprint")
}
