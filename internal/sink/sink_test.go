package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/player"
)

func sample(kind media.StreamKind, stream int, ts time.Duration, payload string) player.Sample {
	return player.Sample{
		Kind:      kind,
		Stream:    stream,
		Timestamp: ts,
		Duration:  20 * time.Millisecond,
		Payload:   []byte(payload),
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	r := NewRecorder(3)
	ctx := context.Background()
	for i := range 5 {
		kind := media.KindVideo
		if i%2 == 1 {
			kind = media.KindAudio
		}
		require.NoError(t, r.WriteSample(ctx, sample(kind, int(kind), time.Duration(i)*time.Second, "ab")))
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, int64(2), r.Dropped())
	assert.Len(t, r.Kind(media.KindVideo), 2)

	sum := r.Summary()
	assert.Equal(t, KindSummary{Samples: 3, Bytes: 6, First: 0, Last: 4 * time.Second}, sum["video"])
	assert.Equal(t, KindSummary{Samples: 2, Bytes: 4, First: time.Second, Last: 3 * time.Second}, sum["audio"])

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Summary())
}

func TestRecorder_Concurrent(t *testing.T) {
	t.Parallel()
	r := NewRecorder(1000)
	var wg sync.WaitGroup
	for stream := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				r.WriteSample(context.Background(), sample(media.KindAudio, stream, time.Duration(i)*time.Millisecond, "x"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, r.Len())
	assert.Equal(t, int64(400), r.Summary()["audio"].Samples)
}

func TestRecorder_CancelledContext(t *testing.T) {
	t.Parallel()
	r := NewRecorder(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.WriteSample(ctx, sample(media.KindVideo, 0, 0, "")), context.Canceled)
	assert.Zero(t, r.Len())
}

func TestDiscardAndFunc(t *testing.T) {
	t.Parallel()
	var d Discard
	var got []time.Duration
	f := Func(func(ctx context.Context, s player.Sample) error {
		got = append(got, s.Timestamp)
		return d.WriteSample(ctx, s)
	})
	for i := range 3 {
		require.NoError(t, f.WriteSample(context.Background(), sample(media.KindVideo, 0, time.Duration(i), "abcd")))
	}
	assert.Equal(t, []time.Duration{0, 1, 2}, got)
	assert.Equal(t, int64(3), d.Samples())
	assert.Equal(t, int64(12), d.Bytes())
}

func TestWire_Records(t *testing.T) {
	t.Parallel()
	hdr := StreamHeader{Stream: 2, Kind: media.KindSubtitle, Label: "player-1"}
	samples := []player.Sample{
		sample(media.KindSubtitle, 2, 1500*time.Millisecond, "hello"),
		{Kind: media.KindSubtitle, Stream: 2, Timestamp: -40 * time.Millisecond, Discontinuity: true},
		sample(media.KindSubtitle, 2, 10*time.Hour, string(make([]byte, 70000))),
	}
	buf := appendHeader(nil, hdr)
	for _, s := range samples {
		buf = appendRecord(buf, s)
	}

	br := bufio.NewReader(bytes.NewReader(buf))
	gotHdr, err := readHeader(br)
	require.NoError(t, err)
	assert.Equal(t, hdr, gotHdr)
	for _, want := range samples {
		rec, err := readRecord(br, gotHdr)
		require.NoError(t, err)
		assert.Equal(t, want.Timestamp, rec.Timestamp)
		assert.Equal(t, want.Duration, rec.Duration)
		assert.Equal(t, want.Discontinuity, rec.Discontinuity)
		assert.Equal(t, len(want.Payload), len(rec.Payload))
		assert.Equal(t, hdr, rec.StreamHeader)
	}
	_, err = readRecord(br, gotHdr)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWire_Errors(t *testing.T) {
	t.Parallel()
	hdr := StreamHeader{Stream: 0, Kind: media.KindVideo}
	rec := appendRecord(nil, sample(media.KindVideo, 0, time.Second, "payload"))

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"truncated payload", rec[:len(rec)-2], io.ErrUnexpectedEOF},
		{"truncated fields", rec[:2], io.ErrUnexpectedEOF},
		{"oversized", []byte{0x00, 0x00, 0x00, 0xbf, 0xff, 0xff, 0xff}, ErrRecordTooBig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := readRecord(bufio.NewReader(bytes.NewReader(tt.data)), hdr)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	bad := appendHeader(nil, hdr)
	bad[0] = 7
	_, err := readHeader(bufio.NewReader(bytes.NewReader(bad)))
	assert.True(t, errors.Is(err, ErrWireVersion), "got %v", err)
}
