package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/media"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestParseURL(t *testing.T) {
	t.Parallel()

	o, err := ParseURL("srt://10.0.0.5:9000?streamid=live/cam1&timeout=2s")
	require.NoError(t, err)
	assert.Equal(t, Options{Addr: "10.0.0.5:9000", Mode: ModeCaller, StreamID: "live/cam1", DialTimeout: 2 * time.Second}, o)

	o, err = ParseURL("srt://:9000?mode=listener")
	require.NoError(t, err)
	assert.Equal(t, ModeListener, o.Mode)
	assert.Equal(t, defaultDialTimeout, o.DialTimeout)

	for _, bad := range []string{
		"file:///a.ts",
		"srt://host",
		"srt://host:1?mode=rendezvous",
		"srt://host:1?timeout=never",
		"srt://host:1?latency=1",
		"srt://?mode=listener",
	} {
		_, err := ParseURL(bad)
		assert.Error(t, err, bad)
	}
	_, err = ParseURL("udp://host:1")
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)
}

func TestFeed(t *testing.T) {
	t.Parallel()

	stopped := 0
	f := newFeed("cam1", func() { stopped++ })
	f.SetRemoteAddr("10.0.0.9:4000")

	go func() {
		for _, chunk := range [][]byte{[]byte("abc"), []byte("defg")} {
			f.RecordRead(len(chunk))
			if _, err := f.Write(chunk); err != nil {
				return
			}
		}
		f.finish(nil)
	}()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", string(got))

	stats := f.Stats()
	assert.Equal(t, "cam1", stats.StreamKey)
	assert.EqualValues(t, 7, stats.BytesReceived)
	assert.EqualValues(t, 2, stats.ReadCount)
	assert.Equal(t, "10.0.0.9:4000", stats.RemoteAddr)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Equal(t, 1, stopped)
	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestFeed_CloseUnblocksWriter(t *testing.T) {
	t.Parallel()

	f := newFeed("k", nil)
	errc := make(chan error, 1)
	go func() {
		_, err := f.Write(bytes.Repeat([]byte{0x47}, 188))
		errc <- err
	}()
	f.Close()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, io.ErrClosedPipe))
	case <-time.After(time.Second):
		t.Fatal("writer still blocked after Close")
	}
}

func TestOpen_ListenerCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, "srt://127.0.0.1:0?mode=listener", nil)
	require.Error(t, err)
}
