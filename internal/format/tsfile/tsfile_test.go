package tsfile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/codec/cea608"
	"github.com/zsiec/reel/internal/format/testsrc"
	"github.com/zsiec/reel/internal/media"
)

func generate(t *testing.T, mod func(*testsrc.StreamOptions)) []byte {
	t.Helper()
	o := testsrc.DefaultStreamOptions()
	if mod != nil {
		mod(&o)
	}
	var buf bytes.Buffer
	if err := testsrc.WriteTransportStream(&buf, o); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type readResult struct {
	packets []*media.Packet
	corrupt int
}

func readAll(t *testing.T, c *Container) readResult {
	t.Helper()
	var res readResult
	for {
		p, err := c.ReadPacket(context.Background())
		switch {
		case errors.Is(err, io.EOF):
			return res
		case errors.Is(err, media.ErrCorrupt):
			res.corrupt++
		case err != nil:
			t.Fatal(err)
		default:
			res.packets = append(res.packets, p)
		}
	}
}

func TestNewReader_Probe(t *testing.T) {
	t.Parallel()
	c, err := NewReader(context.Background(), "mem.ts", bytes.NewReader(generate(t, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	info := c.Info()
	if info.Format != FormatName || !info.Seekable || info.Live {
		t.Errorf("info flags: %+v", info)
	}
	if len(info.Streams) != 2 {
		t.Fatalf("streams: got %d, want 2", len(info.Streams))
	}
	v, a := info.Streams[0], info.Streams[1]
	if v.Codec != media.CodecH264 || v.Width != 640 || v.Height != 360 {
		t.Errorf("video: %+v", v)
	}
	if v.FrameRate < 29.9 || v.FrameRate > 30.1 {
		t.Errorf("frame rate: got %f, want 30", v.FrameRate)
	}
	if v.ReorderDepth != 0 {
		t.Errorf("reorder depth: got %d, want 0", v.ReorderDepth)
	}
	if a.Codec != media.CodecAAC || a.SampleRate != 48000 || a.Channels != 2 {
		t.Errorf("audio: %+v", a)
	}
	// AAC-LC, 48kHz, stereo
	if want := []byte{0x11, 0x90}; !bytes.Equal(a.CodecConfig, want) {
		t.Errorf("audio codec config: got % X, want % X", a.CodecConfig, want)
	}
	if d := info.Duration - 10*time.Second; d < 0 || d > 20*time.Millisecond {
		t.Errorf("duration: got %v, want ~10s", info.Duration)
	}

	points := c.SeekPoints()
	if len(points) != 10 {
		t.Fatalf("seek points: got %d, want 10", len(points))
	}
	for i, p := range points {
		if p.Time != time.Duration(i)*time.Second {
			t.Errorf("seek point %d: got %v", i, p.Time)
		}
	}
}

func TestReadPacket(t *testing.T) {
	t.Parallel()
	c, err := NewReader(context.Background(), "mem.ts", bytes.NewReader(generate(t, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := readAll(t, c)
	if res.corrupt != 0 {
		t.Errorf("corrupt reads on clean input: %d", res.corrupt)
	}

	counts := map[int]int{}
	keys := 0
	for _, p := range res.packets {
		counts[p.Stream]++
		if p.Stream == 0 && p.Keyframe {
			keys++
		}
	}
	if counts[0] != 300 || counts[1] != 469 {
		t.Errorf("packet counts: got %v, want video 300 audio 469", counts)
	}
	if keys != 10 {
		t.Errorf("keyframes: got %d, want 10", keys)
	}
	if first := res.packets[0]; first.PTS != 0 {
		t.Errorf("first packet PTS: got %d, want 0", first.PTS)
	}
	for _, p := range res.packets {
		if p.Stream == 1 && p.Duration != 1920 {
			t.Fatalf("audio packet duration: got %d, want 1920", p.Duration)
		}
	}
}

func TestCaptionsAndReorder(t *testing.T) {
	t.Parallel()
	data := generate(t, func(o *testsrc.StreamOptions) {
		o.Duration = 3 * time.Second
		o.BFrames = true
		o.Captions = []cea608.Cue{{Start: (500 * time.Millisecond).Seconds(), End: (2 * time.Second).Seconds(), Text: "HELLO"}}
	})
	c, err := NewReader(context.Background(), "mem.ts", bytes.NewReader(data), nil)
	if err != nil {
		t.Fatal(err)
	}
	info := c.Info()
	if len(info.Streams) != 3 {
		t.Fatalf("streams: got %d, want 3", len(info.Streams))
	}
	if info.Streams[0].ReorderDepth != 1 {
		t.Errorf("reorder depth: got %d, want 1", info.Streams[0].ReorderDepth)
	}
	sub := info.Streams[2]
	if sub.Kind != media.KindSubtitle || sub.Codec != media.CodecCEA608 || sub.ReorderDepth != 1 {
		t.Errorf("caption stream: %+v", sub)
	}

	var video, captions int
	for _, p := range readAll(t, c).packets {
		switch p.Stream {
		case 0:
			video++
		case 2:
			captions++
			if !bytes.Contains(p.Data, []byte("GA94")) {
				t.Fatal("caption packet without A/53 payload")
			}
		}
	}
	if video != 90 || captions != 90 {
		t.Errorf("got %d video and %d caption packets, want 90 each", video, captions)
	}
}

func TestSeekKeyframe(t *testing.T) {
	t.Parallel()
	c, err := NewReader(context.Background(), "mem.ts", bytes.NewReader(generate(t, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}
	// Read a little first so the seek discards buffered state.
	for i := 0; i < 20; i++ {
		if _, err := c.ReadPacket(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		target time.Duration
		want   time.Duration
	}{
		{5500 * time.Millisecond, 5 * time.Second},
		{time.Second, time.Second},
		{-time.Second, 0},
		{time.Hour, 9 * time.Second},
	}
	for _, tc := range tests {
		landed, err := c.SeekKeyframe(context.Background(), tc.target)
		if err != nil {
			t.Fatal(err)
		}
		if landed != tc.want {
			t.Errorf("seek %v: landed %v, want %v", tc.target, landed, tc.want)
		}
		p, err := c.ReadPacket(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if p.Stream != 0 || !p.Keyframe || media.TimeBase90k.Duration(p.PTS) != tc.want {
			t.Errorf("seek %v: first packet stream %d key %v pts %d", tc.target, p.Stream, p.Keyframe, p.PTS)
		}
	}
}

func TestCorruptInput(t *testing.T) {
	t.Parallel()
	data := generate(t, func(o *testsrc.StreamOptions) { o.Duration = 2 * time.Second })
	cut := 188 * 300
	damaged := append(append(append([]byte{}, data[:cut]...), 0x00, 0x12, 0x34), data[cut:]...)

	c, err := NewReader(context.Background(), "mem.ts", bytes.NewReader(damaged), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := readAll(t, c)
	if res.corrupt == 0 {
		t.Error("expected a corrupt read")
	}
	if len(res.packets) < 100 {
		t.Errorf("reading stopped early: %d packets", len(res.packets))
	}
}

func TestUnsupported(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"zeros", make([]byte, 4096)},
		{"text", bytes.Repeat([]byte("not a transport stream\n"), 100)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewReader(context.Background(), "x.ts", bytes.NewReader(tc.data), nil)
			if !errors.Is(err, media.ErrUnsupportedFormat) {
				t.Errorf("got %v, want ErrUnsupportedFormat", err)
			}
		})
	}
}

// onlyReader hides io.Seeker.
type onlyReader struct{ io.Reader }

func TestNewLive(t *testing.T) {
	t.Parallel()
	data := generate(t, func(o *testsrc.StreamOptions) { o.Duration = 2 * time.Second })
	c, err := NewLive(context.Background(), "srt://feed", onlyReader{bytes.NewReader(data)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	info := c.Info()
	if !info.Live || info.Seekable || info.Duration != 0 {
		t.Errorf("info: %+v", info)
	}
	if info.Streams[0].Width != 640 || info.Streams[1].SampleRate != 48000 {
		t.Errorf("streams not probed: %+v", info.Streams)
	}
	if _, err := c.SeekKeyframe(context.Background(), time.Second); !errors.Is(err, media.ErrNotSeekable) {
		t.Errorf("seek: got %v, want ErrNotSeekable", err)
	}

	// Probed data is replayed, so nothing is lost.
	counts := map[int]int{}
	for _, p := range readAll(t, c).packets {
		counts[p.Stream]++
	}
	if counts[0] != 60 || counts[1] != 94 {
		t.Errorf("packet counts: got %v", counts)
	}
}

func TestTimestampWrap(t *testing.T) {
	t.Parallel()
	data := generate(t, func(o *testsrc.StreamOptions) {
		o.Duration = 2 * time.Second
		o.StartPTS = 1<<33 - 45000
	})
	c, err := NewReader(context.Background(), "mem.ts", bytes.NewReader(data), nil)
	if err != nil {
		t.Fatal(err)
	}
	if d := c.Info().Duration - 2*time.Second; d < 0 || d > 50*time.Millisecond {
		t.Errorf("duration across wrap: got %v", c.Info().Duration)
	}
	var last int64 = -1
	for _, p := range readAll(t, c).packets {
		if p.Stream != 0 {
			continue
		}
		if p.PTS <= last {
			t.Fatalf("video PTS went backwards: %d after %d", p.PTS, last)
		}
		last = p.PTS
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.ts")
	if err := os.WriteFile(path, generate(t, nil), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(context.Background(), "file://"+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadPacket(context.Background()); !errors.Is(err, os.ErrClosed) {
		t.Errorf("read after close: got %v", err)
	}
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.ts"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReorderDepth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		pts  []int64
		want int
	}{
		{"in order", []int64{0, 1, 2, 3}, 0},
		{"ipbb", []int64{0, 3, 1, 2, 6, 4, 5}, 1},
		{"pyramid", []int64{0, 4, 2, 1, 3}, 2},
		{"empty", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := reorderDepth(tc.pts); got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}
