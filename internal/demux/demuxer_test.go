package demux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/avlib"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

func open(t *testing.T, url string, cfg Config) (*Demuxer, *avlib.Library) {
	t.Helper()
	lib := avlib.Init(nil)
	d, err := Open(context.Background(), lib, url, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		d.Close()
		if err := lib.Close(); err != nil {
			t.Errorf("library close: %v", err)
		}
	})
	return d, lib
}

func drain(t *testing.T, q *queue.PacketQueue) int {
	t.Helper()
	n := 0
	for {
		_, _, err := q.Get(context.Background())
		if errors.Is(err, media.ErrEndOfStream) {
			return n
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()
	lib := avlib.Init(nil)
	for _, url := range []string{"nope://x", "/tmp/missing.ts", "testsrc://?bogus=1"} {
		_, err := Open(context.Background(), lib, url, DefaultConfig(), nil)
		var oe *media.OpenError
		if !errors.As(err, &oe) || oe.URL != url {
			t.Errorf("%s: got %v, want *media.OpenError", url, err)
		}
	}
	if n := lib.Outstanding().Total(); n != 0 {
		t.Errorf("outstanding after failed opens: %d", n)
	}
}

func TestRun_RoutesAllPackets(t *testing.T) {
	t.Parallel()
	d, _ := open(t, "testsrc://?duration=1s", Config{MaxPackets: 1000, MaxBytes: 64 << 20})
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := drain(t, d.Queue(0)); got != 30 {
		t.Errorf("video packets: got %d, want 30", got)
	}
	if got := drain(t, d.Queue(1)); got != 47 {
		t.Errorf("audio packets: got %d, want 47", got)
	}
	if s := d.Stats(); s.Packets != 77 || s.Discarded != 0 {
		t.Errorf("stats: %+v", s)
	}
}

func TestRun_DisabledStreamNeverQueued(t *testing.T) {
	t.Parallel()
	d, _ := open(t, "testsrc://?duration=1s", Config{MaxPackets: 2})
	d.SetEnabled(0, false)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	if got := drain(t, d.Queue(1)); got != 47 {
		t.Errorf("audio packets: got %d, want 47", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("demux loop blocked on a disabled stream")
	}
	if d.Queue(0).Len() != 0 {
		t.Error("disabled stream has queued packets")
	}
	if got := d.Stats().Discarded; got != 30 {
		t.Errorf("discarded: got %d, want 30", got)
	}
}

func TestRun_CorruptThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		url       string
		wantFatal bool
	}{
		{"under threshold", "testsrc://?duration=1s&corrupt=demux:5:4", false},
		{"over threshold", "testsrc://?duration=1s&corrupt=demux:5:40", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, _ := open(t, tc.url, Config{MaxPackets: 1000, MaxBytes: 64 << 20, MaxCorruptPackets: 10})
			err := d.Run(context.Background())
			if tc.wantFatal {
				var de *media.DemuxError
				if !media.IsFatal(err) || !errors.As(err, &de) || !errors.Is(err, media.ErrCorrupt) {
					t.Fatalf("got %v, want fatal demux error", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := d.Stats().Corrupt; got != 4 {
				t.Errorf("corrupt count: got %d, want 4", got)
			}
		})
	}
}

func TestRun_Cancel(t *testing.T) {
	t.Parallel()
	d, _ := open(t, "testsrc://", Config{MaxPackets: 4})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSeek(t *testing.T) {
	t.Parallel()
	d, _ := open(t, "testsrc://", Config{MaxPackets: 8})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := d.ReadNext(ctx); err != nil {
			t.Fatal(err)
		}
	}
	serial := d.Queue(0).Serial()

	landed, err := d.Seek(ctx, 8500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if landed != 8*time.Second {
		t.Errorf("landed: got %v, want 8s", landed)
	}
	q := d.Queue(0)
	if q.Len() != 0 || q.Serial() != serial+1 {
		t.Errorf("queue after seek: len %d serial %d", q.Len(), q.Serial())
	}
	pkt, err := d.ReadNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Stream != 0 || pkt.PTS != 240 {
		t.Errorf("first packet after seek: stream %d pts %d", pkt.Stream, pkt.PTS)
	}

	for _, target := range []time.Duration{-time.Second, 10 * time.Second, time.Hour} {
		if _, err := d.Seek(ctx, target); !errors.Is(err, media.ErrOutOfRange) {
			t.Errorf("seek %v: got %v, want ErrOutOfRange", target, err)
		}
	}
	if len(d.SeekPoints()) != 10 {
		t.Errorf("seek points: got %d", len(d.SeekPoints()))
	}
}

func TestSeek_NotSeekable(t *testing.T) {
	t.Parallel()
	d, _ := open(t, "testsrc://?live=1", DefaultConfig())
	_, err := d.Seek(context.Background(), time.Second)
	var se *media.SeekError
	if !errors.As(err, &se) || !errors.Is(err, media.ErrNotSeekable) {
		t.Errorf("got %v, want SeekError(ErrNotSeekable)", err)
	}
}

func TestClose_ReleasesContainer(t *testing.T) {
	t.Parallel()
	lib := avlib.Init(nil)
	d, err := Open(context.Background(), lib, "testsrc://", DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	d.ReadNext(context.Background())
	d.Close()
	d.Close()
	if n := lib.Outstanding().Containers; n != 0 {
		t.Errorf("containers outstanding: %d", n)
	}
	if d.Queue(0).Len() != 0 {
		t.Error("packets retained after close")
	}
}
