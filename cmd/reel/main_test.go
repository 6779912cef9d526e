package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/codec/cea608"
	"github.com/zsiec/reel/internal/sink"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}

func TestGenThenProbe(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.ts")
	if _, err := run(t, "gen", path, "--duration", "2s", "--fps", "25", "--gop", "25", "--captions", "0.5-1.5=HELLO"); err != nil {
		t.Fatalf("gen: %v", err)
	}

	out, err := run(t, "probe", path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	var res struct {
		Format     string            `json:"format"`
		Seekable   bool              `json:"seekable"`
		Streams    []probedStream    `json:"streams"`
		SeekPoints []json.RawMessage `json:"seek_points"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("probe output: %v\n%s", err, out)
	}
	if res.Format != "mpegts" {
		t.Errorf("format: got %q, want mpegts", res.Format)
	}
	if !res.Seekable {
		t.Error("file source not seekable")
	}
	kinds := map[string]int{}
	for _, s := range res.Streams {
		kinds[s.Kind]++
	}
	if kinds["video"] != 1 || kinds["audio"] != 1 {
		t.Errorf("streams: got %v, want one video and one audio", kinds)
	}
	// One keyframe per second.
	if len(res.SeekPoints) < 2 {
		t.Errorf("seek points: got %d, want at least 2", len(res.SeekPoints))
	}
}

type probedStream struct {
	Kind string `json:"kind"`
}

func TestProbe_Unsupported(t *testing.T) {
	t.Parallel()
	_, err := run(t, "probe", "gopher://example.com/clip")
	if err == nil {
		t.Fatal("probe of unknown scheme succeeded")
	}
}

func TestPlay_RecordSink(t *testing.T) {
	t.Parallel()
	out, err := run(t, "play", "testsrc://?duration=500ms&fps=20", "--sink", "record", "--progress", "0")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	var sum struct {
		Player struct {
			State string `json:"state"`
		} `json:"player"`
		Received map[string]sink.KindSummary `json:"received"`
	}
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("summary: %v\n%s", err, out)
	}
	// 20 fps for 500ms; late frames may be dropped on a loaded machine.
	if got := sum.Received["video"].Samples; got == 0 || got > 10 {
		t.Errorf("video samples: got %d, want 1..10", got)
	}
	if got := sum.Received["audio"].Samples; got == 0 {
		t.Error("no audio samples recorded")
	}
}

func TestPlay_InvalidFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"sink", []string{"--sink", "speaker"}, "sink.kind"},
		{"quic without addr", []string{"--sink", "quic://"}, "sink.addr"},
		{"rate", []string{"--rate", "100"}, "rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			args := append([]string{"play", "testsrc://?duration=200ms", "--progress", "0"}, tt.args...)
			_, err := run(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestPlay_QUICSink(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	var records atomic.Int64
	var label atomic.Value
	r, err := sink.ListenQUIC("127.0.0.1:0", cert, func(rec sink.Record) {
		records.Add(1)
		label.Store(rec.Label)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	_, err = run(t, "play", "testsrc://?duration=300ms&fps=10&audio=0",
		"--sink", "quic://"+r.Addr().String(), "--fingerprint", r.Fingerprint(), "--progress", "0")
	if err != nil {
		t.Fatalf("play: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for records.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := records.Load(); got < 3 {
		t.Errorf("records: got %d, want at least 3", got)
	}
	if l, _ := label.Load().(string); l == "" {
		t.Error("records carry no session label")
	}
}

func TestParseCue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    cea608.Cue
		wantErr bool
	}{
		{in: "1-3=Hello", want: cea608.Cue{Start: 1, End: 3, Text: "Hello"}},
		{in: "0.5-1.25=A=B", want: cea608.Cue{Start: 0.5, End: 1.25, Text: "A=B"}},
		{in: "1-3", wantErr: true},
		{in: "3=Hi", wantErr: true},
		{in: "3-1=Hi", wantErr: true},
		{in: "x-1=Hi", wantErr: true},
		{in: "1-2=", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseCue(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCue(%q): got err %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseCue(%q): got %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
