package media

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRational_Duration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		tb    Rational
		ticks int64
		want  time.Duration
	}{
		{"90k one second", TimeBase90k, 90000, time.Second},
		{"90k one frame at 30fps", TimeBase90k, 3000, 33333333 * time.Nanosecond},
		{"90k 26 hours", TimeBase90k, 90000 * 3600 * 26, 26 * time.Hour},
		{"frame timebase", Rational{1, 30}, 45, 1500 * time.Millisecond},
		{"sample timebase", Rational{1, 48000}, 1024, 21333333 * time.Nanosecond},
		{"invalid", Rational{}, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.tb.Duration(tt.ticks); got != tt.want {
				t.Errorf("Duration(%d): got %v, want %v", tt.ticks, got, tt.want)
			}
		})
	}
}

func TestRational_Ticks(t *testing.T) {
	t.Parallel()
	if got := TimeBase90k.Ticks(8 * time.Second); got != 720000 {
		t.Errorf("Ticks(8s): got %d, want 720000", got)
	}
	if got := (Rational{1, 30}).Ticks(8*time.Second + 20*time.Millisecond); got != 240 {
		t.Errorf("Ticks at 30fps: got %d, want 240", got)
	}
}

func TestCodecKind(t *testing.T) {
	t.Parallel()
	want := map[CodecID]StreamKind{
		CodecH264:     KindVideo,
		CodecH265:     KindVideo,
		CodecRawVideo: KindVideo,
		CodecAAC:      KindAudio,
		CodecPCM:      KindAudio,
		CodecCEA608:   KindSubtitle,
		CodecUnknown:  KindUnknown,
	}
	for c, k := range want {
		if got := c.Kind(); got != k {
			t.Errorf("%s.Kind(): got %s, want %s", c, got, k)
		}
	}
}

func TestParseStreamKind(t *testing.T) {
	t.Parallel()
	for _, k := range []StreamKind{KindVideo, KindAudio, KindSubtitle} {
		got, err := ParseStreamKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseStreamKind(%q): got %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseStreamKind("data"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()
	err := &FatalError{
		Component: "decode",
		Stream:    1,
		Err:       &DecodeError{Stream: 1, Kind: KindVideo, Consecutive: 11, Err: ErrCorrupt},
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Error("FatalError should unwrap to ErrCorrupt")
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Consecutive != 11 {
		t.Errorf("errors.As DecodeError: got %+v", de)
	}
	if !IsFatal(err) {
		t.Error("IsFatal: got false, want true")
	}
	if IsFatal(&SeekError{Target: time.Second, Err: ErrOutOfRange}) {
		t.Error("SeekError is not fatal")
	}
	if msg := (&DemuxError{Offset: -1, Err: ErrCorrupt}).Error(); strings.Contains(msg, "offset") {
		t.Errorf("DemuxError without offset: got %q", msg)
	}
}

func TestMediaInfoJSON(t *testing.T) {
	t.Parallel()
	mi := MediaInfo{
		URL:    "testsrc://",
		Format: "testsrc",
		Streams: []StreamDescriptor{
			{Index: 0, Kind: KindVideo, Codec: CodecRawVideo, TimeBase: Rational{1, 30}},
		},
	}
	b, err := json.Marshal(mi)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"kind":"video"`, `"codec":"rawvideo"`, `"time_base":"1/30"`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("json %s missing %s", b, want)
		}
	}
	if _, ok := mi.FirstOfKind(KindAudio); ok {
		t.Error("FirstOfKind(audio) should be absent")
	}
}
