package aac

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/reel/internal/media"
)

func adts(t testing.TB, au []byte, sampleRate, channels int) []byte {
	t.Helper()
	b, err := AppendADTS(nil, au, sampleRate, channels)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParseADTS(t *testing.T) {
	t.Parallel()
	au := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}
	data := adts(t, au, 48000, 2)
	if !bytes.Equal(data[:7], []byte{0xFF, 0xF1, 0x4C, 0x80, 0x01, 0xBF, 0xFC}) {
		t.Errorf("header: got % X", data[:7])
	}

	frames, err := ParseADTS(data)
	if err != nil {
		t.Fatalf("ParseADTS failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.SampleRate != 48000 || f.ChannelCount != 2 || f.Type != mpeg4audio.ObjectTypeAACLC {
		t.Errorf("got rate %d channels %d type %d", f.SampleRate, f.ChannelCount, f.Type)
	}
	if !bytes.Equal(f.AU, au) {
		t.Errorf("AU: got % X, want % X", f.AU, au)
	}
}

func TestParseADTS_Errors(t *testing.T) {
	t.Parallel()
	good := adts(t, make([]byte, 20), 44100, 1)
	tests := []struct {
		name    string
		data    []byte
		frames  int
		wantErr bool
	}{
		{"empty", nil, 0, false},
		{"leading garbage", append([]byte{0x00, 0x12}, good...), 0, true},
		{"two frames", append(append([]byte{}, good...), good...), 2, false},
		{"short header", []byte{0xFF, 0xF1, 0x50, 0x80, 0x00}, 0, true},
		{"truncated frame", good[:len(good)-3], 0, true},
		{"bad rate index", []byte{0xFF, 0xF1, 0x7C, 0x80, 0x01, 0xBF, 0xFC}, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			frames, err := ParseADTS(tc.data)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidADTS) {
				t.Errorf("err %v does not wrap ErrInvalidADTS", err)
			}
			if len(frames) != tc.frames {
				t.Errorf("frames: got %d, want %d", len(frames), tc.frames)
			}
		})
	}
}

func TestAppendADTS_Rejects(t *testing.T) {
	t.Parallel()
	if _, err := AppendADTS(nil, []byte{1}, 12345, 2); err == nil {
		t.Error("expected error for unsupported sample rate")
	}
	if _, err := AppendADTS(nil, []byte{1}, 48000, 0); err == nil {
		t.Error("expected error for zero channels")
	}
	if _, err := AppendADTS(nil, make([]byte, 9000), 48000, 2); err == nil {
		t.Error("expected error for oversized access unit")
	}
}

func TestDecoder_FrameTiming(t *testing.T) {
	t.Parallel()
	d, err := New(media.StreamDescriptor{
		Index:      1,
		Kind:       media.KindAudio,
		Codec:      media.CodecAAC,
		TimeBase:   media.TimeBase90k,
		SampleRate: 48000,
		Channels:   2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, adts(t, []byte{byte(i), 0x11, 0x22}, 48000, 2)...)
	}
	if err := d.SendPacket(&media.Packet{Stream: 1, PTS: 90000, DTS: media.NoPTS, Data: data}); err != nil {
		t.Fatal(err)
	}
	d.Drain()

	frameDur := 1024 * time.Second / 48000
	for i := 0; i < 3; i++ {
		f, err := d.ReceiveFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if want := time.Second + time.Duration(i)*frameDur; f.PTS != want {
			t.Errorf("frame %d PTS: got %v, want %v", i, f.PTS, want)
		}
		if f.Samples != SamplesPerFrame || f.Duration != frameDur || f.Payload[0] != byte(i) {
			t.Errorf("frame %d: samples %d duration %v payload % X", i, f.Samples, f.Duration, f.Payload)
		}
	}
	if _, err := d.ReceiveFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("after drain: got %v, want io.EOF", err)
	}
}

func TestDecoder_CodecConfig(t *testing.T) {
	t.Parallel()
	au := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pkts, err := ParseADTS(adts(t, au, 44100, 1))
	if err != nil {
		t.Fatal(err)
	}
	asc, err := StreamConfig(pkts[0])
	if err != nil {
		t.Fatal(err)
	}
	// AAC-LC, 44.1kHz, mono
	if want := []byte{0x12, 0x08}; !bytes.Equal(asc, want) {
		t.Errorf("config: got % X, want % X", asc, want)
	}

	desc := media.StreamDescriptor{Codec: media.CodecAAC, TimeBase: media.TimeBase90k, CodecConfig: asc}
	d, err := New(desc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.format.SampleRate != 44100 || d.format.ChannelCount != 1 {
		t.Errorf("format from codec config: %+v", d.format)
	}

	desc.CodecConfig = []byte{0xFF}
	if _, err := New(desc, nil); err == nil {
		t.Error("expected error for a malformed codec config")
	}
}

func TestDecoder_Corrupt(t *testing.T) {
	t.Parallel()
	d, err := New(media.StreamDescriptor{Codec: media.CodecAAC, TimeBase: media.TimeBase90k}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SendPacket(&media.Packet{Data: []byte{0x01, 0x02}}); !errors.Is(err, media.ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
	if _, err := d.ReceiveFrame(); !errors.Is(err, media.ErrAgain) {
		t.Errorf("got %v, want ErrAgain", err)
	}
}

func BenchmarkParseADTS(b *testing.B) {
	data := adts(b, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}, 48000, 2)
	b.SetBytes(int64(len(data)))
	for b.Loop() {
		ParseADTS(data)
	}
}
