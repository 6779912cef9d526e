package avlib

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/format/testsrc"
	"github.com/zsiec/reel/internal/media"
)

func TestOpenContainer_Resolution(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var buf bytes.Buffer
	o := testsrc.DefaultStreamOptions()
	o.Duration = time.Second
	if err := testsrc.WriteTransportStream(&buf, o); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.ts", "b.M2TS", "c.mts"} {
		if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		url     string
		format  string
		wantErr error
	}{
		{"bare path", filepath.Join(dir, "a.ts"), "mpegts", nil},
		{"upper-case extension", filepath.Join(dir, "b.M2TS"), "mpegts", nil},
		{"file url", "file://" + filepath.Join(dir, "c.mts"), "mpegts", nil},
		{"testsrc", "testsrc://?duration=1s", "testsrc", nil},
		{"unknown scheme", "rtmp://host/app", "", media.ErrUnsupportedFormat},
		{"unknown extension", filepath.Join(dir, "a.mkv"), "", media.ErrUnsupportedFormat},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			lib := Init(slog.Default())
			c, err := lib.OpenContainer(context.Background(), tc.url)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got %v, want %v", err, tc.wantErr)
				}
				if n := lib.Outstanding().Containers; n != 0 {
					t.Errorf("failed open counted: %d", n)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := c.Info().Format; got != tc.format {
				t.Errorf("format: got %q, want %q", got, tc.format)
			}
			if si, ok := c.(media.SeekIndexer); !ok || len(si.SeekPoints()) == 0 {
				t.Error("seek points not forwarded")
			}
			c.Close()
		})
	}
}

func TestOutstandingAndClose(t *testing.T) {
	t.Parallel()
	lib := Init(nil)
	c, err := lib.OpenContainer(context.Background(), "testsrc://")
	if err != nil {
		t.Fatal(err)
	}
	var codecs []media.Codec
	for _, desc := range c.Info().Streams {
		dec, err := lib.NewCodec(desc)
		if err != nil {
			t.Fatal(err)
		}
		codecs = append(codecs, dec)
	}
	if got := lib.Outstanding(); got != (Outstanding{Containers: 1, Codecs: 2}) {
		t.Fatalf("outstanding: got %+v", got)
	}
	if err := lib.Close(); !errors.Is(err, ErrResourcesOutstanding) {
		t.Fatalf("close with open resources: got %v", err)
	}

	c.Close()
	c.Close()
	for _, dec := range codecs {
		dec.Close()
	}
	if got := lib.Outstanding().Total(); got != 0 {
		t.Fatalf("outstanding after close: got %d", got)
	}
	if err := lib.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := lib.OpenContainer(context.Background(), "testsrc://"); !errors.Is(err, ErrLibraryClosed) {
		t.Errorf("open after close: got %v", err)
	}
	if _, err := lib.NewCodec(media.StreamDescriptor{Codec: media.CodecPCM}); !errors.Is(err, ErrLibraryClosed) {
		t.Errorf("codec after close: got %v", err)
	}
}

func TestNewCodec(t *testing.T) {
	t.Parallel()
	lib := Init(nil)
	tests := []struct {
		codec   media.CodecID
		wantErr bool
	}{
		{media.CodecH264, false},
		{media.CodecH265, false},
		{media.CodecAAC, false},
		{media.CodecCEA608, false},
		{media.CodecRawVideo, false},
		{media.CodecPCM, false},
		{media.CodecUnknown, true},
	}
	for _, tc := range tests {
		dec, err := lib.NewCodec(media.StreamDescriptor{Codec: tc.codec, TimeBase: media.TimeBase90k})
		if tc.wantErr {
			if !errors.Is(err, media.ErrUnsupportedCodec) {
				t.Errorf("%s: got %v, want ErrUnsupportedCodec", tc.codec, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.codec, err)
			continue
		}
		dec.Close()
	}
}

type stubContainer struct {
	media.Container
	closed bool
}

func (s *stubContainer) Info() media.MediaInfo { return media.MediaInfo{Format: "stub"} }
func (s *stubContainer) Close() error          { s.closed = true; return nil }

func TestRegisterContainer(t *testing.T) {
	t.Parallel()
	lib := Init(nil, WithoutBuiltins())
	if _, err := lib.OpenContainer(context.Background(), "testsrc://"); !errors.Is(err, media.ErrUnsupportedFormat) {
		t.Fatalf("builtins registered: %v", err)
	}
	stub := &stubContainer{}
	lib.RegisterContainer("STUB", func(context.Context, string, *slog.Logger) (media.Container, error) {
		return stub, nil
	})
	c, err := lib.OpenContainer(context.Background(), "stub://x")
	if err != nil {
		t.Fatal(err)
	}
	if c.Info().Format != "stub" {
		t.Errorf("format: got %q", c.Info().Format)
	}
	if si, ok := c.(media.SeekIndexer); !ok || si.SeekPoints() != nil {
		t.Error("stub without index should report no seek points")
	}
	c.Close()
	if !stub.closed {
		t.Error("provider not closed")
	}
}
