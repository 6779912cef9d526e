// Package raw provides codecs for the uncompressed payloads produced by
// the synthetic test source. Every payload carries a small header and a
// CRC-32 of its body, so damaged packets are detected as corrupt.
package raw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/reel/internal/media"
)

const (
	videoHeaderSize = 14
	audioHeaderSize = 13
)

var errClosed = errors.New("raw: decoder closed")

// EncodeVideo returns a raw picture payload.
func EncodeVideo(width, height int, seq uint32, body []byte) []byte {
	b := make([]byte, 0, videoHeaderSize+len(body))
	b = append(b, 'R', 'V')
	b = binary.BigEndian.AppendUint16(b, uint16(width))
	b = binary.BigEndian.AppendUint16(b, uint16(height))
	b = binary.BigEndian.AppendUint32(b, seq)
	b = binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(body))
	return append(b, body...)
}

// EncodeAudio returns a payload of interleaved signed 16-bit samples.
func EncodeAudio(sampleRate, channels int, pcm []int16) []byte {
	samples := len(pcm) / channels
	body := make([]byte, 0, 2*len(pcm))
	for _, s := range pcm {
		body = binary.LittleEndian.AppendUint16(body, uint16(s))
	}
	b := make([]byte, 0, audioHeaderSize+len(body))
	b = append(b, 'R', 'A')
	b = binary.BigEndian.AppendUint32(b, uint32(sampleRate))
	b = append(b, byte(channels))
	b = binary.BigEndian.AppendUint16(b, uint16(samples))
	b = binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(body))
	return append(b, body...)
}

// Decoder validates raw payloads and passes them through as frames.
type Decoder struct {
	log      *slog.Logger
	desc     media.StreamDescriptor
	frameDur time.Duration

	ready    []*media.Frame
	draining bool
	closed   bool
}

// New creates a decoder for a RawVideo or PCM stream.
func New(desc media.StreamDescriptor, log *slog.Logger) (*Decoder, error) {
	if desc.Codec != media.CodecRawVideo && desc.Codec != media.CodecPCM {
		return nil, fmt.Errorf("raw: %w: %s", media.ErrUnsupportedCodec, desc.Codec)
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Decoder{
		log:  log.With("component", "raw", "stream", desc.Index),
		desc: desc,
	}
	if desc.FrameRate > 0 {
		d.frameDur = time.Duration(float64(time.Second) / desc.FrameRate)
	}
	return d, nil
}

func (d *Decoder) SendPacket(pkt *media.Packet) error {
	if d.closed {
		return errClosed
	}
	var (
		f   *media.Frame
		err error
	)
	if d.desc.Codec == media.CodecRawVideo {
		f, err = d.video(pkt.Data)
	} else {
		f, err = d.audio(pkt.Data)
	}
	if err != nil {
		return fmt.Errorf("raw: %w: %v", media.ErrCorrupt, err)
	}
	f.Stream = d.desc.Index
	f.PTS = d.desc.TimeBase.Duration(pkt.PTS)
	if pkt.Duration > 0 {
		f.Duration = d.desc.TimeBase.Duration(pkt.Duration)
	}
	d.ready = append(d.ready, f)
	return nil
}

func (d *Decoder) video(b []byte) (*media.Frame, error) {
	if len(b) < videoHeaderSize || b[0] != 'R' || b[1] != 'V' {
		return nil, errors.New("bad video header")
	}
	body := b[videoHeaderSize:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(b[10:14]) {
		return nil, errors.New("video checksum mismatch")
	}
	return &media.Frame{
		Kind:     media.KindVideo,
		Keyframe: true,
		Duration: d.frameDur,
		Payload:  body,
		Width:    int(binary.BigEndian.Uint16(b[2:4])),
		Height:   int(binary.BigEndian.Uint16(b[4:6])),
	}, nil
}

func (d *Decoder) audio(b []byte) (*media.Frame, error) {
	if len(b) < audioHeaderSize || b[0] != 'R' || b[1] != 'A' {
		return nil, errors.New("bad audio header")
	}
	rate := int(binary.BigEndian.Uint32(b[2:6]))
	channels := int(b[6])
	samples := int(binary.BigEndian.Uint16(b[7:9]))
	body := b[audioHeaderSize:]
	if rate <= 0 || channels <= 0 || len(body) != 2*samples*channels {
		return nil, fmt.Errorf("bad audio layout: %d Hz, %d ch, %d samples, %d bytes", rate, channels, samples, len(body))
	}
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(b[9:13]) {
		return nil, errors.New("audio checksum mismatch")
	}
	return &media.Frame{
		Kind:       media.KindAudio,
		Keyframe:   true,
		Duration:   time.Duration(samples) * time.Second / time.Duration(rate),
		Payload:    body,
		SampleRate: rate,
		Channels:   channels,
		Samples:    samples,
	}, nil
}

func (d *Decoder) ReceiveFrame() (*media.Frame, error) {
	if len(d.ready) > 0 {
		f := d.ready[0]
		d.ready[0] = nil
		d.ready = d.ready[1:]
		return f, nil
	}
	if d.draining {
		return nil, io.EOF
	}
	return nil, media.ErrAgain
}

func (d *Decoder) Drain() { d.draining = true }

func (d *Decoder) Flush() {
	d.ready = nil
	d.draining = false
}

func (d *Decoder) Close() error {
	d.Flush()
	d.closed = true
	return nil
}
