package aac

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/reel/internal/media"
)

// Decoder splits ADTS packets into 1024-sample frames.
type Decoder struct {
	log    *slog.Logger
	desc   media.StreamDescriptor
	format mpeg4audio.AudioSpecificConfig

	lastEnd  time.Duration
	ready    []*media.Frame
	draining bool
	closed   bool
}

// New creates a decoder for an AAC stream. The expected format comes from
// desc.CodecConfig when set, otherwise from its sample rate and channels.
func New(desc media.StreamDescriptor, log *slog.Logger) (*Decoder, error) {
	if desc.Codec != media.CodecAAC {
		return nil, fmt.Errorf("aac: %w: %s", media.ErrUnsupportedCodec, desc.Codec)
	}
	if log == nil {
		log = slog.Default()
	}
	format := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   desc.SampleRate,
		ChannelCount: desc.Channels,
	}
	if len(desc.CodecConfig) > 0 {
		if err := format.Unmarshal(desc.CodecConfig); err != nil {
			return nil, fmt.Errorf("aac: codec config: %w", err)
		}
	}
	return &Decoder{
		log:    log.With("component", "aac", "stream", desc.Index),
		desc:   desc,
		format: format,
	}, nil
}

func (d *Decoder) SendPacket(pkt *media.Packet) error {
	if d.closed {
		return errors.New("aac: decoder closed")
	}
	frames, err := ParseADTS(pkt.Data)
	if err != nil {
		return fmt.Errorf("aac: %w: %v", media.ErrCorrupt, err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("aac: %w: no ADTS frames", media.ErrCorrupt)
	}

	base := d.lastEnd
	if pkt.PTS != media.NoPTS {
		base = d.desc.TimeBase.Duration(pkt.PTS)
	}
	for i, af := range frames {
		if af.Type != d.format.Type || af.SampleRate != d.format.SampleRate || af.ChannelCount != d.format.ChannelCount {
			d.log.Debug("audio format", "type", af.Type, "sampleRate", af.SampleRate, "channels", af.ChannelCount)
			d.format = mpeg4audio.AudioSpecificConfig{
				Type:         af.Type,
				SampleRate:   af.SampleRate,
				ChannelCount: af.ChannelCount,
			}
		}
		dur := time.Duration(SamplesPerFrame) * time.Second / time.Duration(af.SampleRate)
		pts := base + time.Duration(i)*dur
		d.ready = append(d.ready, &media.Frame{
			Stream:     d.desc.Index,
			Kind:       media.KindAudio,
			PTS:        pts,
			Duration:   dur,
			Keyframe:   true,
			Payload:    af.AU,
			SampleRate: af.SampleRate,
			Channels:   af.ChannelCount,
			Samples:    SamplesPerFrame,
		})
		d.lastEnd = pts + dur
	}
	return nil
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
