package h264

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/reel/internal/media"
)

var errClosed = errors.New("h264: decoder closed")

// Decoder turns Annex-B access units into video frames whose Payload is
// the access unit, not a decoded picture. Frames are held in a reorder
// window of desc.ReorderDepth access units and released in PTS order.
// Input before the first random access point is discarded.
type Decoder struct {
	log  *slog.Logger
	desc media.StreamDescriptor
	hevc bool

	width, height int
	frameDur      time.Duration

	synced   bool
	lastPTS  time.Duration
	reorder  []*media.Frame
	ready    []*media.Frame
	draining bool
	closed   bool
}

// New creates a decoder for an H.264 or H.265 stream.
func New(desc media.StreamDescriptor, log *slog.Logger) (*Decoder, error) {
	if desc.Codec != media.CodecH264 && desc.Codec != media.CodecH265 {
		return nil, fmt.Errorf("h264: %w: %s", media.ErrUnsupportedCodec, desc.Codec)
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Decoder{
		log:    log.With("component", "h264", "stream", desc.Index),
		desc:   desc,
		hevc:   desc.Codec == media.CodecH265,
		width:  desc.Width,
		height: desc.Height,
	}
	d.setRate(desc.FrameRate)
	return d, nil
}

func (d *Decoder) setRate(fps float64) {
	if fps > 0 {
		d.frameDur = time.Duration(float64(time.Second) / fps)
	}
}

// SendPacket parses one access unit. Errors wrap media.ErrCorrupt.
func (d *Decoder) SendPacket(pkt *media.Packet) error {
	if d.closed {
		return errClosed
	}
	nalus, err := SplitAnnexB(pkt.Data)
	if err != nil {
		return fmt.Errorf("h264: %w: %v", media.ErrCorrupt, err)
	}
	if len(nalus) == 0 {
		return fmt.Errorf("h264: %w: empty access unit", media.ErrCorrupt)
	}

	key := false
	for _, n := range nalus {
		if len(n) == 0 || n[0]&0x80 != 0 {
			return fmt.Errorf("h264: %w: forbidden_zero_bit set", media.ErrCorrupt)
		}
		if d.hevc {
			t := HEVCNALType(n[0])
			switch {
			case t == HEVCNALSPS:
				d.applySPS(ParseHEVCSPS(n))
			case IsHEVCKeyframe(t):
				key = true
			}
			continue
		}
		switch NALType(n) {
		case h264.NALUTypeSPS:
			d.applySPS(ParseSPS(n))
		case h264.NALUTypeIDR:
			key = true
		}
	}

	if !d.synced {
		if !key {
			return nil
		}
		d.synced = true
	}

	f := &media.Frame{
		Stream:   d.desc.Index,
		Kind:     media.KindVideo,
		PTS:      d.timestamp(pkt),
		Duration: d.frameDur,
		Keyframe: key,
		Payload:  pkt.Data,
		Width:    d.width,
		Height:   d.height,
	}
	if pkt.Duration > 0 {
		f.Duration = d.desc.TimeBase.Duration(pkt.Duration)
	}
	d.lastPTS = f.PTS

	d.reorder = append(d.reorder, f)
	if len(d.reorder) > d.desc.ReorderDepth {
		d.release(len(d.reorder) - d.desc.ReorderDepth)
	}
	return nil
}

func (d *Decoder) applySPS(info SPSInfo, err error) {
	if err != nil {
		d.log.Debug("ignoring unparsable SPS", "error", err)
		return
	}
	if info.Width != d.width || info.Height != d.height {
		d.log.Debug("picture size", "width", info.Width, "height", info.Height)
	}
	d.width, d.height = info.Width, info.Height
	if d.desc.FrameRate <= 0 {
		d.setRate(info.FPS)
	}
}

func (d *Decoder) timestamp(pkt *media.Packet) time.Duration {
	switch {
	case pkt.PTS != media.NoPTS:
		return d.desc.TimeBase.Duration(pkt.PTS)
	case pkt.DTS != media.NoPTS:
		return d.desc.TimeBase.Duration(pkt.DTS)
	default:
		return d.lastPTS + d.frameDur
	}
}

// release moves the n lowest-PTS pictures from the reorder window to the
// output list.
func (d *Decoder) release(n int) {
	sort.SliceStable(d.reorder, func(i, j int) bool {
		return d.reorder[i].PTS < d.reorder[j].PTS
	})
	d.ready = append(d.ready, d.reorder[:n]...)
	d.reorder = append(d.reorder[:0], d.reorder[n:]...)
}

// ReceiveFrame returns the next picture in presentation order.
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

// Drain releases every picture still held in the reorder window.
func (d *Decoder) Drain() {
	d.release(len(d.reorder))
	d.draining = true
}

// Flush drops all held pictures and waits for the next random access point.
func (d *Decoder) Flush() {
	d.reorder = nil
	d.ready = nil
	d.draining = false
	d.synced = false
}

func (d *Decoder) Close() error {
	d.Flush()
	d.closed = true
	return nil
}
