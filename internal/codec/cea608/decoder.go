// Package cea608 provides the caption codec provider. Packets carry the
// SEI NAL units of a video access unit; CEA-608 pairs and CEA-708 service
// blocks found in their A/53 cc_data are decoded to caption text.
package cea608

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/reel/internal/media"
)

// Channel numbers 1-4 are CEA-608 CC1-CC4; CEA-708 service n is reported
// as channel n+ServiceChannelBase.
const ServiceChannelBase = 6

type seiUnit struct {
	pts time.Duration
	dur time.Duration
	nal []byte
}

// Decoder decodes caption text from SEI NAL units. Units are reordered by
// PTS over a window of desc.ReorderDepth before decoding, since caption
// bytes must be interpreted in display order.
type Decoder struct {
	log  *slog.Logger
	desc media.StreamDescriptor

	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	units int64
	// Control codes are transmitted twice; the repeat is dropped.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64

	pending  []seiUnit
	ready    []*media.Frame
	draining bool
	closed   bool
}

// New creates a caption decoder.
func New(desc media.StreamDescriptor, log *slog.Logger) (*Decoder, error) {
	if desc.Codec != media.CodecCEA608 {
		return nil, fmt.Errorf("cea608: %w: %s", media.ErrUnsupportedCodec, desc.Codec)
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Decoder{
		log:  log.With("component", "cea608", "stream", desc.Index),
		desc: desc,
	}
	d.reset()
	return d, nil
}

func (d *Decoder) reset() {
	d.cea608 = map[int]*ccx.CEA608Decoder{
		1: ccx.NewCEA608Decoder(),
		2: ccx.NewCEA608Decoder(),
		3: ccx.NewCEA608Decoder(),
		4: ccx.NewCEA608Decoder(),
	}
	d.cea708 = make(map[int]*ccx.CEA708Service, 6)
	for svc := 1; svc <= 6; svc++ {
		d.cea708[svc] = ccx.NewCEA708Service()
	}
	d.dtvcc = d.dtvcc[:0]
	d.lastWasCtrl = [2]bool{}
}

func (d *Decoder) SendPacket(pkt *media.Packet) error {
	if d.closed {
		return errors.New("cea608: decoder closed")
	}
	if len(pkt.Data) < 2 {
		return fmt.Errorf("cea608: %w: %d byte SEI", media.ErrCorrupt, len(pkt.Data))
	}
	u := seiUnit{
		pts: d.desc.TimeBase.Duration(pkt.PTS),
		dur: d.desc.TimeBase.Duration(pkt.Duration),
		nal: pkt.Data,
	}
	if pkt.PTS == media.NoPTS {
		u.pts = 0
		if n := len(d.pending); n > 0 {
			u.pts = d.pending[n-1].pts
		}
	}
	d.pending = append(d.pending, u)
	if len(d.pending) > d.desc.ReorderDepth {
		d.decode(len(d.pending) - d.desc.ReorderDepth)
	}
	return nil
}

// decode interprets the n earliest pending units.
func (d *Decoder) decode(n int) {
	sort.SliceStable(d.pending, func(i, j int) bool {
		return d.pending[i].pts < d.pending[j].pts
	})
	for _, u := range d.pending[:n] {
		d.units++
		d.extract(u)
	}
	d.pending = append(d.pending[:0], d.pending[n:]...)
}

func (d *Decoder) extract(u seiUnit) {
	cd := ccx.ExtractCaptions(u.nal)
	if cd == nil {
		return
	}

	for _, p := range cd.CC608Pairs {
		cc1, cc2 := p.Data[0], p.Data[1]
		f := p.Field & 1
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if d.lastWasCtrl[f] && d.lastCtrl[f] == cp && d.units-d.lastCtrlFrame[f] <= 2 {
				d.lastWasCtrl[f] = false
				continue
			}
			d.lastCtrl[f] = cp
			d.lastWasCtrl[f] = true
			d.lastCtrlFrame[f] = d.units
		} else {
			d.lastWasCtrl[f] = false
		}

		dec := d.cea608[p.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			d.emit(u, text, p.Channel)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(u)
			d.dtvcc = d.dtvcc[:0]
		}
		d.dtvcc = append(d.dtvcc, t.Data[0], t.Data[1])
	}
}

func (d *Decoder) drainDTVCC(u seiUnit) {
	if len(d.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(d.dtvcc[0])
	if len(d.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(d.dtvcc[:size]) {
		svc := d.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				d.emit(u, text, block.ServiceNum+ServiceChannelBase)
			}
		}
	}
	d.dtvcc = d.dtvcc[size:]
}

func (d *Decoder) emit(u seiUnit, text string, channel int) {
	d.ready = append(d.ready, &media.Frame{
		Stream:   d.desc.Index,
		Kind:     media.KindSubtitle,
		PTS:      u.pts,
		Duration: u.dur,
		Keyframe: true,
		Text:     text,
		Channel:  channel,
	})
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

func (d *Decoder) Drain() {
	if len(d.pending) > 0 {
		d.decode(len(d.pending))
	}
	d.draining = true
}

// Flush discards pending units and caption decoder state.
func (d *Decoder) Flush() {
	d.pending = nil
	d.ready = nil
	d.draining = false
	d.reset()
}

func (d *Decoder) Close() error {
	d.Flush()
	d.closed = true
	return nil
}
