// Package tsfile is the MPEG transport stream container provider. Files
// are scanned once at open to discover streams, build a keyframe index and
// measure duration; live readers are probed from the head of the stream.
//
// Timestamps are rebased so the earliest PTS of the program is zero, and
// CEA-608/708 captions carried in video SEI are exposed as a separate
// subtitle stream.
package tsfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/zsiec/reel/internal/codec/aac"
	"github.com/zsiec/reel/internal/codec/h264"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
)

const (
	// FormatName is reported in MediaInfo.Format.
	FormatName = "mpegts"

	// Probe limits for live sources.
	maxProbeUnits   = 4000
	probeVideoUnits = 16

	// Access units examined when estimating the reorder depth.
	depthWindow = 64

	wrap33 = int64(1) << 33
)

var a53Identifier = []byte("GA94")

type track struct {
	desc  media.StreamDescriptor
	pid   uint16
	hevc  bool
	known bool
	units int

	firstPTS int64
	span     int64 // furthest PTS past firstPTS
	lastDur  int64
	depthPTS []int64
}

// Container reads packets from a transport stream.
type Container struct {
	log    *slog.Logger
	url    string
	src    io.Reader
	seeker io.ReadSeeker
	closer io.Closer
	dmx    *mpegts.Demuxer

	tracks   map[uint16]*track
	order    []*track
	video    *track
	captions bool
	caption  int
	sawPMT   bool

	start   int64
	rawKeys []media.SeekPoint // Time holds raw 90 kHz ticks until finalize
	index   []media.SeekPoint
	info    media.MediaInfo

	replay  []*mpegts.DemuxerData
	pending []*media.Packet
	corrupt []error
	closed  bool
}

func newContainer(url string, r io.Reader, log *slog.Logger) *Container {
	if log == nil {
		log = slog.Default()
	}
	c := &Container{
		log:     log.With("component", "tsfile", "url", url),
		url:     url,
		src:     r,
		tracks:  make(map[uint16]*track),
		caption: -1,
	}
	c.dmx = mpegts.NewDemuxer(context.Background(), r,
		mpegts.DemuxerOptCorruptionHandler(c.onCorrupt))
	return c
}

// Open opens a transport stream file. url is a path or a file:// URL.
func Open(ctx context.Context, url string, log *slog.Logger) (*Container, error) {
	path := strings.TrimPrefix(url, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := NewReader(ctx, url, f, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

// NewReader scans a seekable transport stream from its current position to
// the end, then rewinds to the start for reading.
func NewReader(ctx context.Context, url string, rs io.ReadSeeker, log *slog.Logger) (*Container, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	c := newContainer(url, rs, log)
	c.seeker = rs

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := c.dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		c.observe(data, true)
	}
	if err := c.finalize(false); err != nil {
		return nil, err
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	c.dmx.Reset(0)
	c.corrupt = nil
	c.log.Debug("scanned", "duration", c.info.Duration, "streams", len(c.info.Streams), "keyframes", len(c.index))
	return c, nil
}

// NewLive probes a non-seekable transport stream such as a network feed.
// Data consumed while probing is replayed by ReadPacket. If r is an
// io.Closer it is closed by Close.
func NewLive(ctx context.Context, url string, r io.Reader, log *slog.Logger) (*Container, error) {
	c := newContainer(url, r, log)
	if cl, ok := r.(io.Closer); ok {
		c.closer = cl
	}

	for len(c.replay) < maxProbeUnits && !c.probed() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := c.dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		c.observe(data, false)
		c.replay = append(c.replay, data)
	}
	if err := c.finalize(true); err != nil {
		return nil, err
	}
	return c, nil
}

// probed reports whether every declared stream has been characterized.
func (c *Container) probed() bool {
	if !c.sawPMT || len(c.order) == 0 {
		return false
	}
	for _, t := range c.order {
		if !t.known {
			return false
		}
	}
	return c.video == nil || c.video.units >= probeVideoUnits
}

func (c *Container) onCorrupt(offset int64, err error) {
	c.corrupt = append(c.corrupt, &media.DemuxError{
		Offset: offset,
		Err:    fmt.Errorf("%w: %v", media.ErrCorrupt, err),
	})
}

func streamTypeCodec(st uint8) (media.CodecID, bool) {
	switch st {
	case mpegts.StreamTypeH264:
		return media.CodecH264, true
	case mpegts.StreamTypeH265:
		return media.CodecH265, true
	case mpegts.StreamTypeAAC:
		return media.CodecAAC, true
	}
	return media.CodecUnknown, false
}

func (c *Container) observe(data *mpegts.DemuxerData, index bool) {
	if data.PMT != nil {
		c.sawPMT = true
		for _, es := range data.PMT.ElementaryStreams {
			if _, ok := c.tracks[es.ElementaryPID]; ok {
				continue
			}
			codec, ok := streamTypeCodec(es.StreamType)
			if !ok {
				c.log.Debug("skipping unsupported stream", "pid", es.ElementaryPID, "streamType", es.StreamType)
				continue
			}
			if codec.Kind() == media.KindVideo && c.video != nil {
				continue
			}
			t := &track{
				pid:  es.ElementaryPID,
				hevc: codec == media.CodecH265,
				desc: media.StreamDescriptor{
					Index:    len(c.order),
					Kind:     codec.Kind(),
					Codec:    codec,
					TimeBase: media.TimeBase90k,
					PID:      es.ElementaryPID,
				},
				firstPTS: mpegts.NoTimestamp,
			}
			c.tracks[t.pid] = t
			c.order = append(c.order, t)
			if t.desc.Kind == media.KindVideo {
				c.video = t
			}
		}
		return
	}
	if data.PES == nil {
		return
	}
	t := c.tracks[data.FirstPacket.Header.PID]
	if t == nil {
		return
	}
	pts, _ := pesTimestamps(data.PES)
	t.units++
	if pts != mpegts.NoTimestamp {
		if t.firstPTS == mpegts.NoTimestamp {
			t.firstPTS = pts
		}
		t.span = max(t.span, unwrap(pts-t.firstPTS))
	}

	switch t.desc.Kind {
	case media.KindVideo:
		c.observeVideo(t, data, pts, index)
	case media.KindAudio:
		frames, err := aac.ParseADTS(data.PES.Data)
		if err != nil || len(frames) == 0 {
			return
		}
		t.desc.SampleRate = frames[0].SampleRate
		t.desc.Channels = frames[0].ChannelCount
		if asc, err := aac.StreamConfig(frames[0]); err == nil {
			t.desc.CodecConfig = asc
		}
		t.lastDur = int64(len(frames)) * aac.SamplesPerFrame * 90000 / int64(frames[0].SampleRate)
		t.known = true
	}
}

func (c *Container) observeVideo(t *track, data *mpegts.DemuxerData, pts int64, index bool) {
	nalus, err := h264.SplitAnnexB(data.PES.Data)
	if err != nil {
		return
	}
	if !t.known {
		for _, n := range nalus {
			if len(n) == 0 {
				continue
			}
			var (
				info h264.SPSInfo
				err  error
			)
			if t.hevc {
				info, err = h264.ParseHEVCSPS(n)
			} else {
				info, err = h264.ParseSPS(n)
			}
			if err == nil {
				t.desc.Width, t.desc.Height, t.desc.FrameRate = info.Width, info.Height, info.FPS
				t.known = true
				break
			}
		}
	}
	if !c.captions {
		for _, sei := range h264.SEIUnits(nalus, t.hevc) {
			if bytes.Contains(sei, a53Identifier) {
				c.captions = true
				break
			}
		}
	}
	if len(t.depthPTS) < depthWindow && pts != mpegts.NoTimestamp {
		t.depthPTS = append(t.depthPTS, pts)
	}
	if index && pts != mpegts.NoTimestamp && keyframe(nalus, t.hevc) {
		c.rawKeys = append(c.rawKeys, media.SeekPoint{
			Time:   time.Duration(pts),
			Offset: data.FirstPacket.Offset,
		})
	}
}

func keyframe(nalus [][]byte, hevc bool) bool {
	if !hevc {
		return h264.IsKeyframe(nalus)
	}
	for _, n := range nalus {
		if len(n) > 0 && h264.IsHEVCKeyframe(h264.HEVCNALType(n[0])) {
			return true
		}
	}
	return false
}

// reorderDepth counts, for each access unit, the earlier-decoded units that
// display after it. The maximum is the depth a decoder must hold back.
func reorderDepth(pts []int64) int {
	depth := 0
	for i := range pts {
		n := 0
		for j := 0; j < i; j++ {
			if pts[j] > pts[i] {
				n++
			}
		}
		depth = max(depth, n)
	}
	return depth
}

// estimateFrameRate derives a rate from the smallest PTS step.
func estimateFrameRate(pts []int64) float64 {
	sorted := append([]int64(nil), pts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	step := int64(0)
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i] - sorted[i-1]; d > 0 && (step == 0 || d < step) {
			step = d
		}
	}
	if step == 0 {
		return 0
	}
	return 90000 / float64(step)
}

func (c *Container) finalize(live bool) error {
	if !c.sawPMT {
		return fmt.Errorf("tsfile: %w: no program map table", media.ErrUnsupportedFormat)
	}
	if len(c.order) == 0 {
		return fmt.Errorf("tsfile: %w: no supported elementary streams", media.ErrUnsupportedFormat)
	}

	c.start = mpegts.NoTimestamp
	for _, t := range c.order {
		if t.firstPTS != mpegts.NoTimestamp && (c.start == mpegts.NoTimestamp || unwrap(t.firstPTS-c.start) < 0) {
			c.start = t.firstPTS
		}
	}
	if c.start == mpegts.NoTimestamp {
		c.start = 0
	}

	var end int64
	streams := make([]media.StreamDescriptor, 0, len(c.order)+1)
	for _, t := range c.order {
		if t.desc.Kind == media.KindVideo {
			if t.desc.FrameRate <= 0 {
				t.desc.FrameRate = estimateFrameRate(t.depthPTS)
			}
			if t.desc.FrameRate > 0 {
				t.lastDur = int64(90000 / t.desc.FrameRate)
			}
			t.desc.ReorderDepth = reorderDepth(t.depthPTS)
		}
		if !t.known {
			c.log.Warn("stream parameters not found", "pid", t.pid, "codec", t.desc.Codec)
		}
		if t.firstPTS != mpegts.NoTimestamp {
			end = max(end, c.rel(t.firstPTS)+t.span+t.lastDur)
		}
		streams = append(streams, t.desc)
	}
	if c.captions && c.video != nil {
		c.caption = len(streams)
		streams = append(streams, media.StreamDescriptor{
			Index:        c.caption,
			Kind:         media.KindSubtitle,
			Codec:        media.CodecCEA608,
			TimeBase:     media.TimeBase90k,
			FrameRate:    c.video.desc.FrameRate,
			ReorderDepth: c.video.desc.ReorderDepth,
			PID:          c.video.pid,
		})
	}

	c.info = media.MediaInfo{
		URL:      c.url,
		Format:   FormatName,
		Seekable: !live,
		Live:     live,
		Streams:  streams,
	}
	if !live {
		c.info.Duration = media.TimeBase90k.Duration(end)
		c.index = make([]media.SeekPoint, 0, len(c.rawKeys))
		for _, k := range c.rawKeys {
			c.index = append(c.index, media.SeekPoint{
				Time:   media.TimeBase90k.Duration(c.rel(int64(k.Time))),
				Offset: k.Offset,
			})
		}
		sort.SliceStable(c.index, func(i, j int) bool { return c.index[i].Time < c.index[j].Time })
		c.rawKeys = nil
	}
	return nil
}

// rel rebases a 90 kHz timestamp on the program start, unwrapping one
// 33-bit rollover.
func (c *Container) rel(ts int64) int64 {
	if ts == mpegts.NoTimestamp {
		return media.NoPTS
	}
	return unwrap(ts - c.start)
}

// unwrap maps a difference of two 33-bit timestamps into
// [-2^32, 2^32).
func unwrap(d int64) int64 {
	switch {
	case d < -wrap33/2:
		return d + wrap33
	case d >= wrap33/2:
		return d - wrap33
	}
	return d
}

func pesTimestamps(pes *mpegts.PESData) (pts, dts int64) {
	pts, dts = mpegts.NoTimestamp, mpegts.NoTimestamp
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return pts, dts
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS != nil {
		pts = oh.PTS.Base
	}
	if oh.DTS != nil {
		dts = oh.DTS.Base
	} else {
		dts = pts
	}
	return pts, dts
}

// Info returns the probed description of the source.
func (c *Container) Info() media.MediaInfo {
	return c.info
}

// SeekPoints returns the keyframe index of a file source.
func (c *Container) SeekPoints() []media.SeekPoint {
	return append([]media.SeekPoint(nil), c.index...)
}

// ReadPacket returns the next packet of any supported stream. Damaged input
// is reported as a *media.DemuxError wrapping media.ErrCorrupt.
func (c *Container) ReadPacket(ctx context.Context) (*media.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.closed {
			return nil, os.ErrClosed
		}
		if len(c.pending) > 0 {
			p := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			return p, nil
		}
		if len(c.corrupt) > 0 {
			err := c.corrupt[0]
			c.corrupt = c.corrupt[1:]
			return nil, err
		}

		data, err := c.next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &media.DemuxError{Offset: c.dmx.Offset(), Err: err}
		}
		c.packetize(data)
	}
}

func (c *Container) next() (*mpegts.DemuxerData, error) {
	if len(c.replay) > 0 {
		d := c.replay[0]
		c.replay[0] = nil
		c.replay = c.replay[1:]
		return d, nil
	}
	return c.dmx.NextData()
}

func (c *Container) packetize(data *mpegts.DemuxerData) {
	if data.PES == nil {
		return
	}
	t := c.tracks[data.FirstPacket.Header.PID]
	if t == nil || len(data.PES.Data) == 0 {
		return
	}
	pts, dts := pesTimestamps(data.PES)
	pkt := &media.Packet{
		Stream:   t.desc.Index,
		PTS:      c.rel(pts),
		DTS:      c.rel(dts),
		Duration: t.lastDur,
		Keyframe: t.desc.Kind == media.KindAudio,
		Data:     data.PES.Data,
		Offset:   data.FirstPacket.Offset,
	}
	if t.desc.Kind == media.KindAudio {
		pkt.Duration = 0
		if frames, err := aac.ParseADTS(pkt.Data); err == nil && len(frames) > 0 {
			pkt.Duration = int64(len(frames)) * aac.SamplesPerFrame * 90000 / int64(frames[0].SampleRate)
		}
		c.pending = append(c.pending, pkt)
		return
	}

	nalus, err := h264.SplitAnnexB(pkt.Data)
	if err == nil {
		pkt.Keyframe = keyframe(nalus, t.hevc)
	}
	c.pending = append(c.pending, pkt)
	if err != nil || c.caption < 0 {
		return
	}
	for _, sei := range h264.SEIUnits(nalus, t.hevc) {
		if !bytes.Contains(sei, a53Identifier) {
			continue
		}
		c.pending = append(c.pending, &media.Packet{
			Stream:   c.caption,
			PTS:      pkt.PTS,
			DTS:      pkt.DTS,
			Duration: pkt.Duration,
			Keyframe: true,
			Data:     sei,
			Offset:   pkt.Offset,
		})
	}
}

// SeekKeyframe repositions to the last indexed keyframe at or before
// target and returns its time.
func (c *Container) SeekKeyframe(ctx context.Context, target time.Duration) (time.Duration, error) {
	if c.seeker == nil {
		return 0, media.ErrNotSeekable
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	point := media.SeekPoint{}
	i := sort.Search(len(c.index), func(i int) bool { return c.index[i].Time > target })
	if i > 0 {
		point = c.index[i-1]
	}
	if _, err := c.seeker.Seek(point.Offset, io.SeekStart); err != nil {
		return 0, &media.DemuxError{Offset: point.Offset, Err: err}
	}
	c.dmx.Reset(point.Offset)
	c.pending = nil
	c.corrupt = nil
	c.replay = nil
	return point.Time, nil
}

// Close releases the underlying file or reader.
func (c *Container) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	c.replay = nil
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
