// Package testsrc provides a synthetic container that needs no input file.
// It produces raw video pictures and PCM audio blocks with exact timing,
// can inject damaged packets, and can generate transport stream assets.
//
// Sources are described by URL query parameters:
//
//	testsrc://?duration=10s&fps=30&rate=48000&channels=2&gop=30
//	testsrc://?corrupt=video:100:50&live=1&seekdelay=200ms
package testsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/reel/internal/codec/raw"
	"github.com/zsiec/reel/internal/media"
)

// FormatName is reported in MediaInfo.Format.
const FormatName = "testsrc"

// SamplesPerPacket is the number of PCM samples per audio packet.
const SamplesPerPacket = 1024

// Options describe a synthetic source.
type Options struct {
	Duration   time.Duration
	FPS        int
	SampleRate int
	Channels   int
	Width      int
	Height     int
	GOP        int
	Video      bool
	Audio      bool
	Live       bool
	SeekDelay  time.Duration

	// Corrupt damages Count packets of the given kind ("video", "audio")
	// starting at packet number First. Kind "demux" makes the container
	// itself report that many corrupt reads.
	Corrupt Corruption
}

// Corruption selects packets to damage.
type Corruption struct {
	Kind  string
	First int
	Count int
}

func (c Corruption) hits(kind string, n int) bool {
	return c.Count > 0 && c.Kind == kind && n >= c.First && n < c.First+c.Count
}

// DefaultOptions returns a 10 second 30 fps / 48 kHz stereo source.
func DefaultOptions() Options {
	return Options{
		Duration:   10 * time.Second,
		FPS:        30,
		SampleRate: 48000,
		Channels:   2,
		Width:      320,
		Height:     180,
		GOP:        30,
		Video:      true,
		Audio:      true,
	}
}

// ParseURL reads Options from a testsrc:// URL.
func ParseURL(raw string) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Options{}, err
	}
	if u.Scheme != "testsrc" {
		return Options{}, fmt.Errorf("testsrc: %w: scheme %q", media.ErrUnsupportedFormat, u.Scheme)
	}
	o := DefaultOptions()
	q := u.Query()
	for key, vals := range q {
		v := vals[len(vals)-1]
		var err error
		switch key {
		case "duration":
			o.Duration, err = time.ParseDuration(v)
		case "fps":
			o.FPS, err = strconv.Atoi(v)
		case "rate":
			o.SampleRate, err = strconv.Atoi(v)
		case "channels":
			o.Channels, err = strconv.Atoi(v)
		case "width":
			o.Width, err = strconv.Atoi(v)
		case "height":
			o.Height, err = strconv.Atoi(v)
		case "gop":
			o.GOP, err = strconv.Atoi(v)
		case "video":
			o.Video, err = strconv.ParseBool(v)
		case "audio":
			o.Audio, err = strconv.ParseBool(v)
		case "live":
			o.Live, err = strconv.ParseBool(v)
		case "seekdelay":
			o.SeekDelay, err = time.ParseDuration(v)
		case "corrupt":
			o.Corrupt, err = parseCorruption(v)
		default:
			err = errors.New("unknown parameter")
		}
		if err != nil {
			return Options{}, fmt.Errorf("testsrc: %s=%q: %w", key, v, err)
		}
	}
	return o, o.validate()
}

func parseCorruption(v string) (Corruption, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return Corruption{}, errors.New("want kind:first:count")
	}
	first, err := strconv.Atoi(parts[1])
	if err != nil {
		return Corruption{}, err
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil {
		return Corruption{}, err
	}
	switch parts[0] {
	case "video", "audio", "demux":
	default:
		return Corruption{}, fmt.Errorf("unknown kind %q", parts[0])
	}
	return Corruption{Kind: parts[0], First: first, Count: count}, nil
}

func (o Options) validate() error {
	switch {
	case o.Duration <= 0:
		return errors.New("testsrc: duration must be positive")
	case !o.Video && !o.Audio:
		return errors.New("testsrc: no streams enabled")
	case o.Video && (o.FPS <= 0 || o.Width <= 0 || o.Height <= 0 || o.GOP <= 0):
		return errors.New("testsrc: invalid video parameters")
	case o.Audio && (o.SampleRate <= 0 || o.Channels <= 0 || o.Channels > 8):
		return errors.New("testsrc: invalid audio parameters")
	}
	return nil
}

// Container is the synthetic source.
type Container struct {
	log  *slog.Logger
	opts Options
	info media.MediaInfo

	videoIdx, audioIdx int
	videoFrames        int
	audioPackets       int
	nextVideo          int
	nextAudio          int
	demuxReads         int
	closed             bool
}

// Open parses url and creates the source.
func Open(ctx context.Context, rawURL string, log *slog.Logger) (*Container, error) {
	opts, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return New(rawURL, opts, log), nil
}

// New creates a source from explicit options.
func New(rawURL string, opts Options, log *slog.Logger) *Container {
	if log == nil {
		log = slog.Default()
	}
	c := &Container{
		log:      log.With("component", "testsrc"),
		opts:     opts,
		videoIdx: -1,
		audioIdx: -1,
	}
	c.info = media.MediaInfo{
		URL:      rawURL,
		Format:   FormatName,
		Seekable: !opts.Live,
		Live:     opts.Live,
	}
	if !opts.Live {
		c.info.Duration = opts.Duration
	}
	if opts.Video {
		c.videoIdx = len(c.info.Streams)
		c.videoFrames = int(opts.Duration * time.Duration(opts.FPS) / time.Second)
		c.info.Streams = append(c.info.Streams, media.StreamDescriptor{
			Index:     c.videoIdx,
			Kind:      media.KindVideo,
			Codec:     media.CodecRawVideo,
			TimeBase:  media.Rational{Num: 1, Den: int64(opts.FPS)},
			Width:     opts.Width,
			Height:    opts.Height,
			FrameRate: float64(opts.FPS),
		})
	}
	if opts.Audio {
		c.audioIdx = len(c.info.Streams)
		total := int64(opts.Duration) * int64(opts.SampleRate) / int64(time.Second)
		c.audioPackets = int((total + SamplesPerPacket - 1) / SamplesPerPacket)
		c.info.Streams = append(c.info.Streams, media.StreamDescriptor{
			Index:      c.audioIdx,
			Kind:       media.KindAudio,
			Codec:      media.CodecPCM,
			TimeBase:   media.Rational{Num: 1, Den: int64(opts.SampleRate)},
			SampleRate: opts.SampleRate,
			Channels:   opts.Channels,
		})
	}
	return c
}

func (c *Container) Info() media.MediaInfo { return c.info }

// SeekPoints lists the time of every GOP start.
func (c *Container) SeekPoints() []media.SeekPoint {
	if c.videoIdx < 0 || c.opts.Live {
		return nil
	}
	var pts []media.SeekPoint
	for f := 0; f < c.videoFrames; f += c.opts.GOP {
		pts = append(pts, media.SeekPoint{Time: c.videoTime(f), Offset: -1})
	}
	return pts
}

func (c *Container) videoTime(frame int) time.Duration {
	return time.Duration(frame) * time.Second / time.Duration(c.opts.FPS)
}

func (c *Container) audioTime(pkt int) time.Duration {
	return time.Duration(int64(pkt)*SamplesPerPacket) * time.Second / time.Duration(c.opts.SampleRate)
}

// ReadPacket returns video and audio packets interleaved in time order.
func (c *Container) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed {
		return nil, errors.New("testsrc: closed")
	}
	if c.opts.Corrupt.hits("demux", c.demuxReads) {
		c.demuxReads++
		return nil, &media.DemuxError{Offset: -1, Err: fmt.Errorf("%w: injected", media.ErrCorrupt)}
	}
	c.demuxReads++

	haveVideo := c.videoIdx >= 0 && c.nextVideo < c.videoFrames
	haveAudio := c.audioIdx >= 0 && c.nextAudio < c.audioPackets
	switch {
	case haveVideo && (!haveAudio || c.videoTime(c.nextVideo) <= c.audioTime(c.nextAudio)):
		p := c.videoPacket(c.nextVideo)
		c.nextVideo++
		return p, nil
	case haveAudio:
		p := c.audioPacket(c.nextAudio)
		c.nextAudio++
		return p, nil
	}
	return nil, io.EOF
}

func (c *Container) videoPacket(n int) *media.Packet {
	body := make([]byte, 32)
	for i := range body {
		body[i] = byte(n + i)
	}
	data := raw.EncodeVideo(c.opts.Width, c.opts.Height, uint32(n), body)
	if c.opts.Corrupt.hits("video", n) {
		data[len(data)-1] ^= 0xFF
	}
	return &media.Packet{
		Stream:   c.videoIdx,
		PTS:      int64(n),
		DTS:      int64(n),
		Duration: 1,
		Keyframe: n%c.opts.GOP == 0,
		Data:     data,
		Offset:   -1,
	}
}

func (c *Container) audioPacket(n int) *media.Packet {
	ch := c.opts.Channels
	pcm := make([]int16, SamplesPerPacket*ch)
	for i := 0; i < SamplesPerPacket; i++ {
		t := float64(n*SamplesPerPacket+i) / float64(c.opts.SampleRate)
		v := int16(8000 * math.Sin(2*math.Pi*440*t))
		for j := 0; j < ch; j++ {
			pcm[i*ch+j] = v
		}
	}
	data := raw.EncodeAudio(c.opts.SampleRate, ch, pcm)
	if c.opts.Corrupt.hits("audio", n) {
		data[len(data)-1] ^= 0xFF
	}
	return &media.Packet{
		Stream:   c.audioIdx,
		PTS:      int64(n) * SamplesPerPacket,
		DTS:      int64(n) * SamplesPerPacket,
		Duration: SamplesPerPacket,
		Keyframe: true,
		Data:     data,
		Offset:   -1,
	}
}

// SeekKeyframe moves to the GOP start at or before target. The configured
// seek delay is observed first, so callers can exercise slow seeks.
func (c *Container) SeekKeyframe(ctx context.Context, target time.Duration) (time.Duration, error) {
	if c.opts.Live {
		return 0, media.ErrNotSeekable
	}
	if c.opts.SeekDelay > 0 {
		t := time.NewTimer(c.opts.SeekDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
	}
	if target < 0 {
		target = 0
	}

	landed := target
	if c.videoIdx >= 0 {
		frame := int(target * time.Duration(c.opts.FPS) / time.Second)
		frame -= frame % c.opts.GOP
		c.nextVideo = frame
		landed = c.videoTime(frame)
	}
	if c.audioIdx >= 0 {
		c.nextAudio = int(int64(landed) * int64(c.opts.SampleRate) / int64(time.Second) / SamplesPerPacket)
		if c.videoIdx < 0 {
			landed = c.audioTime(c.nextAudio)
		}
	}
	return landed, nil
}

func (c *Container) Close() error {
	c.closed = true
	return nil
}
