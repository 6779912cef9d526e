package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/avlib"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// Config bounds the per-stream packet queues and the tolerance for damaged
// input.
type Config struct {
	MaxPackets        int
	MaxBytes          int
	MaxCorruptPackets int

	// OnCorrupt, when set, is called for every skipped corrupt packet.
	OnCorrupt func(error)
}

// DefaultConfig returns 256 packets / 8 MiB per stream and 32 consecutive
// corrupt packets.
func DefaultConfig() Config {
	return Config{
		MaxPackets:        256,
		MaxBytes:          8 << 20,
		MaxCorruptPackets: 32,
	}
}

// Stats counts demuxer activity since Open.
type Stats struct {
	Packets   int64 `json:"packets"`
	Bytes     int64 `json:"bytes"`
	Corrupt   int64 `json:"corrupt"`
	Discarded int64 `json:"discarded"`
	Seeks     int64 `json:"seeks"`
}

// Demuxer reads packets from a container and routes them to one bounded
// PacketQueue per stream. ReadNext, Run and Seek must not be called
// concurrently; SetEnabled and the queries may be called at any time.
type Demuxer struct {
	log       *slog.Logger
	container media.Container
	info      media.MediaInfo
	cfg       Config
	queues    map[int]*queue.PacketQueue

	mu      sync.Mutex
	enabled map[int]bool
	ready   map[int]bool

	corruptRun int
	closed     atomic.Bool

	packets   atomic.Int64
	bytes     atomic.Int64
	corrupt   atomic.Int64
	discarded atomic.Int64
	seeks     atomic.Int64
}

// Open opens url through lib and probes its streams. Every failure is
// returned as a *media.OpenError.
func Open(ctx context.Context, lib *avlib.Library, url string, cfg Config, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = def.MaxPackets
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxCorruptPackets <= 0 {
		cfg.MaxCorruptPackets = def.MaxCorruptPackets
	}

	c, err := lib.OpenContainer(ctx, url)
	if err != nil {
		return nil, &media.OpenError{URL: url, Err: err}
	}
	info := c.Info()
	if len(info.Streams) == 0 {
		c.Close()
		return nil, &media.OpenError{URL: url, Err: fmt.Errorf("%w: no streams", media.ErrUnsupportedFormat)}
	}

	d := &Demuxer{
		log:       log.With("component", "demux", "format", info.Format),
		container: c,
		info:      info,
		cfg:       cfg,
		queues:    make(map[int]*queue.PacketQueue, len(info.Streams)),
		enabled:   make(map[int]bool, len(info.Streams)),
		ready:     make(map[int]bool, len(info.Streams)),
	}
	for _, s := range info.Streams {
		d.queues[s.Index] = queue.NewPacketQueue(cfg.MaxPackets, cfg.MaxBytes)
		d.enabled[s.Index] = true
		d.log.Info("stream found", "stream", s.Index, "kind", s.Kind, "codec", s.Codec)
	}
	return d, nil
}

// ReadNext reads the next packet and routes it to its stream's queue,
// blocking while that queue is full. Corrupt packets are skipped; packets
// of disabled or unknown streams are released and returned unqueued. At
// the end of input every queue gets an EOF marker and
// media.ErrEndOfStream is returned.
func (d *Demuxer) ReadNext(ctx context.Context) (*media.Packet, error) {
	for {
		pkt, err := d.container.ReadPacket(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			for _, q := range d.queues {
				q.PutEOF()
			}
			return nil, media.ErrEndOfStream
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, media.ErrCorrupt):
			d.corrupt.Add(1)
			d.corruptRun++
			if d.cfg.OnCorrupt != nil {
				d.cfg.OnCorrupt(err)
			}
			if d.corruptRun > d.cfg.MaxCorruptPackets {
				return nil, &media.FatalError{Component: "demux", Stream: -1, Err: asDemuxError(err)}
			}
			d.log.Debug("skipping corrupt packet", "error", err, "run", d.corruptRun)
			continue
		default:
			return nil, asDemuxError(err)
		}

		d.corruptRun = 0
		d.packets.Add(1)
		d.bytes.Add(int64(pkt.Size()))

		q, ok := d.queues[pkt.Stream]
		if !ok || !d.Enabled(pkt.Stream) {
			d.discarded.Add(1)
			return pkt, nil
		}
		if err := q.Put(ctx, pkt, 0); err != nil {
			if errors.Is(err, queue.ErrAborted) && !d.Enabled(pkt.Stream) {
				d.discarded.Add(1)
				return pkt, nil
			}
			return nil, err
		}
		return pkt, nil
	}
}

func asDemuxError(err error) error {
	var de *media.DemuxError
	if errors.As(err, &de) {
		return err
	}
	return &media.DemuxError{Offset: -1, Err: err}
}

// Run reads until the end of input, cancellation or a failure. Reaching
// the end returns nil; any error other than cancellation comes back as a
// *media.FatalError.
func (d *Demuxer) Run(ctx context.Context) error {
	for {
		_, err := d.ReadNext(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, media.ErrEndOfStream):
			d.log.Debug("end of input")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case media.IsFatal(err):
			return err
		default:
			return &media.FatalError{Component: "demux", Stream: -1, Err: err}
		}
	}
}

// Seek repositions to the keyframe at or before target and flushes every
// queue, starting a new serial on each. It returns where the container
// landed. Run must not be active.
func (d *Demuxer) Seek(ctx context.Context, target time.Duration) (time.Duration, error) {
	if !d.info.Seekable {
		return 0, &media.SeekError{Target: target, Err: media.ErrNotSeekable}
	}
	if target < 0 || (d.info.Duration > 0 && target >= d.info.Duration) {
		return 0, &media.SeekError{Target: target, Err: media.ErrOutOfRange}
	}
	landed, err := d.container.SeekKeyframe(ctx, target)
	if err != nil {
		return 0, &media.SeekError{Target: target, Err: err}
	}
	for _, q := range d.queues {
		q.Flush()
	}
	d.corruptRun = 0
	d.seeks.Add(1)
	d.log.Debug("seeked", "target", target, "landed", landed)
	return landed, nil
}

func (d *Demuxer) Info() media.MediaInfo { return d.info }

func (d *Demuxer) Duration() time.Duration { return d.info.Duration }

// SeekPoints returns the container's keyframe index, if it keeps one.
func (d *Demuxer) SeekPoints() []media.SeekPoint {
	if si, ok := d.container.(media.SeekIndexer); ok {
		return si.SeekPoints()
	}
	return nil
}

// Queue returns the packet queue of stream, or nil.
func (d *Demuxer) Queue(stream int) *queue.PacketQueue {
	return d.queues[stream]
}

// SetEnabled turns routing to stream on or off. Disabling aborts and
// flushes the stream's queue so neither side blocks on it.
func (d *Demuxer) SetEnabled(stream int, on bool) {
	q, ok := d.queues[stream]
	if !ok {
		return
	}
	d.mu.Lock()
	d.enabled[stream] = on
	d.mu.Unlock()
	if on {
		q.Start()
		return
	}
	q.Abort()
	q.Flush()
}

func (d *Demuxer) Enabled(stream int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled[stream]
}

// SetReady records whether a decoder is attached to stream.
func (d *Demuxer) SetReady(stream int, ready bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready[stream] = ready
}

// Ready reports whether stream has a decoder attached.
func (d *Demuxer) Ready(stream int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready[stream]
}

func (d *Demuxer) Stats() Stats {
	return Stats{
		Packets:   d.packets.Load(),
		Bytes:     d.bytes.Load(),
		Corrupt:   d.corrupt.Load(),
		Discarded: d.discarded.Load(),
		Seeks:     d.seeks.Load(),
	}
}

// Close aborts and flushes every queue and closes the container.
func (d *Demuxer) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	for _, q := range d.queues {
		q.Abort()
		q.Flush()
	}
	return d.container.Close()
}
