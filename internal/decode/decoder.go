// Package decode runs one codec per stream: it pops compressed packets
// from the stream's PacketQueue, feeds the codec, and pushes decoded frames
// into the stream's FrameQueue with bounded waits.
package decode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/avlib"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// ErrBackpressure is returned when decoded frames could not be pushed
// within the push timeout. The frames stay pending for the next attempt.
var ErrBackpressure = errors.New("decode: frame queue full")

// Config controls error escalation and frame queue pushes.
type Config struct {
	MaxConsecutiveErrors int
	PushTimeout          time.Duration
	// DropOldest lets video frames evict the queue head instead of
	// waiting, while the AllowDrop predicate agrees.
	DropOldest bool

	// Optional observers, called from the decode loop.
	OnError func(*media.DecodeError)
	OnDrop  func(*media.Frame)
}

// DefaultConfig returns a threshold of 10 errors and a 20ms push timeout.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveErrors: 10,
		PushTimeout:          20 * time.Millisecond,
		DropOldest:           true,
	}
}

// Stats counts decoder activity since creation.
type Stats struct {
	Packets      int64 `json:"packets"`
	Frames       int64 `json:"frames"`
	Errors       int64 `json:"errors"`
	Drops        int64 `json:"drops"`
	OutOfOrder   int64 `json:"outOfOrder"`
	Backpressure int64 `json:"backpressure"`
}

// Decoder binds one codec to a stream for its lifetime. Submit, Drain,
// Flush and Run must not be called concurrently.
type Decoder struct {
	log       *slog.Logger
	desc      media.StreamDescriptor
	codec     media.Codec
	packets   *queue.PacketQueue
	frames    *queue.FrameQueue
	cfg       Config
	allowDrop atomic.Pointer[func() bool]

	consecutive int
	pending     []*media.Frame
	serial      uint64

	nPackets      atomic.Int64
	nFrames       atomic.Int64
	nErrors       atomic.Int64
	nDrops        atomic.Int64
	nOutOfOrder   atomic.Int64
	nBackpressure atomic.Int64
}

// New creates the codec for desc through lib and binds it to the queues.
func New(lib *avlib.Library, desc media.StreamDescriptor, packets *queue.PacketQueue, frames *queue.FrameQueue, cfg Config, log *slog.Logger) (*Decoder, error) {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = def.PushTimeout
	}
	codec, err := lib.NewCodec(desc)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		log:     log.With("component", "decode", "stream", desc.Index, "kind", desc.Kind, "codec", desc.Codec),
		desc:    desc,
		codec:   codec,
		packets: packets,
		frames:  frames,
		cfg:     cfg,
	}
	if packets != nil {
		d.serial = packets.Serial()
	}
	return d, nil
}

// SetAllowDrop installs the predicate consulted before evicting frames.
// Without one, frames are never dropped.
func (d *Decoder) SetAllowDrop(fn func() bool) {
	d.allowDrop.Store(&fn)
}

func (d *Decoder) dropAllowed() bool {
	if !d.cfg.DropOldest || d.desc.Kind != media.KindVideo {
		return false
	}
	fn := d.allowDrop.Load()
	return fn != nil && *fn != nil && (*fn)()
}

func (d *Decoder) Stream() media.StreamDescriptor { return d.desc }

// Submit decodes pkt and pushes every frame it yields. A codec failure is
// returned as a *media.DecodeError; once more than MaxConsecutiveErrors
// packets in a row have failed it becomes a *media.FatalError. If the
// frame queue stays full, ErrBackpressure is returned with the frames kept
// pending.
func (d *Decoder) Submit(ctx context.Context, pkt *media.Packet) error {
	d.nPackets.Add(1)
	if err := d.codec.SendPacket(pkt); err != nil {
		return d.fail(err)
	}
	d.consecutive = 0
	if err := d.receive(); err != nil {
		return d.fail(err)
	}
	return d.pushPending(ctx)
}

func (d *Decoder) fail(err error) error {
	d.consecutive++
	d.nErrors.Add(1)
	de := &media.DecodeError{Stream: d.desc.Index, Kind: d.desc.Kind, Consecutive: d.consecutive, Err: err}
	if d.cfg.OnError != nil {
		d.cfg.OnError(de)
	}
	if d.consecutive > d.cfg.MaxConsecutiveErrors {
		d.log.Warn("decoder failed", "error", err, "consecutive", d.consecutive)
		return &media.FatalError{Component: "decode", Stream: d.desc.Index, Err: de}
	}
	d.log.Debug("decode error", "error", err, "consecutive", d.consecutive)
	return de
}

// receive collects every frame the codec has ready.
func (d *Decoder) receive() error {
	for {
		f, err := d.codec.ReceiveFrame()
		switch {
		case err == nil:
			d.pending = append(d.pending, f)
		case errors.Is(err, media.ErrAgain), errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}

// pushPending moves pending frames into the frame queue in order.
func (d *Decoder) pushPending(ctx context.Context) error {
	for len(d.pending) > 0 {
		f := d.pending[0]
		err := d.frames.Push(ctx, f, d.cfg.PushTimeout)
		if errors.Is(err, queue.ErrFull) && d.dropAllowed() {
			var dropped *media.Frame
			dropped, err = d.frames.PushDropOldest(f)
			if dropped != nil {
				d.nDrops.Add(1)
				if d.cfg.OnDrop != nil {
					d.cfg.OnDrop(dropped)
				}
			}
		}
		switch {
		case err == nil:
			d.nFrames.Add(1)
		case errors.Is(err, queue.ErrOutOfOrder):
			d.nOutOfOrder.Add(1)
			d.log.Debug("frame out of order", "pts", f.PTS)
		case errors.Is(err, queue.ErrFull):
			d.nBackpressure.Add(1)
			return ErrBackpressure
		default:
			return err
		}
		d.pending[0] = nil
		d.pending = d.pending[1:]
	}
	return nil
}

// Drain signals end of input and returns the pending frames followed by
// everything the codec still buffers.
func (d *Decoder) Drain(ctx context.Context) ([]*media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.codec.Drain()
	err := d.receive()
	out := d.pending
	d.pending = nil
	return out, err
}

// Flush discards codec state and pending frames without emitting them.
func (d *Decoder) Flush() {
	d.codec.Flush()
	d.pending = nil
	d.consecutive = 0
	if d.packets != nil {
		d.serial = d.packets.Serial()
	}
}

// Run is the decode loop. At the end of input it drains the codec, pushes
// the remaining frames and marks the frame queue ended, then returns nil.
// It also returns nil when its packet queue is aborted, and the fatal
// error when decoding fails for good.
func (d *Decoder) Run(ctx context.Context) error {
	for {
		if len(d.pending) > 0 {
			if err := d.pushPending(ctx); err != nil {
				if errors.Is(err, ErrBackpressure) {
					continue
				}
				return d.exit(ctx, err)
			}
		}

		pkt, serial, err := d.packets.Get(ctx)
		switch {
		case err == nil:
		case errors.Is(err, media.ErrEndOfStream):
			return d.finish(ctx)
		default:
			return d.exit(ctx, err)
		}
		if serial != d.serial {
			d.codec.Flush()
			d.pending = nil
			d.serial = serial
		}

		err = d.Submit(ctx, pkt)
		var de *media.DecodeError
		switch {
		case err == nil, errors.Is(err, ErrBackpressure):
		case media.IsFatal(err):
			return err
		case errors.As(err, &de):
		default:
			return d.exit(ctx, err)
		}
	}
}

func (d *Decoder) finish(ctx context.Context) error {
	frames, err := d.Drain(ctx)
	if err != nil {
		return d.exit(ctx, err)
	}
	d.pending = frames
	for len(d.pending) > 0 {
		if err := d.pushPending(ctx); err != nil && !errors.Is(err, ErrBackpressure) {
			return d.exit(ctx, err)
		}
	}
	d.frames.MarkEnded()
	d.log.Debug("end of stream", "frames", d.nFrames.Load())
	return nil
}

// exit maps loop-ending errors: cancellation is returned as is, an aborted
// or closed queue ends the loop quietly.
func (d *Decoder) exit(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, queue.ErrAborted) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (d *Decoder) Stats() Stats {
	return Stats{
		Packets:      d.nPackets.Load(),
		Frames:       d.nFrames.Load(),
		Errors:       d.nErrors.Load(),
		Drops:        d.nDrops.Load(),
		OutOfOrder:   d.nOutOfOrder.Load(),
		Backpressure: d.nBackpressure.Load(),
	}
}

// Close releases the codec and any pending frames.
func (d *Decoder) Close() error {
	d.pending = nil
	return d.codec.Close()
}
