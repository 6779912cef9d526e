package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	k8sclock "k8s.io/utils/clock"

	"github.com/zsiec/reel/internal/avlib"
	"github.com/zsiec/reel/internal/clock"
	"github.com/zsiec/reel/internal/decode"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/queue"
)

// demuxGrace is how long teardown waits for a cancelled demux loop before
// closing the container under it to unblock a pending read.
const demuxGrace = 200 * time.Millisecond

// track is the per-stream part of a pipeline.
type track struct {
	desc    media.StreamDescriptor
	packets *queue.PacketQueue
	frames  *queue.FrameQueue
	dec     atomic.Pointer[decode.Decoder]

	selected atomic.Bool
	failed   atomic.Bool

	// Owned by the control goroutine.
	eos    bool
	cancel context.CancelFunc

	presented atomic.Int64
	late      atomic.Int64
	trimmed   atomic.Int64
	sinkDrops atomic.Int64
}

// playable reports whether the track takes part in the next run.
func (t *track) playable() bool {
	return t.selected.Load() && !t.failed.Load() && t.dec.Load() != nil
}

// report is sent by loops and transition workers to the control goroutine.
type report struct {
	kind reportKind

	// Loop reports.
	pipe   *pipeline
	epoch  uint64
	stream int

	// Transition reports.
	txn    uint64
	info   media.MediaInfo
	landed time.Duration

	err error
}

type reportKind int

const (
	reportOpened reportKind = iota
	reportSeeked
	reportFailed
	reportEnded
)

// loops is one run of the demux, decode and presenter goroutines.
type loops struct {
	epoch  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// deps are the Player-wide collaborators a pipeline needs.
type deps struct {
	lib     *avlib.Library
	sink    Sink
	clk     k8sclock.Clock
	metrics *metrics.Metrics
	reports chan<- report
	log     *slog.Logger
}

// pipeline is one open media source with its queues, decoders and loops.
// Outside a transition it is driven only by the control goroutine.
type pipeline struct {
	deps
	cfg    Config
	url    string
	info   media.MediaInfo
	demux  *demux.Demuxer
	sync   *clock.Synchronizer
	gate   *gate
	tracks []*track

	epoch uint64
	run   *loops
}

// openPipeline opens url and prepares decoders for the default streams.
// Failures are returned as *media.OpenError.
func openPipeline(ctx context.Context, d deps, url string, cfg Config) (*pipeline, error) {
	dmx, err := demux.Open(ctx, d.lib, url, demux.Config{
		MaxPackets:        cfg.MaxPackets,
		MaxBytes:          cfg.MaxPacketBytes,
		MaxCorruptPackets: cfg.MaxCorruptPackets,
		OnCorrupt:         func(error) { d.metrics.Corrupt(1) },
	}, d.log)
	if err != nil {
		return nil, err
	}
	p := &pipeline{
		deps:  d,
		cfg:   cfg,
		url:   url,
		info:  dmx.Info(),
		demux: dmx,
		gate:  newGate(),
		sync: clock.NewSynchronizer(d.clk, clock.Config{
			Mode:      cfg.ClockSource,
			Fallback:  cfg.ClockFallback,
			Tolerance: cfg.Tolerance,
		}),
	}
	for _, desc := range p.info.Streams {
		p.tracks = append(p.tracks, &track{
			desc:    desc,
			packets: dmx.Queue(desc.Index),
			frames:  queue.NewFrameQueue(cfg.frameCapacity(desc.Kind)),
		})
	}

	chosen := map[media.StreamKind]bool{}
	for _, t := range p.tracks {
		kind := t.desc.Kind
		if chosen[kind] || cfg.disabled(kind) {
			continue
		}
		err := p.attach(t)
		if errors.Is(err, media.ErrUnsupportedCodec) {
			p.log.Warn("stream has no decoder", "stream", t.desc.Index, "codec", t.desc.Codec)
			continue
		}
		if err != nil {
			p.close(cfg.CloseTimeout)
			return nil, &media.OpenError{URL: url, Err: err}
		}
		t.selected.Store(true)
		chosen[kind] = true
	}
	if len(chosen) == 0 {
		p.close(cfg.CloseTimeout)
		return nil, &media.OpenError{URL: url, Err: fmt.Errorf("%w: no playable stream", media.ErrUnsupportedCodec)}
	}
	if err := ctx.Err(); err != nil {
		p.close(cfg.CloseTimeout)
		return nil, &media.OpenError{URL: url, Err: err}
	}

	p.applySelection()
	p.sync.Reset(0)
	return p, nil
}

// attach creates the decoder of t if it has none.
func (p *pipeline) attach(t *track) error {
	if t.dec.Load() != nil {
		return nil
	}
	kind := t.desc.Kind
	dec, err := decode.New(p.lib, t.desc, t.packets, t.frames, decode.Config{
		MaxConsecutiveErrors: p.cfg.MaxConsecutiveErrors,
		PushTimeout:          p.cfg.QueueTimeout,
		DropOldest:           p.cfg.AllowFrameDrop,
		OnError:              func(*media.DecodeError) { p.metrics.DecodeError(kind.String(), 1) },
		OnDrop:               func(*media.Frame) { p.metrics.Dropped(kind.String(), metrics.ReasonOverflow, 1) },
	}, p.log)
	if err != nil {
		return err
	}
	dec.SetAllowDrop(func() bool { return p.overflowDropAllowed(t) })
	t.dec.Store(dec)
	p.demux.SetReady(t.desc.Index, true)
	return nil
}

// overflowDropAllowed lets a decoder evict the queue head only while
// playing, and only when that frame is already too late to present.
func (p *pipeline) overflowDropAllowed(t *track) bool {
	if !p.cfg.AllowFrameDrop || !p.gate.isOpen() || !p.sync.AllowsDrop(t.desc.Kind) {
		return false
	}
	head, ok := t.frames.Head()
	return ok && head < p.sync.Now()-p.sync.Tolerance()
}

// applySelection routes packets only to playable tracks and tells the
// synchronizer which kinds remain.
func (p *pipeline) applySelection() {
	var audio, video bool
	for _, t := range p.tracks {
		on := t.playable()
		if p.demux.Enabled(t.desc.Index) != on {
			p.demux.SetEnabled(t.desc.Index, on)
		}
		if on {
			audio = audio || t.desc.Kind == media.KindAudio
			video = video || t.desc.Kind == media.KindVideo
		}
	}
	master := p.sync.SetStreams(audio, video)
	p.log.Debug("streams applied", "audio", audio, "video", video, "master", master)
}

func (p *pipeline) track(stream int) *track {
	for _, t := range p.tracks {
		if t.desc.Index == stream {
			return t
		}
	}
	return nil
}

// healthy counts playable tracks other than skip.
func (p *pipeline) healthy(skip *track) int {
	n := 0
	for _, t := range p.tracks {
		if t != skip && t.playable() {
			n++
		}
	}
	return n
}

// ended reports whether every playable track reached end of stream.
func (p *pipeline) ended() bool {
	for _, t := range p.tracks {
		if t.playable() && !t.eos {
			return false
		}
	}
	return true
}

// start launches the loops. Presenters discard frames earlier than trimTo
// minus the tolerance; pass a negative trimTo to keep everything.
func (p *pipeline) start(trimTo time.Duration) {
	p.epoch++
	epoch := p.epoch
	p.applySelection()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	l := &loops{epoch: epoch, cancel: cancel, done: make(chan struct{})}

	send := func(r report) {
		r.pipe, r.epoch = p, epoch
		select {
		case p.reports <- r:
		case <-ctx.Done():
		}
	}

	g.Go(func() error {
		err := p.demux.Run(gctx)
		if err != nil && gctx.Err() == nil {
			send(report{kind: reportFailed, stream: -1, err: err})
			return err
		}
		return nil
	})
	for _, t := range p.tracks {
		if !t.playable() {
			continue
		}
		t.eos = false
		tctx, tcancel := context.WithCancel(gctx)
		t.cancel = tcancel
		dec := t.dec.Load()
		g.Go(func() error {
			err := dec.Run(tctx)
			if err != nil && tctx.Err() == nil {
				send(report{kind: reportFailed, stream: t.desc.Index, err: err})
			}
			return nil
		})
		pr := &presenter{
			pipe:   p,
			track:  t,
			trimTo: trimTo,
			log:    p.log.With("stream", t.desc.Index, "kind", t.desc.Kind),
		}
		g.Go(func() error {
			switch err := pr.run(tctx); {
			case errors.Is(err, errEndOfStream):
				send(report{kind: reportEnded, stream: t.desc.Index})
			case err != nil && tctx.Err() == nil:
				send(report{kind: reportFailed, stream: t.desc.Index, err: err})
			}
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			p.log.Debug("loops ended", "epoch", epoch, "error", err)
		}
		close(l.done)
	}()
	p.run = l
	p.log.Debug("loops started", "epoch", epoch, "trim", trimTo)
}

// halt cancels the loops without waiting for them.
func (p *pipeline) halt() {
	if p.run != nil {
		p.run.cancel()
	}
}

// stop cancels the loops and waits up to timeout for them to exit.
func (p *pipeline) stop(timeout time.Duration) error {
	l := p.run
	if l == nil {
		return nil
	}
	l.cancel()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.done:
		p.run = nil
		return nil
	case <-t.C:
		return ErrCloseTimeout
	}
}

// seek stops the loops, repositions the demuxer and resets every queue,
// decoder and clock to target. The loops are left stopped.
func (p *pipeline) seek(ctx context.Context, target time.Duration) (time.Duration, error) {
	if err := p.stop(p.cfg.CloseTimeout); err != nil {
		return 0, err
	}
	landed, err := p.demux.Seek(ctx, target)
	if err != nil {
		return 0, err
	}
	for _, t := range p.tracks {
		if dec := t.dec.Load(); dec != nil {
			dec.Flush()
		}
		t.frames.Clear()
		t.eos = false
	}
	p.sync.Reset(target)
	return landed, nil
}

// close tears the pipeline down: it cancels the loops, waits up to
// timeout for them, then releases decoders, queues and the container.
func (p *pipeline) close(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var err error
	if l := p.run; l != nil {
		l.cancel()
		for _, t := range p.tracks {
			t.packets.Abort()
			t.frames.Close()
		}
		if !waitDone(l.done, min(demuxGrace, timeout)) {
			// A live read may not observe cancellation.
			p.demux.Close()
			if !waitDone(l.done, time.Until(deadline)) {
				err = ErrCloseTimeout
			}
		}
		if err == nil {
			p.run = nil
		}
	}
	if err != nil {
		p.log.Warn("pipeline loops did not exit", "timeout", timeout)
		return err
	}
	for _, t := range p.tracks {
		t.frames.Close()
		if dec := t.dec.Swap(nil); dec != nil {
			if cerr := dec.Close(); cerr != nil {
				p.log.Debug("decoder close", "stream", t.desc.Index, "error", cerr)
			}
		}
	}
	if cerr := p.demux.Close(); cerr != nil {
		p.log.Debug("container close", "error", cerr)
	}
	return nil
}

// outstanding counts queued packets and frames.
func (p *pipeline) outstanding() (packets, frames int) {
	for _, t := range p.tracks {
		packets += t.packets.Len()
		frames += t.frames.Len()
	}
	return packets, frames
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
