package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/clock"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/queue"
)

// maxHold caps a single hold so rate and clock changes are picked up.
const maxHold = 100 * time.Millisecond

var errEndOfStream = errors.New("player: presenter reached end of stream")

// gate blocks presenters while playback is paused.
type gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) set(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == open {
		return
	}
	g.open = open
	close(g.ch)
	g.ch = make(chan struct{})
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// state returns whether the gate is open and a channel closed on the next
// change.
func (g *gate) state() (bool, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open, g.ch
}

func (g *gate) wait(ctx context.Context) error {
	for {
		open, changed := g.state()
		if open {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// presenter moves one stream's frames from its queue to the sink at the
// time the synchronizer allows.
type presenter struct {
	pipe   *pipeline
	track  *track
	trimTo time.Duration
	log    *slog.Logger
}

// run returns errEndOfStream once the queue is drained and ended, a
// *media.FatalError when the sink fails, and nil on cancellation.
func (pr *presenter) run(ctx context.Context) error {
	t := pr.track
	kind := t.desc.Kind.String()
	tol := pr.pipe.sync.Tolerance()
	for {
		if err := pr.pipe.gate.wait(ctx); err != nil {
			return nil
		}
		f, err := t.frames.Pop(ctx, pr.pipe.cfg.QueueTimeout)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrTimeout):
			pr.adjust()
			continue
		case errors.Is(err, media.ErrEndOfStream):
			return errEndOfStream
		default:
			return nil
		}
		pr.pipe.metrics.SetQueueDepth(kind, t.frames.Len())
		pr.adjust()

		if pr.trimTo >= 0 && f.PTS < pr.trimTo-tol {
			t.trimmed.Add(1)
			pr.pipe.metrics.Dropped(kind, metrics.ReasonTrimmed, 1)
			continue
		}
		if err := pr.present(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// adjust tunes the external clock speed from the video backlog of a live
// source.
func (pr *presenter) adjust() {
	if pr.pipe.info.Live && pr.track.desc.Kind == media.KindVideo {
		pr.pipe.sync.AdjustExternal(pr.track.frames.Len())
	}
}

func (pr *presenter) present(ctx context.Context, f *media.Frame) error {
	t := pr.track
	sc := pr.pipe.sync
	kind := t.desc.Kind
	for {
		if err := pr.pipe.gate.wait(ctx); err != nil {
			return err
		}
		_, changed := pr.pipe.gate.state()
		decision, wait := sc.ShouldPresent(kind, f.PTS)
		switch decision {
		case clock.HoldNotYet:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			case <-pr.pipe.clk.After(min(wait, maxHold)):
			}
			continue
		case clock.DropTooLate:
			if pr.dropLate() {
				t.late.Add(1)
				pr.pipe.metrics.Dropped(kind.String(), metrics.ReasonLate, 1)
				return nil
			}
		}

		delivered, err := pr.deliver(ctx, f)
		if err != nil {
			return err
		}
		if delivered {
			t.presented.Add(1)
			sc.AdvanceTo(kind, f.PTS)
			pr.pipe.metrics.Presented(kind.String())
		}
		return nil
	}
}

// dropLate reports whether a late frame may be skipped. Audio and
// captions are always delivered.
func (pr *presenter) dropLate() bool {
	kind := pr.track.desc.Kind
	return pr.pipe.cfg.AllowFrameDrop && kind == media.KindVideo && pr.pipe.sync.AllowsDrop(kind)
}

// deliver writes f to the sink. On backpressure a video or caption sample
// is dropped and an audio sample retried.
func (pr *presenter) deliver(ctx context.Context, f *media.Frame) (bool, error) {
	kind := pr.track.desc.Kind
	s := newSample(f)
	for {
		sctx, cancel := context.WithTimeout(ctx, pr.pipe.cfg.SinkTimeout)
		err := pr.pipe.sink.WriteSample(sctx, s)
		cancel()
		switch {
		case err == nil:
			return true, nil
		case ctx.Err() != nil:
			return false, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			pr.pipe.metrics.Backpressure(kind.String())
			if kind != media.KindAudio {
				pr.track.sinkDrops.Add(1)
				pr.pipe.metrics.Dropped(kind.String(), metrics.ReasonSink, 1)
				pr.log.Debug("sink backpressure, sample dropped", "pts", f.PTS)
				return false, nil
			}
			pr.log.Debug("sink backpressure, retrying", "pts", f.PTS)
		default:
			return false, &media.FatalError{Component: "sink", Stream: pr.track.desc.Index, Err: err}
		}
	}
}
