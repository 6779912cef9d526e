// Package player is the playback controller. A Player owns one pipeline at
// a time (demuxer, per-stream decoders, frame queues and presenters) and a
// single control goroutine that performs every state transition. Commands
// are sent to that goroutine and answered in order; Open and Seek run in a
// transition worker so Stop and Close can cancel them.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	k8sclock "k8s.io/utils/clock"

	"github.com/zsiec/reel/internal/avlib"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
)

// Option configures a Player.
type Option func(*Player)

func WithLogger(log *slog.Logger) Option {
	return func(p *Player) { p.log = log }
}

// WithClock sets the time source of the playback clocks and presenter
// holds. Tests pass a fake clock.
func WithClock(clk k8sclock.Clock) Option {
	return func(p *Player) { p.clk = clk }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithID sets the session ID instead of a generated UUID. Empty keeps the
// generated one.
func WithID(id string) Option {
	return func(p *Player) {
		if id != "" {
			p.id = id
		}
	}
}

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdPlay
	cmdPause
	cmdSeek
	cmdSetRate
	cmdSelect
	cmdStop
	cmdClose
)

func (k commandKind) String() string {
	return [...]string{"open", "play", "pause", "seek", "set-rate", "select-stream", "stop", "close"}[k]
}

type command struct {
	kind   commandKind
	ctx    context.Context
	url    string
	cfg    Config
	target time.Duration
	rate   float64
	stream int
	skind  media.StreamKind
	reply  chan result
}

type result struct {
	info media.MediaInfo
	err  error
}

func (c command) respond(r result) {
	if c.reply != nil {
		c.reply <- r
	}
}

// transition is the Open or Seek currently owned by a worker.
type transition struct {
	id     uint64
	cmd    command
	cancel context.CancelFunc

	// Seek only.
	target     time.Duration
	prior      State
	after      State
	wasRunning bool
}

// StreamInfo describes a stream of the open source.
type StreamInfo struct {
	media.StreamDescriptor
	Selected bool `json:"selected"`
	Enabled  bool `json:"enabled"`
	Failed   bool `json:"failed"`
}

// Outstanding counts resources still held by the player and its library.
type Outstanding struct {
	Packets    int `json:"packets"`
	Frames     int `json:"frames"`
	Containers int `json:"containers"`
	Codecs     int `json:"codecs"`
}

func (o Outstanding) Total() int {
	return o.Packets + o.Frames + o.Containers + o.Codecs
}

// Player drives one media pipeline. It is safe for concurrent use.
type Player struct {
	id      string
	log     *slog.Logger
	lib     *avlib.Library
	sink    Sink
	clk     k8sclock.Clock
	metrics *metrics.Metrics

	cmds    chan command
	reports chan report
	events  chan Event
	done    chan struct{}

	state         atomic.Int32
	pipe          atomic.Pointer[pipeline]
	rate          atomic.Uint64
	looping       atomic.Bool
	eventsDropped atomic.Int64

	mu      sync.Mutex
	lastErr error
	residue Outstanding

	// Owned by the control goroutine.
	trans    *transition
	txn      uint64
	deferred []command
	atEnd    bool
}

// New returns a Player delivering samples to sink and starts its control
// goroutine. The library stays owned by the caller.
func New(lib *avlib.Library, sink Sink, opts ...Option) *Player {
	p := &Player{
		id:      uuid.NewString(),
		lib:     lib,
		sink:    sink,
		cmds:    make(chan command),
		reports: make(chan report, 16),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.clk == nil {
		p.clk = k8sclock.RealClock{}
	}
	p.log = p.log.With("component", "player", "player", p.id)
	p.rate.Store(math.Float64bits(1))
	p.setState(StateClosed)
	go p.control()
	return p
}

func (p *Player) ID() string { return p.id }

// Open opens url and probes it. The Player must be Closed. A failed open
// returns a *media.OpenError and leaves the Player in Error.
func (p *Player) Open(ctx context.Context, url string, cfg Config) (media.MediaInfo, error) {
	if err := cfg.Validate(); err != nil {
		return media.MediaInfo{}, err
	}
	r := p.do(ctx, command{kind: cmdOpen, ctx: ctx, url: url, cfg: cfg})
	return r.info, r.err
}

// Play starts or resumes playback. At the end of the media it rewinds to
// the start first.
func (p *Player) Play() error {
	return p.do(context.Background(), command{kind: cmdPlay}).err
}

func (p *Player) Pause() error {
	return p.do(context.Background(), command{kind: cmdPause}).err
}

// Seek moves playback to t and returns once the pipeline resumed there. A
// failed seek returns a *media.SeekError and restores the previous state.
func (p *Player) Seek(ctx context.Context, t time.Duration) error {
	return p.do(ctx, command{kind: cmdSeek, ctx: ctx, target: t}).err
}

// SetRate sets the playback rate. Zero behaves like Pause; rates outside (0, MaxRate]
// return ErrUnsupportedRate.
func (p *Player) SetRate(r float64) error {
	return p.do(context.Background(), command{kind: cmdSetRate, rate: r}).err
}

// SetLooping makes the end of the media seek back to the start.
func (p *Player) SetLooping(on bool) {
	p.looping.Store(on)
}

// SelectStream makes stream the active stream of kind. Index -1 turns the
// kind off. Running loops restart at the current position.
func (p *Player) SelectStream(kind media.StreamKind, stream int) error {
	return p.do(context.Background(), command{kind: cmdSelect, skind: kind, stream: stream}).err
}

// Stop tears the pipeline down and returns to Closed. It cancels an Open
// or Seek in flight.
func (p *Player) Stop() error {
	return p.do(context.Background(), command{kind: cmdStop}).err
}

// Close stops the pipeline and terminates the Player. Later commands
// return ErrPlayerClosed.
func (p *Player) Close() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := p.do(context.Background(), command{kind: cmdClose}).err
	if errors.Is(err, ErrPlayerClosed) {
		return nil
	}
	return err
}

// do hands c to the control goroutine and waits for its answer.
func (p *Player) do(ctx context.Context, c command) result {
	if ctx == nil {
		ctx = context.Background()
	}
	c.reply = make(chan result, 1)
	select {
	case p.cmds <- c:
	case <-p.done:
		return result{err: ErrPlayerClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	select {
	case r := <-c.reply:
		return r
	case <-p.done:
		select {
		case r := <-c.reply:
			return r
		default:
			return result{err: ErrPlayerClosed}
		}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

func (p *Player) State() State { return State(p.state.Load()) }

func (p *Player) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	p.metrics.SetState(int(s))
	if old != s {
		p.log.Debug("state", "from", old, "to", s)
	}
}

// CurrentTime returns the master clock position, clamped to the media
// duration when it is known.
func (p *Player) CurrentTime() time.Duration {
	pipe := p.pipe.Load()
	if pipe == nil {
		return 0
	}
	t := max(pipe.sync.Now(), 0)
	if d := pipe.info.Duration; d > 0 && t > d {
		t = d
	}
	return t
}

func (p *Player) Duration() time.Duration {
	if pipe := p.pipe.Load(); pipe != nil {
		return pipe.info.Duration
	}
	return 0
}

func (p *Player) Rate() float64 {
	return math.Float64frombits(p.rate.Load())
}

// SupportedRates returns the rate bounds; the minimum is exclusive.
func (p *Player) SupportedRates() (lo, hi float64) {
	if pipe := p.pipe.Load(); pipe != nil {
		return 0, pipe.cfg.MaxRate
	}
	return 0, DefaultConfig().MaxRate
}

func (p *Player) Streams() []StreamInfo {
	pipe := p.pipe.Load()
	if pipe == nil {
		return nil
	}
	out := make([]StreamInfo, 0, len(pipe.tracks))
	for _, t := range pipe.tracks {
		out = append(out, StreamInfo{
			StreamDescriptor: t.desc,
			Selected:         t.selected.Load(),
			Enabled:          pipe.demux.Enabled(t.desc.Index),
			Failed:           t.failed.Load(),
		})
	}
	return out
}

// Err returns the error that put the Player in Error, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Player) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

// Events returns the notification channel. Events are dropped when the
// channel is full; it is closed when the Player is closed.
func (p *Player) Events() <-chan Event { return p.events }

// Outstanding counts queued packets and frames of the current pipeline
// (or what the last teardown left behind) and the library's open
// containers and codecs.
func (p *Player) Outstanding() Outstanding {
	var o Outstanding
	if pipe := p.pipe.Load(); pipe != nil {
		o.Packets, o.Frames = pipe.outstanding()
	} else {
		p.mu.Lock()
		o = p.residue
		p.mu.Unlock()
	}
	lib := p.lib.Outstanding()
	o.Containers, o.Codecs = lib.Containers, lib.Codecs
	return o
}

func (p *Player) emit(kind EventKind, stream int, err error) {
	ev := Event{Kind: kind, Time: p.clk.Now(), Position: p.CurrentTime(), Stream: stream, Err: err}
	select {
	case p.events <- ev:
	default:
		p.eventsDropped.Add(1)
	}
}

func (p *Player) deps() deps {
	return deps{
		lib:     p.lib,
		sink:    p.sink,
		clk:     p.clk,
		metrics: p.metrics,
		reports: p.reports,
		log:     p.log,
	}
}

// control is the only goroutine that changes state or drives the
// pipeline outside a transition worker.
func (p *Player) control() {
	defer close(p.done)
	for {
		select {
		case c := <-p.cmds:
			if p.handle(c) {
				return
			}
		case r := <-p.reports:
			p.handleReport(r)
		}
	}
}

// handle applies or defers c. It returns true once the Player is closed.
func (p *Player) handle(c command) bool {
	switch c.kind {
	case cmdStop:
		c.respond(result{err: p.shutdown()})
		return false
	case cmdClose:
		err := p.shutdown()
		p.emit(EventClosed, -1, nil)
		close(p.events)
		c.respond(result{err: err})
		return true
	}
	if p.State().transitioning() {
		p.deferCommand(c)
		return false
	}
	p.dispatch(c)
	return false
}

// deferCommand queues c until the running transition finishes. A newer
// seek replaces a queued one.
func (p *Player) deferCommand(c command) {
	if c.kind == cmdOpen {
		c.respond(result{err: invalidState("open", p.State())})
		return
	}
	if c.kind == cmdSeek {
		kept := p.deferred[:0]
		for _, d := range p.deferred {
			if d.kind == cmdSeek {
				p.metrics.Seek("superseded")
				d.respond(result{err: ErrSeekSuperseded})
				continue
			}
			kept = append(kept, d)
		}
		p.deferred = kept
	}
	p.deferred = append(p.deferred, c)
}

func (p *Player) runDeferred() {
	for len(p.deferred) > 0 && p.trans == nil {
		c := p.deferred[0]
		p.deferred = p.deferred[1:]
		p.dispatch(c)
	}
}

func (p *Player) rejectDeferred(err error) {
	for _, d := range p.deferred {
		d.respond(result{err: err})
	}
	p.deferred = nil
}

func (p *Player) dispatch(c command) {
	state := p.State()
	if state == StateError {
		c.respond(result{err: invalidState(c.kind.String(), state)})
		return
	}
	switch c.kind {
	case cmdOpen:
		p.open(c)
	case cmdPlay:
		p.play(c)
	case cmdPause:
		c.respond(result{err: p.pause()})
	case cmdSetRate:
		c.respond(result{err: p.setRate(c.rate)})
	case cmdSeek:
		switch state {
		case StateReady, StatePlaying, StatePaused:
			if !p.pipe.Load().info.Seekable {
				p.metrics.Seek("failed")
				c.respond(result{err: &media.SeekError{Target: c.target, Err: media.ErrNotSeekable}})
				return
			}
			after := StatePaused
			if state == StatePlaying {
				after = StatePlaying
			}
			p.startSeek(c, c.target, after)
		default:
			c.respond(result{err: invalidState("seek", state)})
		}
	case cmdSelect:
		p.selectStream(c)
	}
}

func (p *Player) open(c command) {
	if s := p.State(); s != StateClosed {
		c.respond(result{err: invalidState("open", s)})
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.txn++
	p.trans = &transition{id: p.txn, cmd: c, cancel: cancel}
	p.setState(StateOpening)
	p.setErr(nil)
	p.looping.Store(c.cfg.Loop)

	d, txn := p.deps(), p.txn
	go func() {
		pipe, err := openPipeline(ctx, d, c.url, c.cfg)
		r := report{kind: reportOpened, txn: txn, pipe: pipe, err: err}
		if pipe != nil {
			r.info = pipe.info
		}
		select {
		case p.reports <- r:
		case <-p.done:
			if pipe != nil {
				pipe.close(c.cfg.CloseTimeout)
			}
		}
	}()
}

// play resumes playback. At the end of the media it rewinds first, and
// the rewinding seek answers c.
func (p *Player) play(c command) {
	state := p.State()
	switch state {
	case StatePlaying:
		c.respond(result{})
		return
	case StateReady, StatePaused:
	default:
		c.respond(result{err: invalidState("play", state)})
		return
	}
	if p.atEnd {
		p.startSeek(c, 0, StatePlaying)
		return
	}
	p.resume()
	c.respond(result{})
}

func (p *Player) resume() {
	pipe := p.pipe.Load()
	if pipe.run == nil {
		pipe.start(-1)
	}
	pipe.sync.SetRate(p.Rate())
	pipe.sync.Resume()
	pipe.gate.set(true)
	p.setState(StatePlaying)
	p.emit(EventPlaybackResumed, -1, nil)
}

func (p *Player) suspend(to State) {
	pipe := p.pipe.Load()
	pipe.sync.Pause()
	pipe.gate.set(false)
	p.setState(to)
	p.emit(EventPlaybackSuspended, -1, nil)
}

func (p *Player) pause() error {
	switch state := p.State(); state {
	case StatePlaying:
		p.suspend(StatePaused)
	case StateReady:
		p.setState(StatePaused)
	case StatePaused:
	default:
		return invalidState("pause", state)
	}
	return nil
}

func (p *Player) setRate(r float64) error {
	limit := DefaultConfig().MaxRate
	pipe := p.pipe.Load()
	if pipe != nil {
		limit = pipe.cfg.MaxRate
	}
	if math.IsNaN(r) || r < 0 || r > limit {
		return fmt.Errorf("%w: %v not in (0, %v]", ErrUnsupportedRate, r, limit)
	}
	if r == 0 {
		return p.pause()
	}
	p.rate.Store(math.Float64bits(r))
	if pipe != nil {
		pipe.sync.SetRate(r)
	}
	return nil
}

// startSeek hands the pipeline to a seek worker. The state after a
// successful seek is after; a failure restores the current state.
func (p *Player) startSeek(c command, target time.Duration, after State) {
	pipe := p.pipe.Load()
	p.txn++
	ctx, cancel := context.WithCancel(context.Background())
	t := &transition{
		id:         p.txn,
		cmd:        c,
		cancel:     cancel,
		target:     target,
		prior:      p.State(),
		after:      after,
		wasRunning: pipe.run != nil,
	}
	p.trans = t
	pipe.sync.Pause()
	pipe.gate.set(false)
	p.setState(StateSeeking)

	txn := t.id
	go func() {
		landed, err := pipe.seek(ctx, target)
		r := report{kind: reportSeeked, txn: txn, landed: landed, err: err}
		select {
		case p.reports <- r:
		case <-p.done:
		}
	}()
}

func (p *Player) handleReport(r report) {
	switch r.kind {
	case reportOpened:
		if p.trans == nil || r.txn != p.trans.id {
			if r.pipe != nil {
				r.pipe.close(r.pipe.cfg.CloseTimeout)
			}
			return
		}
		p.finishOpen(r)
	case reportSeeked:
		if p.trans == nil || r.txn != p.trans.id {
			return
		}
		p.finishSeek(r)
	default:
		// Loops only report into Playing or Paused; during a transition
		// the worker owns pipe.run.
		switch p.State() {
		case StatePlaying, StatePaused:
		default:
			return
		}
		pipe := p.pipe.Load()
		if pipe == nil || r.pipe != pipe || pipe.run == nil || r.epoch != pipe.run.epoch {
			return
		}
		if r.kind == reportEnded {
			p.streamEnded(pipe, r.stream)
		} else {
			p.streamFailed(pipe, r.stream, r.err)
		}
	}
}

func (p *Player) finishOpen(r report) {
	t := p.trans
	p.trans = nil
	if r.err != nil {
		p.setErr(r.err)
		p.setState(StateError)
		p.log.Warn("open failed", "url", t.cmd.url, "error", r.err)
		p.emit(EventOpenFailed, -1, r.err)
		t.cmd.respond(result{err: r.err})
		p.rejectDeferred(invalidState("command", StateError))
		return
	}
	pipe := r.pipe
	pipe.sync.SetRate(p.Rate())
	p.pipe.Store(pipe)
	p.atEnd = false
	p.setState(StateReady)
	p.log.Info("opened", "url", t.cmd.url, "format", r.info.Format,
		"streams", len(r.info.Streams), "duration", r.info.Duration, "master", pipe.sync.Master())
	p.emit(EventOpened, -1, nil)
	t.cmd.respond(result{info: r.info})
	p.runDeferred()
}

func (p *Player) finishSeek(r report) {
	t := p.trans
	p.trans = nil
	pipe := p.pipe.Load()

	if errors.Is(r.err, ErrCloseTimeout) {
		p.fail(&media.FatalError{Component: "player", Stream: -1, Err: r.err})
		t.cmd.respond(result{err: &media.SeekError{Target: t.target, Err: r.err}})
		return
	}
	if r.err != nil {
		var se *media.SeekError
		err := r.err
		if !errors.As(err, &se) {
			err = &media.SeekError{Target: t.target, Err: err}
		}
		if t.wasRunning {
			pipe.start(-1)
		}
		p.setState(t.prior)
		if t.prior == StatePlaying {
			pipe.sync.Resume()
			pipe.gate.set(true)
		}
		p.metrics.Seek("failed")
		p.log.Warn("seek failed", "target", t.target, "error", err)
		p.emit(EventSeekFailed, -1, err)
		t.cmd.respond(result{err: err})
		p.runDeferred()
		return
	}

	target := t.target
	p.atEnd = false
	pipe.start(target)
	if t.after == StatePlaying {
		pipe.sync.Resume()
		pipe.gate.set(true)
		p.setState(StatePlaying)
	} else {
		p.setState(StatePaused)
	}
	p.metrics.Seek("ok")
	p.log.Debug("seek completed", "target", target, "landed", r.landed)
	p.emit(EventSeekCompleted, -1, nil)
	t.cmd.respond(result{})
	p.runDeferred()
}

func (p *Player) streamEnded(pipe *pipeline, stream int) {
	t := pipe.track(stream)
	if t == nil || t.eos {
		return
	}
	t.eos = true
	p.checkEnd(pipe)
}

// checkEnd reacts once every healthy stream has been presented to the end.
func (p *Player) checkEnd(pipe *pipeline) {
	if !pipe.ended() {
		return
	}
	p.emit(EventEndReached, -1, nil)
	if p.looping.Load() && pipe.info.Seekable {
		p.log.Debug("end reached, looping")
		p.startSeek(command{kind: cmdPlay}, 0, StatePlaying)
		return
	}
	p.log.Info("end reached")
	if err := pipe.stop(pipe.cfg.CloseTimeout); err != nil {
		p.fail(&media.FatalError{Component: "player", Stream: -1, Err: err})
		return
	}
	pipe.sync.Pause()
	pipe.gate.set(false)
	p.atEnd = true
	p.setState(StateReady)
}

// streamFailed isolates a failed stream when allowed and other streams
// remain, otherwise the Player enters Error.
func (p *Player) streamFailed(pipe *pipeline, stream int, err error) {
	if stream < 0 {
		p.fail(err)
		return
	}
	t := pipe.track(stream)
	if t == nil || t.failed.Load() {
		return
	}
	if !pipe.cfg.IsolateStreamFailures || pipe.healthy(t) == 0 {
		p.fail(err)
		return
	}
	t.failed.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
	pipe.applySelection()
	p.metrics.StreamFailed(t.desc.Kind.String())
	p.log.Warn("stream failed, continuing without it",
		"stream", stream, "kind", t.desc.Kind, "error", err, "master", pipe.sync.Master())
	p.emit(EventStreamFailed, stream, err)
	p.checkEnd(pipe)
}

// fail moves to Error. Loops are cancelled; Stop or Close release them.
func (p *Player) fail(err error) {
	if pipe := p.pipe.Load(); pipe != nil {
		pipe.halt()
		pipe.sync.Pause()
		pipe.gate.set(false)
	}
	p.setErr(err)
	p.setState(StateError)
	p.log.Error("playback failed", "error", err)
	p.emit(EventError, -1, err)
	p.rejectDeferred(invalidState("command", StateError))
}

func (p *Player) selectStream(c command) {
	state := p.State()
	switch state {
	case StateReady, StatePlaying, StatePaused:
	default:
		c.respond(result{err: invalidState("select stream", state)})
		return
	}
	pipe := p.pipe.Load()
	var want *track
	if c.stream >= 0 {
		want = pipe.track(c.stream)
		if want == nil || want.desc.Kind != c.skind {
			c.respond(result{err: fmt.Errorf("%w: %s stream %d", ErrNoStream, c.skind, c.stream)})
			return
		}
		if want.failed.Load() {
			c.respond(result{err: fmt.Errorf("%w: stream %d failed", ErrInvalidState, c.stream)})
			return
		}
		if err := pipe.attach(want); err != nil {
			c.respond(result{err: err})
			return
		}
	}
	changed := false
	for _, t := range pipe.tracks {
		if t.desc.Kind != c.skind {
			continue
		}
		on := t == want
		if t.selected.Load() != on {
			t.selected.Store(on)
			changed = true
		}
	}
	if !changed {
		c.respond(result{})
		return
	}
	p.log.Info("stream selection changed", "kind", c.skind, "stream", c.stream)
	if pipe.run == nil {
		pipe.applySelection()
		c.respond(result{})
		return
	}
	if pipe.info.Seekable {
		after := StatePaused
		if state == StatePlaying {
			after = StatePlaying
		}
		p.startSeek(c, p.CurrentTime(), after)
		return
	}
	// A live source cannot seek; restart the loops in place.
	if err := pipe.stop(pipe.cfg.CloseTimeout); err != nil {
		p.fail(&media.FatalError{Component: "player", Stream: -1, Err: err})
		c.respond(result{err: err})
		return
	}
	pipe.start(-1)
	c.respond(result{})
}

// shutdown cancels any transition, tears the pipeline down and returns to
// Closed.
func (p *Player) shutdown() error {
	var timeout = DefaultConfig().CloseTimeout
	if pipe := p.pipe.Load(); pipe != nil {
		timeout = pipe.cfg.CloseTimeout
	} else if p.trans != nil && p.trans.cmd.kind == cmdOpen {
		timeout = p.trans.cmd.cfg.CloseTimeout
	}
	if p.State() == StateClosed && p.trans == nil {
		return nil
	}
	p.setState(StateStopping)
	var errs []error
	if err := p.cancelTransition(timeout); err != nil {
		errs = append(errs, err)
	}
	p.rejectDeferred(invalidState("command", StateStopping))

	if pipe := p.pipe.Load(); pipe != nil {
		if err := pipe.close(timeout); err != nil {
			errs = append(errs, err)
		}
		var o Outstanding
		o.Packets, o.Frames = pipe.outstanding()
		p.mu.Lock()
		p.residue = o
		p.mu.Unlock()
		p.pipe.Store(nil)
	}
	p.atEnd = false
	p.setErr(nil)
	p.setState(StateClosed)
	p.log.Info("stopped")
	return errors.Join(errs...)
}

// cancelTransition cancels the running Open or Seek and waits for its
// worker to hand the pipeline back.
func (p *Player) cancelTransition(timeout time.Duration) error {
	t := p.trans
	if t == nil {
		return nil
	}
	t.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-p.reports:
			if r.txn != t.id || (r.kind != reportOpened && r.kind != reportSeeked) {
				continue
			}
			p.trans = nil
			switch r.kind {
			case reportOpened:
				if r.pipe != nil {
					r.pipe.close(timeout)
				}
				t.cmd.respond(result{err: &media.OpenError{URL: t.cmd.url, Err: context.Canceled}})
			case reportSeeked:
				p.metrics.Seek("failed")
				t.cmd.respond(result{err: &media.SeekError{Target: t.target, Err: context.Canceled}})
			}
			return nil
		case <-timer.C:
			p.trans = nil
			t.cmd.respond(result{err: ErrCloseTimeout})
			return ErrCloseTimeout
		}
	}
}
