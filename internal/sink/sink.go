// Package sink provides player.Sink implementations: in-memory capture,
// counting, function adapters and a QUIC transport that ships samples to
// a remote receiver.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/player"
)

var (
	_ player.Sink = (*Recorder)(nil)
	_ player.Sink = (*Discard)(nil)
	_ player.Sink = Func(nil)
	_ player.Sink = (*QUICSender)(nil)
)

// Func adapts a function to player.Sink.
type Func func(ctx context.Context, s player.Sample) error

func (f Func) WriteSample(ctx context.Context, s player.Sample) error {
	return f(ctx, s)
}

// KindSummary aggregates the samples of one stream kind.
type KindSummary struct {
	Samples         int64         `json:"samples"`
	Bytes           int64         `json:"bytes"`
	First           time.Duration `json:"first"`
	Last            time.Duration `json:"last"`
	Discontinuities int64         `json:"discontinuities"`
}

func (k *KindSummary) add(s player.Sample) {
	if k.Samples == 0 {
		k.First = s.Timestamp
	}
	k.Samples++
	k.Bytes += int64(len(s.Payload))
	k.Last = s.Timestamp
	if s.Discontinuity {
		k.Discontinuities++
	}
}

// Summary is what a Recorder has seen, keyed by kind name.
type Summary map[string]KindSummary

// Recorder keeps up to a fixed number of samples and summarizes all of
// them. It is safe for concurrent use.
type Recorder struct {
	limit int

	mu      sync.Mutex
	samples []player.Sample
	summary Summary
	dropped int64
}

// NewRecorder returns a Recorder holding at most limit samples. A
// non-positive limit keeps none and only summarizes.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: max(limit, 0), summary: Summary{}}
}

func (r *Recorder) WriteSample(ctx context.Context, s player.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ks := r.summary[s.Kind.String()]
	ks.add(s)
	r.summary[s.Kind.String()] = ks
	if len(r.samples) < r.limit {
		r.samples = append(r.samples, s)
	} else {
		r.dropped++
	}
	return nil
}

// Samples returns a copy of the kept samples in arrival order.
func (r *Recorder) Samples() []player.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]player.Sample(nil), r.samples...)
}

// Kind returns the kept samples of one kind.
func (r *Recorder) Kind(kind media.StreamKind) []player.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []player.Sample
	for _, s := range r.samples {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Dropped counts samples summarized but not kept.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(Summary, len(r.summary))
	for k, v := range r.summary {
		out[k] = v
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
	r.summary = Summary{}
	r.dropped = 0
}

// Discard counts samples and bytes and drops them.
type Discard struct {
	samples atomic.Int64
	bytes   atomic.Int64
}

func (d *Discard) WriteSample(_ context.Context, s player.Sample) error {
	d.samples.Add(1)
	d.bytes.Add(int64(len(s.Payload)))
	return nil
}

func (d *Discard) Samples() int64 { return d.samples.Load() }
func (d *Discard) Bytes() int64   { return d.bytes.Load() }
