package player

import (
	"context"
	"time"

	"github.com/zsiec/reel/internal/media"
)

// Sample is one decoded frame handed to the consuming renderer.
type Sample struct {
	Kind          media.StreamKind
	Stream        int
	Timestamp     time.Duration
	Duration      time.Duration
	Payload       []byte
	Frame         *media.Frame
	Discontinuity bool
}

func newSample(f *media.Frame) Sample {
	return Sample{
		Kind:          f.Kind,
		Stream:        f.Stream,
		Timestamp:     f.PTS,
		Duration:      f.Duration,
		Payload:       f.Payload,
		Frame:         f,
		Discontinuity: f.Discontinuity,
	}
}

// Sink receives presented samples. Each stream's samples arrive in
// presentation order from that stream's presenter; different streams call
// WriteSample concurrently. ctx expires after the configured sink timeout,
// and a write that runs past it counts as backpressure.
type Sink interface {
	WriteSample(ctx context.Context, s Sample) error
}
