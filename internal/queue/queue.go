// Package queue provides the bounded queues between pipeline stages: a
// PacketQueue per stream between the demuxer and its decoder, and a
// FrameQueue per stream between the decoder and its presenter.
//
// Both synchronize internally. Waiters block on a notification channel
// that is closed and replaced on every state change, so a blocked call
// also observes context cancellation and its own timeout.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/reel/internal/media"
)

var (
	ErrFull       = errors.New("queue: full")
	ErrTimeout    = errors.New("queue: timed out")
	ErrClosed     = errors.New("queue: closed")
	ErrAborted    = errors.New("queue: aborted")
	ErrOutOfOrder = errors.New("queue: frame out of order")

	// ErrEndOfStream matches media.ErrEndOfStream with errors.Is.
	ErrEndOfStream = fmt.Errorf("queue: %w", media.ErrEndOfStream)
)

// signal is a broadcast channel. Callers hold the owning queue's mutex.
type signal struct {
	ch chan struct{}
}

func newSignal() signal {
	return signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	return s.ch
}

func (s *signal) broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// await blocks until ch fires, the timer expires or ctx is done. A nil
// timer waits without limit. It returns errExpired on timeout.
func await(ctx context.Context, ch <-chan struct{}, timer <-chan time.Time) error {
	select {
	case <-ch:
		return nil
	case <-timer:
		return errExpired
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errExpired = errors.New("expired")

// deadline returns a timer channel for timeout, or nil when timeout is not
// positive. stop must be called when done.
func deadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
