package queue

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/media"
)

// FrameStats counts FrameQueue activity since creation.
type FrameStats struct {
	Pushed        int64 `json:"pushed"`
	Popped        int64 `json:"popped"`
	OverflowDrops int64 `json:"overflowDrops"`
	OutOfOrder    int64 `json:"outOfOrder"`
	Clears        int64 `json:"clears"`
	Cleared       int64 `json:"cleared"`
}

// FrameQueue is a count-bounded FIFO of decoded frames. Within one serial,
// accepted frames never decrease in PTS.
type FrameQueue struct {
	mu       sync.Mutex
	frames   []*media.Frame
	capacity int
	serial   uint64
	lastPTS  time.Duration
	havePTS  bool
	discont  bool
	ended    bool
	closed   bool
	changed  signal
	stats    FrameStats
}

// NewFrameQueue returns a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		capacity: capacity,
		changed:  newSignal(),
	}
}

// accept checks ordering and records f. Callers hold mu and have made room.
func (q *FrameQueue) accept(f *media.Frame) {
	f.Serial = q.serial
	q.frames = append(q.frames, f)
	q.lastPTS, q.havePTS = f.PTS, true
	q.stats.Pushed++
	q.changed.broadcast()
}

func (q *FrameQueue) ordered(f *media.Frame) error {
	if q.havePTS && f.PTS < q.lastPTS {
		q.stats.OutOfOrder++
		return ErrOutOfOrder
	}
	return nil
}

// Push appends f, waiting up to timeout for room. It returns ErrFull when
// the timeout passes and ErrOutOfOrder when f precedes the last accepted
// frame of the current serial. A non-positive timeout waits until ctx is
// done.
func (q *FrameQueue) Push(ctx context.Context, f *media.Frame, timeout time.Duration) error {
	timer, stop := deadline(timeout)
	defer stop()

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if err := q.ordered(f); err != nil {
			q.mu.Unlock()
			return err
		}
		if len(q.frames) < q.capacity {
			q.accept(f)
			q.mu.Unlock()
			return nil
		}
		ch := q.changed.wait()
		q.mu.Unlock()

		if err := await(ctx, ch, timer); err != nil {
			if err == errExpired {
				return ErrFull
			}
			return err
		}
		q.mu.Lock()
	}
}

// PushDropOldest appends f without waiting, evicting the head when the
// queue is full. The evicted frame is returned.
func (q *FrameQueue) PushDropOldest(f *media.Frame) (*media.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if err := q.ordered(f); err != nil {
		return nil, err
	}
	var dropped *media.Frame
	if len(q.frames) >= q.capacity {
		dropped = q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.stats.OverflowDrops++
	}
	q.accept(f)
	return dropped, nil
}

// Pop removes the head frame, waiting up to timeout for one to arrive. It
// returns ErrTimeout when the wait expires and ErrEndOfStream once the
// queue is ended and empty.
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) (*media.Frame, error) {
	timer, stop := deadline(timeout)
	defer stop()

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			if q.discont {
				f.Discontinuity = true
				q.discont = false
			}
			q.stats.Popped++
			q.changed.broadcast()
			q.mu.Unlock()
			return f, nil
		}
		if q.ended {
			q.mu.Unlock()
			return nil, ErrEndOfStream
		}
		ch := q.changed.wait()
		q.mu.Unlock()

		if err := await(ctx, ch, timer); err != nil {
			if err == errExpired {
				return nil, ErrTimeout
			}
			return nil, err
		}
		q.mu.Lock()
	}
}

// Clear discards every frame, resets the ordering baseline and the ended
// flag, and starts a new serial. It returns the number of frames dropped.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	clear(q.frames)
	q.frames = q.frames[:0]
	q.serial++
	q.havePTS = false
	q.ended = false
	q.discont = true
	q.stats.Clears++
	q.stats.Cleared += int64(n)
	q.changed.broadcast()
	return n
}

// MarkEnded records that no more frames will be pushed in this serial.
func (q *FrameQueue) MarkEnded() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ended = true
	q.changed.broadcast()
}

// Ended reports whether MarkEnded was called since the last Clear.
func (q *FrameQueue) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

// Close releases all frames and fails every later call with ErrClosed.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.stats.Cleared += int64(len(q.frames))
	q.frames = nil
	q.changed.broadcast()
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Head returns the PTS of the next frame Pop would return.
func (q *FrameQueue) Head() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return 0, false
	}
	return q.frames[0].PTS, true
}

func (q *FrameQueue) Cap() int { return q.capacity }

func (q *FrameQueue) Serial() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.serial
}

func (q *FrameQueue) Stats() FrameStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
