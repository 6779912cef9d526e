package queue

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/media"
)

// PacketStats counts PacketQueue activity since creation.
type PacketStats struct {
	Put      int64 `json:"put"`
	Got      int64 `json:"got"`
	Flushed  int64 `json:"flushed"`
	Flushes  int64 `json:"flushes"`
	Timeouts int64 `json:"timeouts"`
}

type packetEntry struct {
	pkt    *media.Packet
	serial uint64
}

// PacketQueue holds the compressed packets of one stream, bounded by count
// and by payload bytes. A single oversized packet is always admitted to an
// empty queue.
type PacketQueue struct {
	mu         sync.Mutex
	items      []packetEntry
	maxPackets int
	maxBytes   int
	bytes      int
	serial     uint64
	eof        bool
	aborted    bool
	changed    signal
	stats      PacketStats
}

// NewPacketQueue returns a queue holding at most maxPackets packets and
// maxBytes payload bytes.
func NewPacketQueue(maxPackets, maxBytes int) *PacketQueue {
	return &PacketQueue{
		maxPackets: max(maxPackets, 1),
		maxBytes:   max(maxBytes, 1),
		changed:    newSignal(),
	}
}

func (q *PacketQueue) full(size int) bool {
	if len(q.items) == 0 {
		return false
	}
	return len(q.items) >= q.maxPackets || q.bytes+size > q.maxBytes
}

// Put appends pkt, waiting up to timeout for room. It returns ErrFull when
// the wait expires and ErrAborted if the queue is aborted meanwhile. A
// non-positive timeout waits until ctx is done.
func (q *PacketQueue) Put(ctx context.Context, pkt *media.Packet, timeout time.Duration) error {
	timer, stop := deadline(timeout)
	defer stop()

	q.mu.Lock()
	for {
		if q.aborted {
			q.mu.Unlock()
			return ErrAborted
		}
		if !q.full(pkt.Size()) {
			q.items = append(q.items, packetEntry{pkt: pkt, serial: q.serial})
			q.bytes += pkt.Size()
			q.stats.Put++
			q.changed.broadcast()
			q.mu.Unlock()
			return nil
		}
		ch := q.changed.wait()
		q.mu.Unlock()

		if err := await(ctx, ch, timer); err != nil {
			if err == errExpired {
				q.mu.Lock()
				q.stats.Timeouts++
				q.mu.Unlock()
				return ErrFull
			}
			return err
		}
		q.mu.Lock()
	}
}

// PutEOF marks the end of input. Get returns ErrEndOfStream once the
// packets queued before it are consumed.
func (q *PacketQueue) PutEOF() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eof = true
	q.changed.broadcast()
}

// Get removes the head packet and returns it with the serial it was queued
// under, blocking until one is available.
func (q *PacketQueue) Get(ctx context.Context) (*media.Packet, uint64, error) {
	q.mu.Lock()
	for {
		if q.aborted {
			q.mu.Unlock()
			return nil, 0, ErrAborted
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = packetEntry{}
			q.items = q.items[1:]
			q.bytes -= e.pkt.Size()
			q.stats.Got++
			q.changed.broadcast()
			q.mu.Unlock()
			return e.pkt, e.serial, nil
		}
		if q.eof {
			serial := q.serial
			q.mu.Unlock()
			return nil, serial, ErrEndOfStream
		}
		ch := q.changed.wait()
		q.mu.Unlock()

		if err := await(ctx, ch, nil); err != nil {
			return nil, 0, err
		}
		q.mu.Lock()
	}
}

// Flush releases every queued packet, clears the EOF marker and starts a
// new serial. It returns the number of packets released.
func (q *PacketQueue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.bytes = 0
	q.eof = false
	q.serial++
	q.stats.Flushed += int64(n)
	q.stats.Flushes++
	q.changed.broadcast()
	return n
}

// Abort wakes every waiter with ErrAborted and fails later calls until
// Start.
func (q *PacketQueue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.changed.broadcast()
}

// Start reopens an aborted queue.
func (q *PacketQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = false
	q.changed.broadcast()
}

func (q *PacketQueue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PacketQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *PacketQueue) Serial() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.serial
}

func (q *PacketQueue) Stats() PacketStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
