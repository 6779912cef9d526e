package srt

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// FeedStats captures connection-level metrics for a live feed.
type FeedStats struct {
	StreamKey     string `json:"streamKey"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Feed couples the bytes of one SRT connection with its metadata. Bytes
// written by the receive loop are read by the transport stream demuxer.
type Feed struct {
	Key       string
	StartedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	stop func()
	once sync.Once
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// newFeed returns a Feed. stop is called once by Close to tear down the
// connection feeding it.
func newFeed(key string, stop func()) *Feed {
	pr, pw := io.Pipe()
	return &Feed{
		Key:       key,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		stop:      stop,
		done:      make(chan struct{}),
	}
}

// RecordRead increments the byte and read counters after a socket read.
func (f *Feed) RecordRead(n int) {
	f.bytesReceived.Add(int64(n))
	f.readCount.Add(1)
}

func (f *Feed) SetRemoteAddr(addr string) {
	f.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() FeedStats {
	addr, _ := f.remoteAddr.Load().(string)
	return FeedStats{
		StreamKey:     f.Key,
		BytesReceived: f.bytesReceived.Load(),
		ReadCount:     f.readCount.Load(),
		ConnectedAt:   f.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(f.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Read returns received transport stream bytes.
func (f *Feed) Read(p []byte) (int, error) {
	return f.pr.Read(p)
}

// Write hands received bytes to the reader side, blocking until they are
// consumed or the feed is closed.
func (f *Feed) Write(p []byte) (int, error) {
	return f.pw.Write(p)
}

// finish marks the sending side done; readers see err (io.EOF when nil)
// after draining.
func (f *Feed) finish(err error) {
	f.pw.CloseWithError(err)
}

// Done is closed once the feed is closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close stops the connection and unblocks readers and the receive loop.
func (f *Feed) Close() error {
	f.once.Do(func() {
		if f.stop != nil {
			f.stop()
		}
		f.pr.Close()
		close(f.done)
	})
	return nil
}
