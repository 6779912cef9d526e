package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/reel/internal/format/tsfile"
	"github.com/zsiec/reel/internal/media"
)

// FormatName is reported in MediaInfo.Format.
const FormatName = "srt"

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const defaultDialTimeout = 10 * time.Second

// Mode selects which side opens the SRT connection.
type Mode string

const (
	ModeCaller   Mode = "caller"
	ModeListener Mode = "listener"
)

// Options describe an SRT source.
type Options struct {
	Addr        string
	Mode        Mode
	StreamID    string
	DialTimeout time.Duration
}

// ParseURL reads Options from an srt:// URL. Recognized query keys are
// mode, streamid and timeout.
func ParseURL(raw string) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Options{}, err
	}
	if u.Scheme != "srt" {
		return Options{}, fmt.Errorf("srt: %w: scheme %q", media.ErrUnsupportedFormat, u.Scheme)
	}
	o := Options{Addr: u.Host, Mode: ModeCaller, DialTimeout: defaultDialTimeout}
	for key, vals := range u.Query() {
		v := vals[len(vals)-1]
		switch key {
		case "mode":
			o.Mode = Mode(v)
			if o.Mode != ModeCaller && o.Mode != ModeListener {
				return Options{}, fmt.Errorf("srt: unknown mode %q", v)
			}
		case "streamid":
			o.StreamID = v
		case "timeout":
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return Options{}, fmt.Errorf("srt: timeout=%q: invalid duration", v)
			}
			o.DialTimeout = d
		default:
			return Options{}, fmt.Errorf("srt: unknown parameter %q", key)
		}
	}
	if o.Addr == "" {
		return Options{}, errors.New("srt: address is required")
	}
	if o.Mode == ModeCaller && !strings.Contains(o.Addr, ":") {
		return Options{}, fmt.Errorf("srt: address %q has no port", o.Addr)
	}
	return o, nil
}

// Container is a live transport stream container fed by an SRT
// connection.
type Container struct {
	*tsfile.Container
	feed *Feed
}

// Stats reports the connection counters.
func (c *Container) Stats() FeedStats {
	return c.feed.Stats()
}

// Close stops the connection and the demuxer.
func (c *Container) Close() error {
	err := c.Container.Close()
	c.feed.Close()
	return err
}

// Open connects according to url and probes the received transport
// stream. Cancelling ctx aborts the connection attempt and the probe; once
// Open returns the connection lives until Close.
func Open(ctx context.Context, rawURL string, log *slog.Logger) (*Container, error) {
	o, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt", "addr", o.Addr, "mode", o.Mode)

	var conn *srtgo.Conn
	switch o.Mode {
	case ModeListener:
		conn, err = accept(ctx, o, log)
	default:
		conn, err = dial(ctx, o, log)
	}
	if err != nil {
		return nil, err
	}

	key := extractStreamKey(conn.StreamID())
	if key == "default" && o.StreamID != "" {
		key = extractStreamKey(o.StreamID)
	}
	feed := newFeed(key, func() { conn.Close() })
	feed.SetRemoteAddr(conn.RemoteAddr().String())
	log = log.With("stream_key", key)
	go receive(conn, feed, log)

	stop := context.AfterFunc(ctx, func() { feed.Close() })
	c, err := tsfile.NewLive(ctx, rawURL, feed, log)
	if !stop() || err != nil {
		feed.Close()
		if err == nil {
			c.Close()
			err = ctx.Err()
		}
		return nil, err
	}
	return &Container{Container: c, feed: feed}, nil
}

// dial connects to a remote listener, giving up after the dial timeout.
func dial(ctx context.Context, o Options, log *slog.Logger) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = o.StreamID

	log.Info("dialing", "stream_id", o.StreamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(o.Addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(o.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", o.Addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("srt: dial %s timed out after %s", o.Addr, o.DialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

// accept listens on the address until one publisher with a stream ID
// connects, then stops listening.
func accept(ctx context.Context, o Options, log *slog.Logger) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(o.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("srt: listen on %s: %w", o.Addr, err)
	}
	defer l.Close()
	log.Info("listening")

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if o.StreamID != "" && extractStreamKey(req.StreamID) != extractStreamKey(o.StreamID) {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("accept error", "error", err)
			continue
		}
		log.Info("publish", "stream_id", conn.StreamID(), "remote", conn.RemoteAddr())
		return conn, nil
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate drains an abandoned dial and closes any leaked connection.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// receive copies datagrams from conn into feed until either side closes.
func receive(conn *srtgo.Conn, feed *Feed, log *slog.Logger) {
	defer conn.Close()

	buf := make([]byte, srtReadBufferSize)
	var err error
	for {
		var n int
		n, err = conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "error", err)
			}
			break
		}
		feed.RecordRead(n)
		if _, err = feed.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "error", err)
			break
		}
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	feed.finish(err)

	stats := feed.Stats()
	log.Info("connection closed",
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
