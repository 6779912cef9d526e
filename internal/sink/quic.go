package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/player"
)

// ALPN identifies the sample transport during the TLS handshake.
const ALPN = "reel-samples/1"

const (
	idleTimeout  = 30 * time.Second
	keepAlive    = 5 * time.Second
	maxUniStream = 64
)

// Application and stream error codes.
const (
	codeDone      quic.ApplicationErrorCode = 0
	codeAbandoned quic.StreamErrorCode      = 1
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        idleTimeout,
		KeepAlivePeriod:       keepAlive,
		MaxIncomingUniStreams: maxUniStream,
	}
}

// SenderConfig configures DialQUIC.
type SenderConfig struct {
	// Fingerprint pins the receiver's certificate (hex or base64 SHA-256).
	Fingerprint string
	// Label names this sender to the receiver, usually the player ID.
	Label string
}

// QUICSender is a player.Sink that writes each pipeline stream to its own
// unidirectional QUIC stream. WriteSample may be called concurrently for
// different pipeline streams, and sequentially within one.
type QUICSender struct {
	log   *slog.Logger
	conn  quic.Connection
	label string

	mu      sync.Mutex
	streams map[int]quic.SendStream
	closed  bool

	samples atomic.Int64
	bytes   atomic.Int64
	resets  atomic.Int64
}

// DialQUIC connects to a QUICReceiver at addr.
func DialQUIC(ctx context.Context, addr string, cfg SenderConfig, log *slog.Logger) (*QUICSender, error) {
	if log == nil {
		log = slog.Default()
	}
	pin, err := certs.ParseFingerprint(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, certs.PinnedClientTLS(pin, ALPN), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", addr, err)
	}
	s := &QUICSender{
		log:     log.With("component", "quic-sink", "remote", conn.RemoteAddr().String()),
		conn:    conn,
		label:   cfg.Label,
		streams: make(map[int]quic.SendStream),
	}
	s.log.Info("connected", "label", cfg.Label)
	return s, nil
}

func (s *QUICSender) WriteSample(ctx context.Context, smp player.Sample) error {
	st, err := s.stream(ctx, smp)
	if err != nil {
		return s.writeErr(ctx, err)
	}
	buf := appendRecord(nil, smp)
	deadline, _ := ctx.Deadline()
	if err := st.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := st.Write(buf); err != nil {
		// A partial record leaves the stream unusable.
		s.abandon(smp.Stream, st)
		return s.writeErr(ctx, err)
	}
	s.samples.Add(1)
	s.bytes.Add(int64(len(buf)))
	return nil
}

// stream returns the send stream of smp's pipeline stream, opening it
// and writing its header on first use.
func (s *QUICSender) stream(ctx context.Context, smp player.Sample) (quic.SendStream, error) {
	s.mu.Lock()
	st, closed := s.streams[smp.Stream], s.closed
	s.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}
	if st != nil {
		return st, nil
	}

	st, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := st.SetWriteDeadline(deadline); err != nil {
		st.CancelWrite(codeAbandoned)
		return nil, err
	}
	hdr := appendHeader(nil, StreamHeader{Stream: smp.Stream, Kind: smp.Kind, Label: s.label})
	if _, err := st.Write(hdr); err != nil {
		st.CancelWrite(codeAbandoned)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		st.CancelWrite(codeAbandoned)
		return nil, net.ErrClosed
	}
	s.streams[smp.Stream] = st
	s.log.Debug("stream opened", "stream", smp.Stream, "kind", smp.Kind)
	return st, nil
}

func (s *QUICSender) abandon(stream int, st quic.SendStream) {
	st.CancelWrite(codeAbandoned)
	s.mu.Lock()
	if s.streams[stream] == st {
		delete(s.streams, stream)
	}
	s.mu.Unlock()
	s.resets.Add(1)
	s.log.Debug("stream abandoned", "stream", stream)
}

// writeErr reports write timeouts as context.DeadlineExceeded so the
// presenter treats them as backpressure.
func (s *QUICSender) writeErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// Stats returns the samples and bytes written and the number of streams
// abandoned after a failed write.
func (s *QUICSender) Stats() (samples, bytes, resets int64) {
	return s.samples.Load(), s.bytes.Load(), s.resets.Load()
}

// Close finishes every stream and closes the connection. Records still
// in flight may be lost.
func (s *QUICSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := s.streams
	s.streams = nil
	s.mu.Unlock()

	for _, st := range streams {
		st.Close()
	}
	return s.conn.CloseWithError(codeDone, "done")
}

// Handler receives decoded records. It is called concurrently from one
// goroutine per incoming stream.
type Handler func(Record)

// QUICReceiver accepts sample streams from QUICSenders.
type QUICReceiver struct {
	log    *slog.Logger
	ln     *quic.Listener
	cert   *certs.CertInfo
	handle Handler
	closed atomic.Bool

	conns   atomic.Int64
	records atomic.Int64
}

// ListenQUIC listens on addr presenting cert. Serve must be called to
// accept connections.
func ListenQUIC(addr string, cert *certs.CertInfo, h Handler, log *slog.Logger) (*QUICReceiver, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, cert.ServerTLS(ALPN), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("sink: listen %s: %w", addr, err)
	}
	return &QUICReceiver{
		log:    log.With("component", "quic-receiver", "addr", ln.Addr().String()),
		ln:     ln,
		cert:   cert,
		handle: h,
	}, nil
}

func (r *QUICReceiver) Addr() net.Addr { return r.ln.Addr() }

// Fingerprint is what senders pin, as hex.
func (r *QUICReceiver) Fingerprint() string { return r.cert.FingerprintHex() }

// Serve accepts connections until ctx is cancelled or Close is called,
// then closes them and waits for their handlers to return.
func (r *QUICReceiver) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	r.log.Info("listening", "fingerprint", r.Fingerprint())
	var acceptErr error
	for {
		conn, err := r.ln.Accept(cctx)
		if err != nil {
			if ctx.Err() == nil && !r.closed.Load() {
				acceptErr = err
			}
			break
		}
		r.conns.Add(1)
		g.Go(func() error {
			r.serveConn(cctx, conn)
			return nil
		})
	}
	cancel()
	g.Wait()
	return acceptErr
}

func (r *QUICReceiver) serveConn(ctx context.Context, conn quic.Connection) {
	log := r.log.With("remote", conn.RemoteAddr().String())
	log.Info("sender connected")
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		st, err := conn.AcceptUniStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) && appErr.ErrorCode == codeDone {
				log.Info("sender finished")
			} else if ctx.Err() == nil {
				log.Debug("connection ended", "error", err)
			}
			conn.CloseWithError(codeDone, "")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.serveStream(st); err != nil {
				log.Debug("stream ended", "error", err)
			}
		}()
	}
}

func (r *QUICReceiver) serveStream(st quic.ReceiveStream) error {
	br := bufio.NewReader(st)
	h, err := readHeader(br)
	if err != nil {
		st.CancelRead(codeAbandoned)
		return fmt.Errorf("header: %w", err)
	}
	for {
		rec, err := readRecord(br, h)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			st.CancelRead(codeAbandoned)
			return err
		}
		r.records.Add(1)
		if r.handle != nil {
			r.handle(rec)
		}
	}
}

// Stats returns the number of connections accepted and records decoded.
func (r *QUICReceiver) Stats() (conns, records int64) {
	return r.conns.Load(), r.records.Load()
}

func (r *QUICReceiver) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.ln.Close()
}
