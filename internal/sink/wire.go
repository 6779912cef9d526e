package sink

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/player"
)

// Each unidirectional stream carries the samples of one pipeline stream.
// It starts with a header and continues with records, every field a QUIC
// variable-length integer:
//
//	header: version, stream index, kind, label length, label
//	record: flags, timestamp (zigzag µs), duration (µs), payload length, payload
const wireVersion = 1

// MaxRecordPayload bounds a single record on decode.
const MaxRecordPayload = 64 << 20

const flagDiscontinuity = 1 << 0

var (
	ErrWireVersion  = errors.New("sink: unsupported wire version")
	ErrRecordTooBig = errors.New("sink: record payload too large")
)

// StreamHeader opens every sample stream.
type StreamHeader struct {
	Stream int
	Kind   media.StreamKind
	Label  string
}

// Record is one sample as seen by a receiver.
type Record struct {
	StreamHeader
	Timestamp     time.Duration
	Duration      time.Duration
	Discontinuity bool
	Payload       []byte
}

func zigzag(v int64) uint64   { return uint64(v<<1) ^ uint64(v>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

func appendHeader(b []byte, h StreamHeader) []byte {
	b = quicvarint.Append(b, wireVersion)
	b = quicvarint.Append(b, uint64(h.Stream))
	b = quicvarint.Append(b, uint64(h.Kind))
	b = quicvarint.Append(b, uint64(len(h.Label)))
	return append(b, h.Label...)
}

func appendRecord(b []byte, s player.Sample) []byte {
	var flags uint64
	if s.Discontinuity {
		flags |= flagDiscontinuity
	}
	b = quicvarint.Append(b, flags)
	b = quicvarint.Append(b, zigzag(s.Timestamp.Microseconds()))
	b = quicvarint.Append(b, uint64(max(s.Duration, 0).Microseconds()))
	b = quicvarint.Append(b, uint64(len(s.Payload)))
	return append(b, s.Payload...)
}

// wireReader reads headers and records from a buffered stream.
type wireReader interface {
	io.Reader
	io.ByteReader
}

func readHeader(r wireReader) (StreamHeader, error) {
	var h StreamHeader
	v, err := quicvarint.Read(r)
	if err != nil {
		return h, err
	}
	if v != wireVersion {
		return h, fmt.Errorf("%w: %d", ErrWireVersion, v)
	}
	stream, err := quicvarint.Read(r)
	if err != nil {
		return h, err
	}
	kind, err := quicvarint.Read(r)
	if err != nil {
		return h, err
	}
	n, err := quicvarint.Read(r)
	if err != nil {
		return h, err
	}
	if n > 1024 {
		return h, fmt.Errorf("sink: label of %d bytes", n)
	}
	label := make([]byte, n)
	if _, err := io.ReadFull(r, label); err != nil {
		return h, err
	}
	h.Stream, h.Kind, h.Label = int(stream), media.StreamKind(kind), string(label)
	return h, nil
}

// readRecord returns io.EOF only at a clean record boundary.
func readRecord(r wireReader, h StreamHeader) (Record, error) {
	rec := Record{StreamHeader: h}
	flags, err := quicvarint.Read(r)
	if err != nil {
		return rec, err
	}
	fields := make([]uint64, 3)
	for i := range fields {
		if fields[i], err = quicvarint.Read(r); err != nil {
			return rec, noEOF(err)
		}
	}
	if fields[2] > MaxRecordPayload {
		return rec, fmt.Errorf("%w: %d bytes", ErrRecordTooBig, fields[2])
	}
	rec.Payload = make([]byte, fields[2])
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return rec, noEOF(err)
	}
	rec.Discontinuity = flags&flagDiscontinuity != 0
	rec.Timestamp = time.Duration(unzigzag(fields[0])) * time.Microsecond
	rec.Duration = time.Duration(fields[1]) * time.Microsecond
	return rec, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
