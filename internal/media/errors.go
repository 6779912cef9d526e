package media

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by providers and pipeline stages. Callers match
// them with errors.Is through the typed wrappers below.
var (
	ErrCorrupt           = errors.New("media: corrupt data")
	ErrAgain             = errors.New("media: more input required")
	ErrEndOfStream       = errors.New("media: end of stream")
	ErrNotSeekable       = errors.New("media: source is not seekable")
	ErrOutOfRange        = errors.New("media: seek target out of range")
	ErrUnsupportedCodec  = errors.New("media: unsupported codec")
	ErrUnsupportedFormat = errors.New("media: unsupported format")
)

// OpenError reports a source that could not be opened or probed.
type OpenError struct {
	URL string
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("media: open %s: %v", e.URL, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// DemuxError reports an I/O or container-level failure at a byte offset.
type DemuxError struct {
	Offset int64
	Err    error
}

func (e *DemuxError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("media: demux: %v", e.Err)
	}
	return fmt.Sprintf("media: demux at offset %d: %v", e.Offset, e.Err)
}

func (e *DemuxError) Unwrap() error {
	return e.Err
}

// DecodeError reports a codec failure on a single packet. Consecutive is
// the length of the current failure run on the stream.
type DecodeError struct {
	Stream      int
	Kind        StreamKind
	Consecutive int
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("media: decode %s stream %d (%d consecutive): %v",
		e.Kind, e.Stream, e.Consecutive, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SeekError reports a rejected or failed seek.
type SeekError struct {
	Target time.Duration
	Err    error
}

func (e *SeekError) Error() string {
	return fmt.Sprintf("media: seek to %v: %v", e.Target, e.Err)
}

func (e *SeekError) Unwrap() error {
	return e.Err
}

// FatalError is an unrecoverable failure. Stream is -1 when the failure is
// not tied to a single stream.
type FatalError struct {
	Component string
	Stream    int
	Err       error
}

func (e *FatalError) Error() string {
	if e.Stream < 0 {
		return fmt.Sprintf("media: fatal %s error: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("media: fatal %s error on stream %d: %v", e.Component, e.Stream, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
