package media

import (
	"context"
	"log/slog"
	"time"
)

// Container is a demultiplexing provider: an opened source that yields
// compressed packets for the streams it reported when probed.
//
// ReadPacket returns io.EOF when the source is exhausted and an error
// wrapping ErrCorrupt for a damaged packet the caller may skip.
// SeekKeyframe repositions to the nearest keyframe at or before target and
// reports where it landed. Calls are never made concurrently.
type Container interface {
	Info() MediaInfo
	ReadPacket(ctx context.Context) (*Packet, error)
	SeekKeyframe(ctx context.Context, target time.Duration) (time.Duration, error)
	Close() error
}

// SeekIndexer is implemented by containers that keep a keyframe index.
type SeekIndexer interface {
	SeekPoints() []SeekPoint
}

// Codec is a decoding provider bound to one stream.
//
// SendPacket feeds one compressed unit; ReceiveFrame is then called until
// it returns ErrAgain. After Drain, ReceiveFrame hands out every buffered
// frame and then io.EOF. Flush drops buffered state without output.
type Codec interface {
	SendPacket(pkt *Packet) error
	ReceiveFrame() (*Frame, error)
	Drain()
	Flush()
	Close() error
}

// ContainerFactory opens a container for url.
type ContainerFactory func(ctx context.Context, url string, log *slog.Logger) (Container, error)

// CodecFactory creates a codec bound to the described stream.
type CodecFactory func(desc StreamDescriptor, log *slog.Logger) (Codec, error)
