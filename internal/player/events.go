package player

import (
	"fmt"
	"time"
)

// EventKind identifies a player notification.
type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventOpenFailed
	EventPlaybackResumed
	EventPlaybackSuspended
	EventSeekCompleted
	EventSeekFailed
	EventEndReached
	EventStreamFailed
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventOpenFailed:
		return "open-failed"
	case EventPlaybackResumed:
		return "playback-resumed"
	case EventPlaybackSuspended:
		return "playback-suspended"
	case EventSeekCompleted:
		return "seek-completed"
	case EventSeekFailed:
		return "seek-failed"
	case EventEndReached:
		return "end-reached"
	case EventStreamFailed:
		return "stream-failed"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is delivered on the Events channel. Stream is -1 unless the event
// concerns a single stream.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Time     time.Time     `json:"time"`
	Position time.Duration `json:"position"`
	Stream   int           `json:"stream"`
	Err      error         `json:"-"`
}

const eventBuffer = 64
