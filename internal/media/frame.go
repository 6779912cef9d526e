// Package media defines the core types that flow through the reel playback
// pipeline, from container demuxing through presentation: stream
// descriptors, compressed packets, decoded frames, and the provider
// interfaces that container and codec implementations satisfy.
package media

import "time"

// NoPTS marks a packet timestamp the container could not supply.
const NoPTS int64 = -1 << 63

// Packet is one compressed unit read from a container. PTS, DTS and
// Duration are expressed in the owning stream's TimeBase.
type Packet struct {
	Stream   int
	PTS      int64
	DTS      int64
	Duration int64
	Keyframe bool
	Data     []byte
	Offset   int64 // byte position of the packet in the source, -1 if unknown
}

// Size reports the payload size used for queue accounting.
func (p *Packet) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

// Frame is a decoded unit: a video picture, a block of audio samples, or a
// caption cue. Timestamps are normalized to the stream's start.
type Frame struct {
	Stream   int
	Kind     StreamKind
	PTS      time.Duration
	Duration time.Duration
	Keyframe bool
	// Payload is codec defined: an Annex-B access unit for H.264/H.265,
	// the raw AAC access unit, pixels or PCM for the raw codec, caption text.
	Payload []byte

	// Video.
	Width  int
	Height int

	// Audio.
	SampleRate int
	Channels   int
	Samples    int

	// Subtitle.
	Text    string
	Channel int

	// Discontinuity is set on the first frame handed out after the owning
	// queue was cleared (a seek boundary).
	Discontinuity bool
	Serial        uint64
}

// End returns the timestamp just past the frame.
func (f *Frame) End() time.Duration {
	return f.PTS + f.Duration
}
