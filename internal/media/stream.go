package media

import (
	"fmt"
	"time"
)

// StreamKind classifies an elementary stream.
type StreamKind int

const (
	KindUnknown StreamKind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

func (k StreamKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseStreamKind maps a kind name back to its StreamKind.
func ParseStreamKind(s string) (StreamKind, error) {
	switch s {
	case "video":
		return KindVideo, nil
	case "audio":
		return KindAudio, nil
	case "subtitle":
		return KindSubtitle, nil
	}
	return KindUnknown, fmt.Errorf("media: unknown stream kind %q", s)
}

// CodecID identifies the codec a stream is encoded with. Decoder selection
// happens once per stream, keyed on this value.
type CodecID int

const (
	CodecUnknown CodecID = iota
	CodecH264
	CodecH265
	CodecAAC
	CodecCEA608
	CodecRawVideo
	CodecPCM
)

func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAAC:
		return "aac"
	case CodecCEA608:
		return "cea608"
	case CodecRawVideo:
		return "rawvideo"
	case CodecPCM:
		return "pcm_s16le"
	default:
		return "unknown"
	}
}

func (c CodecID) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Kind reports the stream kind a codec produces.
func (c CodecID) Kind() StreamKind {
	switch c {
	case CodecH264, CodecH265, CodecRawVideo:
		return KindVideo
	case CodecAAC, CodecPCM:
		return KindAudio
	case CodecCEA608:
		return KindSubtitle
	default:
		return KindUnknown
	}
}

// Rational is a presentation-time unit, Num/Den seconds per tick.
type Rational struct {
	Num int64
	Den int64
}

// Common timebases.
var (
	TimeBase90k = Rational{Num: 1, Den: 90000}
	TimeBaseNS  = Rational{Num: 1, Den: int64(time.Second)}
)

// Valid reports whether r can be used to convert timestamps.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Duration converts a tick count to a time.Duration. The multiplication is
// split to keep 90 kHz timestamps of long programs from overflowing.
func (r Rational) Duration(ticks int64) time.Duration {
	if !r.Valid() {
		return 0
	}
	sec := ticks / r.Den
	rem := ticks % r.Den
	return time.Duration(sec*r.Num)*time.Second +
		time.Duration(rem*r.Num*int64(time.Second)/r.Den)
}

// Ticks converts a time.Duration to the nearest lower tick count.
func (r Rational) Ticks(d time.Duration) int64 {
	if !r.Valid() {
		return 0
	}
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return sec*r.Den/r.Num + rem*r.Den/(r.Num*int64(time.Second))
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

func (r Rational) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// StreamDescriptor describes one elementary stream discovered while probing
// a container. It does not change after discovery.
type StreamDescriptor struct {
	Index    int        `json:"index"`
	Kind     StreamKind `json:"kind"`
	Codec    CodecID    `json:"codec"`
	TimeBase Rational   `json:"time_base"`

	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frame_rate,omitempty"`

	SampleRate int `json:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty"`
	// CodecConfig is out-of-band decoder setup: the AudioSpecificConfig
	// for AAC.
	CodecConfig []byte `json:"codec_config,omitempty"`

	// ReorderDepth is the number of access units a decoder must hold
	// back to restore presentation order (non-zero with B-frames).
	ReorderDepth int    `json:"reorder_depth,omitempty"`
	Language     string `json:"language,omitempty"`
	PID          uint16 `json:"pid,omitempty"`
}

// SeekPoint is one entry of a container's keyframe index.
type SeekPoint struct {
	Time   time.Duration `json:"time"`
	Offset int64         `json:"offset"`
}

// MediaInfo summarizes an opened source.
type MediaInfo struct {
	URL      string             `json:"url"`
	Format   string             `json:"format"`
	Duration time.Duration      `json:"duration"`
	Seekable bool               `json:"seekable"`
	Live     bool               `json:"live"`
	Streams  []StreamDescriptor `json:"streams"`
}

// Stream returns the descriptor for index.
func (mi MediaInfo) Stream(index int) (StreamDescriptor, bool) {
	for _, s := range mi.Streams {
		if s.Index == index {
			return s, true
		}
	}
	return StreamDescriptor{}, false
}

// FirstOfKind returns the lowest-index stream of kind k.
func (mi MediaInfo) FirstOfKind(k StreamKind) (StreamDescriptor, bool) {
	for _, s := range mi.Streams {
		if s.Kind == k {
			return s, true
		}
	}
	return StreamDescriptor{}, false
}
