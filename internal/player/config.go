package player

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/reel/internal/clock"
	"github.com/zsiec/reel/internal/media"
)

// Config tunes one playback session. Zero values are not defaults; start
// from DefaultConfig.
type Config struct {
	VideoFrames    int
	AudioFrames    int
	SubtitleFrames int
	MaxPackets     int
	MaxPacketBytes int

	Tolerance            time.Duration
	MaxConsecutiveErrors int
	MaxCorruptPackets    int

	ClockSource   clock.Mode
	ClockFallback clock.Fallback

	IsolateStreamFailures bool
	AllowFrameDrop        bool
	DisableAudio          bool
	DisableVideo          bool
	DisableSubtitles      bool
	Loop                  bool

	QueueTimeout time.Duration
	SinkTimeout  time.Duration
	CloseTimeout time.Duration
	MaxRate      float64
}

func DefaultConfig() Config {
	return Config{
		VideoFrames:           8,
		AudioFrames:           16,
		SubtitleFrames:        16,
		MaxPackets:            256,
		MaxPacketBytes:        8 << 20,
		Tolerance:             40 * time.Millisecond,
		MaxConsecutiveErrors:  10,
		MaxCorruptPackets:     32,
		ClockSource:           clock.AudioMaster,
		ClockFallback:         clock.FallbackAuto,
		IsolateStreamFailures: true,
		AllowFrameDrop:        true,
		QueueTimeout:          20 * time.Millisecond,
		SinkTimeout:           100 * time.Millisecond,
		CloseTimeout:          2 * time.Second,
		MaxRate:               8,
	}
}

// Validate rejects non-positive capacities, bounds and timeouts.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}
	positive("video frames", c.VideoFrames)
	positive("audio frames", c.AudioFrames)
	positive("subtitle frames", c.SubtitleFrames)
	positive("max packets", c.MaxPackets)
	positive("max packet bytes", c.MaxPacketBytes)
	positive("max consecutive errors", c.MaxConsecutiveErrors)
	positive("max corrupt packets", c.MaxCorruptPackets)
	positiveDur("tolerance", c.Tolerance)
	positiveDur("queue timeout", c.QueueTimeout)
	positiveDur("sink timeout", c.SinkTimeout)
	positiveDur("close timeout", c.CloseTimeout)
	if !(c.MaxRate > 0) {
		errs = append(errs, fmt.Errorf("max rate must be positive, got %v", c.MaxRate))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("player: invalid config: %w", err)
	}
	return nil
}

func (c Config) frameCapacity(kind media.StreamKind) int {
	switch kind {
	case media.KindVideo:
		return c.VideoFrames
	case media.KindAudio:
		return c.AudioFrames
	}
	return c.SubtitleFrames
}

func (c Config) disabled(kind media.StreamKind) bool {
	switch kind {
	case media.KindVideo:
		return c.DisableVideo
	case media.KindAudio:
		return c.DisableAudio
	case media.KindSubtitle:
		return c.DisableSubtitles
	}
	return true
}
