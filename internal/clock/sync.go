package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	k8sclock "k8s.io/utils/clock"

	"github.com/zsiec/reel/internal/media"
)

// Mode selects the preferred master clock.
type Mode int

const (
	AudioMaster Mode = iota
	VideoMaster
	ExternalClock
)

func (m Mode) String() string {
	switch m {
	case AudioMaster:
		return "audio"
	case VideoMaster:
		return "video"
	case ExternalClock:
		return "external"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "audio", "video" or "external".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "audio", "":
		return AudioMaster, nil
	case "video":
		return VideoMaster, nil
	case "external":
		return ExternalClock, nil
	}
	return 0, fmt.Errorf("clock: unknown mode %q", s)
}

// Fallback selects the master when the preferred stream is absent.
type Fallback int

const (
	// FallbackAuto: audio-master without audio uses the external clock;
	// video-master without video uses audio, else external.
	FallbackAuto Fallback = iota
	FallbackExternal
	FallbackAudio
	FallbackVideo
)

func (f Fallback) String() string {
	switch f {
	case FallbackAuto:
		return "auto"
	case FallbackExternal:
		return "external"
	case FallbackAudio:
		return "audio"
	case FallbackVideo:
		return "video"
	}
	return fmt.Sprintf("Fallback(%d)", int(f))
}

// ParseFallback parses "auto", "external", "audio" or "video".
func ParseFallback(s string) (Fallback, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return FallbackAuto, nil
	case "external":
		return FallbackExternal, nil
	case "audio":
		return FallbackAudio, nil
	case "video":
		return FallbackVideo, nil
	}
	return 0, fmt.Errorf("clock: unknown fallback %q", s)
}

// Decision is the outcome of ShouldPresent.
type Decision int

const (
	Present Decision = iota
	DropTooLate
	HoldNotYet
)

func (d Decision) String() string {
	switch d {
	case Present:
		return "present"
	case DropTooLate:
		return "drop"
	case HoldNotYet:
		return "hold"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// External clock speed adjustment for live sources.
const (
	externalSpeedMin  = 0.900
	externalSpeedMax  = 1.010
	externalSpeedStep = 0.001
	minFrames         = 2
	maxFrames         = 10
)

// Config configures a Synchronizer.
type Config struct {
	Mode      Mode
	Fallback  Fallback
	Tolerance time.Duration
}

// Synchronizer owns the audio, video and external clocks. It is safe for
// concurrent use by presenters and the control goroutine.
type Synchronizer struct {
	cfg Config

	mu       sync.Mutex
	audio    *Clock
	video    *Clock
	external *Clock
	master   Mode
	hasAudio bool
	hasVideo bool
	rate     float64
	paused   bool
	serial   uint64
}

// NewSynchronizer returns a Synchronizer reading time from src. All clocks
// start invalid and paused until Reset.
func NewSynchronizer(src k8sclock.PassiveClock, cfg Config) *Synchronizer {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 40 * time.Millisecond
	}
	s := &Synchronizer{
		cfg:      cfg,
		audio:    New(src),
		video:    New(src),
		external: New(src),
		rate:     1,
		paused:   true,
	}
	for _, c := range s.clocks() {
		c.SetPaused(true)
	}
	s.master = s.resolve()
	return s
}

func (s *Synchronizer) clocks() []*Clock {
	return []*Clock{s.audio, s.video, s.external}
}

// SetStreams declares which kinds are present and re-resolves the master.
// It is called at open and again when a stream fails.
func (s *Synchronizer) SetStreams(hasAudio, hasVideo bool) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasAudio, s.hasVideo = hasAudio, hasVideo
	s.master = s.resolve()
	return s.master
}

func (s *Synchronizer) resolve() Mode {
	switch s.cfg.Mode {
	case AudioMaster:
		if s.hasAudio {
			return AudioMaster
		}
	case VideoMaster:
		if s.hasVideo {
			return VideoMaster
		}
	default:
		return ExternalClock
	}
	switch s.cfg.Fallback {
	case FallbackAudio:
		if s.hasAudio {
			return AudioMaster
		}
	case FallbackVideo:
		if s.hasVideo {
			return VideoMaster
		}
	case FallbackAuto:
		if s.cfg.Mode == VideoMaster && s.hasAudio {
			return AudioMaster
		}
	}
	return ExternalClock
}

// Master returns the resolved master clock.
func (s *Synchronizer) Master() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *Synchronizer) Tolerance() time.Duration { return s.cfg.Tolerance }

func (s *Synchronizer) masterClock() *Clock {
	var c *Clock
	switch s.master {
	case AudioMaster:
		c = s.audio
	case VideoMaster:
		c = s.video
	default:
		return s.external
	}
	if !c.Valid() {
		return s.external
	}
	return c
}

func (s *Synchronizer) clockFor(kind media.StreamKind) *Clock {
	switch kind {
	case media.KindAudio:
		return s.audio
	case media.KindVideo:
		return s.video
	}
	return nil
}

func (s *Synchronizer) isMaster(kind media.StreamKind) bool {
	return (kind == media.KindAudio && s.master == AudioMaster) ||
		(kind == media.KindVideo && s.master == VideoMaster)
}

// Now returns the master clock time.
func (s *Synchronizer) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterClock().Get()
}

// AdvanceTo records that a frame of kind at ts was presented. Audio and
// video clocks only move forward within a serial: a frame presented
// behind the clock's running time, within tolerance, leaves it alone.
// The external clock is then slaved to the updated clock.
func (s *Synchronizer) AdvanceTo(kind media.StreamKind, ts time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clockFor(kind)
	if c == nil {
		return
	}
	if c.Valid() && c.Serial() == s.serial && ts < c.Get() {
		return
	}
	c.SetAt(ts, s.serial)
	if s.isMaster(kind) {
		s.external.SyncTo(c)
	}
}

// ShouldPresent decides what a presenter does with a frame of kind at ts.
// The master stream is paced by the external clock, every other stream by
// the master clock. For HoldNotYet the returned wait is wall time, already
// scaled by the playback rate.
func (s *Synchronizer) ShouldPresent(kind media.StreamKind, ts time.Duration) (Decision, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.masterClock()
	if s.isMaster(kind) {
		ref = s.external
	}
	now := ref.Get()
	switch {
	case ts < now-s.cfg.Tolerance:
		return DropTooLate, 0
	case ts-now > s.cfg.Tolerance:
		wait := ts - now
		if s.rate > 0 {
			wait = time.Duration(float64(wait) / s.rate)
		}
		return HoldNotYet, wait
	}
	return Present, 0
}

// AllowsDrop reports whether late frames of kind may be discarded. Only a
// video stream that is not the master qualifies.
func (s *Synchronizer) AllowsDrop(kind media.StreamKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kind == media.KindVideo && s.master != VideoMaster
}

// SetRate changes the playback rate. Zero pauses; a positive rate sets the
// speed of every clock. Resuming after a zero rate is up to the caller.
func (s *Synchronizer) SetRate(r float64) {
	if r == 0 {
		s.Pause()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = r
	for _, c := range s.clocks() {
		c.SetSpeed(r)
	}
}

func (s *Synchronizer) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Pause stops every clock.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	for _, c := range s.clocks() {
		c.SetPaused(true)
	}
}

// Resume restarts every clock from where it was paused.
func (s *Synchronizer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	for _, c := range s.clocks() {
		c.SetPaused(false)
	}
}

func (s *Synchronizer) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Reset sets every clock to base under a new serial. It is called once per
// completed seek and at the start of playback.
func (s *Synchronizer) Reset(base time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial++
	for _, c := range s.clocks() {
		paused := c.Paused()
		c.SetPaused(false)
		c.SetAt(base, s.serial)
		c.speed = s.rate
		c.SetPaused(paused)
	}
	return s.serial
}

func (s *Synchronizer) Serial() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serial
}

// AdjustExternal nudges the external clock speed from the number of
// buffered frames of a live source: below 2 it slows down, above 10 it
// speeds up, otherwise it drifts back towards 1. It only applies when the
// external clock is master at normal rate.
func (s *Synchronizer) AdjustExternal(frames int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master != ExternalClock || s.rate != 1 {
		return s.external.Speed()
	}
	speed := s.external.Speed()
	switch {
	case frames <= minFrames:
		speed = max(externalSpeedMin, speed-externalSpeedStep)
	case frames > maxFrames:
		speed = min(externalSpeedMax, speed+externalSpeedStep)
	case speed != 1:
		if speed < 1 {
			speed = min(1, speed+externalSpeedStep)
		} else {
			speed = max(1, speed-externalSpeedStep)
		}
	}
	s.external.SetSpeed(speed)
	return speed
}
