// Package clock keeps the playback clocks and decides when decoded frames
// are presented.
//
// A Clock extrapolates from its last update using a drift anchor and a
// speed, so it keeps running between frames. The Synchronizer owns the
// audio, video and external clocks, picks one of them as master and
// answers present/drop/hold questions for each presenter.
package clock

import (
	"time"

	k8sclock "k8s.io/utils/clock"
)

// NoSyncThreshold is the divergence beyond which SyncTo snaps a clock to
// another instead of leaving it alone.
const NoSyncThreshold = 10 * time.Second

// Clock is a media clock. It is not safe for concurrent use; the
// Synchronizer serializes access.
type Clock struct {
	src k8sclock.PassiveClock

	pts         time.Duration
	drift       time.Duration
	lastUpdated time.Time
	speed       float64
	paused      bool
	serial      uint64
	valid       bool
}

// New returns a stopped, invalid clock with speed 1 reading time from src.
func New(src k8sclock.PassiveClock) *Clock {
	if src == nil {
		src = k8sclock.RealClock{}
	}
	return &Clock{src: src, speed: 1}
}

// Get returns the current clock time. A paused or never-set clock reports
// the last set time; a running one advances at speed from its last update.
func (c *Clock) Get() time.Duration {
	if c.paused || !c.valid {
		return c.pts
	}
	now := c.src.Now()
	elapsed := now.Sub(c.lastUpdated)
	// drift + now - (now - lastUpdated) * (1 - speed), with now and
	// lastUpdated measured from lastUpdated.
	return c.drift + elapsed - time.Duration(float64(elapsed)*(1-c.speed))
}

// Set anchors the clock at pts as of now.
func (c *Clock) Set(pts time.Duration) {
	c.SetAt(pts, c.serial)
}

// SetAt anchors the clock at pts and tags it with serial.
func (c *Clock) SetAt(pts time.Duration, serial uint64) {
	c.pts = pts
	c.lastUpdated = c.src.Now()
	c.drift = pts
	c.serial = serial
	c.valid = true
}

// SetSpeed re-anchors at the current time and changes the rate of advance.
func (c *Clock) SetSpeed(speed float64) {
	if c.valid {
		c.Set(c.Get())
	}
	c.speed = speed
}

func (c *Clock) Speed() float64 { return c.speed }

// SetPaused freezes or resumes the clock without losing its position.
func (c *Clock) SetPaused(paused bool) {
	if paused == c.paused {
		return
	}
	if paused {
		c.pts = c.Get()
		c.paused = true
		return
	}
	c.paused = false
	if c.valid {
		c.SetAt(c.pts, c.serial)
	}
}

func (c *Clock) Paused() bool { return c.paused }

// SyncTo adopts other's time when this clock is invalid or has drifted
// from it by more than NoSyncThreshold.
func (c *Clock) SyncTo(other *Clock) {
	if !other.valid {
		return
	}
	t := other.Get()
	d := c.Get() - t
	if !c.valid || d > NoSyncThreshold || d < -NoSyncThreshold {
		c.SetAt(t, other.serial)
	}
}

func (c *Clock) Serial() uint64 { return c.serial }

// Valid reports whether the clock has been set since creation.
func (c *Clock) Valid() bool { return c.valid }
