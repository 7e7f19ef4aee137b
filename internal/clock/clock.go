// Package clock implements the rate-scaled playback clocks that drive
// audio/video synchronization. A clock is anchored to a pts at a wall-clock
// instant and extrapolates from there at its current speed; a serial recorded
// at anchor time fences off readings that predate a seek.
package clock

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// NoSyncThreshold is the drift, in seconds, beyond which a clock abandons
// smooth correction and snaps to its sync slave.
const NoSyncThreshold = 10.0

// SyncType selects which timeline drives presentation decisions.
type SyncType int

// Available master-clock choices.
const (
	SyncAudio SyncType = iota
	SyncVideo
	SyncExternal
)

func (t SyncType) String() string {
	switch t {
	case SyncAudio:
		return "audio"
	case SyncVideo:
		return "video"
	}
	return "external"
}

// C is a playback clock. Readings are NaN until the first Set and whenever
// the recorded serial no longer matches the authoritative queue serial.
type C struct {
	wall clockwork.Clock

	mu          sync.Mutex
	pts         float64
	ptsDrift    float64
	lastUpdated float64
	speed       float64
	paused      bool
	serial      int

	// queueSerial points at the owning packet queue's serial; readings with
	// a stale serial return NaN. A clock with no queue (the external clock)
	// points at its own counter.
	queueSerial *atomic.Int64
	selfSerial  atomic.Int64
}

// New creates a clock validated against queueSerial. Pass nil for a clock
// that is its own serial authority. The wall source must not be nil.
func New(wall clockwork.Clock, queueSerial *atomic.Int64) *C {
	c := &C{wall: wall, speed: 1.0}
	if queueSerial == nil {
		queueSerial = &c.selfSerial
		c.selfSerial.Store(-1)
	}
	c.queueSerial = queueSerial
	c.serial = -1
	c.setAt(math.NaN(), -1, c.now())
	return c
}

func (c *C) now() float64 {
	return float64(c.wall.Now().UnixNano()) / float64(time.Second)
}

// Get returns the clock's current reading in seconds. It returns NaN when
// the recorded serial is stale, and the frozen pts while paused.
func (c *C) Get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked()
}

func (c *C) getLocked() float64 {
	if int64(c.serial) != c.queueSerial.Load() {
		return math.NaN()
	}
	if c.paused {
		return c.pts
	}
	t := c.now()
	return c.ptsDrift + t - (t-c.lastUpdated)*(1.0-c.speed)
}

// Set anchors the clock to pts now.
func (c *C) Set(pts float64, serial int) {
	c.SetAt(pts, serial, c.now())
}

// SetAt anchors the clock to pts as of the wall time at (seconds).
func (c *C) SetAt(pts float64, serial int, at float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAt(pts, serial, at)
}

func (c *C) setAt(pts float64, serial int, at float64) {
	c.pts = pts
	c.lastUpdated = at
	c.ptsDrift = pts - at
	c.serial = serial
	if c.queueSerial == &c.selfSerial {
		c.selfSerial.Store(int64(serial))
	}
}

// Refresh re-anchors the clock at its current reading, dropping accumulated
// drift terms. Used when pause state or speed changes.
func (c *C) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAt(c.getLocked(), c.serial, c.now())
}

// SetSpeed changes the rate multiplier, re-anchoring so the reading is
// continuous across the change.
func (c *C) SetSpeed(speed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAt(c.getLocked(), c.serial, c.now())
	c.speed = speed
}

// Speed returns the current rate multiplier.
func (c *C) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetPaused freezes or resumes the clock's advancement.
func (c *C) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// Paused reports whether the clock is frozen.
func (c *C) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Serial returns the serial recorded at the last anchor.
func (c *C) Serial() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}

// TimePassed returns the wall-clock delta since the last anchor, scaled by
// the clock's speed.
func (c *C) TimePassed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.now() - c.lastUpdated) * c.speed
}

// LastUpdated returns the wall time, in seconds, of the last anchor.
func (c *C) LastUpdated() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdated
}

// SyncTo adopts the slave's reading when the local reading is stale, this
// clock runs backwards, or the two diverge by more than threshold seconds.
func (c *C) SyncTo(slave *C, threshold float64) {
	local := c.Get()
	remote := slave.Get()
	if math.IsNaN(remote) {
		return
	}
	if math.IsNaN(local) || c.Speed() < 0 || math.Abs(local-remote) > threshold {
		c.Set(remote, slave.Serial())
	}
}
