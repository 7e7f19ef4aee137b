package clock

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_UnsetReturnsNaN(t *testing.T) {
	t.Parallel()
	c := New(clockwork.NewFakeClock(), nil)
	assert.True(t, math.IsNaN(c.Get()))
}

func TestClock_TracksWallTime(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	var serial atomic.Int64
	c := New(wall, &serial)

	c.Set(10.0, 0)
	require.InDelta(t, 10.0, c.Get(), 1e-9)

	wall.Advance(2 * time.Second)
	assert.InDelta(t, 12.0, c.Get(), 1e-9)
}

func TestClock_StaleSerialReturnsNaN(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	var serial atomic.Int64
	c := New(wall, &serial)

	c.Set(5.0, 0)
	require.False(t, math.IsNaN(c.Get()))

	// A seek bumps the authoritative serial; the old anchor is now void.
	serial.Store(1)
	assert.True(t, math.IsNaN(c.Get()))

	c.Set(7.0, 1)
	assert.InDelta(t, 7.0, c.Get(), 1e-9)
}

func TestClock_PausedFreezesReading(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	c := New(wall, nil)

	c.Set(3.0, 0)
	c.SetPaused(true)
	wall.Advance(5 * time.Second)
	assert.InDelta(t, 3.0, c.Get(), 1e-9)
}

func TestClock_SpeedScalesAdvancement(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	c := New(wall, nil)

	c.Set(0.0, 0)
	c.SetSpeed(2.0)
	wall.Advance(1 * time.Second)
	assert.InDelta(t, 2.0, c.Get(), 1e-9)
}

func TestClock_SetSpeedReanchors(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	c := New(wall, nil)

	c.Set(0.0, 0)
	wall.Advance(1 * time.Second)
	c.SetSpeed(2.0)
	// The reading must be continuous across the speed change.
	assert.InDelta(t, 1.0, c.Get(), 1e-9)
	wall.Advance(1 * time.Second)
	assert.InDelta(t, 3.0, c.Get(), 1e-9)
}

func TestClock_NegativeSpeedRunsBackward(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	c := New(wall, nil)

	c.Set(10.0, 0)
	c.SetSpeed(-1.0)
	wall.Advance(3 * time.Second)
	assert.InDelta(t, 7.0, c.Get(), 1e-9)
}

func TestClock_SyncTo(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()

	t.Run("adopts when local is NaN", func(t *testing.T) {
		c := New(wall, nil)
		slave := New(wall, nil)
		slave.Set(42.0, 3)
		c.SyncTo(slave, NoSyncThreshold)
		assert.InDelta(t, 42.0, c.Get(), 1e-9)
	})

	t.Run("keeps local inside threshold", func(t *testing.T) {
		c := New(wall, nil)
		slave := New(wall, nil)
		c.Set(10.0, 0)
		slave.Set(11.0, 0)
		c.SyncTo(slave, NoSyncThreshold)
		assert.InDelta(t, 10.0, c.Get(), 1e-9)
	})

	t.Run("snaps past threshold", func(t *testing.T) {
		c := New(wall, nil)
		slave := New(wall, nil)
		c.Set(10.0, 0)
		slave.Set(30.0, 0)
		c.SyncTo(slave, NoSyncThreshold)
		assert.InDelta(t, 30.0, c.Get(), 1e-9)
	})

	t.Run("ignores NaN slave", func(t *testing.T) {
		c := New(wall, nil)
		slave := New(wall, nil)
		c.Set(10.0, 0)
		c.SyncTo(slave, NoSyncThreshold)
		assert.InDelta(t, 10.0, c.Get(), 1e-9)
	})

	t.Run("rewinding receiver always adopts", func(t *testing.T) {
		c := New(wall, nil)
		slave := New(wall, nil)
		c.Set(10.0, 0)
		c.SetSpeed(-1.0)
		slave.Set(10.5, 0)
		c.SyncTo(slave, NoSyncThreshold)
		assert.InDelta(t, 10.5, c.Get(), 1e-9)
	})

	t.Run("forward receiver keeps local against a rewinding slave", func(t *testing.T) {
		// Only the receiver's own direction forces adoption; a backward
		// slave within the threshold does not.
		c := New(wall, nil)
		slave := New(wall, nil)
		c.Set(10.0, 0)
		slave.Set(10.5, 0)
		slave.SetSpeed(-1.0)
		c.SyncTo(slave, NoSyncThreshold)
		assert.InDelta(t, 10.0, c.Get(), 1e-9)
	})
}

func TestClock_TimePassed(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	c := New(wall, nil)
	c.Set(0.0, 0)
	c.SetSpeed(2.0)
	wall.Advance(3 * time.Second)
	assert.InDelta(t, 6.0, c.TimePassed(), 1e-9)
}

func TestClock_RefreshKeepsReading(t *testing.T) {
	t.Parallel()
	wall := clockwork.NewFakeClock()
	c := New(wall, nil)
	c.Set(1.0, 0)
	wall.Advance(500 * time.Millisecond)
	c.Refresh()
	assert.InDelta(t, 1.5, c.Get(), 1e-9)
}
