package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/internal/queue"
	"github.com/stevevista/kinema/media"
)

// fakeSink records the pull callback so tests can drive the device thread
// by hand. It can reject a number of opens to exercise the format ladder.
type fakeSink struct {
	pull     func([]byte)
	opened   []driver.SinkSpec
	failures int
	paused   bool
}

func (s *fakeSink) Open(desired driver.SinkSpec, pull func([]byte)) (driver.SinkSpec, error) {
	s.opened = append(s.opened, desired)
	if s.failures > 0 {
		s.failures--
		return driver.SinkSpec{}, errors.New("device busy")
	}
	s.pull = pull
	return desired, nil
}

func (s *fakeSink) Pause(paused bool) { s.paused = paused }
func (s *fakeSink) Close() error      { return nil }

type outputFixture struct {
	sink   *fakeSink
	out    *Output
	pq     *queue.PacketQueue
	fq     *queue.FrameQueue
	wall   clockwork.Clock
	master float64
	isM    bool
	rev    bool
	paused bool
}

func newOutputFixture(t *testing.T, wanted media.AudioParams) *outputFixture {
	t.Helper()
	fx := &outputFixture{
		sink: &fakeSink{},
		wall: clockwork.NewRealClock(),
		isM:  true,
	}
	fx.pq = queue.NewPacketQueue()
	fx.pq.Start()
	fx.pq.Get()
	fx.fq = queue.NewFrameQueue(fx.pq, 9, true)

	audclk := clock.New(fx.wall, fx.pq.SerialRef())
	extclk := clock.New(fx.wall, nil)

	out, err := Open(Config{
		Wall:          fx.wall,
		Sink:          fx.sink,
		NewResampler:  NewResampler,
		Frames:        fx.fq,
		Packets:       fx.pq,
		Clock:         audclk,
		External:      extclk,
		MasterClock:   func() float64 { return fx.master },
		AudioIsMaster: func() bool { return fx.isM },
		Reverse:       func() bool { return fx.rev },
		Paused:        func() bool { return fx.paused },
		Volume:        MixMaxVolume,
	}, wanted)
	require.NoError(t, err)
	fx.out = out
	return fx
}

func (fx *outputFixture) pushTone(pts float64, samples int, val int16) {
	params := fx.out.Spec().Params
	data := make([]byte, samples*params.FrameSize())
	for i := 0; i < samples*params.Channels; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	slot := fx.fq.PeekWritable()
	*slot = media.Frame{
		Serial: fx.pq.Serial(),
		PTS:    pts,
		Audio: &media.AudioFrame{
			Params:    params,
			NbSamples: samples,
			Data:      data,
		},
	}
	fx.fq.Push()
}

func TestOutput_NegotiationLadder(t *testing.T) {
	t.Parallel()
	fx := &outputFixture{sink: &fakeSink{failures: 2}, wall: clockwork.NewRealClock()}
	fx.pq = queue.NewPacketQueue()
	fx.pq.Start()
	fx.fq = queue.NewFrameQueue(fx.pq, 9, true)

	out, err := Open(Config{
		Wall:          fx.wall,
		Sink:          fx.sink,
		NewResampler:  NewResampler,
		Frames:        fx.fq,
		Packets:       fx.pq,
		Clock:         clock.New(fx.wall, fx.pq.SerialRef()),
		External:      clock.New(fx.wall, nil),
		MasterClock:   func() float64 { return 0 },
		AudioIsMaster: func() bool { return true },
		Reverse:       func() bool { return false },
		Paused:        func() bool { return false },
	}, media.AudioParams{Rate: 48000, Channels: 2, Format: media.SampleS16})
	require.NoError(t, err)
	assert.Len(t, fx.sink.opened, 3, "two rejections walk the ladder")
	assert.Equal(t, media.SampleS16, out.Spec().Params.Format)
}

func TestOutput_BufferFramesSizing(t *testing.T) {
	t.Parallel()
	// Smallest power of two above rate/30, floored at 512.
	assert.Equal(t, 2048, bufferFramesFor(48000))
	assert.Equal(t, 512, bufferFramesFor(8000))
	assert.Equal(t, 8192, bufferFramesFor(192000))
}

func TestOutput_CallbackCopiesPCM(t *testing.T) {
	t.Parallel()
	fx := newOutputFixture(t, media.AudioParams{Rate: 8000, Channels: 1, Format: media.SampleS16})
	fx.pushTone(1.0, 512, 1000)

	buf := make([]byte, 64)
	fx.sink.pull(buf)

	assert.Equal(t, int16(1000), int16(binary.LittleEndian.Uint16(buf)))
	assert.Zero(t, fx.fq.NbRemaining(), "frame consumed")

	reading := fx.out.cfg.Clock.Get()
	require.False(t, math.IsNaN(reading), "audio clock anchored after callback")
	assert.Less(t, reading, 1.1)
}

func TestOutput_MutedServesSilence(t *testing.T) {
	t.Parallel()
	fx := newOutputFixture(t, media.AudioParams{Rate: 8000, Channels: 1, Format: media.SampleS16})
	fx.out.SetMuted(true)
	fx.pushTone(0, 512, 1000)

	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xAA
	}
	fx.sink.pull(buf)
	for _, b := range buf {
		require.Zero(t, b, "muted output must be silent")
	}
}

func TestOutput_SkipsStaleFrames(t *testing.T) {
	t.Parallel()
	fx := newOutputFixture(t, media.AudioParams{Rate: 8000, Channels: 1, Format: media.SampleS16})

	// A frame from a previous generation, then a fresh one.
	slot := fx.fq.PeekWritable()
	*slot = media.Frame{
		Serial: fx.pq.Serial() - 1,
		PTS:    0,
		Audio: &media.AudioFrame{
			Params:    fx.out.Spec().Params,
			NbSamples: 512,
			Data:      make([]byte, 512*2),
		},
	}
	fx.fq.Push()
	fx.pushTone(2.0, 512, 7)

	buf := make([]byte, 32)
	fx.sink.pull(buf)
	assert.Equal(t, int16(7), int16(binary.LittleEndian.Uint16(buf)), "stale frame skipped")
}

func TestOutput_ReverseSilencesAndFreezesClock(t *testing.T) {
	t.Parallel()
	fx := newOutputFixture(t, media.AudioParams{Rate: 8000, Channels: 1, Format: media.SampleS16})

	// One forward fill anchors the audio clock.
	fx.pushTone(1.0, 512, 1000)
	buf := make([]byte, 64)
	fx.sink.pull(buf)
	require.False(t, math.IsNaN(fx.out.cfg.Clock.Get()))
	anchoredAt := fx.out.cfg.Clock.LastUpdated()

	// In reverse mode the callback serves silence and must leave both the
	// audio clock and the external slave untouched, even though the running
	// clock value still holds its last forward reading.
	fx.rev = true
	fx.pushTone(2.0, 512, 1000)
	extBefore := fx.out.cfg.External.LastUpdated()

	// Drain the leftover forward PCM first; it keeps serving regardless of
	// direction, exactly like the reference callback's byte buffer.
	leftover := make([]byte, 1024-len(buf))
	fx.sink.pull(leftover)

	for i := range buf {
		buf[i] = 0x55
	}
	fx.sink.pull(buf)
	for _, b := range buf {
		require.Zero(t, b, "reverse playback silences the device")
	}
	assert.Equal(t, anchoredAt, fx.out.cfg.Clock.LastUpdated(), "audio clock not re-anchored in reverse")
	assert.Equal(t, extBefore, fx.out.cfg.External.LastUpdated(), "external clock not slaved in reverse")
	assert.Equal(t, 1, fx.fq.NbRemaining(), "no frames consumed in reverse")
}

func TestOutput_PausedServesSilence(t *testing.T) {
	t.Parallel()
	fx := newOutputFixture(t, media.AudioParams{Rate: 8000, Channels: 1, Format: media.SampleS16})
	fx.paused = true
	fx.pushTone(1.0, 512, 1000)

	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0x55
	}
	fx.sink.pull(buf)
	for _, b := range buf {
		require.Zero(t, b, "paused playback silences the device")
	}
	assert.Equal(t, 1, fx.fq.NbRemaining(), "no frames consumed while paused")
}

func TestOutput_SynchronizeBounds(t *testing.T) {
	t.Parallel()
	fx := newOutputFixture(t, media.AudioParams{Rate: 8000, Channels: 1, Format: media.SampleS16})
	fx.isM = false

	fx.out.cfg.Clock.Set(10.0, fx.pq.Serial())
	in := &media.AudioFrame{
		Params:    fx.out.Spec().Params,
		NbSamples: 1000,
	}

	t.Run("audio ahead clamps to +10%", func(t *testing.T) {
		fx.master = 9.0 // audio is a second ahead
		var wanted int
		for i := 0; i <= diffAvgNB+1; i++ {
			wanted = fx.out.synchronize(in)
		}
		assert.Equal(t, 1100, wanted)
	})

	t.Run("audio behind clamps to -10%", func(t *testing.T) {
		fx.master = 11.0
		var wanted int
		for i := 0; i <= diffAvgNB+1; i++ {
			wanted = fx.out.synchronize(in)
		}
		assert.Equal(t, 900, wanted)
	})

	t.Run("audio master never adjusts", func(t *testing.T) {
		fx.isM = true
		assert.Equal(t, 1000, fx.out.synchronize(in))
		fx.isM = false
	})

	t.Run("huge drift resets the estimator", func(t *testing.T) {
		fx.master = 100.0
		assert.Equal(t, 1000, fx.out.synchronize(in))
		assert.Zero(t, fx.out.diffAvgCount)
	})
}
