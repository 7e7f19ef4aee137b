// Package audio implements the pull side of playback: the device callback
// that drains the decoded sample queue, resamples to the negotiated device
// format with drift compensation against the master clock, applies the
// software volume, and advances the audio clock.
package audio

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/internal/queue"
	"github.com/stevevista/kinema/media"
)

const (
	// diffAvgNB is the number of callback-period diff measurements averaged
	// before drift correction engages.
	diffAvgNB = 20
	// correctionPercentMax bounds how far a frame's sample count may be
	// nudged to close clock drift.
	correctionPercentMax = 10
	// minBufferFrames is the smallest device period negotiated.
	minBufferFrames = 512
	// maxCallbacksPerSec sizes the device period: the smallest power of two
	// above rate/maxCallbacksPerSec.
	maxCallbacksPerSec = 30
)

// Config wires an Output into the engine.
type Config struct {
	Log          *slog.Logger
	Wall         clockwork.Clock
	Sink         driver.AudioSink
	NewResampler driver.NewResamplerFunc
	Frames       *queue.FrameQueue
	Packets      *queue.PacketQueue
	Clock        *clock.C // audio clock
	External     *clock.C

	// MasterClock reads the engine's master clock; AudioIsMaster reports
	// whether that master is the audio clock itself.
	MasterClock   func() float64
	AudioIsMaster func() bool
	// Reverse reports reverse-playback mode, during which the callback
	// silences the device.
	Reverse func() bool
	// Paused reports engine pause, during which no frames are consumed.
	Paused func() bool

	Volume int
	Muted  bool
}

// Output owns the device-facing half of the audio stream. All fields past
// the configuration are touched only from the device callback thread,
// except volume and mute which are adjusted from the controller through
// the setters.
type Output struct {
	cfg  Config
	log  *slog.Logger
	spec driver.SinkSpec

	src media.AudioParams
	swr driver.Resampler

	buf      []byte
	bufIndex int

	clockPts    float64
	clockSerial int

	diffCum      float64
	diffAvgCoef  float64
	diffAvgCount int
	diffThresh   float64

	volume atomic.Int32
	muted  atomic.Bool

	underruns int64
}

// Open negotiates the device format starting from wanted and starts the
// pull callback. Negotiation walks the rate ladder {44100, 48000, 96000,
// 192000} downward from the wanted rate and the channel fallback chain, the
// way SDL-era players probe devices.
func Open(cfg Config, wanted media.AudioParams) (*Output, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	o := &Output{
		cfg:         cfg,
		log:         cfg.Log.With("component", "audio"),
		clockPts:    math.NaN(),
		clockSerial: -1,
		diffAvgCoef: math.Exp(math.Log(0.01) / diffAvgNB),
	}
	o.volume.Store(int32(clampVolume(cfg.Volume)))
	o.muted.Store(cfg.Muted)

	nextChannels := []int{0, 0, 1, 6, 2, 6, 4, 6}
	rates := []int{44100, 48000, 96000, 192000}

	params := wanted
	params.Format = media.SampleS16
	if params.Rate <= 0 || params.Channels <= 0 {
		return nil, driver.ErrUnsupported
	}
	rateIdx := len(rates) - 1
	for rateIdx >= 0 && rates[rateIdx] >= params.Rate {
		rateIdx--
	}

	for {
		desired := driver.SinkSpec{Params: params, BufferFrames: bufferFramesFor(params.Rate)}
		// The device may start pulling the moment Open succeeds; publish the
		// requested spec first so early callbacks see sane figures.
		o.spec = desired
		spec, err := o.cfg.Sink.Open(desired, o.callback)
		if err == nil {
			o.spec = spec
			break
		}
		o.log.Warn("audio open failed, reducing", "rate", params.Rate, "channels", params.Channels, "error", err)
		if params.Channels < len(nextChannels) && nextChannels[params.Channels] != 0 {
			params.Channels = nextChannels[params.Channels]
			continue
		}
		params.Channels = wanted.Channels
		if rateIdx < 0 {
			return nil, err
		}
		params.Rate = rates[rateIdx]
		rateIdx--
	}

	o.diffThresh = float64(o.spec.BufferBytes()) / float64(o.spec.Params.BytesPerSec())
	o.log.Info("audio device opened",
		"rate", o.spec.Params.Rate,
		"channels", o.spec.Params.Channels,
		"buffer", o.spec.BufferFrames)
	return o, nil
}

func bufferFramesFor(rate int) int {
	frames := minBufferFrames
	for frames < rate/maxCallbacksPerSec {
		frames <<= 1
	}
	return frames
}

// Spec returns the negotiated device format.
func (o *Output) Spec() driver.SinkSpec {
	return o.spec
}

// Pause stops or resumes the device pulling samples.
func (o *Output) Pause(paused bool) {
	o.cfg.Sink.Pause(paused)
}

// Close shuts the device down.
func (o *Output) Close() error {
	if o.swr != nil {
		o.swr.Close()
	}
	return o.cfg.Sink.Close()
}

// Underruns returns how many callback fills found no decodable frame.
func (o *Output) Underruns() int64 {
	return o.underruns
}

func (o *Output) now() float64 {
	return float64(o.cfg.Wall.Now().UnixNano()) / float64(time.Second)
}

// callback fills out with PCM in the negotiated format. Runs on the device
// thread.
func (o *Output) callback(out []byte) {
	callbackTime := o.now()

	for len(out) > 0 {
		if o.bufIndex >= len(o.buf) {
			if !o.decodeFrame() {
				// Serve one small silent chunk and retry next iteration.
				o.buf = make([]byte, minBufferFrames*o.spec.Params.FrameSize())
				o.underruns++
			}
			o.bufIndex = 0
		}
		n := len(o.buf) - o.bufIndex
		if n > len(out) {
			n = len(out)
		}
		src := o.buf[o.bufIndex : o.bufIndex+n]
		vol := int(o.volume.Load())
		muted := o.muted.Load()
		switch {
		case !muted && vol == MixMaxVolume:
			copy(out[:n], src)
		default:
			for i := range out[:n] {
				out[i] = 0
			}
			if !muted && vol > 0 {
				MixS16(out[:n], src, vol)
			}
		}
		out = out[n:]
		o.bufIndex += n
	}

	// While rewinding the running clock value is stale forward-mode data;
	// touching the audio clock or the external slave would corrupt the
	// master timeline the reverse presenter paces against.
	writeBufRemaining := len(o.buf) - o.bufIndex
	if !math.IsNaN(o.clockPts) && !o.cfg.Reverse() {
		latency := float64(2*o.spec.BufferBytes()+writeBufRemaining) / float64(o.spec.Params.BytesPerSec())
		o.cfg.Clock.SetAt(o.clockPts-latency, o.clockSerial, callbackTime)
		o.cfg.External.SyncTo(o.cfg.Clock, clock.NoSyncThreshold)
	}
}

// decodeFrame pops the next fresh frame from the sample queue, resamples it
// into the internal buffer and advances the running audio clock. It returns
// false when the device should be silenced instead (paused, reverse mode,
// or no frame ready within half a device period).
func (o *Output) decodeFrame() bool {
	if o.cfg.Paused() || o.cfg.Reverse() {
		return false
	}

	// Bounded spin: never stall the device thread longer than half a
	// hardware buffer period waiting for the decoder.
	deadline := time.Duration(o.diffThresh*float64(time.Second)) / 2
	waited := time.Duration(0)
	for o.cfg.Frames.NbRemaining() == 0 {
		if waited >= deadline {
			return false
		}
		time.Sleep(time.Millisecond)
		waited += time.Millisecond
	}

	var af *media.Frame
	for {
		af = o.cfg.Frames.PeekReadable()
		if af == nil {
			return false
		}
		o.cfg.Frames.Next()
		if af.Serial == o.cfg.Packets.Serial() {
			break
		}
	}
	in := af.Audio

	wanted := o.synchronize(in)

	if in.Params != o.src || (wanted != in.NbSamples && o.swr == nil) {
		if o.swr != nil {
			o.swr.Close()
			o.swr = nil
		}
		if in.Params != o.spec.Params || wanted != in.NbSamples {
			swr, err := o.cfg.NewResampler(in.Params, o.spec.Params)
			if err != nil {
				o.log.Warn("resampler unavailable, dropping frame", "error", err)
				return false
			}
			o.swr = swr
		}
		o.src = in.Params
	}

	if o.swr != nil {
		if wanted != in.NbSamples {
			err := o.swr.SetCompensation(
				(wanted-in.NbSamples)*o.spec.Params.Rate/in.Params.Rate,
				wanted*o.spec.Params.Rate/in.Params.Rate)
			if err != nil {
				o.log.Warn("compensation rejected", "error", err)
			}
		}
		buf, _, err := o.swr.Convert(in, o.buf[:0])
		if err != nil {
			o.log.Warn("resample failed, dropping frame", "error", err)
			return false
		}
		o.buf = buf
	} else {
		o.buf = append(o.buf[:0], in.Data...)
	}

	if !math.IsNaN(af.PTS) {
		o.clockPts = af.PTS + float64(in.NbSamples)/float64(in.Params.Rate)
	} else {
		o.clockPts = math.NaN()
	}
	o.clockSerial = af.Serial
	return true
}

// synchronize returns the sample count to present for a frame, nudged by up
// to ±correctionPercentMax% when audio is not the master clock, closing the
// measured drift gradually.
func (o *Output) synchronize(in *media.AudioFrame) int {
	nb := in.NbSamples
	if o.cfg.AudioIsMaster() {
		return nb
	}

	diff := o.cfg.Clock.Get() - o.cfg.MasterClock()
	if math.IsNaN(diff) || math.Abs(diff) >= clock.NoSyncThreshold {
		// Too far gone for gentle correction; restart the estimator.
		o.diffAvgCount = 0
		o.diffCum = 0
		return nb
	}

	o.diffCum = diff + o.diffAvgCoef*o.diffCum
	if o.diffAvgCount < diffAvgNB {
		o.diffAvgCount++
		return nb
	}

	avg := o.diffCum * (1.0 - o.diffAvgCoef)
	if math.Abs(avg) < o.diffThresh {
		return nb
	}

	wanted := nb + int(diff*float64(in.Params.Rate))
	min := nb * (100 - correctionPercentMax) / 100
	max := nb * (100 + correctionPercentMax) / 100
	if wanted < min {
		wanted = min
	} else if wanted > max {
		wanted = max
	}
	return wanted
}

// Volume returns the current software volume in [0, MixMaxVolume].
func (o *Output) Volume() int {
	return int(o.volume.Load())
}

// SetVolume clips and sets the software volume.
func (o *Output) SetVolume(v int) {
	o.volume.Store(int32(clampVolume(v)))
}

// StepVolumeBy applies one logarithmic volume step in the given direction.
func (o *Output) StepVolumeBy(sign int) {
	o.volume.Store(int32(StepVolume(int(o.volume.Load()), sign)))
}

// Muted reports whether output is muted.
func (o *Output) Muted() bool {
	return o.muted.Load()
}

// SetMuted mutes or unmutes output.
func (o *Output) SetMuted(m bool) {
	o.muted.Store(m)
}

// ToggleMute flips the mute flag.
func (o *Output) ToggleMute() {
	o.muted.Store(!o.muted.Load())
}
