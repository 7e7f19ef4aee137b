package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// linearResampler converts PCM to the signed-16 interleaved target format
// with linear interpolation, remixing channels by averaging down. Going up,
// a mono source is replicated to every channel; other upmixes copy each
// source channel to the same target channel and leave the extra target
// channels silent. Compensation stretches or squeezes the read step so a
// requested sample delta is spread across a correction window, the same
// job a dedicated resampler's compensation call performs.
type linearResampler struct {
	src media.AudioParams
	dst media.AudioParams

	pos float64 // fractional read position within the current frame

	compRemaining int
	compRatio     float64
}

// NewResampler allocates a converter from src to dst. Only signed-16
// interleaved output is supported, matching the device format the sink
// negotiates.
func NewResampler(src, dst media.AudioParams) (driver.Resampler, error) {
	if dst.Format != media.SampleS16 {
		return nil, fmt.Errorf("audio: unsupported target format %v", dst.Format)
	}
	if src.Rate <= 0 || dst.Rate <= 0 || src.Channels <= 0 || dst.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid resample params %+v -> %+v", src, dst)
	}
	return &linearResampler{src: src, dst: dst, compRatio: 1.0}, nil
}

func (r *linearResampler) SetCompensation(delta, distance int) error {
	if distance <= 0 {
		r.compRemaining = 0
		r.compRatio = 1.0
		return nil
	}
	if delta <= -distance {
		return fmt.Errorf("audio: compensation %d exceeds window %d", delta, distance)
	}
	r.compRemaining = distance
	// delta extra output samples over distance outputs: shrink the input
	// step so the same input yields distance+delta outputs.
	r.compRatio = float64(distance) / float64(distance+delta)
	return nil
}

// sampleAt reads input sample i of channel ch as a float in [-1, 1).
func (r *linearResampler) sampleAt(in *media.AudioFrame, i, ch int) float64 {
	n := in.Params.Channels
	idx := i*n + ch
	switch in.Params.Format {
	case media.SampleS16:
		v := int16(binary.LittleEndian.Uint16(in.Data[idx*2:]))
		return float64(v) / 32768.0
	case media.SampleF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(in.Data[idx*4:])))
	}
	return 0
}

// mixChannel maps a source sample vector onto destination channel ch.
func mixChannel(src []float64, dstCh, dstChannels int) float64 {
	if len(src) == dstChannels {
		return src[dstCh]
	}
	if len(src) == 1 {
		return src[0]
	}
	if dstChannels == 1 {
		var sum float64
		for _, v := range src {
			sum += v
		}
		return sum / float64(len(src))
	}
	// Fold extra channels pairwise onto the front channels.
	var sum float64
	var n int
	for i := dstCh; i < len(src); i += dstChannels {
		sum += src[i]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (r *linearResampler) Convert(in *media.AudioFrame, dst []byte) ([]byte, int, error) {
	if in.Params.Rate != r.src.Rate || in.Params.Channels != r.src.Channels || in.Params.Format != r.src.Format {
		return dst, 0, fmt.Errorf("audio: frame params %+v do not match resampler source %+v", in.Params, r.src)
	}

	step := float64(r.src.Rate) / float64(r.dst.Rate)
	srcCh := r.src.Channels
	cur := make([]float64, srcCh)
	next := make([]float64, srcCh)
	vec := make([]float64, srcCh)

	var produced int
	for {
		effStep := step
		if r.compRemaining > 0 {
			effStep = step * r.compRatio
		}

		i := int(r.pos)
		if i >= in.NbSamples {
			r.pos -= float64(in.NbSamples)
			break
		}
		frac := r.pos - float64(i)
		for ch := 0; ch < srcCh; ch++ {
			cur[ch] = r.sampleAt(in, i, ch)
			if i+1 < in.NbSamples {
				next[ch] = r.sampleAt(in, i+1, ch)
			} else {
				next[ch] = cur[ch] // no lookahead across frames; hold
			}
		}
		for c := 0; c < srcCh; c++ {
			vec[c] = cur[c] + (next[c]-cur[c])*frac
		}

		for ch := 0; ch < r.dst.Channels; ch++ {
			v := mixChannel(vec, ch, r.dst.Channels)
			s := int(math.Round(v * 32767.0))
			if s > 32767 {
				s = 32767
			} else if s < -32768 {
				s = -32768
			}
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(s)))
		}
		produced++
		r.pos += effStep
		if r.compRemaining > 0 {
			r.compRemaining--
		}
	}
	return dst, produced, nil
}

func (r *linearResampler) Close() error {
	return nil
}
