package audio

import (
	"encoding/binary"
	"math"
)

// MixMaxVolume is the full-scale software volume.
const MixMaxVolume = 128

// VolumeStepDB is the gain change of one volume step.
const VolumeStepDB = 0.75

// StepVolume moves volume one step up (+1) or down (-1) on a logarithmic
// scale, nudging by one unit when the rounded step would not move it, and
// clips to [0, MixMaxVolume].
func StepVolume(volume, sign int) int {
	level := -1000.0
	if volume > 0 {
		level = 20 * math.Log10(float64(volume)/MixMaxVolume)
	}
	next := int(math.Round(MixMaxVolume * math.Pow(10, (level+float64(sign)*VolumeStepDB)/20)))
	if next == volume {
		next = volume + sign
	}
	return clampVolume(next)
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > MixMaxVolume {
		return MixMaxVolume
	}
	return v
}

// MixS16 adds src scaled by volume/MixMaxVolume into dst, both signed-16
// little-endian PCM, clamping at full scale.
func MixS16(dst, src []byte, volume int) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i+1 < n; i += 2 {
		d := int(int16(binary.LittleEndian.Uint16(dst[i:])))
		s := int(int16(binary.LittleEndian.Uint16(src[i:])))
		v := d + s*volume/MixMaxVolume
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(v)))
	}
}
