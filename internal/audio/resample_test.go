package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevevista/kinema/media"
)

func monoS16(params media.AudioParams, vals ...int16) *media.AudioFrame {
	data := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return &media.AudioFrame{Params: params, NbSamples: len(vals) / params.Channels, Data: data}
}

func TestResampler_Passthrough(t *testing.T) {
	t.Parallel()
	params := media.AudioParams{Rate: 48000, Channels: 1, Format: media.SampleS16}
	r, err := NewResampler(params, params)
	require.NoError(t, err)

	in := monoS16(params, 1, 2, 3, 4)
	out, n, err := r.Convert(in, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, in.Data, out)
}

func TestResampler_Upsample(t *testing.T) {
	t.Parallel()
	src := media.AudioParams{Rate: 24000, Channels: 1, Format: media.SampleS16}
	dst := media.AudioParams{Rate: 48000, Channels: 1, Format: media.SampleS16}
	r, err := NewResampler(src, dst)
	require.NoError(t, err)

	in := monoS16(src, 0, 100, 200, 300)
	_, n, err := r.Convert(in, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "doubling the rate doubles the sample count")
}

func TestResampler_ChannelUpmix(t *testing.T) {
	t.Parallel()
	src := media.AudioParams{Rate: 48000, Channels: 1, Format: media.SampleS16}
	dst := media.AudioParams{Rate: 48000, Channels: 2, Format: media.SampleS16}
	r, err := NewResampler(src, dst)
	require.NoError(t, err)

	out, n, err := r.Convert(monoS16(src, 1000, 2000), nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, out, 8)
	l := int16(binary.LittleEndian.Uint16(out[0:]))
	rch := int16(binary.LittleEndian.Uint16(out[2:]))
	assert.Equal(t, l, rch, "mono duplicates onto both channels")
}

func TestResampler_Compensation(t *testing.T) {
	t.Parallel()
	params := media.AudioParams{Rate: 48000, Channels: 1, Format: media.SampleS16}
	r, err := NewResampler(params, params)
	require.NoError(t, err)

	// Ask for 10 extra samples across a 100-sample window.
	require.NoError(t, r.SetCompensation(10, 100))

	vals := make([]int16, 100)
	_, n, err := r.Convert(monoS16(params, vals...), nil)
	require.NoError(t, err)
	assert.Greater(t, n, 100, "compensation stretches output")
	assert.LessOrEqual(t, n, 111)
}

func TestResampler_RejectsImpossibleCompensation(t *testing.T) {
	t.Parallel()
	params := media.AudioParams{Rate: 48000, Channels: 1, Format: media.SampleS16}
	r, err := NewResampler(params, params)
	require.NoError(t, err)
	assert.Error(t, r.SetCompensation(-200, 100))
}

func TestResampler_FormatMismatch(t *testing.T) {
	t.Parallel()
	src := media.AudioParams{Rate: 48000, Channels: 1, Format: media.SampleS16}
	r, err := NewResampler(src, src)
	require.NoError(t, err)

	other := monoS16(media.AudioParams{Rate: 44100, Channels: 1, Format: media.SampleS16}, 1, 2)
	_, _, err = r.Convert(other, nil)
	assert.Error(t, err)
}
