// Package opusdec decodes elementary Opus packets through libopus,
// serving as the audio CodecDecoder for containers that carry Opus tracks
// without FFmpeg in the loop. Decode gaps fall back to packet-loss
// concealment the way real-time receivers do.
package opusdec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gopkg.in/hraban/opus.v2"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// maxFrameSamples is the largest Opus frame (120 ms at 48 kHz).
const maxFrameSamples = 5760

type pending struct {
	payload []byte
	pts     int64
	pos     int64
}

// Decoder implements driver.Decoder for one Opus stream.
type Decoder struct {
	dec      *opus.Decoder
	params   media.AudioParams
	tb       media.Rational
	queue    []pending
	draining bool
	pcm      []int16
}

// New opens a decoder for the stream's negotiated rate and channel count.
// Opus always decodes at 48 kHz family rates; the stream info decides.
func New(stream driver.StreamInfo) (*Decoder, error) {
	rate := stream.Audio.Rate
	if rate == 0 {
		rate = 48000
	}
	channels := stream.Audio.Channels
	if channels == 0 {
		channels = 2
	}
	dec, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("opusdec: %w", err)
	}
	return &Decoder{
		dec: dec,
		params: media.AudioParams{
			Rate:     rate,
			Channels: channels,
			Format:   media.SampleS16,
		},
		tb:  stream.TimeBase,
		pcm: make([]int16, maxFrameSamples*channels),
	}, nil
}

// SendPacket implements driver.Decoder.
func (d *Decoder) SendPacket(pkt media.Packet) error {
	if pkt.Kind == media.PacketNull {
		d.draining = true
		return nil
	}
	d.queue = append(d.queue, pending{payload: pkt.Payload, pts: pkt.PTS, pos: pkt.Pos})
	return nil
}

// ReceiveFrame implements driver.Decoder.
func (d *Decoder) ReceiveFrame() (*media.Frame, error) {
	if len(d.queue) == 0 {
		if d.draining {
			return nil, io.EOF
		}
		return nil, driver.ErrAgain
	}
	pkt := d.queue[0]
	d.queue = d.queue[1:]

	n, err := d.dec.Decode(pkt.payload, d.pcm)
	if err != nil {
		// Concealment: extrapolate from decoder state rather than dropping
		// the timeline sample count.
		if n, err = d.dec.Decode(nil, d.pcm); err != nil {
			return nil, err
		}
	}

	data := make([]byte, n*d.params.FrameSize())
	for i := 0; i < n*d.params.Channels; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(d.pcm[i]))
	}

	pts := math.NaN()
	if pkt.pts != media.NoPTS {
		pts = d.tb.Seconds(pkt.pts)
	}
	return &media.Frame{
		PTS:    pts,
		PktPTS: pkt.pts,
		Pos:    pkt.pos,
		Audio: &media.AudioFrame{
			Params:    d.params,
			NbSamples: n,
			Data:      data,
		},
	}, nil
}

// Flush implements driver.Decoder.
func (d *Decoder) Flush() {
	d.queue = nil
	d.draining = false
}

// Close implements driver.Decoder.
func (d *Decoder) Close() error { return nil }
