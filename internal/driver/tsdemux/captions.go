package tsdemux

import (
	"github.com/zsiec/ccx"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// captionDisplaySeconds is how long a caption line stays on screen when
// the stream gives no explicit clear.
const captionDisplaySeconds = 4.0

// captionDecoder implements driver.SubtitleDecoder over the ccx CEA-608
// channel decoders. Packets carry (channel, cc1, cc2) triples produced by
// the demuxer's SEI scan.
type captionDecoder struct {
	channels map[int]*ccx.CEA608Decoder
}

func newCaptionDecoder() *captionDecoder {
	return &captionDecoder{
		channels: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
}

// DecodeSubtitle implements driver.SubtitleDecoder. A packet yields a
// frame when any channel's decoder completes a caption line.
func (d *captionDecoder) DecodeSubtitle(pkt media.Packet) (*media.SubtitleFrame, error) {
	var rects []media.SubtitleRect
	for i := 0; i+2 < len(pkt.Payload); i += 3 {
		channel := int(pkt.Payload[i])
		dec := d.channels[channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(pkt.Payload[i+1], pkt.Payload[i+2])
		if text == "" {
			continue
		}
		rects = append(rects, media.SubtitleRect{
			Kind: media.SubtitleText,
			Text: text,
		})
	}
	if len(rects) == 0 {
		return nil, nil
	}
	return &media.SubtitleFrame{
		Rects: rects,
		Start: 0,
		End:   captionDisplaySeconds,
	}, nil
}

// Flush implements driver.SubtitleDecoder by resetting channel state.
func (d *captionDecoder) Flush() {
	for ch := range d.channels {
		d.channels[ch] = ccx.NewCEA608Decoder()
	}
}

// Close implements driver.SubtitleDecoder.
func (d *captionDecoder) Close() error { return nil }
