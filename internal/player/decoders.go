package player

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/internal/queue"
	"github.com/stevevista/kinema/media"
)

// audioWorker decodes audio packets into the sample queue, optionally
// through the audio filter graph.
func (p *Player) audioWorker(ctx context.Context) error {
	var filterParams media.AudioParams
	filterConfigured := false

	push := func(f *media.Frame) bool {
		slot := p.sampq.PeekWritable()
		if slot == nil {
			return false
		}
		*slot = *f
		if f.Audio != nil && f.Audio.Params.Rate > 0 {
			slot.Duration = float64(f.Audio.NbSamples) / float64(f.Audio.Params.Rate)
		}
		p.sampq.Push()
		p.metrics.FramesDecoded.WithLabelValues("audio").Inc()
		return true
	}

	for ctx.Err() == nil {
		f, serial, err := p.auddec.Frame()
		if err != nil {
			if errors.Is(err, queue.ErrAborted) {
				return nil
			}
			p.log.Warn("audio decode error", "error", err)
			return nil
		}
		if f == nil || serial == media.HelperSerial || f.Audio == nil {
			continue
		}

		graph := p.drv.AudioFilter
		if graph == nil {
			if !push(f) {
				return nil
			}
			continue
		}

		if !filterConfigured || f.Audio.Params != filterParams {
			target := f.Audio.Params
			if p.audioOut != nil {
				target = p.audioOut.Spec().Params
			}
			if err := graph.Configure(p.opts.AudioFilters, f.Audio.Params, target, p.opts.FilterThreads); err != nil {
				p.log.Warn("audio filter configure failed, bypassing", "error", err)
				graph = nil
				if !push(f) {
					return nil
				}
				continue
			}
			filterParams = f.Audio.Params
			filterConfigured = true
		}

		if err := graph.Push(f); err != nil {
			p.log.Warn("audio filter push failed", "error", err)
			continue
		}
		for {
			out, err := graph.Pull()
			if err != nil {
				if !errors.Is(err, driver.ErrAgain) && !errors.Is(err, io.EOF) {
					p.log.Warn("audio filter pull failed", "error", err)
				}
				break
			}
			out.Serial = serial
			if !push(out) {
				return nil
			}
		}
	}
	return nil
}

// videoWorker decodes video packets, applies the early frame-drop policy,
// and queues pictures, handing them to the reverse engine instead when
// playing backwards.
func (p *Player) videoWorker(ctx context.Context) error {
	for ctx.Err() == nil {
		f, serial, err := p.viddec.Frame()
		if err != nil {
			if errors.Is(err, queue.ErrAborted) {
				return nil
			}
			p.log.Warn("video decode error", "error", err)
			return nil
		}
		if f == nil || serial == media.HelperSerial || f.Video == nil {
			continue
		}

		if p.rewindMode() {
			p.onVideoFrameReversed(f, serial)
			continue
		}

		if p.dropEarly(f, serial) {
			continue
		}
		if !p.queuePicture(f, serial) {
			return nil
		}
	}
	return nil
}

// dropEarly implements decoder-side frame dropping: when video is not the
// master and a decoded frame is already behind the master clock, it is
// cheaper to drop it here than to queue it for a late drop.
func (p *Player) dropEarly(f *media.Frame, serial int) bool {
	if p.opts.Framedrop == 0 ||
		(p.opts.Framedrop < 0 && p.masterSyncType() == clock.SyncVideo) {
		return false
	}
	if math.IsNaN(f.PTS) {
		return false
	}
	diff := f.PTS - p.masterClock()
	if math.IsNaN(diff) || math.Abs(diff) >= clock.NoSyncThreshold ||
		diff >= 0 || serial != p.vidclk.Serial() || p.videoq.Count() == 0 {
		return false
	}
	p.frameDropsEarly++
	p.metrics.FramesDropped.WithLabelValues("early").Inc()
	p.mu.Lock()
	if p.speed > 1.0 || p.speed < -1.0 {
		// Decoder cannot keep up at this rate: thin the packet queue until
		// the next keyframe.
		p.dropFrameMode = true
	}
	p.mu.Unlock()
	return true
}

// queuePicture commits a decoded picture to the presentation ring.
func (p *Player) queuePicture(f *media.Frame, serial int) bool {
	slot := p.pictq.PeekWritable()
	if slot == nil {
		return false
	}
	*slot = *f
	slot.Serial = serial
	slot.Duration = p.frameDuration
	slot.Displayed = false
	p.pictq.Push()
	p.metrics.FramesDecoded.WithLabelValues("video").Inc()
	return true
}

// subtitleWorker runs the single-shot subtitle decode path.
func (p *Player) subtitleWorker(ctx context.Context) error {
	for ctx.Err() == nil {
		pkt, serial, err := p.subq.Get()
		if err != nil {
			return nil
		}
		switch pkt.Kind {
		case media.PacketFlush:
			p.subdec.Flush()
			continue
		case media.PacketNull:
			continue
		}
		if serial != p.subq.Serial() && serial != media.HelperSerial {
			continue
		}

		sub, err := p.subdec.DecodeSubtitle(pkt)
		if err != nil {
			p.log.Warn("subtitle decode error", "error", err)
			continue
		}
		if sub == nil || serial == media.HelperSerial {
			continue
		}

		slot := p.subpq.PeekWritable()
		if slot == nil {
			return nil
		}
		*slot = media.Frame{
			Serial: serial,
			PTS:    p.subSt.TimeBase.Seconds(pkt.PTS),
			Pos:    pkt.Pos,
			PktPTS: pkt.PTS,
			Sub:    sub,
		}
		p.subpq.Push()
		p.metrics.FramesDecoded.WithLabelValues("subtitle").Inc()
	}
	return nil
}
