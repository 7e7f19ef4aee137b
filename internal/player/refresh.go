package player

import (
	"math"

	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/media"
)

// videoRefresh decides whether the next queued picture is due, dropping or
// holding it per the master clock, and leaves the remaining sleep time for
// the controller loop. Mirrors the classic refresh cadence; reverse mode
// has its own presenter.
func (p *Player) videoRefresh(remaining *float64) {
	if p.rewindMode() {
		p.refreshReverse(remaining)
		return
	}

	for {
		if p.pictq.NbRemaining() == 0 {
			return
		}

		lastvp := p.pictq.PeekLast()
		vp := p.pictq.Peek()

		if vp.Serial != p.videoq.Serial() {
			p.pictq.Next()
			continue
		}

		// Discard pictures that precede a just-serviced seek target.
		p.mu.Lock()
		syncPts := p.syncVideoPts
		p.mu.Unlock()
		if syncPts >= 0 {
			if vp.PktPTS != media.NoPTS && vp.PktPTS < syncPts {
				p.pictq.Next()
				continue
			}
			p.mu.Lock()
			p.syncVideoPts = -1
			p.mu.Unlock()
		}

		if lastvp.Serial != vp.Serial {
			p.mu.Lock()
			p.frameTimer = p.now()
			p.mu.Unlock()
		}

		if p.isPaused() {
			return
		}

		lastDuration := p.vpDuration(lastvp, vp)
		delay := p.computeTargetDelay(lastDuration)

		t := p.now()
		p.mu.Lock()
		frameTimer := p.frameTimer
		p.mu.Unlock()
		if t < frameTimer+delay {
			if r := frameTimer + delay - t; r < *remaining {
				*remaining = r
			}
			return
		}

		frameTimer += delay
		if delay > 0 && t-frameTimer > syncThresholdMax {
			frameTimer = t
		}
		p.mu.Lock()
		p.frameTimer = frameTimer
		stepping := p.stepping
		p.mu.Unlock()

		if !math.IsNaN(vp.PTS) {
			p.vidclk.Set(vp.PTS, vp.Serial)
			p.extclk.SyncTo(p.vidclk, clock.NoSyncThreshold)
		}

		if p.pictq.NbRemaining() > 1 && !stepping {
			nextvp := p.pictq.PeekNext()
			duration := p.vpDuration(vp, nextvp)
			if p.framedropEnabled() && t > frameTimer+duration {
				p.frameDropsLate++
				p.metrics.FramesDropped.WithLabelValues("late").Inc()
				p.pictq.Next()
				continue
			}
		}

		p.pictq.Next()
		p.mu.Lock()
		p.forceRefresh = true
		p.mu.Unlock()

		if stepping && !p.isPaused() {
			p.streamTogglePause()
		}
		return
	}
}

// framedropEnabled applies the framedrop tunable: always when positive,
// never when zero, and only while video is not the master when negative.
func (p *Player) framedropEnabled() bool {
	return p.opts.Framedrop > 0 ||
		(p.opts.Framedrop != 0 && p.masterSyncType() != clock.SyncVideo)
}

// vpDuration estimates how long vp stays on screen before nextvp. It is 0
// across serial boundaries and falls back to vp's nominal duration when the
// pts delta is unusable.
func (p *Player) vpDuration(vp, nextvp *media.Frame) float64 {
	if vp.Serial != nextvp.Serial {
		return 0.0
	}
	duration := nextvp.PTS - vp.PTS
	if math.IsNaN(duration) || duration <= 0 || duration > p.maxFrameDuration {
		return vp.Duration
	}
	return duration
}

// computeTargetDelay adjusts the nominal inter-frame delay to follow the
// master clock, skipping or repeating when the video clock diverges past
// the sync threshold.
func (p *Player) computeTargetDelay(delay float64) float64 {
	if p.masterSyncType() == clock.SyncVideo {
		return delay
	}

	diff := p.vidclk.Get() - p.masterClock()
	syncThreshold := delay
	if syncThreshold < syncThresholdMin {
		syncThreshold = syncThresholdMin
	}
	if syncThreshold > syncThresholdMax {
		syncThreshold = syncThresholdMax
	}
	if math.IsNaN(diff) || math.Abs(diff) >= p.maxFrameDuration {
		return delay
	}

	switch {
	case diff <= -syncThreshold:
		delay = math.Max(0, delay+diff)
	case diff >= syncThreshold && delay > framedupThreshold:
		delay = delay + diff
	case diff >= syncThreshold:
		delay = 2 * delay
	}
	return delay
}

// display emits the last shown picture to the host, once, converting RGBA
// sources to planar YUV, and surfaces any due subtitle.
func (p *Player) display() {
	vp := p.pictq.PeekLast()
	if vp.Video == nil || vp.Displayed {
		return
	}

	ev := p.pictureEvent(vp)
	if ev != nil {
		p.emit(*ev)
	}
	vp.Displayed = true

	if p.subSt != nil && p.subpq.NbRemaining() > 0 {
		sp := p.subpq.Peek()
		if vp.PTS >= sp.PTS+sp.Sub.Start {
			if !sp.Displayed {
				p.emit(SubtitleEvent{PTS: sp.PTS, Frame: sp.Sub})
				sp.Displayed = true
			}
		}
	}
}

// pictureEvent converts a queued frame into the host-facing picture event.
func (p *Player) pictureEvent(vp *media.Frame) *PictureEvent {
	v := vp.Video
	ev := &PictureEvent{
		Width:   v.Width,
		Height:  v.Height,
		PTS:     vp.PTS,
		FrameID: p.ptsToFrameID(vp.PTS),
	}
	switch v.Format {
	case media.PixelYUV420:
		ev.Y = Plane{Bytes: v.Planes[0], Stride: v.Strides[0]}
		ev.U = Plane{Bytes: v.Planes[1], Stride: v.Strides[1]}
		ev.V = Plane{Bytes: v.Planes[2], Stride: v.Strides[2]}
	case media.PixelRGBA:
		y, u, vpl := rgbaToYUV420(v.Planes[0], v.Strides[0], v.Width, v.Height)
		ev.Y = Plane{Bytes: y, Stride: v.Width}
		ev.U = Plane{Bytes: u, Stride: (v.Width + 1) / 2}
		ev.V = Plane{Bytes: vpl, Stride: (v.Width + 1) / 2}
	default:
		return nil
	}
	return ev
}

// pruneSubtitles releases queued subtitles whose display window has passed.
func (p *Player) pruneSubtitles() {
	if p.subSt == nil {
		return
	}
	for p.subpq.NbRemaining() > 0 {
		sp := p.subpq.Peek()
		if sp.Serial != p.subq.Serial() ||
			(p.vidclk.Get() > sp.PTS+sp.Sub.End) {
			p.subpq.Next()
			continue
		}
		return
	}
}

func (p *Player) ptsToFrameID(pts float64) int64 {
	fd := p.frameDuration
	if fd == 0 {
		fd = 60.0
	}
	return int64(pts / fd)
}

func (p *Player) frameIDToPts(id int64) float64 {
	fd := p.frameDuration
	if fd == 0 {
		fd = 60.0
	}
	return float64(id) * fd
}
