package player

import (
	"math"

	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/media"
)

// onVideoFrameReversed intercepts decoded pictures while playing backwards.
// Frames before the window target accumulate in the buffer; the first frame
// at or past the target flushes the buffer into the picture queue in
// reverse order and slides the target to the window's first frame.
func (p *Player) onVideoFrameReversed(f *media.Frame, serial int) {
	if serial != p.videoq.Serial() {
		return
	}

	p.mu.Lock()
	if f.PktPTS != media.NoPTS && f.PktPTS < p.rewindTarget {
		p.rewindBuffer = append(p.rewindBuffer, simpleFrame{
			frame:    f,
			serial:   serial,
			pts:      f.PTS,
			duration: p.frameDuration,
		})
		p.mu.Unlock()
		return
	}

	if len(p.rewindBuffer) > 0 {
		p.rewindTarget = p.rewindBuffer[0].frame.PktPTS
	} else {
		p.rewindTarget = 0
	}
	buffered := p.rewindBuffer
	p.rewindBuffer = nil
	p.mu.Unlock()

	for i := len(buffered) - 1; i >= 0; i-- {
		sv := buffered[i]
		slot := p.pictq.PeekWritable()
		if slot == nil {
			return
		}
		*slot = *sv.frame
		slot.Serial = sv.serial
		slot.PTS = sv.pts
		slot.Duration = sv.duration
		slot.Displayed = false
		p.pictq.Push()
	}
}

// refreshReverse presents pictures while playing backwards. Pacing mirrors
// the forward presenter with the duration computed from the reversed pts
// order; presenting the last window's start pts, which the reader records
// once a window reaches the head of the container, terminates reverse mode
// and snaps back to forward speed 1.
func (p *Player) refreshReverse(remaining *float64) {
	for {
		if !p.rewindMode() {
			return
		}
		if p.pictq.NbRemaining() == 0 {
			return
		}

		lastvp := p.pictq.PeekLast()
		vp := p.pictq.Peek()

		if vp.Serial != p.videoq.Serial() {
			p.pictq.Next()
			continue
		}

		if lastvp.Serial != vp.Serial {
			p.mu.Lock()
			p.frameTimer = p.now()
			p.mu.Unlock()
		}

		if p.isPaused() {
			return
		}

		delay := p.computeTargetDelayReversed(lastvp, vp)
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
		rewindEof := p.rewindEofPts
		stepping := p.stepping
		p.mu.Unlock()

		if !math.IsNaN(vp.PTS) {
			p.vidclk.Set(vp.PTS, vp.Serial)
			p.extclk.SyncTo(p.vidclk, clock.NoSyncThreshold)
		}

		pktPTS := vp.PktPTS
		p.pictq.Next()
		p.mu.Lock()
		p.forceRefresh = true
		p.mu.Unlock()

		if rewindEof != media.NoPTS && pktPTS != media.NoPTS && rewindEof >= pktPTS && !p.isPaused() {
			// The window start crossed the head of the container.
			p.streamTogglePause()
			p.changeSpeed(1.0)
			p.emit(StatusEvent{Status: StatusRewindEnd})
		} else if stepping && !p.isPaused() {
			p.streamTogglePause()
		}
		return
	}
}

// computeTargetDelayReversed follows the master clock the way the forward
// path does, over the reversed inter-frame duration.
func (p *Player) computeTargetDelayReversed(lastvp, vp *media.Frame) float64 {
	delay := p.vpDurationReversed(lastvp, vp)

	diff := p.masterClock() - p.vidclk.Get()

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

// vpDurationReversed is vpDuration with the subtraction reversed: while
// rewinding, the frame being shown has the larger pts.
func (p *Player) vpDurationReversed(vp, nextvp *media.Frame) float64 {
	if vp.Serial != nextvp.Serial {
		return 0.0
	}
	duration := vp.PTS - nextvp.PTS
	if math.IsNaN(duration) || duration <= 0 || duration > p.maxFrameDuration {
		return vp.Duration
	}
	return duration
}
