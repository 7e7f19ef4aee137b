package player

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// Run is the controller loop: it alternates between dispatching host
// commands and driving the video refresh cadence, then tears the session
// down and closes the event channel. It returns when a Quit command
// arrives, playback drains naturally, or ctx is cancelled.
func (p *Player) Run(ctx context.Context) error {
	remaining := 0.0
	for ctx.Err() == nil {
		cmd, ok := p.waitCommand(ctx, remaining)
		if ok {
			if _, isQuit := cmd.(Quit); isQuit {
				break
			}
			p.handleCommand(cmd)
			remaining = 0
			continue
		}
		remaining = refreshRate
		p.refreshCycle(&remaining)
	}

	p.emitFinalTime()
	p.Close()
	p.emit(EndEvent{})
	close(p.events)
	return nil
}

// waitCommand returns the next queued command, sleeping up to remaining
// seconds for one when the refresh loop has time to spare.
func (p *Player) waitCommand(ctx context.Context, remaining float64) (Command, bool) {
	if remaining <= 0 {
		select {
		case c := <-p.cmds:
			return c, true
		default:
			return nil, false
		}
	}
	select {
	case c := <-p.cmds:
		return c, true
	case <-p.wall.After(time.Duration(remaining * float64(time.Second))):
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// refreshCycle runs one presentation tick: external clock speed control,
// video refresh, picture display, subtitle pruning, and the throttled
// clock report.
func (p *Player) refreshCycle(remaining *float64) {
	p.mu.Lock()
	paused := p.paused
	force := p.forceRefresh
	p.mu.Unlock()

	if paused && !force {
		return
	}

	if !paused && p.info.RealTime {
		p.adjustExternalClockSpeed()
	}

	if p.videoSt != nil {
		p.videoRefresh(remaining)
		p.pruneSubtitles()
		p.mu.Lock()
		force = p.forceRefresh
		p.mu.Unlock()
		if force && p.pictq.RindexShown() {
			p.display()
		}
	}
	p.mu.Lock()
	p.forceRefresh = false
	p.mu.Unlock()

	if p.timeRate.Allow() {
		if t := p.masterClock(); !math.IsNaN(t) {
			p.emit(TimeEvent{Seconds: t})
		}
	}
	if p.audioOut != nil {
		if u := p.audioOut.Underruns(); u > p.lastUnderruns {
			p.metrics.AudioUnderruns.Add(float64(u - p.lastUnderruns))
			p.lastUnderruns = u
		}
	}
	p.showStatusLine()
}

// emitFinalTime reports the closing clock position, snapping to the known
// duration when within a second of it.
func (p *Player) emitFinalTime() {
	if p.info.Duration == media.NoPTS || p.info.Duration <= 0 {
		return
	}
	end := p.masterClock()
	dur := float64(p.info.Duration) / media.TimeBase
	if math.IsNaN(end) {
		return
	}
	if math.Abs(end-dur) < 1.0 {
		end = dur
	}
	p.emit(TimeEvent{Seconds: end})
}

func (p *Player) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case Pause:
		p.togglePause()

	case Volume:
		if p.audioOut == nil {
			return
		}
		switch c.Mode {
		case 0:
			p.audioOut.ToggleMute()
		case 1:
			p.audioOut.StepVolumeBy(1)
		case -1:
			p.audioOut.StepVolumeBy(-1)
		default:
			p.audioOut.SetVolume(int(c.Value * 100))
		}

	case NextFrame:
		p.stepToNextFrame()

	case PrevFrame:
		p.stepToPrevFrame()

	case Speed:
		p.changeSpeed(c.Value)

	case Chapter:
		if len(p.info.Chapters) <= 1 {
			// No usable chapter index: degrade to a ten-minute jump.
			incr := 600.0
			if c.Incr < 0 {
				incr = -600.0
			}
			p.relativeSeek(incr)
			return
		}
		p.seekChapter(c.Incr)

	case Seek:
		p.handleSeek(c)
	}
}

// togglePause restores a stored stepping speed, flips pause, and clears
// single-step mode.
func (p *Player) togglePause() {
	p.mu.Lock()
	prev := p.prevSpeed
	p.prevSpeed = 0
	p.mu.Unlock()
	if prev != 0 {
		p.changeSpeed(prev)
	}
	p.streamTogglePause()
	p.mu.Lock()
	p.stepping = false
	p.mu.Unlock()
}

// streamTogglePause is the low-level pause flip: re-anchors the frame
// timer and the clocks so no wall time leaks into pts extrapolation.
func (p *Player) streamTogglePause() {
	p.mu.Lock()
	if p.paused {
		p.frameTimer += p.vidclk.TimePassed()
		if !errors.Is(p.readPauseErr, driver.ErrUnsupported) {
			p.vidclk.SetPaused(false)
		}
		p.vidclk.Refresh()
	}
	p.paused = !p.paused
	paused := p.paused
	p.mu.Unlock()

	p.extclk.Refresh()
	p.audclk.SetPaused(paused)
	p.vidclk.SetPaused(paused)
	p.extclk.SetPaused(paused)

	status := StatusResumed
	if paused {
		status = StatusPaused
	}
	p.emit(StatusEvent{Status: status})
	p.wakeReader()
}

// changeSpeed switches the playback rate, entering or leaving reverse mode
// as the sign changes. The transition is bracketed by a pause so the
// clocks re-anchor consistently.
func (p *Player) changeSpeed(speed float64) {
	if speed <= 0 && p.videoSt == nil {
		// Reverse playback re-orders pictures; without video there is
		// nothing to re-order.
		return
	}

	wasPaused := p.isPaused()
	if !wasPaused {
		p.streamTogglePause()
	}

	prevMaster := p.masterClockRef()
	p.mu.Lock()
	prevRewind := p.rewind
	p.speed = speed
	p.mu.Unlock()

	p.extclk.SetSpeed(speed)
	p.extclk.SyncTo(prevMaster, 0.0)
	sign := 1.0
	if speed < 0 {
		sign = -1.0
	}
	p.audclk.SetSpeed(sign)
	p.vidclk.SetSpeed(sign)

	if speed < 0 {
		p.mu.Lock()
		pending := p.seekReq
		p.mu.Unlock()
		if pending == seekNone {
			vp := p.pictq.Peek()
			if vp.PktPTS != media.NoPTS {
				p.mu.Lock()
				p.rewindTarget = vp.PktPTS
				p.mu.Unlock()
				p.sendSeekRequest(seekRewind, vp.PktPTS, 0)
			}
		}
	} else if prevRewind {
		p.mu.Lock()
		p.rewind = false
		p.rewindBuffer = nil
		p.mu.Unlock()
		// Resume forward playback from the picture being shown.
		vp := p.pictq.Peek()
		if vp.PktPTS != media.NoPTS {
			target := media.Rescale(vp.PktPTS, p.videoTb, microTb)
			p.sendSeekRequest(seekPos, target, 0)
		}
		p.wakeReader()
	}

	if !wasPaused {
		p.streamTogglePause()
	}
}

// stepToNextFrame forces forward speed 1, unpauses and arms single-step so
// the refresh loop re-pauses after one presentation.
func (p *Player) stepToNextFrame() {
	p.mu.Lock()
	speed := p.speed
	if speed != 1.0 && p.prevSpeed == 0 {
		p.prevSpeed = speed
	}
	p.mu.Unlock()
	if speed != 1.0 {
		p.changeSpeed(1.0)
	}
	if p.isPaused() {
		p.streamTogglePause()
	}
	p.mu.Lock()
	p.stepping = true
	p.mu.Unlock()
}

// stepToPrevFrame is the reverse-mode twin of stepToNextFrame.
func (p *Player) stepToPrevFrame() {
	p.mu.Lock()
	speed := p.speed
	if speed != -1.0 && p.prevSpeed == 0 {
		p.prevSpeed = speed
	}
	p.mu.Unlock()
	if speed != -1.0 {
		p.changeSpeed(-1.0)
	}
	if p.isPaused() {
		p.streamTogglePause()
	}
	p.mu.Lock()
	p.stepping = true
	p.mu.Unlock()
}

// sendSeekRequest records a seek for the reader unless one is already
// pending.
func (p *Player) sendSeekRequest(method seekMethod, pos, rel int64) {
	p.mu.Lock()
	if p.seekReq == seekNone {
		p.seekPos = pos
		p.seekRel = rel
		p.seekReq = method
	}
	p.mu.Unlock()
	p.wakeReader()
}

// handleSeek translates the host seek modes into reader requests.
func (p *Player) handleSeek(c Seek) {
	switch c.Mode {
	case SeekModeAbsolute, SeekModeFrame:
		target := c.Value
		if c.Mode == SeekModeFrame {
			target = p.frameIDToPts(int64(c.Value))
		}
		if !p.seekByBytes {
			p.sendSeekRequest(seekPos, int64(target*media.TimeBase), 0)
		}
	case SeekModeRelative:
		p.relativeSeek(c.Value)
	}
}

// relativeSeek steps the position by incr seconds, in bytes when byte
// seeking is active (estimating via the container bitrate or a nominal
// 180 kB/s).
func (p *Player) relativeSeek(incr float64) {
	if p.seekByBytes {
		pos := int64(-1)
		if p.videoSt != nil {
			pos = p.pictq.LastPos()
		}
		if pos < 0 && p.audioSt != nil {
			pos = p.sampq.LastPos()
		}
		if pos < 0 {
			p.mu.Lock()
			pos = p.lastReadPos
			p.mu.Unlock()
		}
		if pos < 0 {
			pos = 0
		}
		if p.info.BitRate > 0 {
			incr *= float64(p.info.BitRate) / 8.0
		} else {
			incr *= 180000.0
		}
		p.sendSeekRequest(seekBytes, pos+int64(incr), int64(incr))
		return
	}

	pos := p.masterClock()
	if math.IsNaN(pos) {
		p.mu.Lock()
		pos = float64(p.seekPos) / media.TimeBase
		p.mu.Unlock()
	}
	pos += incr
	if start := float64(p.info.StartTime) / media.TimeBase; p.info.StartTime != media.NoPTS && pos < start {
		pos = start
	}
	p.sendSeekRequest(seekPos, int64(pos*media.TimeBase), int64(incr*media.TimeBase))
}

// seekChapter steps through the chapter index relative to the chapter
// containing the current master clock position.
func (p *Player) seekChapter(incr int) {
	pos := int64(p.masterClock() * media.TimeBase)
	chapters := p.info.Chapters
	if len(chapters) == 0 {
		return
	}

	current := 0
	for i, ch := range chapters {
		if pos >= ch.Start {
			current = i
		}
	}
	target := current + incr
	if target < 0 {
		target = 0
	}
	if target >= len(chapters) {
		target = len(chapters) - 1
	}
	p.log.Info("seeking to chapter", "chapter", target)
	p.sendSeekRequest(seekPos, chapters[target].Start, 0)
}

// adjustExternalClockSpeed nudges the external clock to track buffer fill
// on live sources: starving queues slow it down, overfull queues speed it
// up, and it relaxes back to unity otherwise.
func (p *Player) adjustExternalClockSpeed() {
	if p.masterSyncType() != clock.SyncExternal {
		return
	}
	p.mu.Lock()
	speed := p.speed
	p.mu.Unlock()
	if speed != 1.0 {
		return
	}

	videoLow := p.videoSt != nil && p.videoq.Count() <= externalClockMinFrames
	audioLow := p.audioSt != nil && p.audioq.Count() <= externalClockMinFrames
	videoHigh := p.videoSt == nil || p.videoq.Count() > externalClockMaxFrames
	audioHigh := p.audioSt == nil || p.audioq.Count() > externalClockMaxFrames

	ext := p.extclk.Speed()
	switch {
	case videoLow || audioLow:
		p.extclk.SetSpeed(math.Max(externalClockSpeedMin, ext-externalClockSpeedStep))
	case videoHigh && audioHigh:
		p.extclk.SetSpeed(math.Min(externalClockSpeedMax, ext+externalClockSpeedStep))
	default:
		if ext != 1.0 {
			p.extclk.SetSpeed(ext + externalClockSpeedStep*(1.0-ext)/math.Abs(1.0-ext))
		}
	}
}

// showStatusLine logs the classic one-line transport status when enabled.
func (p *Player) showStatusLine() {
	if !p.opts.ShowStatus {
		return
	}
	t := p.now()
	if t-p.lastStatusLog < 0.5 {
		return
	}
	p.lastStatusLog = t

	master := p.masterClock()
	avDiff := 0.0
	if p.audioSt != nil && p.videoSt != nil {
		avDiff = p.audclk.Get() - p.vidclk.Get()
	}
	p.log.Info("status",
		"master", master,
		"av_diff", avDiff,
		"fd_early", p.frameDropsEarly,
		"fd_late", p.frameDropsLate,
		"aq_kb", p.audioq.Size()/1024,
		"vq_kb", p.videoq.Size()/1024,
		"sq_b", p.subq.Size())
}
