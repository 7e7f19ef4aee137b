package player

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// microTb is the container-level timebase used for demuxer seek targets.
var microTb = media.Rational{Num: 1, Den: media.TimeBase}

// readLoop is the demuxer driver: it reconciles pause state, services seek
// requests, keeps the packet queues topped up within their byte and
// duration budgets, and routes every packet by stream index. It exits on
// abort or when playback drains naturally, posting Quit in the latter case.
func (p *Player) readLoop(ctx context.Context) error {
	// Reverse-window cursors: the first video pts seen after the last
	// backward seek, and the pts the window replays up to.
	rewindStart := media.NoPTS
	rewindEnd := media.NoPTS

	// Consecutive read failures; a sustained streak means the pipe is gone
	// rather than a transient hiccup.
	readErrStreak := 0

	for !p.abortRead.Load() && ctx.Err() == nil {
		p.mu.Lock()
		paused := p.paused
		if paused != p.lastPaused {
			p.lastPaused = paused
			if paused {
				p.readPauseErr = p.drv.Demuxer.ReadPause()
			} else {
				p.drv.Demuxer.ReadPlay()
			}
		}
		realtimeWait := paused && p.info.RealTime
		p.mu.Unlock()
		if realtimeWait {
			// Reading a live source while paused would drain its buffers.
			p.waitRead(ctx)
			continue
		}

		p.serviceSeek(ctx, &rewindStart, &rewindEnd)

		p.mu.Lock()
		qa := p.queueAttachments
		p.queueAttachments = false
		p.mu.Unlock()
		if qa {
			p.queueAttachedPictures()
		}

		if p.opts.InfiniteBuffer < 1 &&
			(p.audioq.Size()+p.videoq.Size()+p.subq.Size() > maxQueueSize || p.allStreamsHaveEnough()) {
			p.updateQueueGauges()
			p.waitRead(ctx)
			continue
		}

		if p.playbackDrained() {
			select {
			case p.cmds <- Quit{}:
			case <-ctx.Done():
			}
			return nil
		}

		pkt, err := p.drv.Demuxer.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				p.enterEOF()
			} else {
				p.log.Warn("read error", "error", err)
				readErrStreak++
				if readErrStreak >= maxReadErrStreak {
					p.emit(ErrorEvent{Err: err})
					select {
					case p.cmds <- Quit{}:
					case <-ctx.Done():
					}
					return nil
				}
			}
			p.waitRead(ctx)
			continue
		}
		readErrStreak = 0

		p.mu.Lock()
		p.eof = false
		if pkt.Pos >= 0 {
			p.lastReadPos = pkt.Pos
		}
		p.mu.Unlock()

		p.routePacket(ctx, pkt, &rewindStart, &rewindEnd)
	}
	return nil
}

// waitRead parks the reader for up to 10 ms or until woken by a decoder or
// a command.
func (p *Player) waitRead(ctx context.Context) {
	select {
	case <-p.continueRead:
	case <-p.wall.After(10 * time.Millisecond):
	case <-ctx.Done():
	}
}

// enterEOF queues one null packet into every active stream so the decoders
// drain, exactly once per EOF episode.
func (p *Player) enterEOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eof {
		return
	}
	p.eof = true
	if p.videoSt != nil {
		p.videoq.PutNull(p.videoSt.Index)
	}
	if p.audioSt != nil {
		p.audioq.PutNull(p.audioSt.Index)
	}
	if p.subSt != nil {
		p.subq.PutNull(p.subSt.Index)
	}
	if p.dataSt != nil {
		p.dataq.PutNull(p.dataSt.Index)
	}
}

// allStreamsHaveEnough reports whether every active stream's queue meets
// the prefetch target. Absent and attached-picture streams always do.
func (p *Player) allStreamsHaveEnough() bool {
	audioOK := p.audioSt == nil || p.audioq.HasEnough(p.audioSt.TimeBase)
	videoOK := p.videoSt == nil || p.videoSt.AttachedPic || p.videoq.HasEnough(p.videoSt.TimeBase)
	subOK := p.subSt == nil || p.subq.HasEnough(p.subSt.TimeBase)
	return audioOK && videoOK && subOK
}

func (p *Player) updateQueueGauges() {
	p.metrics.QueueBytes.WithLabelValues("audio").Set(float64(p.audioq.Size()))
	p.metrics.QueueBytes.WithLabelValues("video").Set(float64(p.videoq.Size()))
	p.metrics.QueueBytes.WithLabelValues("subtitle").Set(float64(p.subq.Size()))
}

// playbackDrained reports the natural end condition: not paused, every
// present stream's decoder has drained its current serial, and no frames
// remain queued (including the reverse window buffer in reverse mode).
func (p *Player) playbackDrained() bool {
	p.mu.Lock()
	paused := p.paused
	rewind := p.rewind
	rewindBuffered := len(p.rewindBuffer)
	p.mu.Unlock()
	if paused {
		return false
	}

	audioDone := p.audioSt == nil ||
		(!rewind && p.auddec.Finished() == p.audioq.Serial() && p.sampq.NbRemaining() == 0)
	videoDone := p.videoSt == nil ||
		(!rewind && p.viddec.Finished() == p.videoq.Serial() && p.pictq.NbRemaining() == 0) ||
		(rewind && p.viddec.Finished() == p.videoq.Serial() && p.pictq.NbRemaining() == 0 && rewindBuffered == 0)
	return audioDone && videoDone
}

// queueAttachedPictures queues a cover-art stream's single picture followed
// by a null packet, as done after open and every seek.
func (p *Player) queueAttachedPictures() {
	if p.videoSt == nil || !p.videoSt.AttachedPic {
		return
	}
	for _, st := range p.drv.Demuxer.Streams() {
		if st.Index == p.videoSt.Index && len(st.AttachedPicData) > 0 {
			p.videoq.Put(media.Packet{
				Stream:   st.Index,
				PTS:      0,
				DTS:      0,
				Pos:      -1,
				Payload:  st.AttachedPicData,
				Keyframe: true,
			})
			p.videoq.PutNull(st.Index)
			return
		}
	}
}

// serviceSeek executes at most one pending seek request. POS requests in
// reverse mode are converted to REWIND requests and handled in the same
// pass; BYTES requests in reverse mode are discarded.
func (p *Player) serviceSeek(ctx context.Context, rewindStart, rewindEnd *int64) {
	p.mu.Lock()
	method := p.seekReq
	target := p.seekPos
	rel := p.seekRel
	rewind := p.rewind
	p.mu.Unlock()
	if method == seekNone {
		return
	}

	switch method {
	case seekPos:
		p.mu.Lock()
		p.syncVideoPts = media.Rescale(target, microTb, p.videoTb)
		p.mu.Unlock()
		if rewind {
			conv := media.Rescale(target, microTb, p.videoTb)
			p.mu.Lock()
			p.seekPos = conv
			p.rewindTarget = conv
			p.seekReq = seekRewind
			method = seekRewind
			target = conv
			p.mu.Unlock()
			break
		}
		if err := p.drv.Demuxer.Seek(target, math.MinInt64, math.MaxInt64, 0); err != nil {
			p.log.Warn("seek failed", "target", target, "error", err)
		} else {
			p.newSerial()
			p.extclk.Set(float64(target)/media.TimeBase, 0)
		}
		p.finishFlatSeek(ctx, target, true)
		return

	case seekBytes:
		if rewind {
			p.mu.Lock()
			p.seekReq = seekNone
			p.mu.Unlock()
			return
		}
		min, max := int64(math.MinInt64), int64(math.MaxInt64)
		// The ±2 absorbs rounding of the byte estimate's direction.
		if rel > 0 {
			min = target - rel + 2
		}
		if rel < 0 {
			max = target - rel - 2
		}
		if err := p.drv.Demuxer.Seek(target, min, max, driver.SeekByte); err != nil {
			p.log.Warn("byte seek failed", "target", target, "error", err)
		} else {
			p.newSerial()
			p.extclk.Set(math.NaN(), 0)
		}
		p.finishFlatSeek(ctx, target, false)
		return
	}

	// Reverse-mode seeks.
	p.mu.Lock()
	method = p.seekReq
	target = p.seekPos
	p.mu.Unlock()

	switch method {
	case seekRewind:
		*rewindEnd = target
		pos := media.Rescale(*rewindEnd-1, p.videoTb, microTb)
		if err := p.drv.Demuxer.Seek(pos, math.MinInt64, math.MaxInt64, driver.SeekFrame|driver.SeekBackward); err != nil {
			p.log.Warn("rewind seek failed", "target", pos, "error", err)
		} else {
			p.newSerial()
			p.mu.Lock()
			p.rewind = true
			p.rewindEofPts = media.NoPTS
			p.mu.Unlock()
			p.extclk.Set(float64(pos)/media.TimeBase, 0)
			p.primeRewindWindow(ctx, rewindStart)
		}

	case seekRewindContinue:
		if err := p.drv.Demuxer.Seek(target, math.MinInt64, math.MaxInt64, driver.SeekFrame|driver.SeekBackward); err != nil {
			p.log.Warn("rewind seek failed", "target", target, "error", err)
		} else {
			p.primeRewindWindow(ctx, rewindStart)
		}
	}

	p.mu.Lock()
	p.seekReq = seekNone
	p.queueAttachments = true
	p.eof = false
	p.mu.Unlock()
}

// finishFlatSeek completes a POS or BYTES seek: clears the request, drains
// the demuxer until audio and video are primed at the target (POS only,
// tagging pre-target packets with the helper serial), and converts a
// paused state into a single forward step so one fresh picture presents.
func (p *Player) finishFlatSeek(ctx context.Context, target int64, prime bool) {
	p.mu.Lock()
	p.seekReq = seekNone
	p.queueAttachments = true
	p.eof = false
	paused := p.paused
	p.mu.Unlock()

	if prime {
		aSynced := p.audioSt == nil
		vSynced := p.videoSt == nil
		for !aSynced || !vSynced {
			pkt, err := p.drv.Demuxer.ReadPacket(ctx)
			if err != nil {
				break
			}
			helper := true
			st := p.streamInfoFor(pkt.Stream)
			if st != nil && pkt.TS() != media.NoPTS {
				pos := media.Rescale(pkt.TS(), st.TimeBase, microTb)
				if pos >= target {
					helper = false
					if p.audioSt != nil && pkt.Stream == p.audioSt.Index {
						aSynced = true
					} else if p.videoSt != nil && pkt.Stream == p.videoSt.Index {
						vSynced = true
					}
				}
			}
			p.routePlain(pkt, helper)
		}
	}

	if paused {
		p.streamTogglePause()
		p.mu.Lock()
		p.stepping = true
		p.mu.Unlock()
	}
}

// primeRewindWindow reads forward after a backward seek until the first
// video packet, recording its pts as the new window start.
func (p *Player) primeRewindWindow(ctx context.Context, rewindStart *int64) {
	for {
		pkt, err := p.drv.Demuxer.ReadPacket(ctx)
		if err != nil {
			return
		}
		isVideo := p.videoSt != nil && pkt.Stream == p.videoSt.Index
		pts := pkt.PTS
		p.routePlain(pkt, false)
		if isVideo {
			*rewindStart = pts
			return
		}
	}
}

// newSerial advances every active queue's serial, fencing all packets and
// frames produced before the seek.
func (p *Player) newSerial() {
	if p.audioSt != nil {
		p.audioq.NextSerial()
	}
	if p.videoSt != nil {
		p.videoq.NextSerial()
	}
	if p.subSt != nil {
		p.subq.NextSerial()
	}
	if p.dataSt != nil {
		p.dataq.NextSerial()
	}
	p.metrics.Seeks.Inc()
}

func (p *Player) streamInfoFor(index int) *driver.StreamInfo {
	for _, st := range []*driver.StreamInfo{p.audioSt, p.videoSt, p.subSt, p.dataSt} {
		if st != nil && st.Index == index {
			return st
		}
	}
	return nil
}

// routePlain routes a packet by stream index without the play-range filter
// or reverse-window interception, optionally tagging it with the helper
// serial.
func (p *Player) routePlain(pkt media.Packet, helper bool) {
	switch {
	case p.audioSt != nil && pkt.Stream == p.audioSt.Index:
		p.putPacket(p.audioq, pkt, helper)
	case p.videoSt != nil && pkt.Stream == p.videoSt.Index:
		p.putPacket(p.videoq, pkt, helper)
	case p.subSt != nil && pkt.Stream == p.subSt.Index:
		p.putPacket(p.subq, pkt, helper)
	case p.dataSt != nil && pkt.Stream == p.dataSt.Index:
		p.putPacket(p.dataq, pkt, helper)
	}
}

// inPlayRange applies the user-configured start/duration window to a
// packet timestamp.
func (p *Player) inPlayRange(pkt *media.Packet) bool {
	if p.opts.Duration <= 0 {
		return true
	}
	st := p.streamInfoFor(pkt.Stream)
	ts := pkt.TS()
	if st == nil || ts == media.NoPTS {
		return true
	}
	start := st.StartTime
	if start == media.NoPTS {
		start = 0
	}
	pos := st.TimeBase.Seconds(ts-start) - p.opts.StartTime.Seconds()
	return pos <= p.opts.Duration.Seconds()
}

// routePacket routes one freshly read packet, applying the play range,
// drop-until-keyframe thinning and the reverse-window bookkeeping.
func (p *Player) routePacket(ctx context.Context, pkt media.Packet, rewindStart, rewindEnd *int64) {
	switch {
	case p.audioSt != nil && pkt.Stream == p.audioSt.Index && p.inPlayRange(&pkt):
		p.audioq.Put(pkt)
		p.metrics.PacketsRead.WithLabelValues("audio").Inc()

	case p.videoSt != nil && pkt.Stream == p.videoSt.Index && p.inPlayRange(&pkt) && !p.videoSt.AttachedPic:
		p.metrics.PacketsRead.WithLabelValues("video").Inc()
		p.routeVideo(ctx, pkt, rewindStart, rewindEnd)

	case p.subSt != nil && pkt.Stream == p.subSt.Index && p.inPlayRange(&pkt):
		p.subq.Put(pkt)
		p.metrics.PacketsRead.WithLabelValues("subtitle").Inc()

	case p.dataSt != nil && pkt.Stream == p.dataSt.Index:
		p.dataq.Put(pkt)
		p.metrics.PacketsRead.WithLabelValues("data").Inc()
	}
}

// routeVideo handles the video-specific routing paths: clearing the
// drop-until-keyframe mode, walking the reverse window backward when the
// current window is exhausted, and parking the reader at the container
// start in reverse mode.
func (p *Player) routeVideo(ctx context.Context, pkt media.Packet, rewindStart, rewindEnd *int64) {
	p.mu.Lock()
	if p.dropFrameMode && pkt.Keyframe {
		p.dropFrameMode = false
	}
	dropping := p.dropFrameMode
	rewind := p.rewind
	p.mu.Unlock()

	if rewind && pkt.PTS != media.NoPTS && *rewindEnd != media.NoPTS && pkt.PTS >= *rewindEnd {
		if *rewindStart != media.NoPTS && *rewindStart <= p.rewindFloor() {
			// The window start reached the head of the container: queue the
			// mark and a null packet so the decoder flushes the last window,
			// then park until reverse mode ends.
			p.videoq.Put(pkt)
			p.videoq.PutNull(p.videoSt.Index)
			p.mu.Lock()
			p.rewindEofPts = *rewindStart
			p.mu.Unlock()

			p.drv.Demuxer.ReadPause()
			for p.rewindMode() && !p.abortRead.Load() && ctx.Err() == nil {
				p.waitRead(ctx)
			}
			p.drv.Demuxer.ReadPlay()
			return
		}

		// Slide the window one step earlier and re-seek.
		*rewindEnd = *rewindStart
		p.mu.Lock()
		p.seekPos = media.Rescale(*rewindEnd-1, p.videoTb, microTb)
		p.seekReq = seekRewindContinue
		p.mu.Unlock()
		p.videoq.Put(pkt) // mark: its decode triggers the window flush
		return
	}

	if dropping {
		return
	}
	p.videoq.Put(pkt)
}

// rewindFloor is the earliest video pts reverse playback can reach, in the
// video stream timebase.
func (p *Player) rewindFloor() int64 {
	if p.videoSt != nil && p.videoSt.StartTime != media.NoPTS {
		return p.videoSt.StartTime
	}
	if p.info.StartTime != media.NoPTS {
		return media.Rescale(p.info.StartTime, microTb, p.videoTb)
	}
	return 0
}

func (p *Player) putPacket(q interface {
	Put(media.Packet)
	PutSerial(media.Packet, int)
}, pkt media.Packet, helper bool) {
	if helper {
		q.PutSerial(pkt, media.HelperSerial)
		return
	}
	q.Put(pkt)
}
