// Package player is the orchestration core of kinema: it owns the reader,
// the per-stream decoders, the clocks and queues between them, the video
// refresh cadence, and the command/event channel exposed to hosts.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stevevista/kinema/internal/audio"
	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/internal/decode"
	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/internal/queue"
	"github.com/stevevista/kinema/internal/telemetry"
	"github.com/stevevista/kinema/media"
)

const (
	// refreshRate is the idle poll period of the controller loop, seconds.
	refreshRate = 0.01
	// maxQueueSize caps the combined byte size of the packet queues.
	maxQueueSize = 15 * 1024 * 1024

	syncThresholdMin  = 0.04
	syncThresholdMax  = 0.1
	framedupThreshold = 0.1

	externalClockMinFrames = 2
	externalClockMaxFrames = 10
	externalClockSpeedMin  = 0.900
	externalClockSpeedMax  = 1.010
	externalClockSpeedStep = 0.001

	videoPictureQueueSize = 3
	subPictureQueueSize   = 16
	sampleQueueSize       = 9

	// timeEventHz bounds the rate of clock updates sent to hosts.
	timeEventHz = 30

	// maxReadErrStreak is how many consecutive demuxer read failures (at
	// the 10 ms retry cadence) are tolerated before the input is declared
	// broken.
	maxReadErrStreak = 100
)

type seekMethod int

const (
	seekNone seekMethod = iota
	seekPos
	seekBytes
	seekRewind
	seekRewindContinue
)

// Driver bundles the external capabilities a Player runs on.
type Driver struct {
	Demuxer      driver.Demuxer
	Decoders     driver.DecoderFactory
	Sink         driver.AudioSink        // nil disables audio output
	NewResampler driver.NewResamplerFunc // nil uses the built-in converter
	AudioFilter  driver.FilterGraph      // optional
}

// simpleFrame is one buffered picture inside the reverse-playback window.
type simpleFrame struct {
	frame    *media.Frame
	serial   int
	pts      float64
	duration float64
}

// Player is one playback session. Create with Open, drive with Post, and
// consume Events until they close after Run returns.
type Player struct {
	log     *slog.Logger
	wall    clockwork.Clock
	opts    Options
	drv     Driver
	metrics *telemetry.Metrics

	info    driver.ContainerInfo
	audioSt *driver.StreamInfo
	videoSt *driver.StreamInfo
	subSt   *driver.StreamInfo
	dataSt  *driver.StreamInfo

	audioq *queue.PacketQueue
	videoq *queue.PacketQueue
	subq   *queue.PacketQueue
	dataq  *queue.PacketQueue

	sampq *queue.FrameQueue
	pictq *queue.FrameQueue
	subpq *queue.FrameQueue

	auddec *decode.Decoder
	viddec *decode.Decoder
	subdec driver.SubtitleDecoder

	audclk *clock.C
	vidclk *clock.C
	extclk *clock.C

	audioOut *audio.Output

	videoTb          media.Rational
	frameDuration    float64 // nominal picture duration from the frame rate
	maxFrameDuration float64
	seekByBytes      bool

	// mu guards the playback-state fields shared between the controller,
	// the reader and the decode workers.
	mu               sync.Mutex
	paused           bool
	lastPaused       bool
	stepping         bool
	speed            float64
	prevSpeed        float64
	rewind           bool
	seekReq          seekMethod
	seekPos          int64
	seekRel          int64
	queueAttachments bool
	eof              bool
	readPauseErr     error
	frameTimer       float64
	forceRefresh     bool
	syncVideoPts     int64
	dropFrameMode    bool
	lastReadPos      int64

	rewindBuffer []simpleFrame
	rewindTarget int64
	rewindEofPts int64

	lastStatusLog float64
	lastUnderruns int64

	abortRead    atomic.Bool
	continueRead chan struct{}

	cmds     chan Command
	events   chan Event
	dropped  atomic.Int64
	timeRate *rate.Limiter

	frameDropsEarly int
	frameDropsLate  int

	g      *errgroup.Group
	cancel context.CancelFunc
	closed sync.Once
}

// Open probes the container through drv, spins up queues, decoders and the
// reader, and returns a Player ready for Run. Failures to open the input or
// any required decoder are fatal; an unavailable audio device only disables
// audio.
func Open(ctx context.Context, drv Driver, opts Options, log *slog.Logger, wall clockwork.Clock, metrics *telemetry.Metrics) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}
	if wall == nil {
		wall = clockwork.NewRealClock()
	}
	if drv.Demuxer == nil || drv.Decoders == nil {
		return nil, fmt.Errorf("player: demuxer and decoder factory are required")
	}
	if drv.NewResampler == nil {
		drv.NewResampler = audio.NewResampler
	}
	if metrics == nil {
		metrics = telemetry.Nop()
	}

	p := &Player{
		wall:         wall,
		opts:         opts,
		drv:          drv,
		metrics:      metrics,
		info:         drv.Demuxer.Info(),
		speed:        1.0,
		syncVideoPts: -1,
		lastReadPos:  -1,
		continueRead: make(chan struct{}, 1),
		cmds:         make(chan Command, 64),
		events:       make(chan Event, 256),
		timeRate:     rate.NewLimiter(timeEventHz, 1),
	}
	p.log = slog.New(&eventHandler{inner: log.Handler(), p: p}).With("component", "player")

	p.audioq = queue.NewPacketQueue()
	p.videoq = queue.NewPacketQueue()
	p.subq = queue.NewPacketQueue()
	p.dataq = queue.NewPacketQueue()

	p.sampq = queue.NewFrameQueue(p.audioq, sampleQueueSize, true)
	p.pictq = queue.NewFrameQueue(p.videoq, videoPictureQueueSize, true)
	p.subpq = queue.NewFrameQueue(p.subq, subPictureQueueSize, false)

	p.audclk = clock.New(wall, p.audioq.SerialRef())
	p.vidclk = clock.New(wall, p.videoq.SerialRef())
	p.extclk = clock.New(wall, nil)

	p.selectStreams()
	if p.audioSt == nil && p.videoSt == nil {
		return nil, fmt.Errorf("player: %s: no playable streams", p.info.URL)
	}

	p.maxFrameDuration = 3600.0
	if p.info.TSDiscont {
		p.maxFrameDuration = 10.0
	}
	p.seekByBytes = opts.SeekByBytes > 0 ||
		(opts.SeekByBytes < 0 && p.info.TSDiscont && p.info.Format != "ogg")

	if err := p.openComponents(); err != nil {
		p.shutdownComponents()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.g, runCtx = errgroup.WithContext(runCtx)

	p.g.Go(func() error { return p.readLoop(runCtx) })
	if p.auddec != nil {
		p.g.Go(func() error { return p.audioWorker(runCtx) })
	}
	if p.viddec != nil {
		p.g.Go(func() error { return p.videoWorker(runCtx) })
	}
	if p.subdec != nil {
		p.g.Go(func() error { return p.subtitleWorker(runCtx) })
	}

	p.emitOpenEvents()
	return p, nil
}

// selectStreams picks at most one stream per kind, honoring the disable
// flags and preferred indices.
func (p *Player) selectStreams() {
	wanted := func(kind media.StreamKind) int {
		if idx, ok := p.opts.WantedStreams[kind]; ok {
			return idx
		}
		return -1
	}
	pick := func(kind media.StreamKind) *driver.StreamInfo {
		want := wanted(kind)
		var first *driver.StreamInfo
		for _, st := range p.drv.Demuxer.Streams() {
			if st.Kind != kind {
				continue
			}
			st := st
			if st.Index == want {
				return &st
			}
			if first == nil {
				first = &st
			}
		}
		return first
	}

	p.videoSt = pick(media.StreamVideo)
	if !p.opts.AudioDisable {
		p.audioSt = pick(media.StreamAudio)
	}
	if !p.opts.SubtitleDisable {
		p.subSt = pick(media.StreamSubtitle)
	}
	if !p.opts.DataDisable {
		p.dataSt = pick(media.StreamData)
	}
}

// openComponents opens decoders and the audio device for the selected
// streams and starts their packet queues.
func (p *Player) openComponents() error {
	decOpts := driver.DecoderOptions{
		Fast:       p.opts.Fast,
		GenPTS:     p.opts.GenPTS,
		Lowres:     p.opts.Lowres,
		Threads:    p.opts.FilterThreads,
		ReorderPTS: p.opts.DecoderReorderPTS,
	}

	if p.videoSt != nil {
		p.videoTb = p.videoSt.TimeBase
		if fr := p.videoSt.FrameRate.Float(); fr > 0 {
			p.frameDuration = 1.0 / fr
		}
		opts := decOpts
		opts.CodecName = p.opts.VideoCodecName
		dec, err := p.drv.Decoders.OpenDecoder(*p.videoSt, opts)
		if err != nil {
			p.log.Warn("video decoder unavailable, disabling video", "error", err)
			p.videoSt = nil
		} else {
			p.videoq.Start()
			p.viddec = decode.New(media.StreamVideo, dec, p.videoq, p.wakeReader, p.log)
		}
	}

	if p.audioSt != nil {
		p.openAudio(decOpts)
	}

	if p.subSt != nil {
		opts := decOpts
		opts.CodecName = p.opts.SubtitleCodecName
		dec, err := p.drv.Decoders.OpenSubtitleDecoder(*p.subSt, opts)
		if err != nil {
			p.log.Warn("subtitle decoder unavailable, disabling subtitles", "error", err)
			p.subSt = nil
		} else {
			p.subq.Start()
			p.subdec = dec
		}
	}

	if p.dataSt != nil {
		p.dataq.Start()
	}

	if p.audioSt == nil && p.videoSt == nil {
		return fmt.Errorf("player: %s: no decodable streams", p.info.URL)
	}
	return nil
}

// openAudio brings up the audio chain: device first, then the decoder.
// Either failing disables the audio stream and playback continues
// video-only.
func (p *Player) openAudio(decOpts driver.DecoderOptions) {
	if p.drv.Sink == nil {
		p.log.Info("no audio sink configured, disabling audio")
		p.audioSt = nil
		return
	}

	out, err := audio.Open(audio.Config{
		Log:           p.log,
		Wall:          p.wall,
		Sink:          p.drv.Sink,
		NewResampler:  p.drv.NewResampler,
		Frames:        p.sampq,
		Packets:       p.audioq,
		Clock:         p.audclk,
		External:      p.extclk,
		MasterClock:   p.masterClock,
		AudioIsMaster: func() bool { return p.masterSyncType() == clock.SyncAudio },
		Reverse:       p.rewindMode,
		Paused:        p.isPaused,
		Volume:        p.opts.Volume,
		Muted:         p.opts.Muted,
	}, p.audioSt.Audio)
	if err != nil {
		p.log.Warn("audio device unavailable, disabling audio", "error", err)
		p.audioSt = nil
		return
	}

	opts := decOpts
	opts.CodecName = p.opts.AudioCodecName
	dec, err := p.drv.Decoders.OpenDecoder(*p.audioSt, opts)
	if err != nil {
		p.log.Warn("audio decoder unavailable, disabling audio", "error", err)
		out.Close()
		p.audioSt = nil
		return
	}
	p.audioq.Start()
	p.auddec = decode.New(media.StreamAudio, dec, p.audioq, p.wakeReader, p.log)
	p.audioOut = out
	p.audioOut.Pause(false)
}

// emitOpenEvents sends the once-per-open meta, statics and start events.
func (p *Player) emitOpenEvents() {
	meta := MetaEvent{
		StartTime: media.Rational{Num: 1, Den: media.TimeBase}.Seconds(p.info.StartTime),
		Duration:  media.Rational{Num: 1, Den: media.TimeBase}.Seconds(p.info.Duration),
		Info:      p.info.Info,
	}
	if math.IsNaN(meta.StartTime) {
		meta.StartTime = 0
	}
	if math.IsNaN(meta.Duration) {
		meta.Duration = 0
	}
	if p.videoSt != nil {
		meta.Width = p.videoSt.Width
		meta.Height = p.videoSt.Height
	}
	p.emit(meta)

	if p.videoSt != nil {
		tbn := 0.0
		if p.videoSt.TimeBase.Num > 0 {
			tbn = float64(p.videoSt.TimeBase.Den) / float64(p.videoSt.TimeBase.Num)
		}
		fps := p.videoSt.FrameRate.Float()
		p.emit(StaticsEvent{FPS: fps, TBR: fps, TBN: tbn, TBC: fps})
	}
	p.emit(StatusEvent{Status: StatusStart})
}

// Events returns the output event channel. It closes after Run returns.
func (p *Player) Events() <-chan Event {
	return p.events
}

// Post enqueues a host command for the controller loop.
func (p *Player) Post(cmd Command) {
	select {
	case p.cmds <- cmd:
	default:
		p.dropped.Add(1)
		p.log.Warn("command dropped, queue full")
	}
}

// DroppedEvents reports how many events and posted commands were discarded
// because their channel was full.
func (p *Player) DroppedEvents() int64 {
	return p.dropped.Load()
}

func (p *Player) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

func (p *Player) now() float64 {
	return float64(p.wall.Now().UnixNano()) / float64(time.Second)
}

func (p *Player) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Player) rewindMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rewind
}

// wakeReader nudges the reader out of its buffering wait.
func (p *Player) wakeReader() {
	select {
	case p.continueRead <- struct{}{}:
	default:
	}
}

// masterSyncType resolves the active sync master: any non-unity speed
// forces the external clock, otherwise the preference degrades to a clock
// whose stream exists.
func (p *Player) masterSyncType() clock.SyncType {
	p.mu.Lock()
	speed := p.speed
	p.mu.Unlock()
	if speed != 1.0 {
		return clock.SyncExternal
	}
	switch p.opts.SyncType {
	case clock.SyncVideo:
		if p.videoSt != nil {
			return clock.SyncVideo
		}
		return clock.SyncAudio
	case clock.SyncAudio:
		if p.audioSt != nil {
			return clock.SyncAudio
		}
		return clock.SyncExternal
	default:
		return clock.SyncExternal
	}
}

func (p *Player) masterClockRef() *clock.C {
	switch p.masterSyncType() {
	case clock.SyncVideo:
		return p.vidclk
	case clock.SyncAudio:
		return p.audclk
	default:
		return p.extclk
	}
}

// masterClock reads the active master clock.
func (p *Player) masterClock() float64 {
	return p.masterClockRef().Get()
}

// shutdownComponents is the single teardown path: abort queues, stop the
// reader and workers, then free codecs and the demuxer, in that order.
func (p *Player) shutdownComponents() {
	p.abortRead.Store(true)
	p.wakeReader()

	p.audioq.Abort()
	p.videoq.Abort()
	p.subq.Abort()
	p.dataq.Abort()
	p.sampq.Wake()
	p.pictq.Wake()
	p.subpq.Wake()

	if p.cancel != nil {
		p.cancel()
	}
	if p.g != nil {
		if err := p.g.Wait(); err != nil && err != context.Canceled {
			p.log.Debug("worker exit", "error", err)
		}
	}

	if p.audioOut != nil {
		p.audioOut.Close()
	}
	if p.auddec != nil {
		p.auddec.Close()
	}
	if p.viddec != nil {
		p.viddec.Close()
	}
	if p.subdec != nil {
		p.subdec.Close()
	}
	p.drv.Demuxer.Close()
}

// Close tears the session down. It is safe to call more than once and
// after Run has returned.
func (p *Player) Close() {
	p.closed.Do(p.shutdownComponents)
}
