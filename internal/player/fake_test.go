package player

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// fakeSource synthesizes an interleaved audio/video timeline the way the
// FFmpeg-backed adapter does: packets carry their eagerly decoded frame in
// Opaque and a pass-through decoder replays them.
type fakeSource struct {
	mu       sync.Mutex
	fps      int
	rate     int
	samples  int // samples per audio packet
	duration float64
	chapters []driver.Chapter

	vpos int64 // next video pts, microseconds
	apos int64
	pos  int64 // synthetic byte position
}

func newFakeSource(fps, rate int, duration float64) *fakeSource {
	return &fakeSource{
		fps:      fps,
		rate:     rate,
		samples:  rate / fps,
		duration: duration,
	}
}

func (s *fakeSource) frameStep() int64 { return int64(media.TimeBase) / int64(s.fps) }

func (s *fakeSource) Info() driver.ContainerInfo {
	return driver.ContainerInfo{
		URL:       "fake://clip",
		Format:    "fake",
		StartTime: 0,
		Duration:  int64(s.duration * media.TimeBase),
		Seekable:  true,
		Chapters:  s.chapters,
	}
}

func (s *fakeSource) Streams() []driver.StreamInfo {
	streams := []driver.StreamInfo{{
		Index:     0,
		Kind:      media.StreamVideo,
		TimeBase:  media.Rational{Num: 1, Den: media.TimeBase},
		FrameRate: media.Rational{Num: s.fps, Den: 1},
		Width:     16,
		Height:    16,
		StartTime: 0,
	}}
	if s.rate > 0 {
		streams = append(streams, driver.StreamInfo{
			Index:     1,
			Kind:      media.StreamAudio,
			TimeBase:  media.Rational{Num: 1, Den: media.TimeBase},
			Audio:     media.AudioParams{Rate: s.rate, Channels: 1, Format: media.SampleS16},
			StartTime: 0,
		})
	}
	return streams
}

func (s *fakeSource) ReadPacket(ctx context.Context) (media.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := int64(s.duration * media.TimeBase)
	videoDone := s.vpos >= end
	audioDone := s.rate == 0 || s.apos >= end
	if videoDone && audioDone {
		return media.Packet{}, io.EOF
	}

	s.pos += 188
	if !videoDone && (audioDone || s.vpos <= s.apos) {
		pts := s.vpos
		s.vpos += s.frameStep()
		return s.videoPacket(pts), nil
	}
	pts := s.apos
	s.apos += int64(s.samples) * media.TimeBase / int64(s.rate)
	return s.audioPacket(pts), nil
}

func (s *fakeSource) videoPacket(pts int64) media.Packet {
	w, h := 16, 16
	decoded := &media.Frame{
		PTS:    float64(pts) / media.TimeBase,
		PktPTS: pts,
		Pos:    s.pos,
		Video: &media.VideoFrame{
			Width:   w,
			Height:  h,
			Format:  media.PixelYUV420,
			Planes:  [3][]byte{make([]byte, w*h), make([]byte, w*h/4), make([]byte, w*h/4)},
			Strides: [3]int{w, w / 2, w / 2},
		},
	}
	return media.Packet{
		Stream: 0, PTS: pts, DTS: pts, Pos: s.pos,
		Payload: make([]byte, 128), Keyframe: true, Opaque: decoded,
	}
}

func (s *fakeSource) audioPacket(pts int64) media.Packet {
	params := media.AudioParams{Rate: s.rate, Channels: 1, Format: media.SampleS16}
	data := make([]byte, s.samples*2)
	for i := 0; i < s.samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(1000)))
	}
	decoded := &media.Frame{
		PTS:    float64(pts) / media.TimeBase,
		PktPTS: pts,
		Pos:    s.pos,
		Audio:  &media.AudioFrame{Params: params, NbSamples: s.samples, Data: data},
	}
	return media.Packet{
		Stream: 1, PTS: pts, DTS: pts, Pos: s.pos,
		Payload: make([]byte, 64), Keyframe: true, Opaque: decoded,
	}
}

func (s *fakeSource) Seek(target, min, max int64, flags driver.SeekFlags) error {
	if flags&driver.SeekByte != 0 {
		return driver.ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if target < 0 {
		target = 0
	}
	if limit := int64(s.duration * media.TimeBase); target > limit {
		target = limit
	}
	step := s.frameStep()
	s.vpos = target / step * step
	if s.rate > 0 {
		astep := int64(s.samples) * media.TimeBase / int64(s.rate)
		s.apos = target / astep * astep
	}
	return nil
}

func (s *fakeSource) ReadPause() error { return nil }
func (s *fakeSource) ReadPlay() error  { return nil }
func (s *fakeSource) Close() error     { return nil }

func (s *fakeSource) OpenDecoder(stream driver.StreamInfo, opts driver.DecoderOptions) (driver.Decoder, error) {
	return &replayDecoder{}, nil
}

func (s *fakeSource) OpenSubtitleDecoder(stream driver.StreamInfo, opts driver.DecoderOptions) (driver.SubtitleDecoder, error) {
	return nil, driver.ErrUnsupported
}

// replayDecoder hands back the frames the fake source decoded eagerly.
type replayDecoder struct {
	frames   []*media.Frame
	draining bool
}

func (d *replayDecoder) SendPacket(pkt media.Packet) error {
	if pkt.Kind == media.PacketNull {
		d.draining = true
		return nil
	}
	if f, ok := pkt.Opaque.(*media.Frame); ok && f != nil {
		d.frames = append(d.frames, f)
	}
	return nil
}

func (d *replayDecoder) ReceiveFrame() (*media.Frame, error) {
	if len(d.frames) > 0 {
		f := d.frames[0]
		d.frames = d.frames[1:]
		out := *f
		return &out, nil
	}
	if d.draining {
		return nil, io.EOF
	}
	return nil, driver.ErrAgain
}

func (d *replayDecoder) Flush() {
	d.frames = nil
	d.draining = false
}

func (d *replayDecoder) Close() error { return nil }

// tickingSink emulates an audio device: once opened it pulls a buffer's
// worth of PCM on a fixed cadence until closed.
type tickingSink struct {
	mu     sync.Mutex
	paused bool
	done   chan struct{}
	once   sync.Once
}

func newTickingSink() *tickingSink {
	return &tickingSink{done: make(chan struct{})}
}

func (s *tickingSink) Open(desired driver.SinkSpec, pull func([]byte)) (driver.SinkSpec, error) {
	go func() {
		buf := make([]byte, desired.BufferBytes())
		period := time.Duration(desired.BufferFrames) * time.Second / time.Duration(desired.Params.Rate) / 2
		if period < 5*time.Millisecond {
			period = 5 * time.Millisecond
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.mu.Lock()
				paused := s.paused
				s.mu.Unlock()
				if !paused {
					pull(buf)
				}
			}
		}
	}()
	return desired, nil
}

func (s *tickingSink) Pause(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *tickingSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
