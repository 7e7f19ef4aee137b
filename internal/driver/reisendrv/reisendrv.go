// Package reisendrv adapts the reisen FFmpeg bindings as the engine's
// default Demuxer and DecoderFactory for file and URL containers.
//
// reisen couples demuxing with decoding: a packet read from the container
// must be decoded through its stream before the next read. The adapter
// therefore decodes eagerly under its lock and carries the decoded frame
// through the packet's Opaque field; the paired Decoder simply hands those
// frames back on the engine's decode schedule.
package reisendrv

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/erparts/reisen"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// tb is the packet timebase the adapter emits: microseconds, derived from
// reisen's presentation offsets.
var tb = media.Rational{Num: 1, Den: media.TimeBase}

// Source is one opened container.
type Source struct {
	mu    sync.Mutex
	media *reisen.Media
	video *reisen.VideoStream
	audio *reisen.AudioStream

	info    driver.ContainerInfo
	streams []driver.StreamInfo

	videoIdx int
	audioIdx int
	eof      bool
}

// Open probes url and opens its first video and audio streams for decode.
func Open(url string) (*Source, error) {
	m, err := reisen.NewMedia(url)
	if err != nil {
		return nil, fmt.Errorf("reisendrv: open %s: %w", url, err)
	}

	s := &Source{
		media:    m,
		videoIdx: -1,
		audioIdx: -1,
	}

	if err := m.OpenDecode(); err != nil {
		m.Close()
		return nil, fmt.Errorf("reisendrv: open decode: %w", err)
	}

	var duration time.Duration
	if vs := m.VideoStreams(); len(vs) > 0 {
		s.video = vs[0]
		if err := s.video.Open(); err != nil {
			m.Close()
			return nil, fmt.Errorf("reisendrv: open video stream: %w", err)
		}
		s.videoIdx = s.video.Index()
		frNum, frDen := s.video.FrameRate()
		st := driver.StreamInfo{
			Index:     s.videoIdx,
			Kind:      media.StreamVideo,
			TimeBase:  tb,
			Width:     s.video.Width(),
			Height:    s.video.Height(),
			FrameRate: media.Rational{Num: frNum, Den: frDen},
			StartTime: 0,
		}
		s.streams = append(s.streams, st)
		if d, err := s.video.Duration(); err == nil && d > duration {
			duration = d
		}
	}
	if as := m.AudioStreams(); len(as) > 0 {
		s.audio = as[0]
		if err := s.audio.Open(); err != nil {
			m.Close()
			return nil, fmt.Errorf("reisendrv: open audio stream: %w", err)
		}
		s.audioIdx = s.audio.Index()
		st := driver.StreamInfo{
			Index:    s.audioIdx,
			Kind:     media.StreamAudio,
			TimeBase: tb,
			Audio: media.AudioParams{
				Rate:     s.audio.SampleRate(),
				Channels: s.audio.ChannelCount(),
				Format:   media.SampleS16,
			},
			StartTime: 0,
		}
		s.streams = append(s.streams, st)
		if d, err := s.audio.Duration(); err == nil && d > duration {
			duration = d
		}
	}

	s.info = driver.ContainerInfo{
		URL:       url,
		Format:    "container",
		StartTime: 0,
		Duration:  duration.Microseconds(),
		Seekable:  !isNetworkURL(url),
		RealTime:  isNetworkURL(url),
	}
	if s.info.Duration == 0 {
		s.info.Duration = media.NoPTS
	}
	return s, nil
}

func isNetworkURL(url string) bool {
	for _, p := range []string{"rtsp:", "rtmp:", "mmsh:", "udp:", "rtp:"} {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

// Info implements driver.Demuxer.
func (s *Source) Info() driver.ContainerInfo { return s.info }

// Streams implements driver.Demuxer.
func (s *Source) Streams() []driver.StreamInfo { return s.streams }

// ReadPacket reads and eagerly decodes the next packet. The decoded frame
// rides in Packet.Opaque for the paired Decoder.
func (s *Source) ReadPacket(ctx context.Context) (media.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return media.Packet{}, err
		}
		pkt, ok, err := s.media.ReadPacket()
		if err != nil {
			return media.Packet{}, err
		}
		if !ok {
			s.eof = true
			return media.Packet{}, io.EOF
		}

		switch pkt.Type() {
		case reisen.StreamVideo:
			if pkt.StreamIndex() != s.videoIdx {
				continue
			}
			frame, _, err := s.video.ReadVideoFrame()
			if err != nil {
				return media.Packet{}, err
			}
			if frame == nil {
				continue // decoder skipped this packet
			}
			offset, err := frame.PresentationOffset()
			if err != nil {
				return media.Packet{}, err
			}
			decoded := &media.Frame{
				PTS:    offset.Seconds(),
				PktPTS: offset.Microseconds(),
				Pos:    -1,
				Video: &media.VideoFrame{
					Width:   s.video.Width(),
					Height:  s.video.Height(),
					Format:  media.PixelRGBA,
					Planes:  [3][]byte{frame.Data()},
					Strides: [3]int{s.video.Width() * 4},
				},
			}
			return media.Packet{
				Stream:   s.videoIdx,
				PTS:      offset.Microseconds(),
				DTS:      offset.Microseconds(),
				Pos:      -1,
				Payload:  pkt.Data(),
				Keyframe: true,
				Opaque:   decoded,
			}, nil

		case reisen.StreamAudio:
			if pkt.StreamIndex() != s.audioIdx {
				continue
			}
			frame, _, err := s.audio.ReadAudioFrame()
			if err != nil {
				return media.Packet{}, err
			}
			if frame == nil {
				continue
			}
			offset, err := frame.PresentationOffset()
			if err != nil {
				return media.Packet{}, err
			}
			params := media.AudioParams{
				Rate:     s.audio.SampleRate(),
				Channels: s.audio.ChannelCount(),
				Format:   media.SampleS16,
			}
			data := frame.Data()
			decoded := &media.Frame{
				PTS:    offset.Seconds(),
				PktPTS: offset.Microseconds(),
				Pos:    -1,
				Audio: &media.AudioFrame{
					Params:    params,
					NbSamples: len(data) / params.FrameSize(),
					Data:      data,
				},
			}
			return media.Packet{
				Stream:   s.audioIdx,
				PTS:      offset.Microseconds(),
				DTS:      offset.Microseconds(),
				Pos:      -1,
				Payload:  pkt.Data(),
				Keyframe: true,
				Opaque:   decoded,
			}, nil

		default:
			continue
		}
	}
}

// Seek rewinds the opened streams to target microseconds. Byte seeks are
// not representable through reisen.
func (s *Source) Seek(target, min, max int64, flags driver.SeekFlags) error {
	if flags&driver.SeekByte != 0 {
		return driver.ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if target < 0 {
		target = 0
	}
	d := time.Duration(target) * time.Microsecond
	if s.video != nil {
		if err := s.video.Rewind(d); err != nil {
			return err
		}
	}
	if s.audio != nil {
		if err := s.audio.Rewind(d); err != nil {
			return err
		}
	}
	s.eof = false
	return nil
}

// ReadPause implements driver.Demuxer; file sources have nothing to pause.
func (s *Source) ReadPause() error { return driver.ErrUnsupported }

// ReadPlay implements driver.Demuxer.
func (s *Source) ReadPlay() error { return nil }

// Close releases the container and its codec contexts.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video != nil {
		s.video.Close()
	}
	if s.audio != nil {
		s.audio.Close()
	}
	s.media.CloseDecode()
	s.media.Close()
	return nil
}

// OpenDecoder implements driver.DecoderFactory with the pass-through
// decoder for eagerly decoded packets.
func (s *Source) OpenDecoder(stream driver.StreamInfo, opts driver.DecoderOptions) (driver.Decoder, error) {
	switch stream.Kind {
	case media.StreamVideo, media.StreamAudio:
		return &passDecoder{}, nil
	}
	return nil, driver.ErrUnsupported
}

// OpenSubtitleDecoder implements driver.DecoderFactory; reisen exposes no
// subtitle decode path.
func (s *Source) OpenSubtitleDecoder(stream driver.StreamInfo, opts driver.DecoderOptions) (driver.SubtitleDecoder, error) {
	return nil, driver.ErrUnsupported
}

// passDecoder replays the frames the demuxer decoded eagerly, honoring the
// engine's send/receive and drain contract.
type passDecoder struct {
	frames   []*media.Frame
	draining bool
}

func (d *passDecoder) SendPacket(pkt media.Packet) error {
	if pkt.Kind == media.PacketNull {
		d.draining = true
		return nil
	}
	if f, ok := pkt.Opaque.(*media.Frame); ok && f != nil {
		d.frames = append(d.frames, f)
	}
	return nil
}

func (d *passDecoder) ReceiveFrame() (*media.Frame, error) {
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

func (d *passDecoder) Flush() {
	d.frames = nil
	d.draining = false
}

func (d *passDecoder) Close() error { return nil }
