// Package tsdemux adapts the in-repo MPEG-TS demuxer as a Demuxer
// capability for transport streams read from files or SRT sockets. Video
// and audio elementary streams pass through as packets; CEA-608 caption
// payloads found in H.264 SEI units surface as a synthetic subtitle
// stream decoded by a ccx-backed SubtitleDecoder.
//
// Transport streams are forward-only here: Seek reports ErrUnsupported and
// the engine keeps playing from the current position.
package tsdemux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/zsiec/ccx"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/internal/driver/opusdec"
	"github.com/stevevista/kinema/internal/mpegts"
	"github.com/stevevista/kinema/media"
)

// CaptionStreamIndex is the synthetic stream index of the embedded
// caption track, outside the 13-bit PID space.
const CaptionStreamIndex = 0x2000

// tb90k is the transport timestamp timebase.
var tb90k = media.Rational{Num: 1, Den: mpegts.ClockRate}

// probePackets bounds how much of the stream Open consumes while waiting
// for the PMT and the first SPS.
const probePackets = 4096

// Source is one opened transport stream.
type Source struct {
	log *slog.Logger

	mu      sync.Mutex
	r       io.ReadCloser
	dmx     *mpegts.Demuxer
	cancel  context.CancelFunc
	info    driver.ContainerInfo
	streams []driver.StreamInfo

	videoPID uint16
	width    int
	height   int

	// pending holds packets produced ahead of ReadPacket: probed units and
	// caption packets split out of video SEI.
	pending []media.Packet
}

// OpenFile opens a transport stream file.
func OpenFile(path string, log *slog.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tsdemux: %w", err)
	}
	return open(path, f, false, log)
}

// OpenReader opens a live transport stream from r (an SRT conn or any
// byte source).
func OpenReader(url string, r io.ReadCloser, log *slog.Logger) (*Source, error) {
	return open(url, r, true, log)
}

func open(url string, r io.ReadCloser, realtime bool, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		log:    log.With("component", "tsdemux"),
		r:      r,
		cancel: cancel,
	}
	s.dmx = mpegts.NewDemuxer(ctx, r, nil)
	s.info = driver.ContainerInfo{
		URL:       url,
		Format:    "mpegts",
		StartTime: media.NoPTS,
		Duration:  media.NoPTS,
		RealTime:  realtime,
		Seekable:  false,
		TSDiscont: true,
	}

	if err := s.probe(); err != nil {
		cancel()
		r.Close()
		return nil, err
	}
	return s, nil
}

// probe consumes input until the stream table is known, buffering the
// demuxed units for replay.
func (s *Source) probe() error {
	for i := 0; i < probePackets; i++ {
		pes, err := s.dmx.NextPES()
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("tsdemux: probe: %w", err)
		}
		s.ingest(pes)

		streams := s.dmx.Streams()
		if len(streams) == 0 {
			continue
		}
		hasVideo := false
		for _, es := range streams {
			if es.StreamType == mpegts.StreamTypeH264 || es.StreamType == mpegts.StreamTypeH265 {
				hasVideo = true
			}
		}
		// Keep reading until the video picture size is known, so the meta
		// report carries real dimensions.
		if !hasVideo || s.width > 0 {
			break
		}
	}
	if len(s.dmx.Streams()) == 0 {
		return fmt.Errorf("tsdemux: no program table found")
	}
	s.buildStreamInfos()
	return nil
}

// buildStreamInfos projects the PMT onto driver stream descriptions, plus
// the synthetic caption stream when H.264 video is present.
func (s *Source) buildStreamInfos() {
	s.streams = s.streams[:0]
	for _, es := range s.dmx.Streams() {
		switch es.StreamType {
		case mpegts.StreamTypeH264, mpegts.StreamTypeH265:
			if s.videoPID == 0 {
				s.videoPID = es.PID
			}
			codec := "h264"
			if es.StreamType == mpegts.StreamTypeH265 {
				codec = "h265"
			}
			s.streams = append(s.streams, driver.StreamInfo{
				Index:     int(es.PID),
				Kind:      media.StreamVideo,
				TimeBase:  tb90k,
				Codec:     codec,
				Width:     s.width,
				Height:    s.height,
				FrameRate: media.Rational{Num: 30, Den: 1},
				StartTime: media.NoPTS,
			})
		case mpegts.StreamTypeAAC:
			s.streams = append(s.streams, driver.StreamInfo{
				Index:     int(es.PID),
				Kind:      media.StreamAudio,
				TimeBase:  tb90k,
				Codec:     "aac",
				StartTime: media.NoPTS,
			})
		case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
			s.streams = append(s.streams, driver.StreamInfo{
				Index:     int(es.PID),
				Kind:      media.StreamAudio,
				TimeBase:  tb90k,
				Codec:     "mp3",
				StartTime: media.NoPTS,
			})
		case mpegts.StreamTypePrivate:
			s.streams = append(s.streams, driver.StreamInfo{
				Index:     int(es.PID),
				Kind:      media.StreamData,
				TimeBase:  tb90k,
				StartTime: media.NoPTS,
			})
		}
	}
	if s.videoPID != 0 {
		s.streams = append(s.streams, driver.StreamInfo{
			Index:     CaptionStreamIndex,
			Kind:      media.StreamSubtitle,
			TimeBase:  tb90k,
			Codec:     "cea608",
			StartTime: media.NoPTS,
		})
	}
	s.log.Info("program mapped",
		"streams", len(s.streams),
		"video_pid", s.videoPID,
		"width", s.width,
		"height", s.height)
}

// ingest converts one PES unit into pending engine packets. Units on PIDs
// the PMT has not declared yet are dropped.
func (s *Source) ingest(pes *mpegts.PES) {
	streamType := s.streamTypeOf(pes.PID)
	if streamType == 0 {
		return
	}
	pts := pes.PTS
	if pts == mpegts.NoTimestamp {
		pts = media.NoPTS
	}
	dts := pes.DTS
	if dts == mpegts.NoTimestamp {
		dts = media.NoPTS
	}

	switch streamType {
	case mpegts.StreamTypeH264:
		s.ingestH264(pes, pts, dts)
	case mpegts.StreamTypeH265:
		s.pending = append(s.pending, media.Packet{
			Stream: int(pes.PID), PTS: pts, DTS: dts, Pos: pes.Pos,
			Payload: pes.Data, Keyframe: true,
		})
	case mpegts.StreamTypeAAC:
		s.ingestADTS(pes, pts)
	default:
		s.pending = append(s.pending, media.Packet{
			Stream: int(pes.PID), PTS: pts, DTS: dts, Pos: pes.Pos,
			Payload: pes.Data, Keyframe: true,
		})
	}
}

// ingestH264 emits the access unit, learns the picture size from the SPS,
// and splits caption SEI payloads into the synthetic subtitle stream.
func (s *Source) ingestH264(pes *mpegts.PES, pts, dts int64) {
	keyframe := false
	var captions []byte

	for _, nalu := range splitAnnexB(pes.Data) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case nalSPS:
			keyframe = true
			if s.width == 0 {
				if w, h, err := parseSPSDimensions(nalu); err == nil {
					s.width, s.height = w, h
				}
			}
		case nalIDR:
			keyframe = true
		case nalSEI:
			if cd := ccx.ExtractCaptions(nalu); cd != nil {
				for _, pair := range cd.CC608Pairs {
					captions = append(captions, byte(pair.Channel), pair.Data[0], pair.Data[1])
				}
			}
		}
	}

	s.pending = append(s.pending, media.Packet{
		Stream: int(pes.PID), PTS: pts, DTS: dts, Pos: pes.Pos,
		Payload: pes.Data, Keyframe: keyframe,
	})
	if len(captions) > 0 {
		s.pending = append(s.pending, media.Packet{
			Stream: CaptionStreamIndex, PTS: pts, DTS: pts, Pos: pes.Pos,
			Payload: captions,
		})
	}
}

// ingestADTS splits the PES payload into individual AAC frames, spacing
// their timestamps by the fixed AAC frame duration.
func (s *Source) ingestADTS(pes *mpegts.PES, pts int64) {
	for i, f := range splitADTS(pes.Data) {
		framePTS := pts
		if pts != media.NoPTS && f.sampleRate > 0 {
			framePTS += int64(i) * samplesPerAACFrame * mpegts.ClockRate / int64(f.sampleRate)
		}
		s.pending = append(s.pending, media.Packet{
			Stream: int(pes.PID), PTS: framePTS, DTS: framePTS, Pos: pes.Pos,
			Payload: f.data, Keyframe: true,
		})
	}
}

func (s *Source) streamTypeOf(pid uint16) uint8 {
	for _, es := range s.dmx.Streams() {
		if es.PID == pid {
			return es.StreamType
		}
	}
	return 0
}

// Info implements driver.Demuxer.
func (s *Source) Info() driver.ContainerInfo { return s.info }

// Streams implements driver.Demuxer.
func (s *Source) Streams() []driver.StreamInfo { return s.streams }

// ReadPacket implements driver.Demuxer.
func (s *Source) ReadPacket(ctx context.Context) (media.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return media.Packet{}, err
		}
		if len(s.pending) > 0 {
			pkt := s.pending[0]
			s.pending = s.pending[1:]
			return pkt, nil
		}
		pes, err := s.dmx.NextPES()
		if err != nil {
			return media.Packet{}, err
		}
		s.ingest(pes)
	}
}

// Seek implements driver.Demuxer; transport streams are forward-only.
func (s *Source) Seek(target, min, max int64, flags driver.SeekFlags) error {
	return driver.ErrUnsupported
}

// ReadPause implements driver.Demuxer.
func (s *Source) ReadPause() error { return driver.ErrUnsupported }

// ReadPlay implements driver.Demuxer.
func (s *Source) ReadPlay() error { return nil }

// Close implements driver.Demuxer.
func (s *Source) Close() error {
	s.cancel()
	return s.r.Close()
}

// OpenDecoder implements driver.DecoderFactory. Elementary Opus tracks
// decode through libopus; other TS codecs need an external decoder, so the
// engine disables those streams.
func (s *Source) OpenDecoder(stream driver.StreamInfo, opts driver.DecoderOptions) (driver.Decoder, error) {
	if stream.Kind == media.StreamAudio && (stream.Codec == "opus" || opts.CodecName == "opus") {
		return opusdec.New(stream)
	}
	return nil, driver.ErrUnsupported
}

// OpenSubtitleDecoder implements driver.DecoderFactory for the embedded
// caption stream.
func (s *Source) OpenSubtitleDecoder(stream driver.StreamInfo, opts driver.DecoderOptions) (driver.SubtitleDecoder, error) {
	if stream.Index != CaptionStreamIndex {
		return nil, driver.ErrUnsupported
	}
	return newCaptionDecoder(), nil
}
