// Package driver declares the capability interfaces the playback engine
// consumes: container demuxing, codec decode, resampling, the audio device,
// and optional filter graphs. Concrete adapters live in subpackages; the
// engine depends only on these interfaces.
package driver

import (
	"context"
	"errors"

	"github.com/stevevista/kinema/media"
)

// ErrAgain signals that a send/receive pair must be retried after draining
// or feeding the other side.
var ErrAgain = errors.New("driver: resource temporarily unavailable")

// ErrUnsupported is returned for operations an adapter cannot perform, such
// as seeking a live transport.
var ErrUnsupported = errors.New("driver: unsupported operation")

// SeekFlags modify demuxer seek behavior.
type SeekFlags uint8

// Seek flag bits.
const (
	// SeekBackward lands on the nearest syncpoint at or before the target.
	SeekBackward SeekFlags = 1 << iota
	// SeekByte interprets the target as a byte offset.
	SeekByte
	// SeekFrame interprets the target in frame-accurate terms where the
	// container supports it.
	SeekFrame
)

// Chapter is a named interval of the container timeline, in media.TimeBase
// units.
type Chapter struct {
	Start int64
	End   int64
	Title string
}

// StreamInfo describes one elementary stream of an opened container.
type StreamInfo struct {
	Index     int
	Kind      media.StreamKind
	TimeBase  media.Rational
	Codec     string
	StartTime int64 // stream timebase; media.NoPTS when unknown

	// Video
	Width, Height   int
	SAR             media.Rational
	FrameRate       media.Rational
	AttachedPic     bool
	AttachedPicData []byte

	// Audio
	Audio media.AudioParams
}

// ContainerInfo describes the opened container as a whole. Times are in
// media.TimeBase units with media.NoPTS marking unknown values.
type ContainerInfo struct {
	URL       string
	Format    string
	StartTime int64
	Duration  int64
	BitRate   int64
	Chapters  []Chapter
	RealTime  bool // live transport; pause must stop reading
	Seekable  bool
	TSDiscont bool // container timestamps may jump (transport streams)
	Info      map[string]string
}

// Demuxer reads packets from one opened container. ReadPacket honors ctx
// cancellation during blocking I/O, standing in for an interrupt callback.
// It returns io.EOF at end of stream.
type Demuxer interface {
	Info() ContainerInfo
	Streams() []StreamInfo
	ReadPacket(ctx context.Context) (media.Packet, error)
	// Seek positions the demuxer so the next packets cover target. min and
	// max bound the acceptable landing position; both are ignored unless
	// the container needs them. Units follow flags: timebase media.TimeBase,
	// or bytes with SeekByte.
	Seek(target, min, max int64, flags SeekFlags) error
	ReadPause() error
	ReadPlay() error
	Close() error
}

// Decoder is a send/receive codec for audio or video streams. SendPacket
// returns ErrAgain when the codec wants ReceiveFrame called first;
// ReceiveFrame returns ErrAgain when more input is needed and io.EOF once a
// drain (triggered by a Null packet) completes.
type Decoder interface {
	SendPacket(pkt media.Packet) error
	ReceiveFrame() (*media.Frame, error)
	Flush()
	Close() error
}

// SubtitleDecoder is the single-shot decode path for subtitle streams. A
// nil frame with nil error means the packet produced no displayable unit.
type SubtitleDecoder interface {
	DecodeSubtitle(pkt media.Packet) (*media.SubtitleFrame, error)
	Flush()
	Close() error
}

// DecoderOptions are opaque passthroughs to the codec layer.
type DecoderOptions struct {
	CodecName  string // override the container-declared codec
	Fast       bool
	GenPTS     bool
	Lowres     int
	Threads    int
	ReorderPTS int // 1 reorder, 0 decode order, -1 codec default
}

// DecoderFactory opens codecs for the streams of a container. Adapters
// bundle this with their Demuxer so codec contexts can share demuxer state.
type DecoderFactory interface {
	OpenDecoder(stream StreamInfo, opts DecoderOptions) (Decoder, error)
	OpenSubtitleDecoder(stream StreamInfo, opts DecoderOptions) (SubtitleDecoder, error)
}

// Resampler converts PCM between formats with optional sample-count
// compensation for drift correction.
type Resampler interface {
	// SetCompensation distributes delta extra (or fewer) output samples
	// across the next distance output samples.
	SetCompensation(delta, distance int) error
	// Convert consumes the frame's samples and appends converted output to
	// dst, returning the extended buffer and the produced sample count.
	Convert(in *media.AudioFrame, dst []byte) ([]byte, int, error)
	Close() error
}

// NewResamplerFunc allocates a Resampler for a source/target format pair.
type NewResamplerFunc func(src, dst media.AudioParams) (Resampler, error)

// SinkSpec is the format requested from, or negotiated with, the audio
// device. BufferFrames is the device period in sample frames.
type SinkSpec struct {
	Params       media.AudioParams
	BufferFrames int
}

// BufferBytes is the device buffer size in bytes.
func (s SinkSpec) BufferBytes() int {
	return s.BufferFrames * s.Params.FrameSize()
}

// AudioSink is a pull-model audio device: once opened it repeatedly invokes
// pull from its own thread, asking for len(buf) bytes of PCM in the
// negotiated format. Open returns the negotiated spec, which may differ
// from the desired one; callers re-negotiate by retrying with new specs.
type AudioSink interface {
	Open(desired SinkSpec, pull func(buf []byte)) (SinkSpec, error)
	Pause(paused bool)
	Close() error
}

// FilterGraph post-processes decoded frames. Configure may be called again
// whenever the input format changes; Pull returns ErrAgain when the graph
// needs more input and io.EOF after a flush drains.
type FilterGraph interface {
	Configure(desc string, in, out media.AudioParams, threads int) error
	Push(f *media.Frame) error
	Pull() (*media.Frame, error)
	Close() error
}
